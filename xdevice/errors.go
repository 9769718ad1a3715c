package xdevice

import "fmt"

// ContextClosedError indicates an operation against a hardware context
// that is closed, or a handle that was never open.
type ContextClosedError struct {
	Name string
}

func (e ContextClosedError) Error() string {
	return fmt.Sprintf("hardware context %s is closed", e.Name)
}

// ClientClosedError indicates an operation against a closed client.
type ClientClosedError struct {
	Client string
}

func (e ClientClosedError) Error() string {
	return fmt.Sprintf("client %s is closed", e.Client)
}

// DeviceDetachedError indicates an operation against a detached device.
type DeviceDetachedError struct {
	Device string
}

func (e DeviceDetachedError) Error() string {
	return fmt.Sprintf("device %s is detached", e.Device)
}

// NoFreeHandlesError indicates the client's context table is full.
type NoFreeHandlesError struct {
	Client string
}

func (e NoFreeHandlesError) Error() string {
	return fmt.Sprintf("client %s has no free context handles", e.Client)
}

package xdevice

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Context handles come from a fixed per-client space;
// bit 0 stays reserved as [InvalidContextHandle].
const handleSpace = 256

// Client is one opener of the device, a process in the real driver.
// It owns a table of hardware contexts addressed by handle.
type Client struct {
	log *slog.Logger

	dev  *Device
	name string

	cmu      sync.RWMutex
	handles  *bitset.BitSet
	contexts map[ContextHandle]*HWContext
	closed   bool
}

// Name returns the name the client was opened with.
func (c *Client) Name() string { return c.name }

// OpenContext publishes a new hardware context under the lowest free
// handle.
func (c *Client) OpenContext() (*HWContext, error) {
	c.cmu.Lock()
	defer c.cmu.Unlock()

	if c.closed {
		return nil, ClientClosedError{Client: c.name}
	}

	h, ok := c.handles.NextClear(1)
	if !ok || h >= handleSpace {
		return nil, NoFreeHandlesError{Client: c.name}
	}
	c.handles.Set(h)

	hc := &HWContext{
		name:   fmt.Sprintf("%s/%d", c.name, h),
		handle: ContextHandle(h),
		client: c,
	}

	// The sampling baseline starts at the completion count,
	// so a fresh context reads as drained, never as stalled.
	hc.lastSampled.Store(hc.completed.Load())

	c.contexts[hc.handle] = hc

	c.log.Debug("Opened hardware context", "ctx", hc.name)
	return hc, nil
}

// CloseContext unpublishes the context with the given handle.
// The handle becomes reusable immediately.
func (c *Client) CloseContext(h ContextHandle) error {
	c.cmu.Lock()
	hc := c.contexts[h]
	if hc == nil {
		c.cmu.Unlock()
		return ContextClosedError{Name: fmt.Sprintf("%s/%d", c.name, h)}
	}
	delete(c.contexts, h)
	c.handles.Clear(uint(h))
	c.cmu.Unlock()

	hc.closed.Store(true)

	c.log.Debug("Closed hardware context", "ctx", hc.name)
	return nil
}

// Close closes every context the client still has open
// and removes the client from its device.
// Safe to call more than once.
func (c *Client) Close() {
	c.cmu.Lock()
	if c.closed {
		c.cmu.Unlock()
		return
	}
	c.closed = true

	open := make([]*HWContext, 0, len(c.contexts))
	for _, hc := range c.contexts {
		open = append(open, hc)
	}
	clear(c.contexts)
	c.handles.ClearAll()
	c.cmu.Unlock()

	for _, hc := range open {
		hc.closed.Store(true)
	}

	c.dev.removeClient(c)

	c.log.Debug("Client closed", "open_contexts", len(open))
}

// appendContexts snapshots the live contexts in handle order.
func (c *Client) appendContexts(dst []*HWContext) []*HWContext {
	c.cmu.RLock()
	defer c.cmu.RUnlock()

	for h, ok := c.handles.NextSet(1); ok && h < handleSpace; h, ok = c.handles.NextSet(h + 1) {
		if hc := c.contexts[ContextHandle(h)]; hc != nil {
			dst = append(dst, hc)
		}
	}
	return dst
}

package xdevice

import (
	"context"

	"github.com/SamuelBayliss/xdna-driver/xcmd"
)

// ExecRequest is one command handed to the backend.
type ExecRequest struct {
	// Context names the hardware context that submitted the command.
	Context string

	// Cmd is the command, already encoded into its command buffer.
	Cmd *xcmd.ExecBuf

	// Finish reports the command's terminal state.
	// Calling it more than once is safe; only the first call counts.
	Finish func(xcmd.State)
}

// Backend executes commands for a device.
type Backend interface {
	// Submit enqueues one request, blocking until the backend accepts
	// it or ctx is done.
	// Acceptance is not completion; the backend reports completion
	// through [ExecRequest.Finish].
	Submit(ctx context.Context, req *ExecRequest) error
}

// Recoverer is the optional reset surface of a [Backend].
// A backend implementing it declares the device recoverable,
// which is what arms the watchdog in [Attach].
type Recoverer interface {
	// Recover resets the engine.
	// Everything queued or in flight must reach a terminal state
	// before Recover returns.
	Recover(ctx context.Context) error
}

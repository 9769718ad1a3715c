package xdevice

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xtdr"
)

// ContextHandle identifies a hardware context within one client.
type ContextHandle uint32

// InvalidContextHandle is never allocated.
const InvalidContextHandle ContextHandle = 0

// HWContext is one hardware context: the slice of the device a single
// client submits commands through.
//
// The submitted and completed counters drive hang detection;
// [xtdr.Context] defines their meaning to the sampler.
type HWContext struct {
	name   string
	handle ContextHandle

	client *Client

	closed atomic.Bool

	seq       atomic.Uint64
	submitted atomic.Uint64
	completed atomic.Uint64

	// Sampling baseline. Only the sampling pass writes it;
	// atomic so status snapshots can read it concurrently.
	lastSampled atomic.Uint64
}

var _ xtdr.Context = (*HWContext)(nil)

// Name returns "<client>/<handle>".
func (h *HWContext) Name() string { return h.name }

// Handle returns the client-scoped handle.
func (h *HWContext) Handle() ContextHandle { return h.handle }

func (h *HWContext) Submitted() uint64 { return h.submitted.Load() }

func (h *HWContext) Completed() uint64 { return h.completed.Load() }

func (h *HWContext) LastSampledCompleted() uint64 { return h.lastSampled.Load() }

func (h *HWContext) SetLastSampledCompleted(v uint64) { h.lastSampled.Store(v) }

// Close unpublishes the context from its client.
// Submissions already accepted still run to completion,
// and their counter updates still land.
func (h *HWContext) Close() error {
	return h.client.CloseContext(h.handle)
}

// Submit hands one encoded command to the device.
//
// The submitted counter moves before the backend sees the request.
// If the backend refuses the request, the submission is finished as
// [xcmd.StateAbort] so the completed counter catches back up,
// and the backend's error is returned.
func (h *HWContext) Submit(ctx context.Context, eb *xcmd.ExecBuf) (*Submission, error) {
	if h.closed.Load() {
		return nil, ContextClosedError{Name: h.name}
	}
	d := h.client.dev
	if d.detached.Load() {
		return nil, DeviceDetachedError{Device: d.name}
	}

	sub := newSubmission(h.seq.Add(1))
	h.submitted.Add(1)

	req := &ExecRequest{
		Context: h.name,
		Cmd:     eb,
		Finish: func(st xcmd.State) {
			h.finishSubmission(sub, st)
		},
	}

	if err := d.backend.Submit(ctx, req); err != nil {
		h.finishSubmission(sub, xcmd.StateAbort)
		return nil, fmt.Errorf("backend refused submission %d on %s: %w", sub.Seq(), h.name, err)
	}

	return sub, nil
}

// finishSubmission moves s to a terminal state exactly once.
// The completed counter moves before waiters wake, so a status read
// issued after Wait returns always counts this submission.
func (h *HWContext) finishSubmission(s *Submission, st xcmd.State) {
	if !s.claimFinish(st) {
		return
	}
	h.completed.Add(1)
	s.wake()
}

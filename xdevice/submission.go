package xdevice

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/SamuelBayliss/xdna-driver/xcmd"
)

// Submission is one in-flight command on a hardware context.
type Submission struct {
	seq uint64

	finished atomic.Bool
	state    atomic.Uint32

	done chan struct{}
}

func newSubmission(seq uint64) *Submission {
	s := &Submission{
		seq:  seq,
		done: make(chan struct{}),
	}
	s.state.Store(uint32(xcmd.StateQueued))
	return s
}

// Seq is the submission's sequence number, unique within its context.
func (s *Submission) Seq() uint64 { return s.seq }

// State is the submission's current state.
func (s *Submission) State() xcmd.State { return xcmd.State(s.state.Load()) }

// Done is closed once the submission reaches a terminal state.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait blocks until the submission finishes or ctx is done.
// The returned state is terminal exactly when the error is nil.
func (s *Submission) Wait(ctx context.Context) (xcmd.State, error) {
	select {
	case <-ctx.Done():
		return s.State(), ctx.Err()
	case <-s.done:
		return s.State(), nil
	}
}

// claimFinish claims the move to a terminal state.
// Only the first claim per submission succeeds.
// The claimant calls wake once its bookkeeping has landed.
func (s *Submission) claimFinish(st xcmd.State) bool {
	if !st.Terminal() {
		panic(fmt.Errorf("BUG: submission finished with non-terminal state %v", st))
	}

	if !s.finished.CompareAndSwap(false, true) {
		return false
	}

	s.state.Store(uint32(st))
	return true
}

// wake releases Wait and Done.
func (s *Submission) wake() { close(s.done) }

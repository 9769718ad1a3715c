// Package xnpu simulates the execution side of an NPU:
// a submission queue feeding a fixed set of columns,
// which interpret command packets against their buffer arguments.
//
// The simulated engine misbehaves on request.
// [*NPU.Wedge] holds every started command without retiring it,
// and a command whose instruction stream contains an unrecognized
// word parks its column until the next reset.
// Both produce the stalled-context condition a watchdog acts on.
package xnpu

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SamuelBayliss/xdna-driver/internal/xchan"
	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xdevice"
)

// Config is the simulated hardware shape.
type Config struct {
	// Columns is how many commands the engine executes concurrently.
	// Values below 1 are treated as 1.
	Columns int

	// ExecDelay stretches every instruction-carrying command by this
	// much simulated execution time.
	// Zero retires commands as fast as they are interpreted.
	// Sync commands always retire immediately.
	ExecDelay time.Duration

	// QueueDepth is the submission queue capacity.
	// Values below 1 default to twice the column count.
	QueueDepth int
}

// NPU is the simulated engine.
//
// All methods are safe for concurrent use.
// The engine runs until the context given to [New] is canceled;
// after that, [*NPU.Submit] reports [QueueClosedError].
type NPU struct {
	log *slog.Logger
	cfg Config

	// Engine lifetime, for requests that originate outside
	// any caller-supplied context (Wedge, Stats).
	ctx context.Context

	subs chan *xdevice.ExecRequest

	// Unbuffered, so the kernel fully handles each event before a
	// column can send the next one. The per-column event order is
	// what keeps the in-flight table consistent.
	starts  chan startRequest
	parks   chan parkRequest
	retires chan retireEvent

	wedges        chan wedgeRequest
	resets        chan resetRequest
	statsRequests chan chan Stats

	accepted atomic.Uint64

	workerWG sync.WaitGroup
	done     chan struct{}
}

// startRequest asks the kernel for clearance to execute a command.
// The kernel registers the command as in flight and, while the engine
// is wedged, hands back a wake channel instead of clearance.
type startRequest struct {
	Col int
	Req *xdevice.ExecRequest

	// Buffered, so the kernel never blocks replying.
	Resp chan startDirective
}

type startDirective struct {
	// Non-nil when the column must hold the command;
	// the received value says how to proceed.
	Wake <-chan wakeReason
}

// parkRequest reports a column stuck on an instruction word
// no engine revision recognizes.
type parkRequest struct {
	Col int

	// Buffered; receives the wake channel to wait on.
	Resp chan (<-chan wakeReason)
}

// retireEvent reports the terminal state a column computed for the
// command it holds. The kernel, not the column, writes the state word
// and finishes the submission, so a concurrent reset cannot race a
// retiring column.
type retireEvent struct {
	Col   int
	State xcmd.State
}

type wedgeRequest struct {
	On      bool
	Handled chan struct{}
}

type resetRequest struct {
	Handled chan struct{}
}

// wakeReason tells a parked column why it was woken.
type wakeReason uint8

const (
	// wakeResume clears a wedge park; the column executes the held command.
	wakeResume wakeReason = iota

	// wakeReset follows an engine reset. The reset already aborted
	// the held command, so the column just drops it.
	wakeReset
)

// parkedColumn is the kernel's record of a column that is holding a
// command instead of executing it.
type parkedColumn struct {
	Wake chan wakeReason

	// Wedged parks resume on unwedge; instruction faults only
	// clear on reset.
	Wedged bool
}

func New(ctx context.Context, log *slog.Logger, cfg Config) *NPU {
	if cfg.Columns < 1 {
		cfg.Columns = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 2 * cfg.Columns
	}

	e := &NPU{
		log: log,
		cfg: cfg,

		ctx: ctx,

		subs: make(chan *xdevice.ExecRequest, cfg.QueueDepth),

		starts:  make(chan startRequest),
		parks:   make(chan parkRequest),
		retires: make(chan retireEvent),

		wedges:        make(chan wedgeRequest),
		resets:        make(chan resetRequest),
		statsRequests: make(chan chan Stats),

		done: make(chan struct{}),
	}

	go e.kernel(ctx)

	e.workerWG.Add(cfg.Columns)
	for i := range cfg.Columns {
		c := &column{
			log:    log.With("col", i),
			id:     i,
			engine: e,
		}
		go c.run(ctx, &e.workerWG)
	}

	return e
}

func (e *NPU) kernel(ctx context.Context) {
	defer close(e.done)

	ctx, task := trace.NewTask(ctx, "NPU.kernel")
	defer task.End()

	// Kernel-owned engine state.
	// Columns never touch any of this directly;
	// everything flows through the event channels.
	var (
		wedged bool

		// Commands currently held by a column, keyed by column.
		inflight = make(map[int]*xdevice.ExecRequest)

		// Columns holding a command instead of executing, keyed by column.
		parked = make(map[int]parkedColumn)

		completed, errored, aborted uint64
	)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Engine kernel stopping", "cause", context.Cause(ctx))
			return

		case req := <-e.starts:
			req.Req.Cmd.StoreState(xcmd.StateRunning)
			inflight[req.Col] = req.Req

			var dir startDirective
			if wedged {
				wake := make(chan wakeReason, 1)
				parked[req.Col] = parkedColumn{Wake: wake, Wedged: true}
				dir.Wake = wake
			}
			req.Resp <- dir

		case req := <-e.parks:
			wake := make(chan wakeReason, 1)
			parked[req.Col] = parkedColumn{Wake: wake}
			req.Resp <- wake

		case ev := <-e.retires:
			sub, ok := inflight[ev.Col]
			if !ok {
				// A reset raced the column's retirement; the reset
				// already aborted this command and counted it.
				continue
			}
			delete(inflight, ev.Col)

			sub.Cmd.StoreState(ev.State)
			sub.Finish(ev.State)

			switch ev.State {
			case xcmd.StateCompleted:
				completed++
			case xcmd.StateError:
				errored++
			default:
				panic(fmt.Errorf("BUG: column retired command in state %s", ev.State))
			}

		case req := <-e.wedges:
			wedged = req.On
			if !wedged {
				for col, p := range parked {
					if !p.Wedged {
						continue
					}
					p.Wake <- wakeResume
					delete(parked, col)
				}
			}
			close(req.Handled)

		case req := <-e.resets:
			drained := 0
		Drain:
			for {
				select {
				case sub := <-e.subs:
					abort(sub)
					aborted++
					drained++
				default:
					break Drain
				}
			}

			inFlight := len(inflight)
			for col, sub := range inflight {
				abort(sub)
				aborted++
				delete(inflight, col)
			}

			for col, p := range parked {
				p.Wake <- wakeReset
				delete(parked, col)
			}

			wedged = false

			e.log.Info(
				"Engine reset",
				"drained", drained,
				"aborted_in_flight", inFlight,
			)
			close(req.Handled)

		case resp := <-e.statsRequests:
			resp <- Stats{
				Accepted:      e.accepted.Load(),
				Completed:     completed,
				Errored:       errored,
				Aborted:       aborted,
				Wedged:        wedged,
				ParkedColumns: len(parked),
			}
		}
	}
}

// abort retires a command the engine will never execute.
func abort(sub *xdevice.ExecRequest) {
	sub.Cmd.StoreState(xcmd.StateAbort)
	sub.Finish(xcmd.StateAbort)
}

// Wait blocks until the engine's background work has finished.
func (e *NPU) Wait() {
	<-e.done
	e.workerWG.Wait()
}

// Submit implements [xdevice.Backend].
// It blocks while the queue is full and reports [QueueClosedError]
// once the engine has shut down.
//
// A submission racing engine shutdown can still be accepted and then
// never executed, so callers should wait on results with a context
// tied to the engine's lifetime.
func (e *NPU) Submit(ctx context.Context, sub *xdevice.ExecRequest) error {
	select {
	case <-e.done:
		return QueueClosedError{Cause: context.Cause(e.ctx)}
	default:
	}

	// Before the enqueue, so the state word cannot go backwards
	// if a column picks the command up immediately.
	sub.Cmd.StoreState(xcmd.StateQueued)

	select {
	case e.subs <- sub:
		e.accepted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return QueueClosedError{Cause: context.Cause(e.ctx)}
	}
}

// Wedge makes the engine hold every subsequently started command
// without retiring it, while still accepting submissions.
// A watchdog observes exactly what wedged silicon produces:
// submissions advance and completions stall.
func (e *NPU) Wedge() { e.setWedged(true) }

// Unwedge releases a wedge, and every command held by it proceeds.
// Columns parked on an instruction fault stay parked;
// only a reset clears those.
func (e *NPU) Unwedge() { e.setWedged(false) }

func (e *NPU) setWedged(on bool) {
	req := wedgeRequest{On: on, Handled: make(chan struct{})}
	_, _ = xchan.ReqResp(
		e.ctx, e.log,
		e.wedges, req,
		req.Handled,
		"sending wedge request to engine kernel",
	)
}

// Recover implements [xdevice.Recoverer] with a full engine reset:
// queued commands are drained, held and in-flight commands are
// aborted, parked columns are released, and any wedge is cleared.
// Every submission the engine was holding reaches a terminal state
// before Recover returns.
func (e *NPU) Recover(ctx context.Context) error {
	req := resetRequest{Handled: make(chan struct{})}

	select {
	case e.resets <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return QueueClosedError{Cause: context.Cause(e.ctx)}
	}

	select {
	case <-req.Handled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return QueueClosedError{Cause: context.Cause(e.ctx)}
	}
}

// Stats reports a snapshot of the engine counters.
// A shut-down engine reports zero stats.
func (e *NPU) Stats() Stats {
	resp := make(chan Stats, 1)
	st, _ := xchan.ReqResp(
		e.ctx, e.log,
		e.statsRequests, resp,
		resp,
		"requesting engine stats",
	)
	return st
}

// Stats is a snapshot of the engine's execution counters.
type Stats struct {
	// Accepted counts submissions taken into the queue.
	Accepted uint64

	// Completed, Errored, and Aborted count retired commands
	// by terminal state.
	Completed uint64
	Errored   uint64
	Aborted   uint64

	// Wedged reports whether the engine is currently wedged.
	Wedged bool

	// ParkedColumns is how many columns are holding a command
	// instead of executing it.
	ParkedColumns int
}

// LogValue implements [slog.LogValuer].
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("accepted", s.Accepted),
		slog.Uint64("completed", s.Completed),
		slog.Uint64("errored", s.Errored),
		slog.Uint64("aborted", s.Aborted),
		slog.Bool("wedged", s.Wedged),
		slog.Int("parked_columns", s.ParkedColumns),
	)
}

// QueueClosedError indicates a submission arrived after the engine
// shut down.
type QueueClosedError struct {
	// Cause is why the engine stopped.
	Cause error
}

func (e QueueClosedError) Error() string {
	return fmt.Sprintf("submission queue closed: %v", e.Cause)
}

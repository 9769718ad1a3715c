package xtdr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SamuelBayliss/xdna-driver/xassert"
)

// TDR watches one device for stalled work and drives its recovery.
//
// A zero TDR is not usable; construct with [New].
// Start and Stop may be called repeatedly, in pairs.
type TDR struct {
	log *slog.Logger

	reg Registry
	cfg Config

	// Lifetime count of recovery attempts.
	// Monotonic across Stop/Start cycles.
	attempts atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
}

// RecoverFunc resets a stalled device.
// The watchdog treats it as opaque: a returned error is logged,
// never acted upon, and the next stalled tick will simply call it again.
type RecoverFunc func(ctx context.Context) error

// Config configures a TDR instance.
type Config struct {
	// How often to sample the device's contexts.
	// Zero disables the watchdog: Start becomes a no-op.
	Timeout time.Duration

	// Invoked on the sampling goroutine when the device is stalled.
	// Nil means the device does not support recovery,
	// which also makes Start a no-op.
	Recover RecoverFunc

	// Assertion environment for debug builds.
	Assertions xassert.Env
}

func (c Config) validate() error {
	var err error
	if c.Timeout < 0 {
		err = errors.Join(err, errors.New("Config.Timeout must not be negative"))
	}
	return err
}

// New returns a TDR sampling reg under cfg.
// The watchdog does not run until [*TDR.Start] is called.
func New(log *slog.Logger, reg Registry, cfg Config) *TDR {
	if reg == nil {
		panic(errors.New("BUG: xtdr.New called with nil registry"))
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("xtdr.New: Config is invalid: %w", err))
	}

	return &TDR{
		log: log,
		reg: reg,
		cfg: cfg,
	}
}

// Start arms the watchdog.
//
// If the config carries no recovery callback or a zero timeout,
// Start logs at debug level and does nothing;
// the device then runs without hang detection.
// Starting an already started TDR is a no-op with a warning.
//
// The sampling goroutines stop when ctx is canceled or [*TDR.Stop]
// is called, whichever comes first.
func (t *TDR) Start(ctx context.Context) {
	if t.cfg.Recover == nil {
		t.log.Debug("Device does not support recovery; watchdog not started")
		return
	}
	if t.cfg.Timeout == 0 {
		t.log.Debug("Watchdog timeout configured to zero; watchdog not started")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		t.log.Warn("Ignoring Start call on already started watchdog")
		return
	}

	tCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg = new(sync.WaitGroup)
	t.started = true

	// Capacity 1 so that ticks arriving while a sampling pass runs
	// coalesce into a single pending pass.
	ticks := make(chan struct{}, 1)

	t.wg.Add(2)
	go t.runTimer(tCtx, t.wg, ticks)
	go t.kernel(tCtx, t.wg, ticks)

	t.log.Info("Watchdog started", "interval", t.cfg.Timeout)
}

// Stop disarms the watchdog and waits for its goroutines to finish.
// A sampling pass in flight when Stop is called runs to completion;
// no pass begins after Stop returns.
// Stop on a stopped or never-started TDR is a no-op.
func (t *TDR) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return
	}

	t.cancel()
	t.wg.Wait()

	t.started = false
	t.log.Info("Watchdog stopped")
}

// Attempts reports the lifetime count of recovery attempts.
// The counter is never reset, surviving Stop/Start cycles.
func (t *TDR) Attempts() uint64 {
	return t.attempts.Load()
}

// Started reports whether the watchdog is currently armed.
func (t *TDR) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// runTimer fires a tick every cfg.Timeout.
// Rearming is immediate and independent of sampling:
// a slow pass or a slow recovery callback never delays the timer,
// it only causes the meanwhile-elapsed ticks to coalesce.
func (t *TDR) runTimer(ctx context.Context, wg *sync.WaitGroup, ticks chan<- struct{}) {
	defer wg.Done()

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			select {
			case ticks <- struct{}{}:
			default:
				// A pass is already pending.
			}
			timer.Reset(t.cfg.Timeout)
		}
	}
}

// kernel runs sampling passes, one per received tick.
func (t *TDR) kernel(ctx context.Context, wg *sync.WaitGroup, ticks <-chan struct{}) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-ticks:
			// A tick that raced with cancellation must not
			// start a pass; cancellation wins.
			select {
			case <-ctx.Done():
				t.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
				return
			default:
			}

			t.runTick(ctx)
		}
	}
}

// runTick performs one sampling pass and, on a stall, one recovery attempt.
func (t *TDR) runTick(ctx context.Context) {
	c := t.samplePass()
	if c != Stalled {
		t.log.Debug("Sampling pass complete", "classification", c)
		return
	}

	n := t.attempts.Add(1)
	t.log.Warn("Device stalled; recovering", "attempt", n)

	if err := t.cfg.Recover(ctx); err != nil {
		t.log.Error("Recovery attempt reported an error", "attempt", n, "err", err)
	}
}

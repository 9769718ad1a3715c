package xdevice

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SamuelBayliss/xdna-driver/xassert"
	"github.com/SamuelBayliss/xdna-driver/xstore"
	"github.com/SamuelBayliss/xdna-driver/xtdr"
	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
)

// Config configures one attached device.
type Config struct {
	// Name identifies the device in logs, journals, and status reports.
	Name string

	// Backend executes submissions.
	// If it also implements [Recoverer], the watchdog is armed.
	Backend Backend

	// TDRTimeout is the watchdog sampling interval.
	// Zero leaves the watchdog off.
	TDRTimeout time.Duration

	// Store, when set, receives one event per recovery.
	Store xstore.RecoveryStore

	// Assertions to apply during sampling in debug builds.
	Assertions xassert.Env
}

// Device is one attached NPU.
type Device struct {
	log *slog.Logger

	name string

	backend Backend
	store   xstore.RecoveryStore

	tdr *xtdr.TDR

	detached atomic.Bool

	mu      sync.Mutex
	clients []*Client
}

var _ xtdr.Registry = (*Device)(nil)

// Attach brings up a device and starts its watchdog.
//
// Watchdog coverage needs both a positive TDRTimeout and a backend
// implementing [Recoverer]; without either the device still works,
// it just runs unguarded.
func Attach(ctx context.Context, log *slog.Logger, cfg Config) (*Device, error) {
	if cfg.Backend == nil {
		panic(errors.New("BUG: xdevice.Attach called with nil backend"))
	}
	if cfg.Name == "" {
		return nil, errors.New("device name must not be empty")
	}
	if cfg.TDRTimeout < 0 {
		return nil, errors.New("TDR timeout must not be negative")
	}

	d := &Device{
		log: log,

		name: cfg.Name,

		backend: cfg.Backend,
		store:   cfg.Store,
	}

	var rec xtdr.RecoverFunc
	if r, ok := cfg.Backend.(Recoverer); ok {
		rec = d.recoverWith(r)
	}

	d.tdr = xtdr.New(log.With("sys", "tdr"), d, xtdr.Config{
		Timeout:    cfg.TDRTimeout,
		Recover:    rec,
		Assertions: cfg.Assertions,
	})
	d.tdr.Start(ctx)

	log.Info("Device attached", "device", d.name)
	return d, nil
}

// recoverWith builds the watchdog's recovery callback.
// The journal write happens before the engine reset so the recorded
// counters are the stalled ones, and a journal failure never blocks
// the reset.
func (d *Device) recoverWith(r Recoverer) xtdr.RecoverFunc {
	return func(ctx context.Context) error {
		ev := xstore.RecoveryEvent{
			ID:      uuid.New(),
			Device:  d.name,
			Attempt: d.tdr.Attempts(),
			Time:    time.Now().UTC(),
		}
		d.RangeContexts(func(hc xtdr.Context) bool {
			ev.Contexts = append(ev.Contexts, xstore.ContextSample{
				Name:        hc.Name(),
				Submitted:   hc.Submitted(),
				Completed:   hc.Completed(),
				LastSampled: hc.LastSampledCompleted(),
			})
			return true
		})

		if d.store != nil {
			if err := d.store.SaveRecoveryEvent(ctx, ev); err != nil {
				d.log.Warn(
					"Failed to journal recovery event; recovering anyway",
					"id", ev.ID,
					"err", err,
				)
			}
		}

		return r.Recover(ctx)
	}
}

// Detach stops the watchdog, closes every client, and marks the device
// detached. Safe to call more than once.
func (d *Device) Detach() {
	if !d.detached.CompareAndSwap(false, true) {
		return
	}

	// Stop before touching clients, and without holding mu:
	// an in-flight sampling pass may be inside RangeContexts.
	d.tdr.Stop()

	d.mu.Lock()
	clients := slices.Clone(d.clients)
	d.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	d.log.Info("Device detached", "device", d.name)
}

// OpenClient registers a new client of the device.
func (d *Device) OpenClient(name string) (*Client, error) {
	c := &Client{
		log: d.log.With("client", name),

		dev:  d,
		name: name,

		handles:  bitset.New(handleSpace),
		contexts: make(map[ContextHandle]*HWContext),
	}

	d.mu.Lock()
	if d.detached.Load() {
		d.mu.Unlock()
		return nil, DeviceDetachedError{Device: d.name}
	}
	d.clients = append(d.clients, c)
	d.mu.Unlock()

	d.log.Debug("Client opened", "client", name)
	return c, nil
}

func (d *Device) removeClient(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clients = slices.DeleteFunc(d.clients, func(x *Client) bool {
		return x == c
	})
}

// RangeContexts yields every live context, clients in open order and
// contexts in handle order within a client, until fn returns false.
//
// The walk runs against a snapshot taken under the device and client
// locks; opens and closes racing the walk only ever block during the
// snapshot copy.
func (d *Device) RangeContexts(fn func(xtdr.Context) bool) {
	d.mu.Lock()
	snap := make([]*HWContext, 0, 8)
	for _, c := range d.clients {
		snap = c.appendContexts(snap)
	}
	d.mu.Unlock()

	for _, hc := range snap {
		if !fn(hc) {
			return
		}
	}
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Recoveries is the number of recoveries the watchdog has performed.
func (d *Device) Recoveries() uint64 { return d.tdr.Attempts() }

// Store returns the configured recovery journal, possibly nil.
func (d *Device) Store() xstore.RecoveryStore { return d.store }

package xtdr

// Registry is the view of a device the watchdog samples.
// The device layer implements this over its client and context tables.
type Registry interface {
	// RangeContexts calls fn for every live hardware context on the device,
	// in a stable order, until fn returns false.
	// The registry must never yield a destroyed context,
	// and must tolerate contexts being created or destroyed
	// concurrently with the walk.
	RangeContexts(fn func(Context) bool)
}

// Context is one hardware context's counters as seen by the sampler.
//
// Submitted and Completed are maintained by the submission and completion
// paths; the sampler only reads them.
// The last-sampled baseline belongs to the sampler alone:
// nothing else may call [Context.SetLastSampledCompleted]
// after the context has been published to the registry.
type Context interface {
	// Name identifies the context in logs and recovery records.
	Name() string

	// Submitted is the count of commands handed to the device,
	// monotonically increasing over the context's lifetime.
	Submitted() uint64

	// Completed is the count of commands the device has retired,
	// in any terminal state.
	// Never greater than Submitted.
	Completed() uint64

	// LastSampledCompleted is the completion count recorded
	// by the previous sampling pass that examined this context.
	// It is initialized to the context's completion count at creation.
	LastSampledCompleted() uint64

	// SetLastSampledCompleted records a fresh completion count.
	// Called only from the sampling pass.
	SetLastSampledCompleted(uint64)
}

// samplePass walks every context once and classifies the device.
//
// The walk stops at the first context showing completion progress:
// one progressing context acquits the whole device for this tick,
// and anything not yet examined keeps its stale baseline until the
// next tick. A stall there surfaces one tick late.
func (t *TDR) samplePass() Classification {
	var ctxCount, drainedCount int
	progressed := false

	t.reg.RangeContexts(func(hc Context) bool {
		// Counter reads are ordered: completed, then the baseline,
		// then submitted, each read exactly once.
		// A submission racing the pass can only make submitted
		// look larger, which at worst defers detection to the
		// next tick; it can never fabricate progress.
		completed := hc.Completed()
		last := hc.LastSampledCompleted()
		submitted := hc.Submitted()

		t.assertCounters(hc, submitted, completed)

		t.log.Debug(
			"Sampled context",
			"ctx", hc.Name(),
			"submitted", submitted,
			"completed", completed,
			"last", last,
		)

		ctxCount++

		if submitted == completed {
			// Nothing outstanding; a drained context cannot stall.
			drainedCount++
			return true
		}

		if last != completed {
			hc.SetLastSampledCompleted(completed)
			progressed = true
			return false
		}

		return true
	})

	if progressed {
		return Progressing
	}
	if ctxCount == drainedCount {
		return NoActiveWork
	}
	return Stalled
}

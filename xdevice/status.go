package xdevice

import (
	"log/slog"

	"github.com/SamuelBayliss/xdna-driver/xtdr"
)

// ContextStatus is a point-in-time counter snapshot of one context.
type ContextStatus struct {
	Name        string `json:"name"`
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	LastSampled uint64 `json:"last_sampled"`
}

// Status is a point-in-time snapshot of a device.
type Status struct {
	Device     string `json:"device"`
	Detached   bool   `json:"detached"`
	Watchdog   bool   `json:"watchdog"`
	Recoveries uint64 `json:"recoveries"`

	Contexts []ContextStatus `json:"contexts,omitempty"`
}

// LogValue summarizes the status without the per-context detail.
func (s Status) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("device", s.Device),
		slog.Bool("detached", s.Detached),
		slog.Bool("watchdog", s.Watchdog),
		slog.Uint64("recoveries", s.Recoveries),
		slog.Int("contexts", len(s.Contexts)),
	)
}

// Status reports the device's current state.
func (d *Device) Status() Status {
	st := Status{
		Device:     d.name,
		Detached:   d.detached.Load(),
		Watchdog:   d.tdr.Started(),
		Recoveries: d.tdr.Attempts(),
	}

	d.RangeContexts(func(hc xtdr.Context) bool {
		st.Contexts = append(st.Contexts, ContextStatus{
			Name:        hc.Name(),
			Submitted:   hc.Submitted(),
			Completed:   hc.Completed(),
			LastSampled: hc.LastSampledCompleted(),
		})
		return true
	})

	return st
}

package xtdr

// Classification is the outcome of one sampling pass
// over every context on the device.
type Classification uint8

// Valid classification values.
//
//go:generate go run golang.org/x/tools/cmd/stringer -type Classification
const (
	// NoActiveWork means every context had completed all submitted work,
	// or the device had no contexts at all.
	// The device is idle as far as the watchdog is concerned.
	NoActiveWork Classification = iota

	// Progressing means at least one context's completion counter moved
	// since the last time the sampler recorded it.
	// Progress anywhere clears stall suspicion for the whole device.
	Progressing

	// Stalled means at least one context had outstanding work
	// and no context showed completion progress.
	// This is the only classification that triggers recovery.
	Stalled
)

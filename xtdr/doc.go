// Package xtdr provides a TDR (timeout detection and recovery) watchdog
// for a device that executes work on behalf of many hardware contexts.
// On a fixed interval the watchdog samples every context's submission and
// completion counters through the [Registry] interface and classifies the
// device as a whole: no active work, progressing, or stalled.
// Only a stall, meaning outstanding work with no completion progress
// anywhere on the device across a full interval, triggers the configured
// recovery callback.
// What recovery does is entirely up to the device layer;
// the watchdog only decides when it is needed.
package xtdr

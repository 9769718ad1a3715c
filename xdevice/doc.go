// Package xdevice models an attached NPU device:
// clients, their hardware contexts, and the submission path whose
// counters the watchdog samples.
//
// A [Device] owns the watchdog instance for its hardware.
// Recovery support is discovered from the backend:
// a backend that also implements [Recoverer] gets a watchdog that can
// reset it, and a configured [xstore.RecoveryStore] receives one
// [xstore.RecoveryEvent] per reset.
package xdevice

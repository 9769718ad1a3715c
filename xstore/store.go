// Package xstore defines the recovery journal: a persistent record of
// every recovery the watchdog performed, with the per-context counter
// snapshot that justified it.
// The journal is observability for the driver's operators;
// the watchdog itself never reads it.
package xstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContextSample is one hardware context's counters
// as captured at the moment of recovery.
type ContextSample struct {
	Name string `json:"name"`

	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	LastSampled uint64 `json:"last_sampled"`
}

// RecoveryEvent is one recovery attempt.
type RecoveryEvent struct {
	// Assigned by the device layer at recovery time.
	ID uuid.UUID `json:"id"`

	// The device that was recovered.
	Device string `json:"device"`

	// The watchdog's lifetime attempt number for this device,
	// starting at 1.
	Attempt uint64 `json:"attempt"`

	Time time.Time `json:"time"`

	// Counter snapshot of every context that was live at recovery.
	Contexts []ContextSample `json:"contexts,omitempty"`
}

// RecoveryStore persists recovery events.
//
// Implementations must be safe for concurrent use.
type RecoveryStore interface {
	// SaveRecoveryEvent records one event.
	// Saving an ID that already exists returns a [DoubleSaveError].
	SaveRecoveryEvent(ctx context.Context, ev RecoveryEvent) error

	// LoadRecoveryEvent returns the event with the given ID,
	// or [ErrEventNotFound].
	LoadRecoveryEvent(ctx context.Context, id uuid.UUID) (RecoveryEvent, error)

	// LoadRecoveryEvents returns events newest first.
	// A non-empty device filters to that device;
	// empty means every device.
	// A positive limit caps the result; zero or negative means no cap.
	LoadRecoveryEvents(ctx context.Context, device string, limit int) ([]RecoveryEvent, error)
}

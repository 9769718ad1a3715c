// Package xmemstore provides an in-memory [xstore.RecoveryStore],
// suitable for tests and for stress runs that do not need the journal
// to outlive the process.
package xmemstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/SamuelBayliss/xdna-driver/xstore"
	"github.com/google/uuid"
)

type Store struct {
	log *slog.Logger

	mu     sync.Mutex
	byID   map[uuid.UUID]xstore.RecoveryEvent
	events []xstore.RecoveryEvent
}

func NewStore(log *slog.Logger) *Store {
	return &Store{
		log: log,

		byID: make(map[uuid.UUID]xstore.RecoveryEvent),
	}
}

func (s *Store) SaveRecoveryEvent(_ context.Context, ev xstore.RecoveryEvent) error {
	// Copy the sample slice so later caller mutations
	// cannot reach the stored event.
	ev.Contexts = slices.Clone(ev.Contexts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ev.ID]; ok {
		return xstore.DoubleSaveError{ID: ev.ID}
	}

	s.byID[ev.ID] = ev
	s.events = append(s.events, ev)

	s.log.Debug("Saved recovery event", "id", ev.ID, "device", ev.Device, "attempt", ev.Attempt)
	return nil
}

func (s *Store) LoadRecoveryEvent(_ context.Context, id uuid.UUID) (xstore.RecoveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.byID[id]
	if !ok {
		return xstore.RecoveryEvent{}, xstore.ErrEventNotFound
	}

	ev.Contexts = slices.Clone(ev.Contexts)
	return ev, nil
}

func (s *Store) LoadRecoveryEvents(_ context.Context, device string, limit int) ([]xstore.RecoveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []xstore.RecoveryEvent
	// Events are appended in save order;
	// walking backward gives newest first for same-time saves,
	// then an explicit sort settles distinct timestamps.
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if device != "" && ev.Device != device {
			continue
		}
		ev.Contexts = slices.Clone(ev.Contexts)
		out = append(out, ev)
	}

	slices.SortStableFunc(out, func(a, b xstore.RecoveryEvent) int {
		return b.Time.Compare(a.Time)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

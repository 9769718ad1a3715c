// Package xstoretest holds a compliance suite that every
// [xstore.RecoveryStore] implementation must pass.
package xstoretest

import (
	"context"
	"testing"
	"time"

	"github.com/SamuelBayliss/xdna-driver/xstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// RecoveryStoreFactory returns a fresh, empty store for one test.
// Implementations register any teardown through the cleanup argument.
type RecoveryStoreFactory func(cleanup func(func())) (xstore.RecoveryStore, error)

// TestRecoveryStoreCompliance runs the shared behavior suite
// against the implementation produced by f.
func TestRecoveryStoreCompliance(t *testing.T, f RecoveryStoreFactory) {
	baseTime := time.Unix(1700000500, 123456789).UTC()

	newEvent := func(device string, attempt uint64, at time.Time) xstore.RecoveryEvent {
		return xstore.RecoveryEvent{
			ID:      uuid.New(),
			Device:  device,
			Attempt: attempt,
			Time:    at,
			Contexts: []xstore.ContextSample{
				{Name: "c0/1", Submitted: 7, Completed: 3, LastSampled: 3},
				{Name: "c1/2", Submitted: 2, Completed: 2, LastSampled: 2},
			},
		}
	}

	requireSameEvent := func(t *testing.T, want, got xstore.RecoveryEvent) {
		t.Helper()

		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.Device, got.Device)
		require.Equal(t, want.Attempt, got.Attempt)
		require.WithinDuration(t, want.Time, got.Time, 0)
		require.Equal(t, want.Contexts, got.Contexts)
	}

	t.Run("round trip by ID", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ev := newEvent("npu0", 1, baseTime)
		require.NoError(t, s.SaveRecoveryEvent(ctx, ev))

		got, err := s.LoadRecoveryEvent(ctx, ev.ID)
		require.NoError(t, err)
		requireSameEvent(t, ev, got)
	})

	t.Run("load of unknown ID", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadRecoveryEvent(ctx, uuid.New())
		require.ErrorIs(t, err, xstore.ErrEventNotFound)
	})

	t.Run("double save rejected", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ev := newEvent("npu0", 1, baseTime)
		require.NoError(t, s.SaveRecoveryEvent(ctx, ev))

		// Same ID, even with different content, is rejected.
		ev2 := ev
		ev2.Attempt = 99
		err = s.SaveRecoveryEvent(ctx, ev2)
		require.ErrorIs(t, err, xstore.DoubleSaveError{ID: ev.ID})
	})

	t.Run("list newest first with device filter and limit", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ev1 := newEvent("npu0", 1, baseTime)
		ev2 := newEvent("npu0", 2, baseTime.Add(3*time.Second))
		other := newEvent("npu1", 1, baseTime.Add(time.Second))

		for _, ev := range []xstore.RecoveryEvent{ev1, ev2, other} {
			require.NoError(t, s.SaveRecoveryEvent(ctx, ev))
		}

		got, err := s.LoadRecoveryEvents(ctx, "npu0", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		requireSameEvent(t, ev2, got[0])
		requireSameEvent(t, ev1, got[1])

		got, err = s.LoadRecoveryEvents(ctx, "npu0", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		requireSameEvent(t, ev2, got[0])

		got, err = s.LoadRecoveryEvents(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		requireSameEvent(t, ev2, got[0])
		requireSameEvent(t, other, got[1])
		requireSameEvent(t, ev1, got[2])

		got, err = s.LoadRecoveryEvents(ctx, "npu9", 0)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("event without context samples", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		ev := xstore.RecoveryEvent{
			ID:      uuid.New(),
			Device:  "npu0",
			Attempt: 1,
			Time:    baseTime,
		}
		require.NoError(t, s.SaveRecoveryEvent(ctx, ev))

		got, err := s.LoadRecoveryEvent(ctx, ev.ID)
		require.NoError(t, err)
		require.Empty(t, got.Contexts)
	})
}

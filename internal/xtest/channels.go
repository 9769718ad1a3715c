package xtest

import (
	"time"
)

// FatalHelper is the subset of [testing.TB] needed by the channel helpers
// in this package, declared as an interface so the helpers themselves
// can be exercised against a mock.
type FatalHelper interface {
	Helper()

	Fatalf(format string, args ...any)
}

// ReceiveSoon receives a value from ch,
// calling tb.Fatalf if the receive blocks past a reasonable default timeout.
func ReceiveSoon[T any](tb FatalHelper, ch <-chan T) T {
	tb.Helper()
	return ReceiveOrTimeout(tb, ch, ScaleMs(100))
}

// ReceiveOrTimeout receives a value from ch with an explicit timeout.
// Use [ScaleMs] for the timeout so that slow machines can stretch it
// through the environment rather than through test edits.
// Most tests should use [ReceiveSoon].
func ReceiveOrTimeout[T any](tb FatalHelper, ch <-chan T, timeout ScaledDuration) T {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("refusing to receive from nil channel %T %v", ch, ch)
		panic("unreachable")
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case <-timer.C:
		tb.Fatalf(
			"timed out while blocked receiving from channel %T %v; if this is flaky on only one machine, set the environment variable XDNA_TEST_TIME_FACTOR to a value greater than the current value of %d",
			ch, ch, TimeFactor,
		)
		// Fatalf on a real *testing.T stops the goroutine,
		// but tb may be a mock in this package's own tests.
		panic("unreachable")
	case x := <-ch:
		return x
	}
}

// SendSoon sends x to ch,
// calling tb.Fatalf if the send blocks past a reasonable default timeout.
func SendSoon[T any](tb FatalHelper, ch chan<- T, x T) {
	tb.Helper()
	SendOrTimeout(tb, ch, x, ScaleMs(100))
}

// SendOrTimeout sends x to ch with an explicit timeout.
// Use [ScaleMs] for the timeout; most tests should use [SendSoon].
func SendOrTimeout[T any](tb FatalHelper, ch chan<- T, x T, timeout ScaledDuration) {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("refusing to send to nil channel %T %v", ch, ch)
		panic("unreachable")
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case <-timer.C:
		tb.Fatalf(
			"timed out while blocked sending to channel %T %v; if this is flaky on only one machine, set the environment variable XDNA_TEST_TIME_FACTOR to a value greater than the current value of %d",
			ch, ch, TimeFactor,
		)
		panic("unreachable")
	case ch <- x:
		// Okay.
	}
}

// NotSending asserts that no value is ready on ch right now.
// If one can be received immediately, tb.Fatalf is called with the value.
func NotSending[T any](tb FatalHelper, ch <-chan T) {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("cannot meaningfully check a nil channel for readiness (%T %v)", ch, ch)
		panic("unreachable")
	}

	select {
	case x := <-ch:
		tb.Fatalf("no value should have been sent on channel %T %v; got %v", ch, ch, x)
	default:
		// Okay.
	}
}

// IsSending asserts that a value is immediately receivable from ch and returns it.
func IsSending[T any](tb FatalHelper, ch <-chan T) T {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("a nil channel never sends (%T %v)", ch, ch)
		panic("unreachable")
	}

	select {
	case x := <-ch:
		return x
	default:
		tb.Fatalf("expected a value immediately available on channel %T %v, but the receive blocked", ch, ch)
		panic("unreachable")
	}
}

// NotSendingSoon asserts that a receive from ch stays blocked
// for a short scaled duration.
//
// Prefer [NotSending] when another synchronization point exists,
// since this helper necessarily stalls the test.
func NotSendingSoon[T any](tb FatalHelper, ch <-chan T) {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("cannot meaningfully check a nil channel for readiness (%T %v)", ch, ch)
		panic("unreachable")
	}

	timer := time.NewTimer(time.Duration(ScaleMs(75)))
	defer timer.Stop()

	select {
	case <-timer.C:
		// Okay.
	case x := <-ch:
		tb.Fatalf(
			"received value %v on channel %T %v, when it was expected not to send any values",
			x, ch, ch,
		)
		panic("unreachable")
	}
}

package xtest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a *slog.Logger whose output is routed through t.Log.
func NewLogger(t testing.TB) *slog.Logger {
	// slogt handles the slog-to-testing.T adaption well.
	// Keeping it behind this helper means tests import xtest,
	// not the external module directly.
	return slogt.New(t, slogt.Text())
}

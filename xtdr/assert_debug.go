//go:build debug

package xtdr

import "fmt"

// assertCounters checks the per-context counter invariant
// under the "tdr.counters" assertion rule.
func (t *TDR) assertCounters(hc Context, submitted, completed uint64) {
	if t.cfg.Assertions == nil || !t.cfg.Assertions.Enabled("tdr.counters") {
		return
	}

	if completed > submitted {
		t.cfg.Assertions.HandleAssertionFailure(fmt.Errorf(
			"context %s: completed count %d exceeds submitted count %d",
			hc.Name(), completed, submitted,
		))
	}
}

package xtest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeFactor stretches every scaled timeout in the test suite.
// It defaults to 1 and is controlled by the XDNA_TEST_TIME_FACTOR
// environment variable, so a contended CI machine can run with
// e.g. XDNA_TEST_TIME_FACTOR=3 instead of anyone editing timeouts.
//
// Exported for the rare case where programmatic control is needed.
var TimeFactor ScaledDuration = 1

func init() {
	f := os.Getenv("XDNA_TEST_TIME_FACTOR")
	if f == "" {
		return
	}

	n, err := strconv.Atoi(f)
	if err != nil {
		panic(fmt.Errorf(
			"failed to parse XDNA_TEST_TIME_FACTOR (%q) into an integer: %w",
			f, err,
		))
	}

	if n <= 0 {
		panic(fmt.Errorf("XDNA_TEST_TIME_FACTOR must be positive; got %d", n))
	}

	TimeFactor = ScaledDuration(n)
}

type ScaledDuration time.Duration

// ScaleMs returns ms milliseconds multiplied by [TimeFactor].
//
// Timeout-taking helpers in this package accept ScaledDuration
// rather than time.Duration so callers cannot slip in literal timeouts,
// which go flaky on slow machines.
func ScaleMs(ms int64) ScaledDuration {
	return TimeFactor * ScaledDuration(ms) * ScaledDuration(time.Millisecond)
}

// Sleep calls [time.Sleep] with the scaled duration,
// saving callers a conversion at every use.
func Sleep(dur ScaledDuration) {
	time.Sleep(time.Duration(dur))
}

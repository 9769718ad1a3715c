package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SamuelBayliss/xdna-driver/internal/xtest"
	"github.com/SamuelBayliss/xdna-driver/xstore"
)

func TestIntegration_wedgeRecoverResume(t *testing.T) {
	t.Parallel()

	// Set up wait group first since deferred cancel will happen before deferred wg.Wait.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := xtest.NewLogger(t)

	dbPath := filepath.Join(t.TempDir(), "recoveries.db")

	cfx := runCmd(
		ctx, log.With("cmd", "run"), &wg,
		"run",
		"--clients", "1",
		"--contexts", "2",
		"--columns", "2",
		"--tdr-timeout", scaled(150),
		"--exec-delay", "0s",
		"--interval", scaled(5),
		"--wedge-after", scaled(50),
		"--status-every", "0s",
		"--db", dbPath,
	)

	// The wedge lands at 50ms and the first wholly stalled tick
	// ends at ~300ms; the rest of the window is margin.
	xtest.Sleep(xtest.ScaleMs(1000))
	cancel()

	require.NoError(t, xtest.ReceiveOrTimeout(t, cfx.ErrCh, xtest.ScaleMs(1000)))

	var n int
	_, err := fmt.Sscanf(cfx.outBuf.String(), "recoveries: %d", &n)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	// The journal outlives the run.
	outBuf, _, err := runCmdSync(
		context.Background(), log.With("cmd", "recoveries"),
		"recoveries", "--db", dbPath, "--json",
	)
	require.NoError(t, err)

	var events []xstore.RecoveryEvent
	require.NoError(t, json.Unmarshal(outBuf.Bytes(), &events))
	require.Len(t, events, n)

	latest := events[0]
	require.Equal(t, "npu0", latest.Device)
	require.Equal(t, uint64(n), latest.Attempt)
	require.Len(t, latest.Contexts, 2)
	require.Equal(t, "stress-0/1", latest.Contexts[0].Name)
	require.Equal(t, "stress-0/2", latest.Contexts[1].Name)

	// The snapshot was taken while stalled,
	// so at least one context had outstanding work.
	var outstanding bool
	for _, c := range latest.Contexts {
		if c.Submitted > c.Completed {
			outstanding = true
		}
	}
	require.True(t, outstanding)

	// Same journal as text lines.
	outBuf, _, err = runCmdSync(
		context.Background(), log.With("cmd", "recoveries"),
		"recoveries", "--db", dbPath, "--device", "npu0", "--limit", "1",
	)
	require.NoError(t, err)
	require.Contains(t, outBuf.String(), "npu0")
	require.Contains(t, outBuf.String(), fmt.Sprintf("attempt=%d", n))
}

func TestIntegration_badInstructionRestores(t *testing.T) {
	t.Parallel()

	// Set up wait group first since deferred cancel will happen before deferred wg.Wait.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := xtest.NewLogger(t)

	cfx := runCmd(
		ctx, log.With("cmd", "run"), &wg,
		"run",
		"--clients", "1",
		"--contexts", "1",
		"--columns", "1",
		"--tdr-timeout", scaled(120),
		"--exec-delay", "0s",
		"--interval", scaled(5),
		"--bad-instruction-after", scaled(40),
		"--status-every", "0s",
	)

	// Corruption at 40ms, recovery at ~240ms, then the workload
	// restores itself and progresses, so later ticks stay quiet.
	xtest.Sleep(xtest.ScaleMs(1200))
	cancel()

	require.NoError(t, xtest.ReceiveOrTimeout(t, cfx.ErrCh, xtest.ScaleMs(1000)))

	var n int
	_, err := fmt.Sscanf(cfx.outBuf.String(), "recoveries: %d", &n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIntegration_cleanRun(t *testing.T) {
	t.Parallel()

	// Set up wait group first since deferred cancel will happen before deferred wg.Wait.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := xtest.NewLogger(t)

	cfx := runCmd(
		ctx, log.With("cmd", "run"), &wg,
		"run",
		"--clients", "2",
		"--contexts", "1",
		"--exec-delay", "0s",
		"--interval", scaled(5),
		"--status-every", "0s",
	)

	xtest.Sleep(xtest.ScaleMs(150))
	cancel()

	require.NoError(t, xtest.ReceiveOrTimeout(t, cfx.ErrCh, xtest.ScaleMs(1000)))

	var n int
	_, err := fmt.Sscanf(cfx.outBuf.String(), "recoveries: %d", &n)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecoveries_requiresDB(t *testing.T) {
	t.Parallel()

	log := xtest.NewLogger(t)

	_, _, err := runCmdSync(context.Background(), log, "recoveries")
	require.ErrorContains(t, err, "--db is required")
}

// scaled renders a scaled test duration as a flag value.
func scaled(ms int64) string {
	return time.Duration(xtest.ScaleMs(ms)).String()
}

func runCmdSync(
	ctx context.Context,
	log *slog.Logger,
	args ...string,
) (outBuf, errBuf *bytes.Buffer, err error) {
	outBuf = new(bytes.Buffer)
	errBuf = new(bytes.Buffer)

	cmd := NewRootCmd(log)
	cmd.SetArgs(args)
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)

	err = cmd.ExecuteContext(ctx)
	return outBuf, errBuf, err
}

func runCmd(
	ctx context.Context,
	log *slog.Logger,
	wg *sync.WaitGroup,
	args ...string,
) *cmdFixture {
	cfx := &cmdFixture{
		ErrCh: make(chan error, 1),
	}

	cmd := NewRootCmd(log)
	cmd.SetArgs(args)
	cmd.SetOut(&cfx.outBuf)
	cmd.SetErr(&cfx.errBuf)

	wg.Add(1)
	go func() {
		defer wg.Done()

		cfx.ErrCh <- cmd.ExecuteContext(ctx)
	}()

	return cfx
}

type cmdFixture struct {
	ErrCh          chan error
	outBuf, errBuf bytes.Buffer
}

package xnpu_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SamuelBayliss/xdna-driver/internal/xtest"
	"github.com/SamuelBayliss/xdna-driver/xbo"
	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xdevice"
	"github.com/SamuelBayliss/xdna-driver/xnpu"
)

var _ xdevice.Backend = (*xnpu.NPU)(nil)
var _ xdevice.Recoverer = (*xnpu.NPU)(nil)

func newEngine(t *testing.T, cfg xnpu.Config) (context.Context, *xnpu.NPU) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	e := xnpu.New(ctx, xtest.NewLogger(t), cfg)
	t.Cleanup(func() {
		cancel()
		e.Wait()
	})

	return ctx, e
}

// newSync builds an encoded sync command over a fresh command buffer.
func newSync(t *testing.T) *xcmd.ExecBuf {
	t.Helper()

	cmd, err := xbo.Alloc(xbo.KindCmd, 64)
	require.NoError(t, err)

	eb, err := xcmd.New(cmd, xcmd.OpSync)
	require.NoError(t, err)
	require.NoError(t, eb.Encode())

	return eb
}

// newStartCU builds an encoded compute command:
// the given program over input, parameter, and output buffers,
// already synced to the device.
func newStartCU(t *testing.T, prog []uint32, input, params []byte) (*xcmd.ExecBuf, xbo.Set) {
	t.Helper()

	bos, err := xbo.AllocSet(map[xbo.Kind]int{
		xbo.KindCmd:         256,
		xbo.KindInstruction: 4 * len(prog),
		xbo.KindInput:       len(input),
		xbo.KindParameters:  len(params),
		xbo.KindOutput:      len(input),
	})
	require.NoError(t, err)

	inst := bos[xbo.KindInstruction]
	for i, w := range prog {
		binary.LittleEndian.PutUint32(inst.Host()[4*i:], w)
	}
	copy(bos[xbo.KindInput].Host(), input)
	copy(bos[xbo.KindParameters].Host(), params)

	eb, err := xcmd.New(bos[xbo.KindCmd], xcmd.OpStartCU)
	require.NoError(t, err)
	require.NoError(t, eb.SetInstructions(inst, uint32(len(prog))))
	for _, k := range []xbo.Kind{xbo.KindInput, xbo.KindParameters, xbo.KindOutput} {
		require.NoError(t, eb.AddArgBO(bos[k]))
	}
	require.NoError(t, eb.Encode())

	bos.SyncBeforeRun()
	return eb, bos
}

// submit sends eb to the engine and returns the channel its terminal
// state will arrive on.
func submit(t *testing.T, ctx context.Context, e *xnpu.NPU, eb *xcmd.ExecBuf) <-chan xcmd.State {
	t.Helper()

	states := make(chan xcmd.State, 1)
	req := &xdevice.ExecRequest{
		Context: "stress/1",
		Cmd:     eb,
		Finish:  func(st xcmd.State) { states <- st },
	}
	require.NoError(t, e.Submit(ctx, req))

	return states
}

func TestSubmit_syncRetires(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1})

	eb := newSync(t)
	states := submit(t, ctx, e, eb)

	require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, states))
	require.Equal(t, xcmd.StateCompleted, eb.LoadState())

	st := e.Stats()
	require.Equal(t, uint64(1), st.Accepted)
	require.Equal(t, uint64(1), st.Completed)
	require.Zero(t, st.Errored)
	require.Zero(t, st.Aborted)
}

func TestSubmit_manySyncsAcrossColumns(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 4})

	const n = 8
	chans := make([]<-chan xcmd.State, n)
	for i := range chans {
		chans[i] = submit(t, ctx, e, newSync(t))
	}
	for _, ch := range chans {
		require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, ch))
	}

	st := e.Stats()
	require.Equal(t, uint64(n), st.Accepted)
	require.Equal(t, uint64(n), st.Completed)
}

func TestExecute_addChain(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1})

	input := make([]byte, 64)
	for i := range input {
		input[i] = byte(i*7 + 3)
	}
	params := []byte{1, 2, 3, 4}

	prog := []uint32{
		xnpu.EncodeInst(xnpu.InstCopy, 0),
		xnpu.EncodeInst(xnpu.InstAddC, 5),
		xnpu.EncodeInst(xnpu.InstXorC, 0xA3),
		xnpu.EncodeInst(xnpu.InstAddP, 0),
		xnpu.EncodeInst(xnpu.InstNop, 0),
	}

	eb, bos := newStartCU(t, prog, input, params)
	states := submit(t, ctx, e, eb)
	require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, states))

	bos.SyncAfterRun()

	want := make([]byte, len(input))
	copy(want, input)
	for i := range want {
		want[i] += 5
	}
	for i := range want {
		want[i] ^= 0xA3
	}
	for i := range want {
		want[i] += params[i%len(params)]
	}

	require.Equal(t, want, bos[xbo.KindOutput].Host())
}

func TestExecute_malformedCommands(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1})

	t.Run("no instruction stream", func(t *testing.T) {
		cmd, err := xbo.Alloc(xbo.KindCmd, 64)
		require.NoError(t, err)
		eb, err := xcmd.New(cmd, xcmd.OpStartCU)
		require.NoError(t, err)
		require.NoError(t, eb.Encode())

		states := submit(t, ctx, e, eb)
		require.Equal(t, xcmd.StateError, xtest.ReceiveSoon(t, states))
		require.Equal(t, xcmd.StateError, eb.LoadState())
	})

	t.Run("missing output buffer", func(t *testing.T) {
		bos, err := xbo.AllocSet(map[xbo.Kind]int{
			xbo.KindCmd:         64,
			xbo.KindInstruction: 4,
			xbo.KindInput:       16,
		})
		require.NoError(t, err)

		inst := bos[xbo.KindInstruction]
		binary.LittleEndian.PutUint32(inst.Host(), xnpu.EncodeInst(xnpu.InstCopy, 0))

		eb, err := xcmd.New(bos[xbo.KindCmd], xcmd.OpStartCU)
		require.NoError(t, err)
		require.NoError(t, eb.SetInstructions(inst, 1))
		require.NoError(t, eb.AddArgBO(bos[xbo.KindInput]))
		require.NoError(t, eb.Encode())
		bos.SyncBeforeRun()

		states := submit(t, ctx, e, eb)
		require.Equal(t, xcmd.StateError, xtest.ReceiveSoon(t, states))
	})

	t.Run("unknown opcode", func(t *testing.T) {
		cmd, err := xbo.Alloc(xbo.KindCmd, 64)
		require.NoError(t, err)
		eb, err := xcmd.New(cmd, xcmd.Opcode(99))
		require.NoError(t, err)
		require.NoError(t, eb.Encode())

		states := submit(t, ctx, e, eb)
		require.Equal(t, xcmd.StateError, xtest.ReceiveSoon(t, states))
	})

	st := e.Stats()
	require.Equal(t, uint64(3), st.Errored)
	require.Zero(t, st.Completed)
}

func TestExecDelay_syncBypassesDelay(t *testing.T) {
	t.Parallel()

	// The delay is far past ReceiveSoon's timeout,
	// so a sync only retires in time if it skips the delay.
	ctx, e := newEngine(t, xnpu.Config{
		Columns:   1,
		ExecDelay: time.Duration(xtest.ScaleMs(500)),
	})

	states := submit(t, ctx, e, newSync(t))
	require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, states))
}

func TestExecDelay_stretchesCompute(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{
		Columns:   1,
		ExecDelay: time.Duration(xtest.ScaleMs(25)),
	})

	prog := []uint32{xnpu.EncodeInst(xnpu.InstNop, 0)}
	eb, _ := newStartCU(t, prog, []byte{0}, []byte{0})

	states := submit(t, ctx, e, eb)
	require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, states))
}

func TestWedge_holdsThenResumes(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1})

	e.Wedge()

	eb := newSync(t)
	states := submit(t, ctx, e, eb)
	xtest.NotSendingSoon(t, states)

	st := e.Stats()
	require.True(t, st.Wedged)
	require.Equal(t, 1, st.ParkedColumns)
	require.Zero(t, st.Completed)

	// The held command shows as running: picked up, never retired.
	require.Equal(t, xcmd.StateRunning, eb.LoadState())

	e.Unwedge()
	require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, states))

	st = e.Stats()
	require.False(t, st.Wedged)
	require.Zero(t, st.ParkedColumns)
	require.Equal(t, uint64(1), st.Completed)
}

func TestBadInstruction_parksUntilRecover(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1})

	// 0xDE is not an opcode any engine revision recognizes.
	eb, _ := newStartCU(t, []uint32{0xDEADBEEF}, []byte{1, 2, 3, 4}, []byte{0})
	states := submit(t, ctx, e, eb)

	xtest.NotSendingSoon(t, states)
	require.Equal(t, 1, e.Stats().ParkedColumns)

	// Unwedge does not release an instruction fault.
	e.Unwedge()
	xtest.NotSending(t, states)

	require.NoError(t, e.Recover(ctx))
	require.Equal(t, xcmd.StateAbort, xtest.ReceiveSoon(t, states))
	require.Equal(t, xcmd.StateAbort, eb.LoadState())

	// The reset leaves the engine usable.
	sync := submit(t, ctx, e, newSync(t))
	require.Equal(t, xcmd.StateCompleted, xtest.ReceiveSoon(t, sync))

	st := e.Stats()
	require.Zero(t, st.ParkedColumns)
	require.Equal(t, uint64(1), st.Aborted)
	require.Equal(t, uint64(1), st.Completed)
}

func TestRecover_abortsQueuedAndHeld(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1, QueueDepth: 2})

	e.Wedge()

	held := submit(t, ctx, e, newSync(t))
	xtest.NotSendingSoon(t, held)

	q1 := submit(t, ctx, e, newSync(t))
	q2 := submit(t, ctx, e, newSync(t))

	require.NoError(t, e.Recover(ctx))

	require.Equal(t, xcmd.StateAbort, xtest.ReceiveSoon(t, held))
	require.Equal(t, xcmd.StateAbort, xtest.ReceiveSoon(t, q1))
	require.Equal(t, xcmd.StateAbort, xtest.ReceiveSoon(t, q2))

	st := e.Stats()
	require.Equal(t, uint64(3), st.Accepted)
	require.Equal(t, uint64(3), st.Aborted)
	require.False(t, st.Wedged)
	require.Zero(t, st.ParkedColumns)
}

func TestSubmit_backpressureHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, e := newEngine(t, xnpu.Config{Columns: 1, QueueDepth: 1})

	e.Wedge()

	held := submit(t, ctx, e, newSync(t))
	xtest.NotSendingSoon(t, held) // The column is parked; the queue is empty again.

	_ = submit(t, ctx, e, newSync(t)) // Fills the queue.

	shortCtx, cancel := context.WithTimeout(ctx, time.Duration(xtest.ScaleMs(50)))
	defer cancel()

	err := e.Submit(shortCtx, &xdevice.ExecRequest{
		Context: "stress/1",
		Cmd:     newSync(t),
		Finish:  func(xcmd.State) {},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_afterShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	e := xnpu.New(ctx, xtest.NewLogger(t), xnpu.Config{Columns: 2})

	cancel()
	e.Wait()

	err := e.Submit(context.Background(), &xdevice.ExecRequest{
		Context: "stress/1",
		Cmd:     newSync(t),
		Finish:  func(xcmd.State) {},
	})

	var qc xnpu.QueueClosedError
	require.ErrorAs(t, err, &qc)
	require.ErrorIs(t, qc.Cause, context.Canceled)

	err = e.Recover(context.Background())
	require.ErrorAs(t, err, &qc)

	require.Zero(t, e.Stats())
}

// Package xworkload drives one hardware context the way a real client
// would: it owns a full buffer set, submits an add-kernel command
// packet, waits for retirement, and verifies the output against a
// digest computed up front.
//
// A workload can also sabotage itself. [*Workload.Corrupt] swaps the
// instruction stream for one no engine recognizes, which turns the
// next run into a hang through the normal submission path.
package xworkload

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/SamuelBayliss/xdna-driver/internal/xlog"
	"github.com/SamuelBayliss/xdna-driver/xbo"
	"github.com/SamuelBayliss/xdna-driver/xcmd"
	"github.com/SamuelBayliss/xdna-driver/xdevice"
	"github.com/SamuelBayliss/xdna-driver/xnpu"
)

// The add-kernel program constants. The golden digest is computed
// from the same values, so they only matter for being stable.
const (
	addConst = 0x2A
	xorConst = 0xA3

	cmdBufSize = 256
	paramsSize = 16

	// badWord fills corrupted instruction buffers.
	// Its top byte is not an opcode any engine revision recognizes.
	badWord uint32 = 0xDEADBEEF
)

// Config shapes one workload.
type Config struct {
	// CUIndex selects the compute unit named in the command packet.
	CUIndex uint32

	// DataSize is the input and output buffer size in bytes.
	// Values below 1 default to 4096.
	DataSize int

	// WaitTimeout bounds how long one run waits for its submission
	// to retire. Zero defaults to 5 seconds.
	WaitTimeout time.Duration

	// Delay is sleep time appended to every successful run,
	// for pacing a submit loop. Zero means no pacing.
	Delay time.Duration
}

// Workload owns the buffers and command packet for one hardware
// context and runs them repeatedly.
//
// All methods are safe for concurrent use, so a fault-injection
// goroutine may call [*Workload.Corrupt] while a submit loop runs.
type Workload struct {
	log *slog.Logger

	hctx *xdevice.HWContext
	cfg  Config

	mu  sync.Mutex
	bos xbo.Set
	eb  *xcmd.ExecBuf

	// The healthy instruction buffer and its word count,
	// kept for Restore.
	inst      *xbo.BO
	instWords uint32

	golden [32]byte
}

// New builds the workload's buffer set over hctx:
// deterministic pseudorandom input and parameters derived from the
// context name, the add-kernel instruction stream, and the golden
// output digest the runs verify against.
func New(log *slog.Logger, hctx *xdevice.HWContext, cfg Config) (*Workload, error) {
	if cfg.DataSize < 1 {
		cfg.DataSize = 4096
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}

	prog := []uint32{
		xnpu.EncodeInst(xnpu.InstCopy, 0),
		xnpu.EncodeInst(xnpu.InstAddC, addConst),
		xnpu.EncodeInst(xnpu.InstXorC, xorConst),
		xnpu.EncodeInst(xnpu.InstAddP, 0),
	}

	bos, err := xbo.AllocSet(map[xbo.Kind]int{
		xbo.KindCmd:          cmdBufSize,
		xbo.KindInstruction:  4 * len(prog),
		xbo.KindInput:        cfg.DataSize,
		xbo.KindParameters:   paramsSize,
		xbo.KindOutput:       cfg.DataSize,
		xbo.KindIntermediate: cfg.DataSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer set: %w", err)
	}

	// Same context name, same data. Runs are comparable across
	// restarts without storing the input anywhere.
	seed := blake2b.Sum256([]byte(hctx.Name()))
	rng := rand.NewChaCha8(seed)
	_, _ = rng.Read(bos[xbo.KindInput].Host())
	_, _ = rng.Read(bos[xbo.KindParameters].Host())

	inst := bos[xbo.KindInstruction]
	for i, word := range prog {
		binary.LittleEndian.PutUint32(inst.Host()[4*i:], word)
	}

	eb, err := xcmd.New(bos[xbo.KindCmd], xcmd.OpStartCU)
	if err != nil {
		return nil, fmt.Errorf("failed to start command packet: %w", err)
	}
	eb.SetCUIndex(cfg.CUIndex)
	eb.AddArg64(uint64(cfg.DataSize))
	for _, k := range []xbo.Kind{
		xbo.KindInput,
		xbo.KindParameters,
		xbo.KindOutput,
		xbo.KindIntermediate,
	} {
		if err := eb.AddArgBO(bos[k]); err != nil {
			return nil, fmt.Errorf("failed to add %s buffer argument: %w", k, err)
		}
	}
	if err := eb.SetInstructions(inst, uint32(len(prog))); err != nil {
		return nil, fmt.Errorf("failed to bind instruction stream: %w", err)
	}
	if err := eb.Encode(); err != nil {
		return nil, fmt.Errorf("failed to encode command packet: %w", err)
	}

	w := &Workload{
		log: log,

		hctx: hctx,
		cfg:  cfg,

		bos: bos,
		eb:  eb,

		inst:      inst,
		instWords: uint32(len(prog)),

		golden: goldenDigest(
			bos[xbo.KindInput].Host(),
			bos[xbo.KindParameters].Host(),
		),
	}

	w.log.Debug(
		"Workload ready",
		"hwctx", hctx.Name(),
		"data_size", cfg.DataSize,
		"golden", xlog.Hex(w.golden[:]),
	)

	return w, nil
}

// goldenDigest applies the add-kernel program on the host and
// digests the result. This mirrors what the engine computes,
// so any divergence after a run is data corruption.
func goldenDigest(input, params []byte) [32]byte {
	want := make([]byte, len(input))
	copy(want, input)
	for i := range want {
		want[i] += addConst
	}
	for i := range want {
		want[i] ^= xorConst
	}
	for i := range want {
		want[i] += params[i%len(params)]
	}
	return blake2b.Sum256(want)
}

// RunOnce performs one full submission cycle:
// sync buffers to the device, submit, wait for retirement,
// sync results back, and verify the output digest.
//
// A run that retires in any state but completed reports
// [RetireError]; a digest mismatch reports [VerifyError].
func (w *Workload) RunOnce(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.bos.SyncBeforeRun()

	sub, err := w.hctx.Submit(ctx, w.eb)
	if err != nil {
		return fmt.Errorf("failed to submit command: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.WaitTimeout)
	defer cancel()

	st, err := sub.Wait(wctx)
	if err != nil {
		return fmt.Errorf("failed waiting for submission %d: %w", sub.Seq(), err)
	}
	if st != xcmd.StateCompleted {
		return RetireError{State: st}
	}

	w.bos.SyncAfterRun()

	got := w.bos[xbo.KindOutput].Digest()
	if got != w.golden {
		return VerifyError{Got: got, Want: w.golden}
	}

	w.log.Debug(
		"Run verified",
		"hwctx", w.hctx.Name(),
		"seq", sub.Seq(),
		"digest", xlog.Hex(got[:]),
	)

	if d := w.cfg.Delay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-timer.C:
		}
	}

	return nil
}

// Corrupt swaps the instruction stream for a buffer of words no
// engine recognizes. The next run hangs its column through the
// normal submission path, which is what a watchdog test wants.
func (w *Workload) Corrupt() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	bad, err := xbo.Alloc(xbo.KindBadInstruction, w.inst.Size())
	if err != nil {
		return fmt.Errorf("failed to allocate bad instruction buffer: %w", err)
	}
	for i := range int(w.instWords) {
		binary.LittleEndian.PutUint32(bad.Host()[4*i:], badWord)
	}

	if err := w.eb.SetInstructions(bad, w.instWords); err != nil {
		return fmt.Errorf("failed to bind bad instruction stream: %w", err)
	}
	if err := w.eb.Encode(); err != nil {
		return fmt.Errorf("failed to re-encode command packet: %w", err)
	}
	w.bos[xbo.KindBadInstruction] = bad

	w.log.Warn("Workload corrupted; next run will hang", "hwctx", w.hctx.Name())

	return nil
}

// Restore rebinds the healthy instruction stream after a Corrupt,
// so runs following a recovery verify again.
func (w *Workload) Restore() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.eb.SetInstructions(w.inst, w.instWords); err != nil {
		return fmt.Errorf("failed to rebind instruction stream: %w", err)
	}
	if err := w.eb.Encode(); err != nil {
		return fmt.Errorf("failed to re-encode command packet: %w", err)
	}
	delete(w.bos, xbo.KindBadInstruction)

	w.log.Info("Workload restored", "hwctx", w.hctx.Name())

	return nil
}

// DumpBOs writes every buffer in the set to dir in dump framing,
// one file per buffer, named after the buffer kind.
func (w *Workload) DumpBOs(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for kind, bo := range w.bos {
		name := filepath.Join(dir, strings.ToLower(kind.String())+".bo")

		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("failed to create dump file: %w", err)
		}

		werr := bo.WriteDump(f)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("failed to dump %s buffer: %w", kind, werr)
		}
		if cerr != nil {
			return fmt.Errorf("failed to close dump file %s: %w", name, cerr)
		}
	}

	return nil
}

// Golden reports the digest runs verify against.
func (w *Workload) Golden() [32]byte { return w.golden }

// Context reports the hardware context the workload submits through.
func (w *Workload) Context() *xdevice.HWContext { return w.hctx }

// RetireError reports a submission that retired in a state other
// than completed. An aborted retirement during device recovery is
// expected; callers decide how loud to be about it.
type RetireError struct {
	State xcmd.State
}

func (e RetireError) Error() string {
	return fmt.Sprintf("command retired in state %s", e.State)
}

// VerifyError reports output that does not match the golden digest.
type VerifyError struct {
	Got, Want [32]byte
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("output digest mismatch: got %x, want %x", e.Got, e.Want)
}

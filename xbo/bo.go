// Package xbo models the buffer objects a submission passes to the device:
// typed buffers with a host mapping and a device-side shadow,
// synced explicitly in either direction.
package xbo

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Kind is the role a buffer object plays in a submission.
type Kind uint8

// Valid buffer object kinds.
//
//go:generate go run golang.org/x/tools/cmd/stringer -type Kind -trimprefix=Kind
const (
	// KindCmd holds the encoded command packet.
	// Command buffers are host-visible to the device,
	// so syncing them is a no-op.
	KindCmd Kind = iota

	// KindInstruction holds the instruction words the command executes.
	KindInstruction

	// KindInput is the data the instructions read.
	KindInput

	// KindParameters holds scalar parameters for the instructions.
	KindParameters

	// KindOutput receives the result.
	KindOutput

	// KindIntermediate is device scratch space,
	// synced back to the host only for debugging.
	KindIntermediate

	// KindMCCode holds microcontroller code.
	KindMCCode

	// KindBadInstruction allocates like KindInstruction but is filled
	// with words no engine recognizes.
	// Submitting one is the supported way to provoke a hang on purpose.
	KindBadInstruction
)

// SyncDir is the direction of an explicit buffer sync.
type SyncDir uint8

const (
	// SyncToDevice copies the host mapping to the device shadow.
	SyncToDevice SyncDir = iota

	// SyncFromDevice copies the device shadow back to the host mapping.
	SyncFromDevice
)

// BO is one buffer object.
//
// The host slice is what callers read and write;
// the device slice is what the engine sees.
// Except for command buffers, writes are not visible across
// that boundary until [*BO.Sync].
type BO struct {
	kind Kind

	host []byte
	dev  []byte
}

// Alloc returns a new zero-filled buffer object of the given kind and size.
func Alloc(kind Kind, size int) (*BO, error) {
	if size <= 0 {
		return nil, fmt.Errorf("buffer size must be positive; got %d", size)
	}

	bo := &BO{
		kind: kind,
		host: make([]byte, size),
	}

	if kind == KindCmd {
		// Host-visible: both views alias the same memory.
		bo.dev = bo.host
	} else {
		bo.dev = make([]byte, size)
	}

	return bo, nil
}

// Kind reports the buffer's kind.
func (b *BO) Kind() Kind { return b.kind }

// Size reports the buffer's size in bytes.
func (b *BO) Size() int { return len(b.host) }

// Host returns the host mapping.
// The caller may read and write it freely.
func (b *BO) Host() []byte { return b.host }

// Dev returns the device-side view.
// Only the execution engine should touch it.
func (b *BO) Dev() []byte { return b.dev }

// Sync copies the buffer contents in the given direction.
// Syncing a command buffer is a no-op, as it is host-visible.
func (b *BO) Sync(dir SyncDir) {
	if b.kind == KindCmd {
		return
	}

	switch dir {
	case SyncToDevice:
		copy(b.dev, b.host)
	case SyncFromDevice:
		copy(b.host, b.dev)
	default:
		panic(fmt.Errorf("BUG: unknown sync direction %d", dir))
	}
}

// Digest returns the blake2b-256 digest of the host mapping.
func (b *BO) Digest() [32]byte {
	hasher, err := blake2b.New(32, nil)
	if err != nil {
		panic(fmt.Errorf("impossible: blake2b.New failed: %w", err))
	}

	_, _ = hasher.Write(b.host)

	sum := hasher.Sum(nil)
	out := [32]byte{}
	_ = copy(out[:], sum)
	return out
}

// ErrNoBuffer indicates a required buffer kind was absent from a [Set].
var ErrNoBuffer = errors.New("no buffer of requested kind in set")

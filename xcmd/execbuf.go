// Package xcmd builds and inspects the command packets a workload
// submits to the device: an opcode, a compute unit selection, scalar
// and buffer arguments, and an instruction stream, encoded into a
// host-visible command buffer whose leading word carries the command
// state for the device to update as execution proceeds.
package xcmd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SamuelBayliss/xdna-driver/xbo"
)

// Opcode selects what the device does with a command.
type Opcode uint32

const (
	// OpStartCU starts a compute unit on the packet's instruction stream.
	OpStartCU Opcode = 0

	// OpSync executes no instructions;
	// it retires as soon as an engine picks it up.
	OpSync Opcode = 1
)

// Arg is one command argument: either a scalar value or a buffer.
type Arg struct {
	// Scalar payload; meaningful only when BO is nil.
	Value uint64

	// Buffer argument. The engine locates the buffer by its role.
	BO *xbo.BO
}

// Packet word layout within the command buffer.
// Word 0 is the state word, written by the device;
// everything after it is written by [*ExecBuf.Encode].
const (
	stateWord    = 0
	opcodeWord   = 1
	cuWord       = 2
	argCountWord = 3
	firstArgWord = 4

	wordSize = 4
)

// ExecBuf is a command under construction, bound to its command buffer.
//
// Build with [New], then [*ExecBuf.Encode] before submitting.
// The ExecBuf value itself travels with the submission so the engine
// can reach the argument buffers; the encoded packet is the device's
// view of the same information.
type ExecBuf struct {
	cmd *xbo.BO

	op      Opcode
	cuIndex uint32
	args    []Arg

	inst      *xbo.BO
	instWords uint32
}

// New returns an ExecBuf building into the given command buffer.
func New(cmd *xbo.BO, op Opcode) (*ExecBuf, error) {
	if cmd == nil {
		return nil, errors.New("command buffer must not be nil")
	}
	if cmd.Kind() != xbo.KindCmd {
		return nil, fmt.Errorf("command buffer must be %s; got %s", xbo.KindCmd, cmd.Kind())
	}

	return &ExecBuf{cmd: cmd, op: op}, nil
}

// SetCUIndex selects the compute unit the command runs on.
func (e *ExecBuf) SetCUIndex(idx uint32) { e.cuIndex = idx }

// AddArg64 appends a scalar argument.
func (e *ExecBuf) AddArg64(v uint64) {
	e.args = append(e.args, Arg{Value: v})
}

// AddArgBO appends a buffer argument.
func (e *ExecBuf) AddArgBO(bo *xbo.BO) error {
	if bo == nil {
		return errors.New("buffer argument must not be nil")
	}
	e.args = append(e.args, Arg{BO: bo})
	return nil
}

// SetInstructions binds the instruction stream: the buffer holding it
// and how many 32-bit words of it are valid.
func (e *ExecBuf) SetInstructions(bo *xbo.BO, words uint32) error {
	if bo == nil {
		return errors.New("instruction buffer must not be nil")
	}
	if k := bo.Kind(); k != xbo.KindInstruction && k != xbo.KindBadInstruction {
		return fmt.Errorf("instruction buffer must be %s or %s; got %s",
			xbo.KindInstruction, xbo.KindBadInstruction, k)
	}
	if int(words)*wordSize > bo.Size() {
		return fmt.Errorf("instruction count %d exceeds buffer capacity %d words",
			words, bo.Size()/wordSize)
	}

	e.inst = bo
	e.instWords = words
	return nil
}

// Opcode reports the command's opcode.
func (e *ExecBuf) Opcode() Opcode { return e.op }

// CUIndex reports the selected compute unit.
func (e *ExecBuf) CUIndex() uint32 { return e.cuIndex }

// Args returns the argument list in submission order.
// Callers must not mutate it.
func (e *ExecBuf) Args() []Arg { return e.args }

// Instructions returns the instruction buffer and valid word count.
// The buffer is nil when the command carries no instructions.
func (e *ExecBuf) Instructions() (*xbo.BO, uint32) { return e.inst, e.instWords }

// EncodedSize reports the packet size in bytes for the current contents.
func (e *ExecBuf) EncodedSize() int {
	// State, opcode, CU, arg count, two words per arg,
	// then the instruction word count.
	return (firstArgWord + 2*len(e.args) + 1) * wordSize
}

// Encode writes the packet into the command buffer and resets the
// state word to [StateNew].
// Buffer arguments are encoded as their sizes; the device resolves
// the actual buffers from the submission, not from the packet.
func (e *ExecBuf) Encode() error {
	need := e.EncodedSize()
	buf := e.cmd.Host()
	if len(buf) < need {
		return fmt.Errorf("command buffer too small: need %d bytes, have %d", need, len(buf))
	}

	le := binary.LittleEndian
	le.PutUint32(buf[stateWord*wordSize:], uint32(StateNew))
	le.PutUint32(buf[opcodeWord*wordSize:], uint32(e.op))
	le.PutUint32(buf[cuWord*wordSize:], e.cuIndex)
	le.PutUint32(buf[argCountWord*wordSize:], uint32(len(e.args)))

	w := firstArgWord
	for _, a := range e.args {
		v := a.Value
		if a.BO != nil {
			v = uint64(a.BO.Size())
		}
		le.PutUint32(buf[w*wordSize:], uint32(v))
		le.PutUint32(buf[(w+1)*wordSize:], uint32(v>>32))
		w += 2
	}

	le.PutUint32(buf[w*wordSize:], e.instWords)

	return nil
}

// StoreState writes s into the packet's state word.
// Called by the device as the command moves through its lifecycle.
func (e *ExecBuf) StoreState(s State) {
	binary.LittleEndian.PutUint32(e.cmd.Dev()[stateWord*wordSize:], uint32(s))
}

// LoadState reads the packet's state word.
func (e *ExecBuf) LoadState() State {
	return State(binary.LittleEndian.Uint32(e.cmd.Dev()[stateWord*wordSize:]))
}

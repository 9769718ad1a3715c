package xnpu

// The engine's instruction set.
// An instruction is one 32-bit word: the opcode in the top byte,
// a 24-bit operand below it.
const (
	// InstNop does nothing.
	InstNop uint8 = 0x00

	// InstCopy copies the input buffer into the output buffer.
	InstCopy uint8 = 0x01

	// InstAddC adds the operand's low byte to every output byte.
	InstAddC uint8 = 0x02

	// InstXorC xors the operand's low byte into every output byte.
	InstXorC uint8 = 0x03

	// InstAddP adds the parameter bytes to the output bytes,
	// cycling through the parameters when the output is longer.
	InstAddP uint8 = 0x04
)

// EncodeInst packs an opcode and operand into an instruction word.
// Operand bits above the low 24 are discarded.
func EncodeInst(op uint8, operand uint32) uint32 {
	return uint32(op)<<24 | operand&0x00FFFFFF
}

// DecodeInst splits an instruction word into opcode and operand.
func DecodeInst(word uint32) (op uint8, operand uint32) {
	return uint8(word >> 24), word & 0x00FFFFFF
}

package xbo

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Dump framing: one byte for the buffer kind,
// one byte for the compression format,
// a varint for the maybe-compressed payload length,
// then the payload itself.
const (
	uncompressedHeader byte = 0
	snappyHeader       byte = 1
)

// WriteDump writes the buffer's host contents to w in dump framing.
// The payload is snappy-compressed only when compression actually
// saves bytes.
func (b *BO) WriteDump(w io.Writer) error {
	raw := b.host

	header := uncompressedHeader
	payload := raw
	if c := snappy.Encode(nil, raw); len(c) < len(raw) {
		header = snappyHeader
		payload = c
	}

	if _, err := w.Write([]byte{byte(b.kind), header}); err != nil {
		return fmt.Errorf("failed to write dump header: %w", err)
	}

	szBuf := binary.AppendVarint(nil, int64(len(payload)))
	if _, err := w.Write(szBuf); err != nil {
		return fmt.Errorf("failed to write payload size: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

// ReadDump parses one dump frame from r and returns the reconstructed
// buffer object. The device shadow is left zeroed (or aliased, for
// command buffers); a dump records host contents only.
func ReadDump(r io.Reader) (*BO, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}

	kind := Kind(header[0])
	if kind > KindBadInstruction {
		return nil, fmt.Errorf("unrecognized buffer kind byte %x", header[0])
	}

	// binary.ReadVarint needs an io.ByteReader.
	// A single-byte adapter reads exactly the varint,
	// leaving the payload bytes in r.
	size64, err := binary.ReadVarint(&byteReader{r: r})
	if err != nil {
		return nil, fmt.Errorf("failed to read payload size: %w", err)
	}
	if size64 <= 0 {
		return nil, fmt.Errorf("invalid payload size %d; must be positive", size64)
	}

	payload := make([]byte, size64)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read full payload: %w", err)
	}

	var raw []byte
	switch header[1] {
	case uncompressedHeader:
		raw = payload
	case snappyHeader:
		raw, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("unrecognized compression header byte %x", header[1])
	}

	bo, err := Alloc(kind, len(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate restored buffer: %w", err)
	}
	copy(bo.host, raw)

	return bo, nil
}

// byteReader adapts an io.Reader to io.ByteReader
// without buffering past the bytes actually consumed.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

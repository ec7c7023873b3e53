package forward

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// TagSize is the length of the multiplex tag on the wire.
const TagSize = 4

var (
	// ErrShortTag is returned when a stream ends before a full tag was read.
	ErrShortTag = errors.New("forward: short multiplex tag")

	// ErrUnknownTag is returned when no route is registered for a tag.
	ErrUnknownTag = errors.New("forward: unknown multiplex tag")
)

// WriteTag writes port as a 4-byte big-endian tag.
func WriteTag(w io.Writer, port uint32) error {
	var b [TagSize]byte
	binary.BigEndian.PutUint32(b[:], port)
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("forward: write tag: %w", err)
	}
	return nil
}

// ReadTag reads exactly one tag from r.
func ReadTag(r io.Reader) (uint32, error) {
	var b [TagSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: %w", ErrShortTag, err)
		}
		return 0, fmt.Errorf("forward: read tag: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

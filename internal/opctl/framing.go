package opctl

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single opctl frame. ProposedStateFrame carries a
// full state vector and isn't subject to wire.MaxDatagramSize's
// UDP-datagram ceiling, so the cap here is generous rather than tight.
const maxFrameSize = 1 << 20

const lengthPrefixSize = 4

// writeFrame writes a length-prefixed frame: [4 bytes big-endian length][payload].
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("opctl: frame too large: %d > %d", len(data), maxFrameSize)
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readFrame reads a length-prefixed frame written by writeFrame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("opctl: frame too large: %d > %d", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

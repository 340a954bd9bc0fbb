package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing used on serial and TCP links. Each direction prefixes
// frames with a start byte and a little-endian length. BLE links carry
// bare frames in GATT notifications and skip this layer.
const (
	FrameStartOut byte = 0x3C // '<' host to radio
	FrameStartIn  byte = 0x3E // '>' radio to host

	// MaxFrameSize bounds a single frame. Real frames stay well under
	// this; anything larger means the stream lost sync.
	MaxFrameSize = 4096
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyPayload  = errors.New("empty frame payload")
)

// WriteFrame writes one outbound frame with the stream header.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	header := [3]byte{FrameStartOut}
	binary.LittleEndian.PutUint16(header[1:3], uint16(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// FrameReader reassembles inbound frames from a byte stream,
// resynchronizing past any noise between frames. Serial links in
// particular interleave boot messages with framed traffic.
type FrameReader struct {
	br      *bufio.Reader
	skipped int
}

// NewFrameReader wraps r for frame reassembly.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, MaxFrameSize)}
}

// Next blocks until a complete inbound frame is available and returns
// its payload. The returned slice is freshly allocated and safe to
// retain.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		b, err := fr.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != FrameStartIn {
			fr.skipped++
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(fr.br, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		size := int(binary.LittleEndian.Uint16(lenBuf[:]))
		if size == 0 {
			continue
		}
		if size > MaxFrameSize {
			// Lost sync. Drop the header and hunt for the next start byte.
			fr.skipped += 3
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(fr.br, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
		return payload, nil
	}
}

// Skipped reports how many noise bytes have been discarded so far.
func (fr *FrameReader) Skipped() int {
	return fr.skipped
}

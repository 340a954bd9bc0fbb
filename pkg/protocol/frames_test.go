package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{CmdGetContacts}

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	out := buf.Bytes()
	if out[0] != FrameStartOut {
		t.Errorf("start byte = %#x, want %#x", out[0], FrameStartOut)
	}
	if size := binary.LittleEndian.Uint16(out[1:3]); size != 1 {
		t.Errorf("length = %d, want 1", size)
	}
	if !bytes.Equal(out[3:], payload) {
		t.Errorf("payload = %x, want %x", out[3:], payload)
	}
}

func TestWriteFrameEmpty(t *testing.T) {
	if err := WriteFrame(io.Discard, nil); err == nil {
		t.Error("WriteFrame() should reject empty payload")
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	if err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)); err == nil {
		t.Error("WriteFrame() should reject oversize payload")
	}
}

// inbound builds a stream-framed inbound frame around the payload.
func inbound(payload []byte) []byte {
	out := []byte{FrameStartIn}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	return append(out, payload...)
}

func TestFrameReader(t *testing.T) {
	first := []byte{RespCodeOK}
	second := []byte{RespCodeBatteryVoltage, 0xAC, 0x0F}

	stream := append(inbound(first), inbound(second)...)
	fr := NewFrameReader(bytes.NewReader(stream))

	got, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("frame 1 = %x, want %x", got, first)
	}

	got, err = fr.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("frame 2 = %x, want %x", got, second)
	}

	if _, err = fr.Next(); err != io.EOF {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}

func TestFrameReaderResync(t *testing.T) {
	// Boot noise before the first frame must be skipped.
	noise := []byte("MeshCore booting...\r\n")
	payload := []byte{RespCodeSelfInfo, 1, 2, 3}

	stream := append(append([]byte{}, noise...), inbound(payload)...)
	fr := NewFrameReader(bytes.NewReader(stream))

	got, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("frame = %x, want %x", got, payload)
	}
	if fr.Skipped() != len(noise) {
		t.Errorf("Skipped() = %d, want %d", fr.Skipped(), len(noise))
	}
}

func TestFrameReaderZeroLength(t *testing.T) {
	// A zero-length header is noise; the reader keeps hunting.
	stream := append([]byte{FrameStartIn, 0, 0}, inbound([]byte{RespCodeOK})...)
	fr := NewFrameReader(bytes.NewReader(stream))

	got, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !bytes.Equal(got, []byte{RespCodeOK}) {
		t.Errorf("frame = %x, want OK frame", got)
	}
}

func TestFrameReaderTruncated(t *testing.T) {
	stream := inbound([]byte{RespCodeContact, 1, 2, 3})
	fr := NewFrameReader(bytes.NewReader(stream[:len(stream)-2]))

	if _, err := fr.Next(); err == nil {
		t.Error("Next() should error on truncated stream")
	}
}

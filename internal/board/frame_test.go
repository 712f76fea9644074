package board

import (
	"bytes"
	"testing"
)

func readerFunc(buf *bytes.Buffer) readFullFunc {
	return func(dst []byte) error {
		_, err := buf.Read(dst)
		return err
	}
}

func TestFrameRoundtrip(t *testing.T) {
	payload := []byte{0x01, 0xAA, 0xBB}
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	got, err := readFrame(readerFunc(bytes.NewBuffer(frame)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected payload %x, got %x", payload, got)
	}
}

func TestReadFrameResyncsPastGarbage(t *testing.T) {
	payload := []byte{0x02, 0x01}
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	stream := append([]byte{0x00, 0x44, 0x00, 0xFF}, frame...)

	got, err := readFrame(readerFunc(bytes.NewBuffer(stream)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected payload %x, got %x", payload, got)
	}
}

func TestEncodeFrameRejectsEmptyPayload(t *testing.T) {
	if _, err := encodeFrame(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	stream := []byte{0x44, 0x58, 0xFF, 0xFF}
	if _, err := readFrame(readerFunc(bytes.NewBuffer(stream))); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

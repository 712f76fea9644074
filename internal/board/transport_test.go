package board

import (
	"context"
	"errors"
	"testing"
	"time"
)

// idlePort mimics a serial read timeout: no data, no error, forever.
type idlePort struct{}

func (idlePort) Read([]byte) (int, error) { return 0, nil }

func TestReadFullStopsOnDeadlineWhenPortStaysSilent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := readFull(ctx, idlePort{}, make([]byte, 4))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

// trickleReader hands out one byte per call.
type trickleReader struct {
	data []byte
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReadFullAssemblesPartialReads(t *testing.T) {
	reader := &trickleReader{data: []byte{0x01, 0x02, 0x03}}

	buf := make([]byte, 3)
	if err := readFull(context.Background(), reader, buf); err != nil {
		t.Fatalf("read full: %v", err)
	}
	if buf[0] != 0x01 || buf[1] != 0x02 || buf[2] != 0x03 {
		t.Fatalf("unexpected buffer % X", buf)
	}
}

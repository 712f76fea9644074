package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond

	// roundtripTimeout bounds one request/response exchange. The board
	// answers within milliseconds when healthy; a silent board must not
	// stall the caller's loop.
	roundtripTimeout = 2 * time.Second
)

// Transport is the framed request/response channel to the board. A nil
// underlying port means disconnected; Close is idempotent.
type Transport interface {
	Connected() bool
	Connect(ctx context.Context) error
	Close() error
	Roundtrip(ctx context.Context, payload []byte) ([]byte, error)
	Target() string
}

type SerialTransport struct {
	portName string
	baudRate int

	mu   sync.Mutex
	port serial.Port
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
	}
}

func (t *SerialTransport) Target() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portName
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	t.port = port

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Roundtrip writes one request frame and reads the matching response frame.
// The board answers every request, so requests never interleave. The whole
// exchange is bounded by roundtripTimeout: the serial port reads return
// empty every defaultSerialReadTimeout, so the read loop observes the
// deadline instead of spinning on an unresponsive board.
func (t *SerialTransport) Roundtrip(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return nil, errors.New("transport is not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, roundtripTimeout)
	defer cancel()

	frame, err := encodeFrame(payload)
	if err != nil {
		return nil, err
	}
	if err := writeFull(ctx, port, frame); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	response, err := readFrame(func(buf []byte) error {
		return readFull(ctx, port, buf)
	})
	if err != nil {
		return nil, err
	}

	return response, nil
}

func readFull(ctx context.Context, r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		read += n
	}

	return nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		written += n
	}

	return nil
}

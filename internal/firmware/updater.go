package firmware

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.bug.st/serial"
)

// ErrNoImage is reported when no firmware image exists for a board identity.
// This is non-retryable within a session and must be surfaced to the user.
var ErrNoImage = errors.New("no firmware image for board")

const bootloaderBaud = 57600

// maxImageRows is the largest row count the program-row command can address
// with its 16-bit little-endian row index.
const maxImageRows = 0xFFFF

// Updater streams a firmware image to a board whose serial port has already
// been released by the link.
type Updater struct {
	logger *slog.Logger

	// openPort is swappable for tests.
	openPort func(portName string, mode *serial.Mode) (serial.Port, error)
}

func NewUpdater(logger *slog.Logger) *Updater {
	return &Updater{
		logger:   logger,
		openPort: serial.Open,
	}
}

// Flash programs the image at imagePath onto the board reachable on portName
// and returns the accumulated flash log. The caller reconnects afterward
// regardless of the outcome.
func (u *Updater) Flash(ctx context.Context, boardID, imagePath, portName string) (string, error) {
	rows, err := loadImage(imagePath)
	if err != nil {
		return "", err
	}

	port, err := u.openPort(portName, &serial.Mode{BaudRate: bootloaderBaud})
	if err != nil {
		return "", fmt.Errorf("open bootloader port %q: %w", portName, err)
	}
	defer func() {
		_ = port.Close()
	}()

	var log strings.Builder
	fmt.Fprintf(&log, "flashing board %s from %s (%d rows)\n", boardID, imagePath, len(rows))
	u.logger.Info("flashing firmware", "board_id", boardID, "image", imagePath, "rows", len(rows))

	if err := u.flashTo(ctx, port, rows, &log); err != nil {
		return log.String(), err
	}
	log.WriteString("flash complete\n")

	return log.String(), nil
}

func (u *Updater) flashTo(ctx context.Context, rw io.ReadWriter, rows [][]byte, log *strings.Builder) error {
	if err := sendCommand(ctx, rw, cmdEnterBootloader, nil); err != nil {
		return fmt.Errorf("enter bootloader: %w", err)
	}
	log.WriteString("entered bootloader\n")

	for i, row := range rows {
		data := make([]byte, 2+len(row))
		data[0] = byte(i)
		data[1] = byte(i >> 8)
		copy(data[2:], row)
		if err := sendCommand(ctx, rw, cmdProgramRow, data); err != nil {
			return fmt.Errorf("program row %d: %w", i, err)
		}
		fmt.Fprintf(log, "programmed row %d (%d bytes)\n", i, len(row))
	}

	if err := sendCommand(ctx, rw, cmdExitBootloader, nil); err != nil {
		return fmt.Errorf("exit bootloader: %w", err)
	}
	log.WriteString("exited bootloader\n")

	return nil
}

// loadImage reads a firmware image: one hex-encoded row per line, blank lines
// and '#' comments ignored. A leading ':' per row is accepted.
func loadImage(path string) ([][]byte, error) {
	raw, err := readImageFile(path)
	if err != nil {
		return nil, err
	}

	var rows [][]byte
	for n, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), ":"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		row, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("parse image row at line %d: %w", n+1, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("firmware image %q has no rows", path)
	}
	if len(rows) > maxImageRows {
		return nil, fmt.Errorf("firmware image %q has %d rows, more than the addressable %d", path, len(rows), maxImageRows)
	}

	return rows, nil
}

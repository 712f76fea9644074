package firmware

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Bootloader packets are
//
//	command:  [SOP][CMD][LEN_L][LEN_H][DATA...][CKSUM_L][CKSUM_H][EOP]
//	response: [SOP][STATUS][0x00][0x00][CKSUM_L][CKSUM_H][EOP]
//
// with a little-endian 2's-complement checksum over the bytes before it.
const (
	packetSOP = 0x01
	packetEOP = 0x17

	cmdEnterBootloader = 0x38
	cmdProgramRow      = 0x39
	cmdExitBootloader  = 0x3B

	ackSuccess = 0x00

	responseLen = 7
)

func buildPacket(cmd byte, data []byte) []byte {
	packet := make([]byte, 0, 7+len(data))
	packet = append(packet, packetSOP, cmd, byte(len(data)), byte(len(data)>>8))
	packet = append(packet, data...)
	sum := packetChecksum(packet)
	packet = append(packet, byte(sum), byte(sum>>8), packetEOP)

	return packet
}

func packetChecksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}

	return ^sum + 1
}

func sendCommand(ctx context.Context, rw io.ReadWriter, cmd byte, data []byte) error {
	packet := buildPacket(cmd, data)
	if err := writeFull(ctx, rw, packet); err != nil {
		return fmt.Errorf("write packet 0x%02X: %w", cmd, err)
	}

	response := make([]byte, responseLen)
	if err := readFull(ctx, rw, response); err != nil {
		return fmt.Errorf("read response to 0x%02X: %w", cmd, err)
	}

	return checkResponse(response)
}

func checkResponse(response []byte) error {
	if len(response) != responseLen || response[0] != packetSOP || response[responseLen-1] != packetEOP {
		return fmt.Errorf("malformed bootloader response: % X", response)
	}
	sum := packetChecksum(response[:4])
	if response[4] != byte(sum) || response[5] != byte(sum>>8) {
		return fmt.Errorf("bootloader response checksum mismatch")
	}
	if response[1] != ackSuccess {
		return fmt.Errorf("bootloader reported status 0x%02X", response[1])
	}

	return nil
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
		written += n
	}

	return nil
}

func readImageFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the firmware image dir configured by the user.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read firmware image: %w", err)
	}

	return raw, nil
}

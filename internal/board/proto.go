package board

import (
	"encoding/json"
	"fmt"
)

// Request payloads are [cmd][body]; responses echo the command with the high
// bit set: [cmd|0x80][status][body].
type command byte

const (
	cmdIdentity    command = 0x01
	cmdUpdateState command = 0x02
	cmdReadConfig  command = 0x03
	cmdWriteConfig command = 0x04

	responseFlag = 0x80
)

type cmdStatus byte

const (
	statusOK         cmdStatus = 0x00
	statusFailed     cmdStatus = 0x01
	statusBadRequest cmdStatus = 0x02
)

const (
	stateMaskLight  = 0x01
	stateMaskMagnet = 0x02
)

// Identity is the board's self-description returned by cmdIdentity.
type Identity struct {
	BoardID         string `json:"board_id"`
	FirmwareVersion string `json:"firmware_version"`
}

// State is the board actuator state pair.
type State struct {
	LightEnabled  bool
	MagnetEngaged bool
}

// StateUpdate is a partial actuator state change. Nil fields are left
// untouched on the device.
type StateUpdate struct {
	Light  *bool
	Magnet *bool
}

// Bool returns a pointer to v for optional StateUpdate fields.
func Bool(v bool) *bool { return &v }

func encodeRequest(cmd command, body []byte) []byte {
	payload := make([]byte, 1+len(body))
	payload[0] = byte(cmd)
	copy(payload[1:], body)

	return payload
}

func parseResponse(cmd command, payload []byte) (cmdStatus, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("short response: %d bytes", len(payload))
	}
	if payload[0] != byte(cmd)|responseFlag {
		return 0, nil, fmt.Errorf("response command mismatch: sent 0x%02X, got 0x%02X", byte(cmd), payload[0])
	}

	return cmdStatus(payload[1]), payload[2:], nil
}

func encodeStateUpdate(update StateUpdate) []byte {
	var mask, bits byte
	if update.Light != nil {
		mask |= stateMaskLight
		if *update.Light {
			bits |= stateMaskLight
		}
	}
	if update.Magnet != nil {
		mask |= stateMaskMagnet
		if *update.Magnet {
			bits |= stateMaskMagnet
		}
	}

	return []byte{mask, bits}
}

func decodeIdentity(body []byte) (Identity, error) {
	var ident Identity
	if err := json.Unmarshal(body, &ident); err != nil {
		return Identity{}, fmt.Errorf("decode board identity: %w", err)
	}
	if ident.BoardID == "" {
		return Identity{}, fmt.Errorf("board identity is missing a board id")
	}

	return ident, nil
}

func decodeConfigFields(body []byte) (map[string]string, error) {
	fields := map[string]string{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode board config: %w", err)
	}

	return fields, nil
}

func encodeConfigFields(fields map[string]string) ([]byte, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode board config: %w", err)
	}

	return body, nil
}

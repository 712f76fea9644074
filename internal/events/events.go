package events

import "time"

// ConnectionState describes the board link lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateFlashing     ConnectionState = "flashing"
)

// ConnectionStatus is a bus event snapshot of current board link status.
type ConnectionStatus struct {
	State     ConnectionState
	Err       string
	Target    string
	Timestamp time.Time
}

// StepComplete signals that a protocol step finished with the given outcome.
type StepComplete struct {
	Plugin  string
	Step    int
	Outcome string
}

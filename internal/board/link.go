package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/mod/semver"

	"github.com/mkdryden/dropbot-dx-plugin/internal/bus"
	"github.com/mkdryden/dropbot-dx-plugin/internal/events"
)

// DriverVersion is the firmware series this host driver speaks. Boards
// reporting a different major.minor are offered a reflash on connect.
const DriverVersion = "v2.1.0"

// Prompter asks whether to flash the bundled firmware when the board reports
// a mismatched version. A nil prompter declines.
type Prompter func(firmwareVersion, driverVersion string) bool

// FirmwareUpdater flashes an image to a board reachable on a serial port.
// The link must already be disconnected when it is invoked.
type FirmwareUpdater interface {
	Flash(ctx context.Context, boardID, imagePath, portName string) (string, error)
}

// ImageResolver locates a firmware image for a board identity.
type ImageResolver func(boardID string) (string, error)

// Link owns the connection to the DropBot DX board. It is not safe for
// concurrent use; the runtime drives it from the main loop.
type Link struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	transport Transport

	updater      FirmwareUpdater
	resolveImage ImageResolver
	confirmFlash Prompter

	identity   Identity
	state      State
	stateKnown bool
}

// LinkConfig carries the link's collaborators. Updater, ResolveImage, and
// ConfirmFlash may be nil; version mismatches are then logged but not acted on.
type LinkConfig struct {
	Logger       *slog.Logger
	Bus          bus.MessageBus
	Transport    Transport
	Updater      FirmwareUpdater
	ResolveImage ImageResolver
	ConfirmFlash Prompter
}

func NewLink(cfg LinkConfig) *Link {
	return &Link{
		logger:       cfg.Logger,
		bus:          cfg.Bus,
		transport:    cfg.Transport,
		updater:      cfg.Updater,
		resolveImage: cfg.ResolveImage,
		confirmFlash: cfg.ConfirmFlash,
	}
}

// Connect opens the board link, verifies the firmware version, and applies
// the default actuator state (light on). A version mismatch is offered to the
// prompter; if affirmed the board is reflashed and the link reopened
// regardless of flash outcome.
func (l *Link) Connect(ctx context.Context) error {
	if l.transport.Connected() {
		return nil
	}

	l.publishStatus(events.ConnectionStateConnecting, nil)
	if err := l.open(ctx); err != nil {
		l.publishStatus(events.ConnectionStateDisconnected, err)
		return err
	}

	if semver.MajorMinor(l.identity.FirmwareVersion) != semver.MajorMinor(DriverVersion) {
		l.logger.Warn("board firmware version mismatch",
			"firmware", l.identity.FirmwareVersion, "driver", DriverVersion)
		if l.confirmFlash != nil && l.confirmFlash(l.identity.FirmwareVersion, DriverVersion) {
			if err := l.reflash(ctx); err != nil {
				l.publishStatus(events.ConnectionStateDisconnected, err)
				return err
			}
		}
	}

	if err := l.UpdateState(ctx, StateUpdate{Light: Bool(true)}); err != nil {
		l.logger.Warn("apply default board state", "error", err)
	}
	l.publishStatus(events.ConnectionStateConnected, nil)

	return nil
}

func (l *Link) open(ctx context.Context) error {
	if err := l.transport.Connect(ctx); err != nil {
		l.logger.Warn("could not connect to DropBot DX board", "error", err)
		return fmt.Errorf("connect board: %w", err)
	}

	ident, err := l.queryIdentity(ctx)
	if err != nil {
		_ = l.transport.Close()
		return err
	}
	l.identity = ident
	l.logger.Info("board link open",
		"board_id", ident.BoardID, "firmware", ident.FirmwareVersion, "port", l.transport.Target())

	return nil
}

// reflash hands the serial port to the firmware updater and reopens the link
// afterward even when flashing fails: a live link to mismatched firmware
// beats no link at all.
func (l *Link) reflash(ctx context.Context) error {
	ident := l.identity
	port := l.transport.Target()

	l.Disconnect()
	l.publishStatus(events.ConnectionStateFlashing, nil)

	image, err := l.resolveImage(ident.BoardID)
	if err != nil {
		l.logger.Error("no firmware image for board", "board_id", ident.BoardID, "error", err)
	} else {
		logText, flashErr := l.updater.Flash(ctx, ident.BoardID, image, port)
		if flashErr != nil {
			l.logger.Error("firmware flash failed", "board_id", ident.BoardID, "error", flashErr)
		} else {
			l.logger.Info("firmware flash complete", "board_id", ident.BoardID, "log", logText)
		}
	}

	if err := l.open(ctx); err != nil {
		return fmt.Errorf("reconnect after flash: %w", err)
	}

	return nil
}

// Connected reports whether a live device handle exists.
func (l *Link) Connected() bool {
	return l.transport.Connected()
}

// Disconnect releases the device handle. It is a no-op when already
// disconnected.
func (l *Link) Disconnect() {
	wasConnected := l.transport.Connected()
	if err := l.transport.Close(); err != nil {
		l.logger.Warn("close board transport", "error", err)
	}
	l.stateKnown = false
	if wasConnected {
		l.publishStatus(events.ConnectionStateDisconnected, nil)
	}
}

// Identity returns the identity reported by the board at connect time.
func (l *Link) Identity() Identity {
	return l.identity
}

// UpdateState sends a partial actuator state change. On any failure the
// cached state is marked stale: the device state is indeterminate and must
// not be trusted until a later update succeeds.
func (l *Link) UpdateState(ctx context.Context, update StateUpdate) error {
	response, err := l.transport.Roundtrip(ctx, encodeRequest(cmdUpdateState, encodeStateUpdate(update)))
	if err != nil {
		l.stateKnown = false
		return fmt.Errorf("send state update: %w", err)
	}
	status, _, err := parseResponse(cmdUpdateState, response)
	if err != nil {
		l.stateKnown = false
		return err
	}
	if status != statusOK {
		l.stateKnown = false
		return fmt.Errorf("board rejected state update: status 0x%02X", byte(status))
	}

	if update.Light != nil {
		l.state.LightEnabled = *update.Light
	}
	if update.Magnet != nil {
		l.state.MagnetEngaged = *update.Magnet
	}
	l.stateKnown = true

	return nil
}

// State returns the last successfully applied actuator state and whether it
// can be trusted.
func (l *Link) State() (State, bool) {
	return l.state, l.stateKnown && l.Connected()
}

// ReadConfig fetches the board-resident configuration as a flat field map.
// Used by the external configuration editor, not by step execution.
func (l *Link) ReadConfig(ctx context.Context) (map[string]string, error) {
	response, err := l.transport.Roundtrip(ctx, encodeRequest(cmdReadConfig, nil))
	if err != nil {
		return nil, fmt.Errorf("read board config: %w", err)
	}
	status, body, err := parseResponse(cmdReadConfig, response)
	if err != nil {
		return nil, err
	}
	if status != statusOK {
		return nil, fmt.Errorf("board rejected config read: status 0x%02X", byte(status))
	}

	return decodeConfigFields(body)
}

// WriteConfig stores the given fields in the board-resident configuration.
func (l *Link) WriteConfig(ctx context.Context, fields map[string]string) error {
	if len(fields) == 0 {
		return errors.New("no config fields to write")
	}
	body, err := encodeConfigFields(fields)
	if err != nil {
		return err
	}
	response, err := l.transport.Roundtrip(ctx, encodeRequest(cmdWriteConfig, body))
	if err != nil {
		return fmt.Errorf("write board config: %w", err)
	}
	status, _, err := parseResponse(cmdWriteConfig, response)
	if err != nil {
		return err
	}
	if status != statusOK {
		return fmt.Errorf("board rejected config write: status 0x%02X", byte(status))
	}

	return nil
}

func (l *Link) queryIdentity(ctx context.Context) (Identity, error) {
	response, err := l.transport.Roundtrip(ctx, encodeRequest(cmdIdentity, nil))
	if err != nil {
		return Identity{}, fmt.Errorf("query board identity: %w", err)
	}
	status, body, err := parseResponse(cmdIdentity, response)
	if err != nil {
		return Identity{}, err
	}
	if status != statusOK {
		return Identity{}, fmt.Errorf("board rejected identity query: status 0x%02X", byte(status))
	}

	return decodeIdentity(body)
}

func (l *Link) publishStatus(state events.ConnectionState, err error) {
	if l.bus == nil {
		return
	}
	status := events.ConnectionStatus{
		State:     state,
		Target:    l.transport.Target(),
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	l.bus.Publish(events.TopicConnStatus, status)
}

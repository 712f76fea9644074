package board

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeTransport struct {
	connected  bool
	connectErr error
	target     string

	responses [][]byte
	requests  [][]byte

	connectCalls int
	closeCalls   int
}

func (f *fakeTransport) Connected() bool { return f.connected }

func (f *fakeTransport) Connect(_ context.Context) error {
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeCalls++
	f.connected = false
	return nil
}

func (f *fakeTransport) Target() string { return f.target }

func (f *fakeTransport) Roundtrip(_ context.Context, payload []byte) ([]byte, error) {
	if !f.connected {
		return nil, errors.New("transport is not connected")
	}
	f.requests = append(f.requests, payload)
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	return response, nil
}

func respond(cmd command, status cmdStatus, body []byte) []byte {
	payload := []byte{byte(cmd) | responseFlag, byte(status)}
	return append(payload, body...)
}

func identityResponse(firmwareVersion string) []byte {
	return respond(cmdIdentity, statusOK, []byte(`{"board_id":"dx-0042","firmware_version":"`+firmwareVersion+`"}`))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLinkConnectAppliesDefaultLightState(t *testing.T) {
	tr := &fakeTransport{
		target: "/dev/ttyACM0",
		responses: [][]byte{
			identityResponse("v2.1.3"),
			respond(cmdUpdateState, statusOK, nil),
		},
	}
	link := NewLink(LinkConfig{Logger: testLogger(), Transport: tr})

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !link.Connected() {
		t.Fatal("expected link to be connected")
	}

	last := tr.requests[len(tr.requests)-1]
	if command(last[0]) != cmdUpdateState {
		t.Fatalf("expected final request to be a state update, got 0x%02X", last[0])
	}
	if last[1]&stateMaskLight == 0 || last[2]&stateMaskLight == 0 {
		t.Fatalf("expected light-on default state update, got mask %02x bits %02x", last[1], last[2])
	}

	state, known := link.State()
	if !known || !state.LightEnabled {
		t.Fatalf("expected known light-enabled state, got %+v known=%v", state, known)
	}
}

func TestLinkConnectTransportFailureLeavesDisconnected(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("no such port")}
	link := NewLink(LinkConfig{Logger: testLogger(), Transport: tr})

	if err := link.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if link.Connected() {
		t.Fatal("expected link to remain disconnected")
	}
}

func TestLinkConnectVersionMismatchWithoutPrompterStaysConnected(t *testing.T) {
	tr := &fakeTransport{
		responses: [][]byte{
			identityResponse("v1.9.0"),
			respond(cmdUpdateState, statusOK, nil),
		},
	}
	link := NewLink(LinkConfig{Logger: testLogger(), Transport: tr})

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !link.Connected() {
		t.Fatal("expected link to stay connected with mismatched firmware")
	}
}

type recordingUpdater struct {
	boardID string
	image   string
	port    string
	err     error
	calls   int
}

func (u *recordingUpdater) Flash(_ context.Context, boardID, imagePath, portName string) (string, error) {
	u.calls++
	u.boardID = boardID
	u.image = imagePath
	u.port = portName
	return "flash log", u.err
}

func TestLinkConnectVersionMismatchFlashesAndReconnects(t *testing.T) {
	tr := &fakeTransport{
		target: "/dev/ttyACM1",
		responses: [][]byte{
			identityResponse("v1.9.0"),
			identityResponse("v2.1.0"),
			respond(cmdUpdateState, statusOK, nil),
		},
	}
	updater := &recordingUpdater{}
	link := NewLink(LinkConfig{
		Logger:       testLogger(),
		Transport:    tr,
		Updater:      updater,
		ResolveImage: func(string) (string, error) { return "/firmware/dx-0042/v2.1.0.hex", nil },
		ConfirmFlash: func(firmware, driver string) bool { return true },
	})

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if updater.calls != 1 {
		t.Fatalf("expected exactly one flash, got %d", updater.calls)
	}
	if updater.boardID != "dx-0042" || updater.port != "/dev/ttyACM1" {
		t.Fatalf("unexpected flash arguments: %+v", updater)
	}
	if tr.closeCalls == 0 {
		t.Fatal("expected transport to be closed before flashing")
	}
	if !link.Connected() {
		t.Fatal("expected link to be reconnected after flash")
	}
}

func TestLinkConnectReconnectsEvenWhenFlashFails(t *testing.T) {
	tr := &fakeTransport{
		responses: [][]byte{
			identityResponse("v1.9.0"),
			identityResponse("v1.9.0"),
			respond(cmdUpdateState, statusOK, nil),
		},
	}
	updater := &recordingUpdater{err: errors.New("upload failed")}
	link := NewLink(LinkConfig{
		Logger:       testLogger(),
		Transport:    tr,
		Updater:      updater,
		ResolveImage: func(string) (string, error) { return "/firmware/image.hex", nil },
		ConfirmFlash: func(string, string) bool { return true },
	})

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !link.Connected() {
		t.Fatal("expected link to reconnect despite flash failure")
	}
}

func TestLinkUpdateStateDeviceFailureMarksStateStale(t *testing.T) {
	tr := &fakeTransport{
		responses: [][]byte{
			identityResponse("v2.1.0"),
			respond(cmdUpdateState, statusOK, nil),
			respond(cmdUpdateState, statusFailed, nil),
		},
	}
	link := NewLink(LinkConfig{Logger: testLogger(), Transport: tr})
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := link.UpdateState(context.Background(), StateUpdate{Magnet: Bool(true)})
	if err == nil {
		t.Fatal("expected error for device-reported failure")
	}
	if _, known := link.State(); known {
		t.Fatal("expected state to be stale after failed update")
	}
}

func TestLinkDisconnectIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	link := NewLink(LinkConfig{Logger: testLogger(), Transport: tr})

	link.Disconnect()
	link.Disconnect()
	if link.Connected() {
		t.Fatal("expected link to stay disconnected")
	}
}

func TestLinkConfigRoundtrip(t *testing.T) {
	tr := &fakeTransport{
		responses: [][]byte{
			identityResponse("v2.1.0"),
			respond(cmdUpdateState, statusOK, nil),
			respond(cmdReadConfig, statusOK, []byte(`{"magnet_height_mm":"12.5"}`)),
			respond(cmdWriteConfig, statusOK, nil),
		},
	}
	link := NewLink(LinkConfig{Logger: testLogger(), Transport: tr})
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	fields, err := link.ReadConfig(context.Background())
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if fields["magnet_height_mm"] != "12.5" {
		t.Fatalf("unexpected config fields: %v", fields)
	}

	fields["magnet_height_mm"] = "13.0"
	if err := link.WriteConfig(context.Background(), fields); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

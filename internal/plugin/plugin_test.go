package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mkdryden/dropbot-dx-plugin/internal/board"
	"github.com/mkdryden/dropbot-dx-plugin/internal/bus"
	"github.com/mkdryden/dropbot-dx-plugin/internal/events"
	"github.com/mkdryden/dropbot-dx-plugin/internal/mainloop"
	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// fakeBoardTransport scripts framed responses for a board.Link.
type fakeBoardTransport struct {
	connected bool
	responses [][]byte
}

func (f *fakeBoardTransport) Connected() bool             { return f.connected }
func (f *fakeBoardTransport) Connect(context.Context) error { f.connected = true; return nil }
func (f *fakeBoardTransport) Close() error                { f.connected = false; return nil }
func (f *fakeBoardTransport) Target() string              { return "/dev/ttyACM0" }

func (f *fakeBoardTransport) Roundtrip(_ context.Context, _ []byte) ([]byte, error) {
	if !f.connected {
		return nil, errors.New("transport is not connected")
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	return response, nil
}

// identityReply is a framed payload answering the identity query sent on
// connect, with firmware matching the driver so no reflash is offered.
func identityReply() []byte {
	return append([]byte{0x81, 0x00}, `{"board_id":"dx-0042","firmware_version":"v2.1.0"}`...)
}

type fakeSched struct{}

func (fakeSched) TimeoutAdd(time.Duration, func() bool) mainloop.SourceID { return 1 }
func (fakeSched) SourceRemove(mainloop.SourceID)                          {}

type fakeStore struct {
	opts step.Options
	err  error
}

func (s *fakeStore) Get(context.Context, string, int) (step.Options, error) {
	return s.opts, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPlugin(tr *fakeBoardTransport, store StepOptionsStore) (*Plugin, *bus.PubSubBus) {
	logger := testLogger()
	messageBus := bus.New(logger)
	link := board.NewLink(board.LinkConfig{Logger: logger, Transport: tr})
	p := New(Config{
		Logger:    logger,
		Bus:       messageBus,
		Board:     link,
		Scheduler: fakeSched{},
		Steps:     store,
		AppValues: func() step.AppValues { return step.AppValues{DstatURI: "tcp://localhost:12345"} },
	})
	return p, messageBus
}

func waitForStepComplete(t *testing.T, sub bus.Subscription) events.StepComplete {
	t.Helper()
	select {
	case raw := <-sub:
		ev, ok := raw.(events.StepComplete)
		if !ok {
			t.Fatalf("unexpected event type %T", raw)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for step complete event")
		return events.StepComplete{}
	}
}

func TestOnStepRunDisconnectedBoardPublishesNone(t *testing.T) {
	p, messageBus := newTestPlugin(&fakeBoardTransport{}, &fakeStore{})
	sub := messageBus.Subscribe(events.TopicStepComplete)
	defer messageBus.Unsubscribe(sub)

	p.OnStepRun(context.Background(), "proto-a", 3)

	ev := waitForStepComplete(t, sub)
	if ev.Plugin != Name || ev.Step != 3 || ev.Outcome != string(step.OutcomeNone) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestOnStepRunStoreFailurePublishesFail(t *testing.T) {
	p, messageBus := newTestPlugin(&fakeBoardTransport{}, &fakeStore{err: errors.New("db locked")})
	sub := messageBus.Subscribe(events.TopicStepComplete)
	defer messageBus.Unsubscribe(sub)

	p.OnStepRun(context.Background(), "proto-a", 0)

	ev := waitForStepComplete(t, sub)
	if ev.Outcome != string(step.OutcomeFail) {
		t.Fatalf("expected fail outcome, got %+v", ev)
	}
}

func TestEditConfigurationWritesBackAcceptedEdit(t *testing.T) {
	tr := &fakeBoardTransport{
		responses: [][]byte{
			identityReply(),
			{0x82, 0x00}, // default light state
			append([]byte{0x83, 0x00}, `{"magnet_height_mm":"10.5"}`...),
			{0x84, 0x00},
		},
	}
	p, _ := newTestPlugin(tr, &fakeStore{})
	p.Enable(context.Background())
	if !p.board.Connected() {
		t.Fatal("expected board to connect")
	}

	edited := false
	err := p.EditConfiguration(context.Background(), func(fields map[string]string) (map[string]string, bool) {
		edited = true
		fields["magnet_height_mm"] = "11.0"
		return fields, true
	})
	if err != nil {
		t.Fatalf("edit configuration: %v", err)
	}
	if !edited {
		t.Fatal("expected editor to be invoked")
	}
	if len(tr.responses) != 0 {
		t.Fatalf("expected write to reach the board, %d responses left", len(tr.responses))
	}
}

func TestEditConfigurationRejectedEditIsNotWritten(t *testing.T) {
	tr := &fakeBoardTransport{
		responses: [][]byte{
			identityReply(),
			{0x82, 0x00},
			append([]byte{0x83, 0x00}, `{"magnet_height_mm":"10.5"}`...),
		},
	}
	p, _ := newTestPlugin(tr, &fakeStore{})
	p.Enable(context.Background())

	err := p.EditConfiguration(context.Background(), func(fields map[string]string) (map[string]string, bool) {
		return fields, false
	})
	if err != nil {
		t.Fatalf("edit configuration: %v", err)
	}
	if len(tr.responses) != 0 {
		t.Fatalf("expected only the read to be consumed, %d responses left", len(tr.responses))
	}
}

func TestDisableDisconnectsIdempotently(t *testing.T) {
	p, _ := newTestPlugin(&fakeBoardTransport{}, &fakeStore{})

	p.Disable()
	p.Disable()
	if p.board.Connected() {
		t.Fatal("expected board to stay disconnected")
	}
}

func TestLaunchDstatInterfaceWithoutCommandFails(t *testing.T) {
	p, _ := newTestPlugin(&fakeBoardTransport{}, &fakeStore{})

	if err := p.LaunchDstatInterface(); err == nil {
		t.Fatal("expected error when no launch command is configured")
	}
}

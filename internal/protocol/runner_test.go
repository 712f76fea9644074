package protocol

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mkdryden/dropbot-dx-plugin/internal/bus"
	"github.com/mkdryden/dropbot-dx-plugin/internal/events"
	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// inlinePoster runs posted work immediately on the caller's goroutine.
type inlinePoster struct{}

func (inlinePoster) Post(fn func()) { go fn() }

// scriptedPlugin publishes one scripted outcome per OnStepRun call.
type scriptedPlugin struct {
	bus      bus.MessageBus
	outcomes []step.Outcome
	calls    []int
}

func (p *scriptedPlugin) OnStepRun(_ context.Context, _ string, stepNumber int) {
	p.calls = append(p.calls, stepNumber)
	outcome := step.OutcomeNone
	if len(p.outcomes) > 0 {
		outcome = p.outcomes[0]
		p.outcomes = p.outcomes[1:]
	}
	p.bus.Publish(events.TopicStepComplete, events.StepComplete{
		Plugin:  "dropbot_dx_plugin",
		Step:    stepNumber,
		Outcome: string(outcome),
	})
}

func newTestRunner(t *testing.T, plugin *scriptedPlugin, timeout time.Duration) (*Runner, bus.MessageBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	plugin.bus = messageBus
	return NewRunner(RunnerConfig{
		Logger:      logger,
		Bus:         messageBus,
		Loop:        inlinePoster{},
		Plugin:      plugin,
		StepTimeout: timeout,
	}), messageBus
}

func twoStepProtocol() *Protocol {
	return &Protocol{
		Name: "test",
		Steps: []step.Options{
			{MagnetEngaged: true, DstatEnabled: true},
			{MagnetEngaged: false, DstatEnabled: false},
		},
	}
}

func TestRunnerRunsStepsInOrder(t *testing.T) {
	plugin := &scriptedPlugin{}
	r, _ := newTestRunner(t, plugin, time.Second)

	if err := r.Run(context.Background(), twoStepProtocol()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(plugin.calls) != 2 || plugin.calls[0] != 0 || plugin.calls[1] != 1 {
		t.Fatalf("unexpected step sequence %v", plugin.calls)
	}
}

func TestRunnerRepeatsStepOnRepeatOutcome(t *testing.T) {
	plugin := &scriptedPlugin{outcomes: []step.Outcome{step.OutcomeRepeat, step.OutcomeNone, step.OutcomeNone}}
	r, _ := newTestRunner(t, plugin, time.Second)

	if err := r.Run(context.Background(), twoStepProtocol()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []int{0, 0, 1}
	if len(plugin.calls) != len(want) {
		t.Fatalf("unexpected step sequence %v", plugin.calls)
	}
	for i, wantStep := range want {
		if plugin.calls[i] != wantStep {
			t.Fatalf("unexpected step sequence %v", plugin.calls)
		}
	}
}

func TestRunnerAbortsOnFailOutcome(t *testing.T) {
	plugin := &scriptedPlugin{outcomes: []step.Outcome{step.OutcomeFail}}
	r, _ := newTestRunner(t, plugin, time.Second)

	err := r.Run(context.Background(), twoStepProtocol())
	if err == nil || !strings.Contains(err.Error(), "failed at step 0") {
		t.Fatalf("expected step failure, got %v", err)
	}
	if len(plugin.calls) != 1 {
		t.Fatalf("expected protocol to stop after the failed step, got %v", plugin.calls)
	}
}

func TestRunnerTimesOutOnSilentStep(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	r := NewRunner(RunnerConfig{
		Logger:      logger,
		Bus:         messageBus,
		Loop:        inlinePoster{},
		Plugin:      silentPlugin{},
		StepTimeout: 20 * time.Millisecond,
	})

	err := r.Run(context.Background(), twoStepProtocol())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

type silentPlugin struct{}

func (silentPlugin) OnStepRun(context.Context, string, int) {}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	r := NewRunner(RunnerConfig{
		Logger: logger,
		Bus:    messageBus,
		Loop:   inlinePoster{},
		Plugin: silentPlugin{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx, twoStepProtocol()); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type recordingWriter struct {
	upserts map[int]step.Options
}

func (w *recordingWriter) Upsert(_ context.Context, _ string, stepNumber int, opts step.Options) error {
	w.upserts[stepNumber] = opts
	return nil
}

func TestRunnerSeedsStepOptionsBeforeRunning(t *testing.T) {
	plugin := &scriptedPlugin{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	plugin.bus = messageBus
	writer := &recordingWriter{upserts: make(map[int]step.Options)}
	r := NewRunner(RunnerConfig{
		Logger:      logger,
		Bus:         messageBus,
		Loop:        inlinePoster{},
		Plugin:      plugin,
		Steps:       writer,
		StepTimeout: time.Second,
	})

	if err := r.Run(context.Background(), twoStepProtocol()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(writer.upserts) != 2 {
		t.Fatalf("expected both steps stored, got %v", writer.upserts)
	}
	if !writer.upserts[0].MagnetEngaged || !writer.upserts[0].DstatEnabled {
		t.Fatalf("unexpected stored options for step 0: %+v", writer.upserts[0])
	}
	if writer.upserts[1].MagnetEngaged || writer.upserts[1].DstatEnabled {
		t.Fatalf("unexpected stored options for step 1: %+v", writer.upserts[1])
	}
}

func TestRunnerRejectsInvalidProtocol(t *testing.T) {
	plugin := &scriptedPlugin{}
	r, _ := newTestRunner(t, plugin, time.Second)

	if err := r.Run(context.Background(), &Protocol{Name: "empty"}); err == nil {
		t.Fatal("expected validation error")
	}
}

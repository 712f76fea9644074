package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkdryden/dropbot-dx-plugin/internal/bus"
	"github.com/mkdryden/dropbot-dx-plugin/internal/events"
	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// DefaultStepTimeout bounds how long the runner waits for one step's
// completion event before declaring the protocol stuck.
const DefaultStepTimeout = 5 * time.Minute

// StepRunner starts one protocol step. The plugin satisfies it.
type StepRunner interface {
	OnStepRun(ctx context.Context, protocol string, stepNumber int)
}

// StepOptionsWriter stores per-step options so the plugin reads back exactly
// what the protocol file declares. persistence.StepOptionsRepo satisfies it.
type StepOptionsWriter interface {
	Upsert(ctx context.Context, protocol string, stepNumber int, opts step.Options) error
}

// Poster schedules work onto the main loop. mainloop.Loop satisfies it.
type Poster interface {
	Post(fn func())
}

// Runner executes a protocol one step at a time. Each step is posted to the
// main loop and the runner blocks on the bus until its completion event
// arrives; repeat outcomes rerun the same step, fail aborts the protocol.
type Runner struct {
	logger      *slog.Logger
	bus         bus.MessageBus
	loop        Poster
	plugin      StepRunner
	steps       StepOptionsWriter
	stepTimeout time.Duration
}

type RunnerConfig struct {
	Logger *slog.Logger
	Bus    bus.MessageBus
	Loop   Poster
	Plugin StepRunner
	// Steps receives the protocol's per-step options before the first step
	// runs. Nil means the store already holds the options.
	Steps StepOptionsWriter
	// StepTimeout defaults to DefaultStepTimeout when zero.
	StepTimeout time.Duration
}

func NewRunner(cfg RunnerConfig) *Runner {
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	return &Runner{
		logger:      cfg.Logger,
		bus:         cfg.Bus,
		loop:        cfg.Loop,
		plugin:      cfg.Plugin,
		steps:       cfg.Steps,
		stepTimeout: timeout,
	}
}

// Run drives the protocol to completion. It returns nil when every step
// finished, and an error when a step failed, timed out, or the context was
// cancelled mid-protocol.
func (r *Runner) Run(ctx context.Context, p *Protocol) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if err := r.seedStepOptions(ctx, p); err != nil {
		return err
	}

	sub := r.bus.Subscribe(events.TopicStepComplete)
	defer r.bus.Unsubscribe(sub)

	r.logger.Info("protocol start", "protocol", p.Name, "steps", len(p.Steps))

	for i := 0; i < len(p.Steps); {
		outcome, err := r.runStep(ctx, sub, p.Name, i)
		if err != nil {
			return err
		}

		switch outcome {
		case step.OutcomeRepeat:
			r.logger.Info("repeating step", "protocol", p.Name, "step", i)
		case step.OutcomeFail:
			return fmt.Errorf("protocol %q failed at step %d", p.Name, i)
		default:
			i++
		}
	}

	r.logger.Info("protocol complete", "protocol", p.Name)

	return nil
}

// seedStepOptions writes the protocol's declared options into the store the
// plugin reads from, so the file is authoritative over stale saved rows.
func (r *Runner) seedStepOptions(ctx context.Context, p *Protocol) error {
	if r.steps == nil {
		return nil
	}
	for i, opts := range p.Steps {
		if err := r.steps.Upsert(ctx, p.Name, i, opts); err != nil {
			return fmt.Errorf("store options for step %d: %w", i, err)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, sub bus.Subscription, name string, stepNumber int) (step.Outcome, error) {
	r.loop.Post(func() {
		r.plugin.OnStepRun(ctx, name, stepNumber)
	})

	timer := time.NewTimer(r.stepTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("step %d of protocol %q timed out after %s", stepNumber, name, r.stepTimeout)
		case raw := <-sub:
			ev, ok := raw.(events.StepComplete)
			if !ok {
				continue
			}
			if ev.Step != stepNumber {
				// Stale event from an earlier step; the coordinator already
				// logged the suppression on its side.
				r.logger.Debug("ignoring completion for another step", "got", ev.Step, "want", stepNumber)
				continue
			}
			return step.Outcome(ev.Outcome), nil
		}
	}
}

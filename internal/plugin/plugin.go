// Package plugin exposes the DropBot DX step-execution plugin: the object the
// protocol runner talks to. It owns the board link for its lifetime and
// reports every step outcome on the message bus.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/mkdryden/dropbot-dx-plugin/internal/board"
	"github.com/mkdryden/dropbot-dx-plugin/internal/bus"
	"github.com/mkdryden/dropbot-dx-plugin/internal/dstat"
	"github.com/mkdryden/dropbot-dx-plugin/internal/events"
	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// Name identifies this plugin in step-complete events.
const Name = "dropbot_dx_plugin"

// StepOptionsStore supplies per-step options. Missing steps yield defaults.
type StepOptionsStore interface {
	Get(ctx context.Context, protocol string, stepNumber int) (step.Options, error)
}

// ConfigEditor is the external key/value editing collaborator for
// board-resident configuration. It returns the edited fields and whether the
// edit was accepted.
type ConfigEditor func(fields map[string]string) (map[string]string, bool)

type Plugin struct {
	logger *slog.Logger
	bus    bus.MessageBus
	board  *board.Link
	steps  StepOptionsStore

	appValues func() step.AppValues
	launch    []string

	coord       *step.Coordinator
	currentStep int
}

// Config carries the plugin's collaborators.
type Config struct {
	Logger    *slog.Logger
	Bus       bus.MessageBus
	Board     *board.Link
	Scheduler step.Scheduler
	Steps     StepOptionsStore

	// AppValues is read at each step; the dstat URI inside is consumed only
	// when a session is created.
	AppValues func() step.AppValues
	// LaunchCommand starts the external D-Stat interface process.
	LaunchCommand []string
}

func New(cfg Config) *Plugin {
	p := &Plugin{
		logger:    cfg.Logger,
		bus:       cfg.Bus,
		board:     cfg.Board,
		steps:     cfg.Steps,
		appValues: cfg.AppValues,
		launch:    cfg.LaunchCommand,
	}
	p.coord = step.NewCoordinator(cfg.Logger, cfg.Board, cfg.Scheduler,
		func(uri string) (step.Session, error) {
			return dstat.NewRemote(cfg.Logger.With("component", "dstat"), uri)
		},
		p.stepComplete,
	)

	return p
}

// Enable connects the board. A connection failure is warned about once here;
// steps executed while disconnected proceed silently without hardware.
func (p *Plugin) Enable(ctx context.Context) {
	if err := p.board.Connect(ctx); err != nil {
		p.logger.Warn("could not connect to DropBot DX", "error", err)
	}
}

// Disable releases the board link.
func (p *Plugin) Disable() {
	if p.board.Connected() {
		p.board.Disconnect()
	}
}

// OnStepRun executes one protocol step. The matching StepComplete event is
// published exactly once, synchronously for steps without acquisition and
// from a later poll tick otherwise.
func (p *Plugin) OnStepRun(ctx context.Context, protocol string, stepNumber int) {
	p.logger.Info("step run", "protocol", protocol, "step", stepNumber)
	p.currentStep = stepNumber

	opts, err := p.steps.Get(ctx, protocol, stepNumber)
	if err != nil {
		p.logger.Error("could not load step options", "protocol", protocol, "step", stepNumber, "error", err)
		p.stepComplete(step.OutcomeFail)
		return
	}

	p.coord.RunStep(ctx, opts, p.appValues())
}

func (p *Plugin) stepComplete(outcome step.Outcome) {
	p.logger.Info("step complete", "step", p.currentStep, "outcome", string(outcome))
	p.bus.Publish(events.TopicStepComplete, events.StepComplete{
		Plugin:  Name,
		Step:    p.currentStep,
		Outcome: string(outcome),
	})
}

// LaunchDstatInterface spawns the external D-Stat UI process configured in
// the app config. The process is not supervised.
func (p *Plugin) LaunchDstatInterface() error {
	if len(p.launch) == 0 {
		return errors.New("no dstat launch command configured")
	}
	// #nosec G204 -- the command comes from the user's own config file.
	cmd := exec.Command(p.launch[0], p.launch[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch dstat interface: %w", err)
	}
	p.logger.Info("launched dstat interface", "pid", cmd.Process.Pid)

	return nil
}

// EditConfiguration reads the board-resident configuration, hands it to the
// editor collaborator, and writes back the result when accepted.
func (p *Plugin) EditConfiguration(ctx context.Context, editor ConfigEditor) error {
	if !p.board.Connected() {
		return errors.New("board is not connected")
	}

	fields, err := p.board.ReadConfig(ctx)
	if err != nil {
		return err
	}
	updated, ok := editor(fields)
	if !ok {
		return nil
	}

	return p.board.WriteConfig(ctx, updated)
}

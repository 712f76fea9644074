// Package step implements the per-step execution state machine: it programs
// the board actuator state, optionally hands the step off to a remote D-Stat
// acquisition, polls for completion on the cooperative loop, and reports one
// terminal outcome per step.
package step

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkdryden/dropbot-dx-plugin/internal/board"
	"github.com/mkdryden/dropbot-dx-plugin/internal/mainloop"
)

// Outcome is the terminal per-step result reported to the protocol runner.
type Outcome string

const (
	// OutcomeNone is normal completion; the protocol proceeds.
	OutcomeNone Outcome = "none"
	// OutcomeRepeat asks the runner to repeat the step.
	OutcomeRepeat Outcome = "repeat"
	// OutcomeFail stops the protocol; the step hit an unrecoverable error.
	OutcomeFail Outcome = "fail"
)

// Options are the per-step settings; immutable once a step begins.
type Options struct {
	MagnetEngaged bool `yaml:"magnet_engaged"`
	DstatEnabled  bool `yaml:"dstat_enabled"`
}

// AppValues are the process-wide settings read at session creation time.
type AppValues struct {
	DstatURI string
}

// Board is the slice of the board link the coordinator drives.
type Board interface {
	Connected() bool
	UpdateState(ctx context.Context, update board.StateUpdate) error
}

// Session is a handle to one remote acquisition. Completion is observable
// only through AcquisitionComplete; there is no blocking wait.
type Session interface {
	StartAcquisition(ctx context.Context) error
	AcquisitionComplete(ctx context.Context) (bool, error)
	Reset() error
	Close() error
}

// SessionFactory opens a session to the remote instrument at uri.
type SessionFactory func(uri string) (Session, error)

// Scheduler is the cooperative timer service. mainloop.Loop satisfies it.
type Scheduler interface {
	TimeoutAdd(interval time.Duration, fn func() bool) mainloop.SourceID
	SourceRemove(id mainloop.SourceID)
}

// PollInterval is the fixed period between acquisition completion checks.
const PollInterval = 100 * time.Millisecond

// Coordinator runs one step at a time. It must only be driven from the main
// loop: RunStep returns promptly and, when an acquisition is in flight, the
// poll timer is the only re-entry point.
type Coordinator struct {
	logger     *slog.Logger
	board      Board
	sched      Scheduler
	newSession SessionFactory
	onComplete func(Outcome)

	ctx     context.Context
	pending mainloop.SourceID
	session Session
	emitted bool
}

func NewCoordinator(logger *slog.Logger, b Board, sched Scheduler, newSession SessionFactory, onComplete func(Outcome)) *Coordinator {
	return &Coordinator{
		logger:     logger,
		board:      b,
		sched:      sched,
		newSession: newSession,
		onComplete: onComplete,
	}
}

// RunStep executes one protocol step. It always returns promptly; when the
// step involves an acquisition the outcome is reported from a later poll
// tick. Exactly one outcome is reported per step.
func (c *Coordinator) RunStep(ctx context.Context, opts Options, app AppValues) {
	// A poll timer from a prior step must never race the new step for the
	// completion signal.
	c.cancelPending()
	c.discardSession()
	c.ctx = ctx
	c.emitted = false

	if !c.board.Connected() {
		// The one-time connectivity warning is the plugin's job; the
		// protocol proceeds without hardware.
		c.logger.Debug("board not connected, step proceeds without hardware")
		c.emit(OutcomeNone)
		return
	}

	update := board.StateUpdate{
		Light:  board.Bool(!opts.DstatEnabled),
		Magnet: board.Bool(opts.MagnetEngaged),
	}
	if err := c.board.UpdateState(ctx, update); err != nil {
		c.logger.Error("could not set state of DropBot DX board", "error", err)
		c.emit(OutcomeFail)
		// Deliberate fall-through: acquisition is still evaluated even
		// though the actuator state is now indeterminate.
	}

	if !opts.DstatEnabled {
		c.emit(OutcomeNone)
		return
	}

	session, err := c.newSession(app.DstatURI)
	if err == nil {
		if err = session.StartAcquisition(ctx); err != nil {
			_ = session.Close()
		}
	}
	if err != nil {
		c.logger.Error("could not start remote acquisition", "uri", app.DstatURI, "error", err)
		c.emit(OutcomeFail)
		return
	}

	c.session = session
	c.pending = c.sched.TimeoutAdd(PollInterval, c.pollTick)
}

// Acquiring reports whether an acquisition is in flight for the current step.
func (c *Coordinator) Acquiring() bool {
	return c.session != nil
}

// pollTick checks the remote acquisition once. Returning true keeps the
// source scheduled; false deregisters it.
func (c *Coordinator) pollTick() bool {
	if c.session == nil {
		c.pending = 0
		return false
	}

	done, err := c.session.AcquisitionComplete(c.ctx)
	if err != nil {
		c.logger.Error("remote acquisition poll failed", "error", err)
		c.restoreLight()
		c.finish(OutcomeFail)
		return false
	}
	if !done {
		c.logger.Debug("waiting for acquisition to complete")
		return true
	}

	if err := c.session.Reset(); err != nil {
		c.logger.Warn("reset remote acquisition state", "error", err)
	}
	if err := c.board.UpdateState(c.ctx, board.StateUpdate{Light: board.Bool(true)}); err != nil {
		c.logger.Error("could not re-enable board light", "error", err)
		c.finish(OutcomeFail)
		return false
	}
	c.finish(OutcomeNone)
	return false
}

func (c *Coordinator) restoreLight() {
	if err := c.board.UpdateState(c.ctx, board.StateUpdate{Light: board.Bool(true)}); err != nil {
		c.logger.Warn("could not restore board light state", "error", err)
	}
}

func (c *Coordinator) finish(outcome Outcome) {
	c.emit(outcome)
	c.discardSession()
	c.pending = 0
}

// emit delivers the step outcome at most once. A failed state apply falls
// through into the acquisition branch and can try to report again later;
// the first outcome wins.
func (c *Coordinator) emit(outcome Outcome) {
	if c.emitted {
		c.logger.Warn("suppressing duplicate step outcome", "outcome", string(outcome))
		return
	}
	c.emitted = true
	c.onComplete(outcome)
}

func (c *Coordinator) cancelPending() {
	if c.pending != 0 {
		c.sched.SourceRemove(c.pending)
		c.pending = 0
	}
}

func (c *Coordinator) discardSession() {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
}

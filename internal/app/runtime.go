package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mkdryden/dropbot-dx-plugin/internal/board"
	"github.com/mkdryden/dropbot-dx-plugin/internal/bus"
	"github.com/mkdryden/dropbot-dx-plugin/internal/config"
	"github.com/mkdryden/dropbot-dx-plugin/internal/events"
	"github.com/mkdryden/dropbot-dx-plugin/internal/firmware"
	"github.com/mkdryden/dropbot-dx-plugin/internal/logging"
	"github.com/mkdryden/dropbot-dx-plugin/internal/mainloop"
	"github.com/mkdryden/dropbot-dx-plugin/internal/persistence"
	"github.com/mkdryden/dropbot-dx-plugin/internal/plugin"
	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// Options tunes runtime construction.
type Options struct {
	// ConfirmFlash is asked before reflashing a board with mismatched
	// firmware. Nil means never reflash.
	ConfirmFlash board.Prompter
	// ConfigFile overrides the default config location when non-empty.
	ConfigFile string
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	StepRepo *persistence.StepOptionsRepo

	Transport *board.SerialTransport
	Board     *board.Link
	Updater   *firmware.Updater
	Loop      *mainloop.Loop
	Plugin    *plugin.Plugin

	connStatusMu    sync.RWMutex
	connStatus      events.ConnectionStatus
	connStatusKnown bool
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	if opts.ConfigFile != "" {
		paths.ConfigFile = opts.ConfigFile
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting dropbotdx runtime")

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.StepRepo = persistence.NewStepOptionsRepo(db)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	connSub := b.Subscribe(events.TopicConnStatus)
	go rt.captureConnStatus(ctx, connSub)

	rt.Updater = firmware.NewUpdater(logMgr.Logger("firmware"))
	rt.Transport = board.NewSerialTransport(cfg.Connection.SerialPort, cfg.Connection.SerialBaud)
	rt.Board = board.NewLink(board.LinkConfig{
		Logger:       logMgr.Logger("board"),
		Bus:          b,
		Transport:    rt.Transport,
		Updater:      rt.Updater,
		ResolveImage: rt.resolveImage,
		ConfirmFlash: opts.ConfirmFlash,
	})

	rt.Loop = mainloop.New()
	go rt.Loop.Run(ctx)

	rt.Plugin = plugin.New(plugin.Config{
		Logger:        logMgr.Logger("plugin"),
		Bus:           b,
		Board:         rt.Board,
		Scheduler:     rt.Loop,
		Steps:         rt.StepRepo,
		AppValues:     rt.appValues,
		LaunchCommand: cfg.Dstat.LaunchCommand,
	})

	return rt, nil
}

// appValues snapshots the process-wide settings consumed at session creation.
func (r *Runtime) appValues() step.AppValues {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return step.AppValues{DstatURI: r.Config.Dstat.URI}
}

// resolveImage finds the newest firmware image for the board, preferring the
// configured image dir over the per-user default.
func (r *Runtime) resolveImage(boardID string) (string, error) {
	r.mu.RLock()
	dir := r.Config.Firmware.ImageDir
	r.mu.RUnlock()
	if dir == "" {
		dir = r.Paths.FirmwareDir
	}
	return firmware.DiscoverImage(dir, boardID)
}

func (r *Runtime) captureConnStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(events.ConnectionStatus)
			if !ok {
				continue
			}
			r.setConnStatus(status)
		}
	}
}

func (r *Runtime) setConnStatus(status events.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *Runtime) CurrentConnStatus() (events.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()
	return status, known
}

// SaveAndApplyConfig persists cfg and reconfigures logging. Serial connection
// changes take effect on the next board connect.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	return r.LogManager.Configure(cfg.Logging, r.Paths.LogFile)
}

func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.Plugin != nil {
		r.Plugin.Disable()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.Transport != nil {
		_ = r.Transport.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}
	return nil
}

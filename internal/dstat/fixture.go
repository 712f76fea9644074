package dstat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Fixture implements the D-Stat ZeroMQ remote interface for testing: it
// answers "start" immediately and "notify_completion" after the configured
// delay, emulating an acquisition of that duration.
type Fixture struct {
	logger *slog.Logger
	delay  time.Duration
	sock   zmq4.Socket
}

func NewFixture(logger *slog.Logger, delay time.Duration) *Fixture {
	return &Fixture{
		logger: logger,
		delay:  delay,
	}
}

func (f *Fixture) Bind(ctx context.Context, uri string) error {
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(uri); err != nil {
		_ = sock.Close()
		return fmt.Errorf("bind fixture at %q: %w", uri, err)
	}
	f.sock = sock
	f.logger.Info("dstat fixture listening", "uri", uri, "delay", f.delay)

	return nil
}

// Serve answers requests until the context is cancelled or the socket fails.
func (f *Fixture) Serve(ctx context.Context) error {
	for {
		msg, err := f.sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fixture receive: %w", err)
		}
		if len(msg.Frames) == 0 {
			continue
		}

		request := string(msg.Frames[0])
		reply, ok := f.respond(request)
		if !ok {
			f.logger.Warn("unknown fixture request", "request", request)
			continue
		}
		if request == cmdNotifyCompletion && f.delay > 0 {
			if !sleepWithContext(ctx, f.delay) {
				return nil
			}
		}
		if err := f.sock.Send(zmq4.NewMsgString(reply)); err != nil {
			f.logger.Warn("fixture reply failed", "reply", reply, "error", err)
		}
	}
}

func (f *Fixture) Close() error {
	if f.sock == nil {
		return nil
	}
	err := f.sock.Close()
	f.sock = nil

	return err
}

func (f *Fixture) respond(request string) (string, bool) {
	switch request {
	case cmdStart:
		return replyStarted, true
	case cmdNotifyCompletion:
		return replyCompleted, true
	default:
		return "", false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

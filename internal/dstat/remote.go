package dstat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
)

// D-Stat remote interface: a ZeroMQ REQ/REP pair speaking plain-text
// commands. The instrument answers "start" with "started" and
// "notify_completion" with "completed" once the acquisition has finished.
const (
	cmdStart            = "start"
	cmdNotifyCompletion = "notify_completion"

	replyStarted   = "started"
	replyCompleted = "completed"
)

const (
	startReplyTimeout      = 5 * time.Second
	completionReplyTimeout = 50 * time.Millisecond
)

var errReplyTimeout = errors.New("timed out waiting for a reply")

// socket is the slice of zmq4.Socket the remote needs; narrowed so tests can
// substitute a scripted fake.
type socket interface {
	Dial(ep string) error
	Send(m zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// Remote is a handle to an out-of-process D-Stat instrument. Completion is
// observable only by repeated polling; there is no blocking wait.
type Remote struct {
	logger *slog.Logger
	uri    string

	ctx    context.Context
	cancel context.CancelFunc
	sock   socket

	newSocket func() socket
}

func NewRemote(logger *slog.Logger, uri string) (*Remote, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("dstat uri is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Remote{
		logger: logger,
		uri:    uri,
		ctx:    ctx,
		cancel: cancel,
	}
	r.newSocket = func() socket { return zmq4.NewReq(r.ctx) }

	return r, nil
}

// StartAcquisition asks the instrument to begin acquiring. Any response other
// than "started" is a failure.
func (r *Remote) StartAcquisition(ctx context.Context) error {
	reply, err := r.command(ctx, cmdStart, startReplyTimeout)
	if err != nil {
		return fmt.Errorf("start acquisition: %w", err)
	}
	if reply != replyStarted {
		return fmt.Errorf("acquisition not started (got %q)", reply)
	}
	r.logger.Info("remote acquisition started", "uri", r.uri)

	return nil
}

// AcquisitionComplete polls the instrument without blocking past a short
// bounded wait. A reply timeout resets the socket and reports "not yet";
// transport failures are returned as errors.
func (r *Remote) AcquisitionComplete(ctx context.Context) (bool, error) {
	reply, err := r.command(ctx, cmdNotifyCompletion, completionReplyTimeout)
	if errors.Is(err, errReplyTimeout) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("poll acquisition: %w", err)
	}
	if reply != replyCompleted {
		r.logger.Error("unexpected completion reply", "reply", reply)
		return false, nil
	}
	r.logger.Info("remote acquisition completed", "uri", r.uri)

	return true, nil
}

// Reset clears the remote session state so the instrument is ready for a
// future session. Must be called before discarding a completed session.
func (r *Remote) Reset() error {
	return r.resetSocket()
}

func (r *Remote) Close() error {
	err := r.closeSocket()
	r.cancel()

	return err
}

// command runs one REQ/REP exchange on a fresh socket. A fresh socket per
// command keeps the strict REQ state machine from wedging when a previous
// exchange was abandoned on timeout.
func (r *Remote) command(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if err := r.resetSocket(); err != nil {
		return "", err
	}
	if err := r.sock.Send(zmq4.NewMsgString(cmd)); err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	replies := make(chan result, 1)
	sock := r.sock
	go func() {
		msg, err := sock.Recv()
		replies <- result{msg: msg, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-replies:
		if res.err != nil {
			return "", fmt.Errorf("receive reply to %q: %w", cmd, res.err)
		}
		if len(res.msg.Frames) == 0 {
			return "", fmt.Errorf("empty reply to %q", cmd)
		}
		return string(res.msg.Frames[0]), nil
	case <-timer.C:
		// Closing the socket unblocks the pending Recv.
		_ = r.closeSocket()
		return "", errReplyTimeout
	case <-ctx.Done():
		_ = r.closeSocket()
		return "", ctx.Err()
	}
}

func (r *Remote) resetSocket() error {
	if err := r.closeSocket(); err != nil {
		r.logger.Debug("close stale dstat socket", "error", err)
	}

	sock := r.newSocket()
	if err := sock.Dial(r.uri); err != nil {
		_ = sock.Close()
		return fmt.Errorf("dial dstat at %q: %w", r.uri, err)
	}
	r.sock = sock

	return nil
}

func (r *Remote) closeSocket() error {
	if r.sock == nil {
		return nil
	}
	err := r.sock.Close()
	r.sock = nil

	return err
}

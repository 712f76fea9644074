// dstat-fixture emulates the D-Stat instrument's experiment process over a
// ZeroMQ REP socket. It answers "start" with "started" and, after the
// configured acquisition delay, "notify_completion" with "completed".
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkdryden/dropbot-dx-plugin/internal/dstat"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run dstat fixture", "error", err)
		os.Exit(1)
	}
}

func run() error {
	bind := flag.String("bind", "tcp://127.0.0.1:6789", "zeromq endpoint to bind")
	delay := flag.Duration("delay", 2*time.Second, "simulated acquisition duration")
	level := flag.String("level", "info", "log level")
	flag.Parse()

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(*level)); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fixture := dstat.NewFixture(logger, *delay)
	if err := fixture.Bind(ctx, *bind); err != nil {
		return err
	}
	defer func() { _ = fixture.Close() }()
	logger.Info("dstat fixture listening", "endpoint", *bind, "delay", *delay)

	return fixture.Serve(ctx)
}

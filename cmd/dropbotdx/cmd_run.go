package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkdryden/dropbot-dx-plugin/internal/app"
	"github.com/mkdryden/dropbot-dx-plugin/internal/protocol"
)

// runCmd executes a protocol file against the connected board.
var runCmd = &cobra.Command{
	Use:   "run <protocol.yaml>",
	Short: "Run a step protocol on the board",
	Long: `Run a step protocol on the board.

Each step programs the board actuator state (magnet, light) and, when the
step enables it, hands off to the remote D-Stat instrument and polls until
the acquisition completes. The protocol stops on the first failed step.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProtocol(cmd, args[0])
	},
}

func runProtocol(cmd *cobra.Command, protocolPath string) error {
	proto, err := protocol.Load(protocolPath)
	if err != nil {
		return err
	}

	configPath, _ := cmd.Flags().GetString("config")
	rt, err := app.Initialize(cmd.Context(), app.Options{
		ConfirmFlash: promptReflash,
		ConfigFile:   configPath,
	})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	ctx, stop := signal.NotifyContext(rt.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing board is not fatal: Enable warns once and every step still
	// reports a terminal outcome.
	rt.Plugin.Enable(ctx)
	defer rt.Plugin.Disable()

	runner := protocol.NewRunner(protocol.RunnerConfig{
		Logger: rt.LogManager.Logger("protocol"),
		Bus:    rt.Bus,
		Loop:   rt.Loop,
		Plugin: rt.Plugin,
		Steps:  rt.StepRepo,
	})

	if err := runner.Run(ctx, proto); err != nil {
		return err
	}
	fmt.Printf("protocol %q complete: %d steps\n", proto.Name, len(proto.Steps))

	return nil
}

// promptReflash asks on the terminal before reflashing mismatched firmware.
func promptReflash(firmwareVersion, driverVersion string) bool {
	fmt.Printf("board firmware %s does not match driver %s; reflash? [y/N] ", firmwareVersion, driverVersion)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

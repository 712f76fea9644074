package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mkdryden/dropbot-dx-plugin/internal/app"
	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit app, board, and step configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the app configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := initRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		raw, err := json.MarshalIndent(rt.Config, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))

		return nil
	},
}

var configBoardCmd = &cobra.Command{
	Use:   "board",
	Short: "Print the board-resident configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := initRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		if err := rt.Board.Connect(cmd.Context()); err != nil {
			return err
		}
		defer rt.Board.Disconnect()

		fields, err := rt.Board.ReadConfig(cmd.Context())
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s = %s\n", k, fields[k])
		}

		return nil
	},
}

var configSetBoardCmd = &cobra.Command{
	Use:   "set-board <key> <value>",
	Short: "Write one board-resident configuration field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := initRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		if err := rt.Board.Connect(cmd.Context()); err != nil {
			return err
		}
		defer rt.Board.Disconnect()

		return rt.Plugin.EditConfiguration(cmd.Context(), func(fields map[string]string) (map[string]string, bool) {
			fields[args[0]] = args[1]
			return fields, true
		})
	},
}

var configSetStepCmd = &cobra.Command{
	Use:   "set-step <protocol> <step-number>",
	Short: "Store per-step options for a protocol",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stepNumber, err := strconv.Atoi(args[1])
		if err != nil || stepNumber < 0 {
			return fmt.Errorf("step number must be a non-negative integer: %q", args[1])
		}

		rt, err := initRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		magnet, _ := cmd.Flags().GetBool("magnet")
		dstat, _ := cmd.Flags().GetBool("dstat")

		return rt.StepRepo.Upsert(cmd.Context(), args[0], stepNumber, step.Options{
			MagnetEngaged: magnet,
			DstatEnabled:  dstat,
		})
	},
}

var configStepsCmd = &cobra.Command{
	Use:   "steps <protocol>",
	Short: "List stored step options for a protocol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := initRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		records, err := rt.StepRepo.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("step %d: magnet_engaged=%t dstat_enabled=%t\n",
				rec.StepNumber, rec.Options.MagnetEngaged, rec.Options.DstatEnabled)
		}

		return nil
	},
}

func initRuntime(cmd *cobra.Command) (*app.Runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	rt, err := app.Initialize(cmd.Context(), app.Options{ConfigFile: configPath})
	if err != nil {
		return nil, fmt.Errorf("initialize runtime: %w", err)
	}
	return rt, nil
}

func init() {
	configSetStepCmd.Flags().Bool("magnet", false, "engage the magnet during the step")
	configSetStepCmd.Flags().Bool("dstat", false, "run a D-Stat acquisition during the step")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configBoardCmd)
	configCmd.AddCommand(configSetBoardCmd)
	configCmd.AddCommand(configSetStepCmd)
	configCmd.AddCommand(configStepsCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkdryden/dropbot-dx-plugin/internal/app"
	"github.com/mkdryden/dropbot-dx-plugin/internal/firmware"
)

// flashCmd writes a firmware image to the board over its bootloader.
var flashCmd = &cobra.Command{
	Use:   "flash <board-id>",
	Short: "Flash a firmware image to the board",
	Long: `Flash a firmware image to the board's bootloader.

Without --image the newest image for the board id is picked from the
configured firmware image directory. The board must be disconnected from
any running protocol while flashing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return flashBoard(cmd, args[0])
	},
}

func init() {
	flashCmd.Flags().String("image", "", "firmware image file (.hex)")
	flashCmd.Flags().String("port", "", "serial port override")
}

func flashBoard(cmd *cobra.Command, boardID string) error {
	configPath, _ := cmd.Flags().GetString("config")
	rt, err := app.Initialize(cmd.Context(), app.Options{ConfigFile: configPath})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	port, _ := cmd.Flags().GetString("port")
	if port == "" {
		port = rt.Config.Connection.SerialPort
	}
	if port == "" {
		return fmt.Errorf("no serial port configured; pass --port or set connection.serial_port")
	}

	image, _ := cmd.Flags().GetString("image")
	if image == "" {
		dir := rt.Config.Firmware.ImageDir
		if dir == "" {
			dir = rt.Paths.FirmwareDir
		}
		image, err = firmware.DiscoverImage(dir, boardID)
		if err != nil {
			return err
		}
	}

	fmt.Printf("flashing %s to board %s on %s\n", image, boardID, port)
	logText, err := rt.Updater.Flash(cmd.Context(), boardID, image, port)
	if logText != "" {
		fmt.Print(logText)
	}
	if err != nil {
		return fmt.Errorf("flash failed: %w", err)
	}
	fmt.Println("flash complete")

	return nil
}

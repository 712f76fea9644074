package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// executeCliCommand executes the cobra CLI
func executeCliCommand() error {
	return rootCmd.Execute()
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dropbotdx",
	Short: "Step execution coordinator for the DropBot DX digital microfluidics board",
	Long: `dropbotdx drives protocol steps on a DropBot DX lab-on-chip board over a
serial link, optionally handing each step to an out-of-process D-Stat
electrochemical instrument for acquisition.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dropbotdx v2.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(configCmd)
}

// Package cli implements the apexd command tree using cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	daemonAddr string
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "apexd",
	Short: "apexd - autonomous coding-task execution daemon",
	Long: `apexd runs AI coding tasks unattended: it admits queued tasks under
time-of-day capacity windows and a daily budget, checkpoints progress
between workflow stages, pauses when capacity runs out, and resumes
automatically when it returns.

Local control goes over the loopback HTTP API (see --addr).`,
	Version: "0.1.0",
}

// Execute runs the root command; called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVarP(&daemonAddr, "addr", "a", "127.0.0.1:7430",
		"daemon control API address")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
}

// exitWithError prints the message and exits. Code 2 marks "daemon not
// reachable" so scripts can tell it apart from request failures.
func exitWithError(code int, msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(code)
}

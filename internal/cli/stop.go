package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Long:  `Ask the daemon to drain running tasks and exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		c := newClient(daemonAddr)
		if err := c.ping(ctx); err != nil {
			exitWithError(2, "daemon is not running or unreachable", err)
		}
		if err := c.post(ctx, "/shutdown", nil, nil); err != nil {
			exitWithError(1, "shutdown request failed", err)
		}
		fmt.Println("shutdown requested")
	},
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the daemon for its overall status.

Shows: current time window, daily usage against the budget, active
tasks, queue depth and the driver circuit state.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c := newClient(daemonAddr)
		if err := c.ping(ctx); err != nil {
			exitWithError(2, "daemon is not running or unreachable", err)
		}

		var status json.RawMessage
		if err := c.get(ctx, "/status", &status); err != nil {
			exitWithError(1, "failed to query daemon status", err)
		}

		pretty, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			exitWithError(1, "failed to format result", err)
		}
		fmt.Println(string(pretty))
	},
}

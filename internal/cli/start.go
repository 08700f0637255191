package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/daemon"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/logging"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
)

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Long: `Start the apexd daemon.

The daemon schedules work by time-of-day mode. Hours listed in
time_based_usage.day_mode_hours and night_mode_hours get that mode's
thresholds; every hour in neither list is off-hours. With the default
off_hours_policy "inactive", off-hours admit no new tasks and running
tasks are paused until the next day or night window opens. Set
off_hours_policy to "base_limits" to keep working through off-hours
under the base limits instead. When time_based_usage.enabled is false,
every hour is treated as off-hours.

Examples:
  apexd start                       # defaults, in-memory store
  apexd start -c /etc/apexd.yaml    # explicit config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		logger := logging.Setup(cfg.Log)

		if len(cfg.Agent.Command) == 0 {
			return fmt.Errorf("agent.command is not configured; the daemon has no agent to run")
		}
		driver, err := task.NewExecDriver(cfg.Agent.Command, cfg.Agent.ContextWindow,
			logging.Component(logger, "driver"))
		if err != nil {
			return err
		}

		if pidFile != "" {
			if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				return fmt.Errorf("writing pid file: %w", err)
			}
			defer os.Remove(pidFile)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := daemon.New(ctx, cfg, driver, logger)
		if err != nil {
			return err
		}
		return d.Run(ctx)
	},
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/apexd.pid", "pid file path (empty to disable)")
}

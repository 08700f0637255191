// Package daemon assembles the long-running process: store backend,
// usage tracking, time windows, the state machine, orchestration, the
// capacity monitor, the control API and the watchdog.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/logging"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/orchestrator"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timeline"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/usage"
)

const snapshotInterval = time.Minute

// Daemon owns every long-lived component and their lifecycles.
type Daemon struct {
	cfg    *config.Config
	logger *logrus.Logger
	clk    clock.Clock

	store    store.Store
	bus      *orchestrator.Bus
	tracker  *usage.Tracker
	windows  *timewindow.Scheduler
	breaker  *orchestrator.DriverBreaker
	machine  *task.Machine
	orch     *orchestrator.Orchestrator
	monitor  *capacity.Monitor
	hub      *EventHub
	watchdog *Watchdog
	server   *Server

	cancel context.CancelFunc
}

// fsCleaner removes a failed task's workspace directory. Preserve
// decisions happen in the state machine before this runs.
type fsCleaner struct {
	logger *logrus.Entry
}

func (c fsCleaner) Cleanup(ctx context.Context, taskID string, ws store.Workspace) error {
	if ws.Path == "" {
		return nil
	}
	c.logger.WithFields(logrus.Fields{"task_id": taskID, "path": ws.Path}).Info("removing workspace")
	return os.RemoveAll(ws.Path)
}

// New builds a Daemon from validated config and an agent driver.
func New(ctx context.Context, cfg *config.Config, driver task.Driver, logger *logrus.Logger) (*Daemon, error) {
	clk := clock.NewSystemClock(cfg.Location())

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	bus := orchestrator.NewBus(logging.Component(logger, "bus"))
	windows := timewindow.New(cfg.TimeBasedUsage, cfg.Limits, clk)
	tracker := usage.NewTracker(clk, windows, cfg.Limits.DailyBudget, logging.Component(logger, "usage"))
	tl := timeline.NewStore(0)
	breaker := orchestrator.NewDriverBreaker(driver, clk, logging.Component(logger, "breaker"))

	machine := task.NewMachine(st, breaker, tracker, bus, clk, tl,
		fsCleaner{logger: logging.Component(logger, "workspace")},
		task.Config{
			MaxResumeAttempts:         cfg.Daemon.SessionRecovery.MaxResumeAttempts,
			DefaultMaxRetries:         3,
			StageTimeout:              cfg.StageTimeout(),
			CancelGrace:               5 * time.Second,
			WorktreePreserveOnFailure: cfg.Git.Worktree.PreserveOnFailure,
		},
		logging.Component(logger, "machine"))

	orch := orchestrator.New(st, machine, tracker, windows, bus, clk,
		orchestrator.DefaultOrchestratorConfig(), logging.Component(logger, "orchestrator"))

	monitor := capacity.NewMonitor(clk, windows, tracker, cfg.CapacityPoll(),
		logging.Component(logger, "capacity"))

	hub := NewEventHub(bus, logging.Component(logger, "events"))

	// The watchdog writes its restart cause to the store before exiting;
	// after the supervisor brings the process back, the log entry is the
	// only trace of why it died.
	recordRestart := func(reason string, heapMB []float64) {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.AddLog(recCtx, "daemon", store.LogEntry{
			Level:   "error",
			Message: fmt.Sprintf("watchdog restart (%s): recent heap samples MB %v", reason, heapMB),
		}); err != nil {
			logger.WithError(err).Error("recording watchdog restart failed")
		}
	}
	watchdog := NewWatchdog(cfg.Daemon.Watchdog, logging.Component(logger, "watchdog"), recordRestart, os.Exit)

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		clk:      clk,
		store:    st,
		bus:      bus,
		tracker:  tracker,
		windows:  windows,
		breaker:  breaker,
		machine:  machine,
		orch:     orch,
		monitor:  monitor,
		hub:      hub,
		watchdog: watchdog,
	}

	d.server = &Server{
		store:    st,
		orch:     orch,
		machine:  machine,
		tracker:  tracker,
		monitor:  monitor,
		timeline: tl,
		hub:      hub,
		breaker:  breaker,
		logger:   logging.Component(logger, "control"),
		shutdown: d.Shutdown,
		started:  time.Now(),
	}

	monitor.OnRestore(func(ctx context.Context, reason capacity.Reason) {
		bus.Emit(orchestrator.EventCapacityRestored, map[string]any{"reason": string(reason)})
		if _, err := orch.AutoResume(ctx, string(reason)); err != nil {
			logger.WithError(err).Error("auto-resume after capacity restore failed")
		}
	})
	monitor.OnClose(func(ctx context.Context, code timewindow.PauseCode, message string) {
		orch.PauseActive(ctx, pauseReasonFor(code), message)
	})

	return d, nil
}

func pauseReasonFor(code timewindow.PauseCode) store.PauseReason {
	if code == timewindow.PauseCapacityExceeded {
		return store.PauseBudget
	}
	return store.PauseCapacity
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "redis":
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	default:
		return store.NewMemoryStore(), nil
	}
}

// Run starts every component and blocks until ctx is cancelled or
// Shutdown is called, then drains within the configured deadline.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	// Task runners get their own context so drain can pause them
	// before their drivers are cut off.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	// A restart mid-day must not forget spend.
	if snap, err := d.store.LoadDailyUsage(runCtx, d.clk.TodayLocalDate()); err == nil && snap != nil {
		d.tracker.Restore(snap)
		d.logger.WithField("date", snap.Date).Info("restored daily usage snapshot")
	}

	d.recoverInterrupted(runCtx)

	d.orch.Start(taskCtx)

	httpSrv := &http.Server{
		Addr:              d.cfg.Daemon.ListenAddr,
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.WithField("addr", httpSrv.Addr).Info("control API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control API: %w", err)
		}
	}()

	go d.hub.Run(runCtx)
	go d.monitor.Start(runCtx)
	go d.watchdog.Run(runCtx)
	go d.pollLoop(runCtx)
	go d.snapshotLoop(runCtx)

	// Pick up tasks that were paused when the previous process died.
	if d.cfg.Daemon.SessionRecovery.Enabled {
		if _, err := d.orch.AutoResume(runCtx, "daemon_restart"); err != nil {
			d.logger.WithError(err).Warn("startup session recovery failed")
		}
	}

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-errCh:
		cancel()
	}

	d.drain(httpSrv, cancelTasks)
	return runErr
}

// recoverInterrupted parks tasks a previous process left running. Their
// drivers died with that process; marking them paused puts them back on
// the auto-resume path instead of stranding them.
func (d *Daemon) recoverInterrupted(ctx context.Context) {
	running, err := d.store.GetTasksByStatus(ctx, store.StatusRunning)
	if err != nil {
		d.logger.WithError(err).Warn("scanning for interrupted tasks failed")
		return
	}
	for _, t := range running {
		paused := store.StatusPaused
		reason := store.PauseSessionError
		now := d.clk.Now()
		if _, err := d.store.UpdateTask(ctx, t.ID, store.TaskPatch{
			Status: &paused, PauseReason: &reason, PausedAt: &now,
		}); err != nil {
			d.logger.WithError(err).WithField("task_id", t.ID).Warn("parking interrupted task failed")
			continue
		}
		_ = d.store.AddLog(ctx, t.ID, store.LogEntry{
			Level: "warn", Stage: t.CurrentStage,
			Message: "task was running when the previous daemon stopped; paused for recovery",
		})
		d.logger.WithField("task_id", t.ID).Info("parked task interrupted by previous shutdown")
	}
}

// Shutdown requests a graceful stop. Safe to call from any goroutine.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) drain(httpSrv *http.Server, cancelTasks context.CancelFunc) {
	deadline := d.cfg.ShutdownDeadline()
	d.logger.WithField("deadline", deadline.String()).Info("shutting down, draining tasks")

	// Checkpoint and pause in-flight tasks while their runners are
	// still alive, then cut the drivers off. Paused tasks survive the
	// restart and session recovery resumes them.
	pauseCtx, cancelPause := context.WithTimeout(context.Background(), 10*time.Second)
	d.orch.PauseActive(pauseCtx, store.PauseSessionError, "daemon shutting down")
	cancelPause()
	cancelTasks()

	done := make(chan struct{})
	go func() {
		d.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		d.logger.Warn("shutdown deadline reached with tasks still draining")
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.SaveDailyUsage(saveCtx, d.tracker.Snapshot()); err != nil {
		d.logger.WithError(err).Warn("saving final usage snapshot failed")
	}
	if err := httpSrv.Shutdown(saveCtx); err != nil {
		d.logger.WithError(err).Warn("control API shutdown failed")
	}
	if err := d.store.Close(saveCtx); err != nil {
		d.logger.WithError(err).Warn("closing store failed")
	}
	d.logger.Info("daemon stopped")
}

func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.orch.PollOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Warn("admission poll failed")
			}
		}
	}
}

func (d *Daemon) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.SaveDailyUsage(ctx, d.tracker.Snapshot()); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Warn("saving usage snapshot failed")
			}
		}
	}
}

package daemon

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
)

// ExitCodeMemoryPressure is the watchdog's exit status, chosen to match
// an OOM kill so supervisors treat both the same way.
const ExitCodeMemoryPressure = 137

const watchdogHistory = 10

// Watchdog samples heap usage and terminates the process after a
// configured number of consecutive over-limit ticks. A supervisor
// (systemd, launchd) is expected to restart the daemon.
type Watchdog struct {
	cfg    config.Watchdog
	logger *logrus.Entry
	exit   func(code int)
	record func(reason string, heapMB []float64)
	sample func() float64 // heap MiB

	history []float64
	overrun int
}

// NewWatchdog builds a watchdog from config. exit defaults to os.Exit
// via the caller; tests inject a recorder. record persists the restart
// cause and recent heap samples before the process dies, so the reason
// survives where the in-memory history cannot.
func NewWatchdog(cfg config.Watchdog, logger *logrus.Entry,
	record func(reason string, heapMB []float64), exit func(code int)) *Watchdog {
	return &Watchdog{
		cfg:    cfg,
		logger: logger,
		exit:   exit,
		record: record,
		sample: heapMB,
	}
}

func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1024 * 1024)
}

// Run ticks until ctx is cancelled or the memory limit holds for the
// configured run of ticks.
func (w *Watchdog) Run(ctx context.Context) {
	if w.cfg.MemoryLimitMB <= 0 {
		return
	}
	interval := time.Duration(w.cfg.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Tick() {
				return
			}
		}
	}
}

// Tick takes one sample; returns true when the watchdog fired.
func (w *Watchdog) Tick() bool {
	mb := w.sample()
	observability.WatchdogMemoryMB.Set(mb)

	w.history = append(w.history, mb)
	if len(w.history) > watchdogHistory {
		w.history = w.history[1:]
	}

	if mb <= float64(w.cfg.MemoryLimitMB) {
		w.overrun = 0
		return false
	}

	w.overrun++
	w.logger.WithFields(logrus.Fields{
		"heap_mb": mb, "limit_mb": w.cfg.MemoryLimitMB,
		"consecutive": w.overrun, "threshold": w.cfg.ConsecutiveTicks,
	}).Warn("memory above watchdog limit")

	if w.overrun >= w.cfg.ConsecutiveTicks {
		w.logger.WithField("history_mb", w.history).Error("memory-pressure: terminating for supervisor restart")
		if w.record != nil {
			w.record("memory_pressure", append([]float64(nil), w.history...))
		}
		w.exit(ExitCodeMemoryPressure)
		return true
	}
	return false
}

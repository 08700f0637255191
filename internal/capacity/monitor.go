// Package capacity watches the time-window scheduler and the usage
// tracker for capacity transitions: budget resets at local midnight,
// mode switches, and headroom returning under the active threshold.
// Each transition fires the registered callbacks exactly once.
package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/usage"
)

// Reason classifies why capacity came back.
type Reason string

const (
	ReasonModeSwitch     Reason = "mode_switch"
	ReasonBudgetReset    Reason = "budget_reset"
	ReasonCapacityDrop   Reason = "capacity_dropped"
	ReasonUsageExpired   Reason = "usage_expired"
	ReasonManualOverride Reason = "manual_override"
)

// RestoreFunc runs when capacity is restored.
type RestoreFunc func(ctx context.Context, reason Reason)

// CloseFunc runs when the window closes or the capacity threshold is
// crossed while tasks may be running.
type CloseFunc func(ctx context.Context, code timewindow.PauseCode, message string)

// Monitor polls for capacity transitions. Register callbacks before
// Start; they run synchronously on the monitor goroutine, in
// registration order, with panics contained.
type Monitor struct {
	clk     clock.Clock
	windows *timewindow.Scheduler
	tracker *usage.Tracker
	logger  *logrus.Entry
	poll    time.Duration

	restoreFns []RestoreFunc
	closeFns   []CloseFunc

	mu          sync.Mutex
	initialized bool
	lastMode    timewindow.Mode
	lastDate    string
	lastPaused  bool
	lastClose   bool
	lastCode    timewindow.PauseCode
}

// NewMonitor builds a Monitor polling at most every poll.
func NewMonitor(clk clock.Clock, windows *timewindow.Scheduler, tracker *usage.Tracker,
	poll time.Duration, logger *logrus.Entry) *Monitor {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Monitor{
		clk:     clk,
		windows: windows,
		tracker: tracker,
		logger:  logger,
		poll:    poll,
	}
}

// OnRestore registers a capacity-restored callback.
func (m *Monitor) OnRestore(fn RestoreFunc) {
	m.restoreFns = append(m.restoreFns, fn)
}

// OnClose registers a window-closed callback.
func (m *Monitor) OnClose(fn CloseFunc) {
	m.closeFns = append(m.closeFns, fn)
}

// Start blocks until ctx is cancelled, checking on every tick. The tick
// is the poll interval shortened to hit the next known boundary (mode
// switch or midnight), floored at one second.
func (m *Monitor) Start(ctx context.Context) {
	m.CheckNow(ctx)
	for {
		timer := time.NewTimer(m.nextTick())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.CheckNow(ctx)
		}
	}
}

func (m *Monitor) nextTick() time.Duration {
	d := m.poll
	if until := m.windows.TimeUntilModeSwitch(); until < d {
		d = until
	}
	if until := m.windows.TimeUntilBudgetReset(); until < d {
		d = until
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// CheckNow runs one detection pass. Exposed so tests drive transitions
// with a fake clock instead of waiting on the loop.
func (m *Monitor) CheckNow(ctx context.Context) {
	date := m.clk.TodayLocalDate()

	m.mu.Lock()
	dateChanged := m.initialized && date != m.lastDate
	m.mu.Unlock()

	if dateChanged {
		// Reset first so the paused computation below sees the fresh day.
		m.tracker.ResetDailyStats()
	}

	tw := m.windows.CurrentTimeWindow()
	decision := m.windows.ShouldPauseTasks(m.tracker.DailyCost(), m.tracker.DailyBudget(), m.tracker.ActiveCount())
	paused := decision.ShouldPause
	// Full concurrency slots block new admissions but are normal
	// operation for already-running tasks; only off-hours and budget
	// pauses close the window on them.
	closePaused := paused && decision.Code != timewindow.PauseConcurrencyLimit
	m.publishMode(tw.Mode)

	m.mu.Lock()
	if !m.initialized {
		m.initialized = true
		m.lastMode = tw.Mode
		m.lastDate = date
		m.lastPaused = paused
		m.lastClose = closePaused
		m.lastCode = decision.Code
		m.mu.Unlock()
		return
	}
	prevMode := m.lastMode
	prevPaused := m.lastPaused
	prevClose := m.lastClose
	prevCode := m.lastCode
	m.lastMode = tw.Mode
	m.lastDate = date
	m.lastPaused = paused
	m.lastClose = closePaused
	m.lastCode = decision.Code
	m.mu.Unlock()

	switch {
	case dateChanged:
		m.fireRestore(ctx, ReasonBudgetReset)
	case closePaused && !prevClose:
		m.fireClose(ctx, decision.Code, decision.Message)
	case prevPaused && !paused:
		if tw.Mode != prevMode && morePermissive(prevMode, tw.Mode) {
			m.fireRestore(ctx, ReasonModeSwitch)
		} else {
			m.fireRestore(ctx, m.dropReason(prevCode))
		}
	case tw.Mode != prevMode && !paused && morePermissive(prevMode, tw.Mode):
		m.fireRestore(ctx, ReasonModeSwitch)
	}
}

// morePermissive reports whether a mode change opened capacity up:
// off-hours to either window, or day into the roomier night window.
func morePermissive(from, to timewindow.Mode) bool {
	rank := func(m timewindow.Mode) int {
		switch m {
		case timewindow.ModeNight:
			return 2
		case timewindow.ModeDay:
			return 1
		default:
			return 0
		}
	}
	return rank(to) > rank(from)
}

// dropReason attributes a headroom recovery. A freed concurrency slot is
// a capacity drop; a budget-threshold recovery with a completion landing
// within the last poll interval points at an expired provider usage
// window instead.
func (m *Monitor) dropReason(prevCode timewindow.PauseCode) Reason {
	if prevCode != timewindow.PauseCapacityExceeded {
		return ReasonCapacityDrop
	}
	if _, _, at := m.tracker.LastCompletion(); !at.IsZero() && m.clk.Now().Sub(at) <= m.poll {
		return ReasonUsageExpired
	}
	return ReasonCapacityDrop
}

// TriggerManual fires the restore callbacks with manual_override,
// bypassing all gates. Used by the control API.
func (m *Monitor) TriggerManual(ctx context.Context) {
	m.fireRestore(ctx, ReasonManualOverride)
}

func (m *Monitor) fireRestore(ctx context.Context, reason Reason) {
	observability.CapacityEvents.WithLabelValues(string(reason)).Inc()
	if m.logger != nil {
		m.logger.WithField("reason", string(reason)).Info("capacity restored")
	}
	for _, fn := range m.restoreFns {
		m.safely(func() { fn(ctx, reason) })
	}
}

func (m *Monitor) fireClose(ctx context.Context, code timewindow.PauseCode, message string) {
	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"code": string(code), "message": message,
		}).Info("capacity window closed")
	}
	for _, fn := range m.closeFns {
		m.safely(func() { fn(ctx, code, message) })
	}
}

func (m *Monitor) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.WithField("panic", r).Error("capacity callback panicked")
		}
	}()
	fn()
}

func (m *Monitor) publishMode(mode timewindow.Mode) {
	for _, candidate := range []timewindow.Mode{timewindow.ModeDay, timewindow.ModeNight, timewindow.ModeOffHours} {
		v := 0.0
		if candidate == mode {
			v = 1.0
		}
		observability.CurrentMode.WithLabelValues(string(candidate)).Set(v)
	}
}

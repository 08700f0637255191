// Package usage is the single source of truth for in-flight resource
// consumption: which tasks hold concurrency slots and what the current
// local day has cost so far.
package usage

import (
	"math"
	"time"

	"sync"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
)

// Decision is the answer to CanStartTask.
type Decision struct {
	Allowed    bool              `json:"allowed"`
	Reason     string            `json:"reason,omitempty"`
	Thresholds config.Thresholds `json:"thresholds"`
}

// Rejection reasons, machine-parseable.
const (
	ReasonConcurrency = "concurrency_limit"
	ReasonDailyBudget = "daily_budget"
	ReasonTaskCost    = "cost_per_task"
	ReasonTaskTokens  = "tokens_per_task"
)

// TimeBasedUsage composes the current window, its thresholds and the
// daily aggregate into one read-side snapshot.
type TimeBasedUsage struct {
	Window      timewindow.TimeWindow `json:"window"`
	Thresholds  config.Thresholds     `json:"thresholds"`
	DailyBudget float64               `json:"daily_budget"`
	Daily       store.DailyUsageStats `json:"daily"`
	ActiveTasks int                   `json:"active_tasks"`
}

// Tracker accumulates per-task and daily usage. A single mutex
// serializes every mutation; readers get copies.
type Tracker struct {
	mu      sync.Mutex
	clk     clock.Clock
	windows *timewindow.Scheduler
	logger  *logrus.Entry

	dailyBudget float64
	active      map[string]store.TaskUsage
	daily       store.DailyUsageStats

	lastCompletedID   string
	lastCompletedCost float64
	lastCompletedAt   time.Time
}

// NewTracker builds a Tracker for the current local date.
func NewTracker(clk clock.Clock, windows *timewindow.Scheduler, dailyBudget float64, logger *logrus.Entry) *Tracker {
	return &Tracker{
		clk:         clk,
		windows:     windows,
		logger:      logger,
		dailyBudget: dailyBudget,
		active:      make(map[string]store.TaskUsage),
		daily: store.DailyUsageStats{
			Date:          clk.TodayLocalDate(),
			ModeBreakdown: map[string]store.ModeUsage{},
		},
	}
}

// Restore seeds the daily aggregate from a persisted snapshot, used at
// startup so a restart mid-day does not forget spend. Ignored when the
// snapshot is for a different date.
func (t *Tracker) Restore(stats *store.DailyUsageStats) {
	if stats == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if stats.Date != t.daily.Date {
		return
	}
	t.daily = *stats
	if t.daily.ModeBreakdown == nil {
		t.daily.ModeBreakdown = map[string]store.ModeUsage{}
	}
	t.publishGauges()
}

// TrackTaskStart records a task taking a concurrency slot. Idempotent:
// a duplicate id is a no-op.
func (t *Tracker) TrackTaskStart(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[taskID]; exists {
		return
	}
	t.active[taskID] = store.TaskUsage{}
	if n := len(t.active); n > t.daily.PeakConcurrentTasks {
		t.daily.PeakConcurrentTasks = n
	}
	observability.ActiveTasks.Set(float64(len(t.active)))
}

// UpdateTaskUsage replaces the running total for an active task.
// Negative or NaN values are clamped to zero with a warning.
func (t *Tracker) UpdateTaskUsage(taskID string, u store.TaskUsage) {
	u = t.clamp(taskID, u)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[taskID]; !exists {
		return
	}
	t.active[taskID] = u
}

// TrackTaskCompletion releases the slot and folds the task's final
// usage into the daily aggregate and the current mode's breakdown.
func (t *Tracker) TrackTaskCompletion(taskID string, u store.TaskUsage, success bool) {
	u = t.clamp(taskID, u)
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, taskID)
	t.daily.TotalTokens += u.TotalTokens
	t.daily.TotalCost += u.EstimatedCost
	if success {
		t.daily.TasksCompleted++
	} else {
		t.daily.TasksFailed++
	}

	mode := t.windows.CurrentTimeWindow().Mode
	if mode == timewindow.ModeDay || mode == timewindow.ModeNight {
		mu := t.daily.ModeBreakdown[string(mode)]
		mu.Tokens += u.TotalTokens
		mu.Cost += u.EstimatedCost
		mu.Tasks++
		t.daily.ModeBreakdown[string(mode)] = mu
	}

	t.lastCompletedID = taskID
	t.lastCompletedCost = u.EstimatedCost
	t.lastCompletedAt = t.clk.Now()

	t.publishGauges()
}

// ReleaseTask frees a concurrency slot without touching the completion
// counters, folding the task's segment usage into the daily aggregate.
// Used on pause and cancel, where the task may come back later.
func (t *Tracker) ReleaseTask(taskID string, u store.TaskUsage) {
	u = t.clamp(taskID, u)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[taskID]; !exists {
		return
	}
	delete(t.active, taskID)
	t.daily.TotalTokens += u.TotalTokens
	t.daily.TotalCost += u.EstimatedCost

	mode := t.windows.CurrentTimeWindow().Mode
	if mode == timewindow.ModeDay || mode == timewindow.ModeNight {
		mu := t.daily.ModeBreakdown[string(mode)]
		mu.Tokens += u.TotalTokens
		mu.Cost += u.EstimatedCost
		t.daily.ModeBreakdown[string(mode)] = mu
	}

	t.publishGauges()
}

// CanStartTask checks the current mode's thresholds against the active
// set, the daily budget and the optional estimate, in that order.
func (t *Tracker) CanStartTask(estimate *store.TaskUsage) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	thresholds := t.windows.ThresholdsFor(t.windows.CurrentTimeWindow().Mode)
	d := Decision{Allowed: true, Thresholds: thresholds}

	if len(t.active) >= thresholds.MaxConcurrentTasks {
		return Decision{Reason: ReasonConcurrency, Thresholds: thresholds}
	}
	if t.dailyBudget > 0 {
		if t.daily.TotalCost >= t.dailyBudget {
			return Decision{Reason: ReasonDailyBudget, Thresholds: thresholds}
		}
		if estimate != nil && t.daily.TotalCost+estimate.EstimatedCost > t.dailyBudget {
			return Decision{Reason: ReasonDailyBudget, Thresholds: thresholds}
		}
	} else {
		// Zero budget admits nothing.
		return Decision{Reason: ReasonDailyBudget, Thresholds: thresholds}
	}
	if estimate != nil {
		if estimate.EstimatedCost > thresholds.MaxCostPerTask {
			return Decision{Reason: ReasonTaskCost, Thresholds: thresholds}
		}
		if estimate.TotalTokens > thresholds.MaxTokensPerTask {
			return Decision{Reason: ReasonTaskTokens, Thresholds: thresholds}
		}
	}
	return d
}

// GetCurrentUsage returns a copy-out snapshot of the composed state.
func (t *Tracker) GetCurrentUsage() TimeBasedUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	tw := t.windows.CurrentTimeWindow()
	daily := t.daily
	daily.ModeBreakdown = make(map[string]store.ModeUsage, len(t.daily.ModeBreakdown))
	for k, v := range t.daily.ModeBreakdown {
		daily.ModeBreakdown[k] = v
	}
	return TimeBasedUsage{
		Window:      tw,
		Thresholds:  t.windows.ThresholdsFor(tw.Mode),
		DailyBudget: t.dailyBudget,
		Daily:       daily,
		ActiveTasks: len(t.active),
	}
}

// ActiveIDs returns the ids of tasks currently holding slots.
func (t *Tracker) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCount returns the number of tasks holding slots.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// DailyCost returns the current day's accumulated cost.
func (t *Tracker) DailyCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.daily.TotalCost
}

// DailyBudget returns the configured daily budget.
func (t *Tracker) DailyBudget() float64 {
	return t.dailyBudget
}

// LastCompletion reports the most recent completed task's cost, for the
// monitor's usage_expired attribution.
func (t *Tracker) LastCompletion() (taskID string, cost float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCompletedID, t.lastCompletedCost, t.lastCompletedAt
}

// ResetDailyStats zeroes the aggregate for the new local date. Called
// exactly once per local midnight by the daemon (via the monitor's
// budget_reset detection).
func (t *Tracker) ResetDailyStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.daily = store.DailyUsageStats{
		Date:          t.clk.TodayLocalDate(),
		ModeBreakdown: map[string]store.ModeUsage{},
	}
	// Active tasks keep their slots across the reset.
	if n := len(t.active); n > t.daily.PeakConcurrentTasks {
		t.daily.PeakConcurrentTasks = n
	}
	t.publishGauges()
}

func (t *Tracker) clamp(taskID string, u store.TaskUsage) store.TaskUsage {
	bad := false
	clampInt := func(v int64) int64 {
		if v < 0 {
			bad = true
			return 0
		}
		return v
	}
	u.InputTokens = clampInt(u.InputTokens)
	u.OutputTokens = clampInt(u.OutputTokens)
	u.TotalTokens = clampInt(u.TotalTokens)
	if u.EstimatedCost < 0 || math.IsNaN(u.EstimatedCost) {
		bad = true
		u.EstimatedCost = 0
	}
	if bad && t.logger != nil {
		t.logger.WithField("task_id", taskID).Warn("negative or NaN usage values clamped to 0")
	}
	return u
}

func (t *Tracker) publishGauges() {
	observability.ActiveTasks.Set(float64(len(t.active)))
	observability.DailyCost.Set(t.daily.TotalCost)
	observability.DailyTokens.Set(float64(t.daily.TotalTokens))
}

// Snapshot returns a copy of the daily aggregate for persistence.
func (t *Tracker) Snapshot() *store.DailyUsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	daily := t.daily
	daily.ModeBreakdown = make(map[string]store.ModeUsage, len(t.daily.ModeBreakdown))
	for k, v := range t.daily.ModeBreakdown {
		daily.ModeBreakdown[k] = v
	}
	return &daily
}

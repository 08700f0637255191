package usage

import (
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
)

func newTestTracker(t *testing.T, hour int, budget float64) (*Tracker, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC), nil)
	cfg := config.TimeBasedUsage{
		Enabled:                    true,
		DayModeHours:               []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
		NightModeHours:             []int{22, 23, 0, 1, 2, 3, 4, 5, 6},
		DayModeThresholds:          config.Thresholds{MaxTokensPerTask: 100_000, MaxCostPerTask: 2, MaxConcurrentTasks: 2},
		NightModeThresholds:        config.Thresholds{MaxTokensPerTask: 500_000, MaxCostPerTask: 5, MaxConcurrentTasks: 4},
		DayModeCapacityThreshold:   0.70,
		NightModeCapacityThreshold: 0.96,
		OffHoursPolicy:             config.OffHoursInactive,
	}
	base := config.Limits{MaxConcurrentTasks: 2, MaxTokensPerTask: 100_000, MaxCostPerTask: 2, DailyBudget: budget}
	windows := timewindow.New(cfg, base, clk)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewTracker(clk, windows, budget, logger.WithField("component", "usage")), clk
}

func TestTrackStartIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 10)

	tr.TrackTaskStart("t1")
	tr.TrackTaskStart("t1")
	tr.TrackTaskStart("t1")

	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 1, tr.Snapshot().PeakConcurrentTasks)
}

func TestConcurrencyBound(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 10) // day mode, limit 2

	tr.TrackTaskStart("t1")
	d := tr.CanStartTask(nil)
	assert.True(t, d.Allowed)

	tr.TrackTaskStart("t2")
	d = tr.CanStartTask(nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonConcurrency, d.Reason)

	// Completion frees the slot.
	tr.TrackTaskCompletion("t1", store.TaskUsage{TotalTokens: 100, EstimatedCost: 0.1}, true)
	d = tr.CanStartTask(nil)
	assert.True(t, d.Allowed)
}

func TestBudgetBound(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 10)

	tr.TrackTaskStart("t1")
	tr.TrackTaskCompletion("t1", store.TaskUsage{EstimatedCost: 9.5}, true)

	// 9.5 + 1.0 > 10 rejected; 9.5 + 0.4 admitted.
	d := tr.CanStartTask(&store.TaskUsage{EstimatedCost: 1.0})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyBudget, d.Reason)

	d = tr.CanStartTask(&store.TaskUsage{EstimatedCost: 0.4})
	assert.True(t, d.Allowed)

	// At or over budget rejects regardless of estimate.
	tr.TrackTaskStart("t2")
	tr.TrackTaskCompletion("t2", store.TaskUsage{EstimatedCost: 0.5}, true)
	d = tr.CanStartTask(nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyBudget, d.Reason)
}

func TestZeroBudgetAdmitsNothing(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 0)
	d := tr.CanStartTask(nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyBudget, d.Reason)
}

func TestPerTaskEstimateLimits(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 10) // day: maxCost 2, maxTokens 100k

	d := tr.CanStartTask(&store.TaskUsage{EstimatedCost: 2.5})
	assert.Equal(t, ReasonTaskCost, d.Reason)

	d = tr.CanStartTask(&store.TaskUsage{TotalTokens: 200_000, EstimatedCost: 1})
	assert.Equal(t, ReasonTaskTokens, d.Reason)

	// Night mode is more permissive.
	trNight, _ := newTestTracker(t, 23, 10)
	d = trNight.CanStartTask(&store.TaskUsage{TotalTokens: 200_000, EstimatedCost: 2.5})
	assert.True(t, d.Allowed)
}

func TestDailyAggregateMonotonic(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 100)

	var lastCost float64
	var lastTokens int64
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		tr.TrackTaskStart(id)
		tr.TrackTaskCompletion(id, store.TaskUsage{TotalTokens: int64(i * 10), EstimatedCost: float64(i) / 10}, i%3 != 0)
		snap := tr.Snapshot()
		assert.GreaterOrEqual(t, snap.TotalCost, lastCost)
		assert.GreaterOrEqual(t, snap.TotalTokens, lastTokens)
		lastCost, lastTokens = snap.TotalCost, snap.TotalTokens
	}
}

func TestModeBreakdownAttribution(t *testing.T) {
	tr, clk := newTestTracker(t, 12, 100)

	tr.TrackTaskStart("day-task")
	tr.TrackTaskCompletion("day-task", store.TaskUsage{TotalTokens: 100, EstimatedCost: 1}, true)

	clk.Set(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC))
	tr.TrackTaskStart("night-task")
	tr.TrackTaskCompletion("night-task", store.TaskUsage{TotalTokens: 200, EstimatedCost: 2}, true)

	snap := tr.Snapshot()
	assert.Equal(t, int64(100), snap.ModeBreakdown["day"].Tokens)
	assert.Equal(t, int64(200), snap.ModeBreakdown["night"].Tokens)
	assert.Equal(t, 1, snap.ModeBreakdown["day"].Tasks)
	assert.Equal(t, 3.0, snap.TotalCost)
}

func TestClampNegativeAndNaN(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 10)

	tr.TrackTaskStart("t1")
	tr.TrackTaskCompletion("t1", store.TaskUsage{TotalTokens: -500, EstimatedCost: math.NaN()}, true)

	snap := tr.Snapshot()
	assert.Equal(t, int64(0), snap.TotalTokens)
	assert.Equal(t, 0.0, snap.TotalCost)
}

func TestResetDailyStats(t *testing.T) {
	tr, clk := newTestTracker(t, 12, 10)

	tr.TrackTaskStart("t1")
	tr.TrackTaskStart("t2")
	tr.TrackTaskCompletion("t1", store.TaskUsage{TotalTokens: 100, EstimatedCost: 5}, true)

	clk.Set(time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC))
	tr.ResetDailyStats()

	snap := tr.Snapshot()
	assert.Equal(t, "2025-06-02", snap.Date)
	assert.Equal(t, 0.0, snap.TotalCost)
	assert.Equal(t, int64(0), snap.TotalTokens)
	// The still-running task keeps its slot and counts toward the peak.
	assert.Equal(t, 1, tr.ActiveCount())
	assert.Equal(t, 1, snap.PeakConcurrentTasks)
}

func TestRestoreSnapshotSameDateOnly(t *testing.T) {
	tr, _ := newTestTracker(t, 12, 10)

	tr.Restore(&store.DailyUsageStats{Date: "2025-06-01", TotalCost: 4.2, TotalTokens: 900})
	assert.Equal(t, 4.2, tr.DailyCost())

	tr.Restore(&store.DailyUsageStats{Date: "2025-05-31", TotalCost: 99})
	assert.Equal(t, 4.2, tr.DailyCost(), "stale snapshot ignored")
}

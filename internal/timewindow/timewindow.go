// Package timewindow classifies wall-clock time into day/night/off-hours
// modes and turns configuration plus current usage into pause decisions.
// The scheduler holds no mutable state: every answer is a pure function
// of the config and the injected clock.
package timewindow

import (
	"fmt"
	"math"
	"time"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
)

// Mode is the time-of-day classification.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// TimeWindow is the current classification with the next boundary.
type TimeWindow struct {
	Mode           Mode      `json:"mode"`
	IsActive       bool      `json:"is_active"`
	NextTransition time.Time `json:"next_transition"`
}

// CapacityInfo is the budget-headroom view for one instant.
type CapacityInfo struct {
	CurrentPercentage float64 `json:"current_percentage"`
	Threshold         float64 `json:"threshold"`
	ShouldPause       bool    `json:"should_pause"`
}

// PauseCode is the machine-parseable part of a pause decision.
type PauseCode string

const (
	PauseNone             PauseCode = ""
	PauseOffHours         PauseCode = "off_hours"
	PauseCapacityExceeded PauseCode = "capacity_threshold"
	PauseConcurrencyLimit PauseCode = "concurrency_limit"
)

// PauseDecision is the full answer to "may tasks run right now".
type PauseDecision struct {
	ShouldPause bool         `json:"should_pause"`
	Code        PauseCode    `json:"code,omitempty"`
	Message     string       `json:"message,omitempty"`
	TimeWindow  TimeWindow   `json:"time_window"`
	Capacity    CapacityInfo `json:"capacity"`
}

// Scheduler computes modes and pause decisions. Safe for concurrent use;
// all fields are set at construction.
type Scheduler struct {
	cfg        config.TimeBasedUsage
	base       config.Limits
	clk        clock.Clock
	dayHours   map[int]bool
	nightHours map[int]bool
}

// New builds a Scheduler from validated config. Empty hour sets fall
// back to the package defaults (config applies them at load; this
// guards direct construction in tests).
func New(cfg config.TimeBasedUsage, base config.Limits, clk clock.Clock) *Scheduler {
	if len(cfg.DayModeHours) == 0 {
		cfg.DayModeHours = append([]int(nil), config.DefaultDayHours...)
	}
	if len(cfg.NightModeHours) == 0 {
		cfg.NightModeHours = append([]int(nil), config.DefaultNightHours...)
	}
	s := &Scheduler{
		cfg:        cfg,
		base:       base,
		clk:        clk,
		dayHours:   make(map[int]bool, len(cfg.DayModeHours)),
		nightHours: make(map[int]bool, len(cfg.NightModeHours)),
	}
	for _, h := range cfg.DayModeHours {
		s.dayHours[h] = true
	}
	for _, h := range cfg.NightModeHours {
		s.nightHours[h] = true
	}
	return s
}

// ModeAt classifies a local hour. Day wins overlaps; disabled
// time-based usage classifies everything as off-hours.
func (s *Scheduler) ModeAt(hour int) Mode {
	if !s.cfg.Enabled {
		return ModeOffHours
	}
	switch {
	case s.dayHours[hour]:
		return ModeDay
	case s.nightHours[hour]:
		return ModeNight
	default:
		return ModeOffHours
	}
}

// CurrentTimeWindow returns the classification for now. NextTransition
// is the next local instant at which the classification changes; when
// it never changes (time-based usage disabled) the next local midnight
// is returned so callers still have a sane wake-up point.
func (s *Scheduler) CurrentTimeWindow() TimeWindow {
	now := s.clk.NowLocal()
	mode := s.ModeAt(now.Hour())
	return TimeWindow{
		Mode:           mode,
		IsActive:       s.modeActive(mode),
		NextTransition: s.nextTransitionAfter(now).UTC(),
	}
}

func (s *Scheduler) modeActive(mode Mode) bool {
	if mode != ModeOffHours {
		return true
	}
	return s.cfg.OffHoursPolicy == config.OffHoursBaseLimits
}

func (s *Scheduler) nextTransitionAfter(nowLocal time.Time) time.Time {
	cur := s.ModeAt(nowLocal.Hour())
	y, m, d := nowLocal.Date()
	loc := nowLocal.Location()
	for i := 1; i <= 24; i++ {
		// time.Date normalizes hour overflow into the next day and
		// keeps the arithmetic DST-correct.
		cand := time.Date(y, m, d, nowLocal.Hour()+i, 0, 0, 0, loc)
		if s.ModeAt(cand.Hour()) != cur {
			return cand
		}
	}
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// TimeUntilModeSwitch returns the duration until the next mode boundary.
func (s *Scheduler) TimeUntilModeSwitch() time.Duration {
	now := s.clk.NowLocal()
	return s.nextTransitionAfter(now).Sub(now)
}

// TimeUntilBudgetReset returns the duration until the next local
// midnight. Always positive, including exactly at the boundary.
func (s *Scheduler) TimeUntilBudgetReset() time.Duration {
	now := s.clk.NowLocal()
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return midnight.Sub(now)
}

// ThresholdsFor returns the resource ceilings for a mode. Off-hours
// uses the base limits (they only matter under the base_limits policy).
func (s *Scheduler) ThresholdsFor(mode Mode) config.Thresholds {
	switch mode {
	case ModeDay:
		return s.cfg.DayModeThresholds
	case ModeNight:
		return s.cfg.NightModeThresholds
	default:
		return config.Thresholds{
			MaxTokensPerTask:   s.base.MaxTokensPerTask,
			MaxCostPerTask:     s.base.MaxCostPerTask,
			MaxConcurrentTasks: s.base.MaxConcurrentTasks,
		}
	}
}

func (s *Scheduler) capacityThresholdFor(mode Mode) float64 {
	if mode == ModeNight {
		return s.cfg.NightModeCapacityThreshold
	}
	return s.cfg.DayModeCapacityThreshold
}

// CapacityInfo computes budget headroom for a window. A zero budget
// means no headroom at all (percentage +Inf); the comparison against
// the threshold is closed above, so percentage == threshold pauses.
func (s *Scheduler) CapacityInfo(tw TimeWindow, dailySpent, dailyBudget float64) CapacityInfo {
	if dailySpent < 0 || math.IsNaN(dailySpent) {
		dailySpent = 0
	}
	threshold := s.capacityThresholdFor(tw.Mode)
	var pct float64
	if dailyBudget <= 0 {
		pct = math.Inf(1)
	} else {
		pct = dailySpent / dailyBudget
	}
	return CapacityInfo{
		CurrentPercentage: pct,
		Threshold:         threshold,
		ShouldPause:       pct >= threshold,
	}
}

// ShouldPauseTasks is the full admission gate: off-hours, capacity
// threshold, and the mode's concurrency limit, checked in that order.
func (s *Scheduler) ShouldPauseTasks(dailySpent, dailyBudget float64, activeCount int) PauseDecision {
	tw := s.CurrentTimeWindow()
	capacity := s.CapacityInfo(tw, dailySpent, dailyBudget)
	decision := PauseDecision{TimeWindow: tw, Capacity: capacity}

	if !tw.IsActive {
		decision.ShouldPause = true
		decision.Code = PauseOffHours
		decision.Message = fmt.Sprintf("outside configured hours (mode %s); next transition %s",
			tw.Mode, tw.NextTransition.Format(time.RFC3339))
		return decision
	}
	if capacity.ShouldPause {
		decision.ShouldPause = true
		decision.Code = PauseCapacityExceeded
		decision.Message = fmt.Sprintf("daily spend at %.0f%% of budget (threshold %.0f%%)",
			capacity.CurrentPercentage*100, capacity.Threshold*100)
		return decision
	}
	if limit := s.ThresholdsFor(tw.Mode).MaxConcurrentTasks; activeCount >= limit {
		decision.ShouldPause = true
		decision.Code = PauseConcurrencyLimit
		decision.Message = fmt.Sprintf("%d tasks active, mode %s allows %d", activeCount, tw.Mode, limit)
		return decision
	}
	return decision
}

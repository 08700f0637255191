package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
)

// ErrCircuitOpen is returned for stage calls while the driver circuit
// rejects traffic. It classifies as retryable, so affected stages retry
// rather than fail.
var ErrCircuitOpen = errors.New("orchestrator: driver circuit open")

// CircuitState is the driver breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitHalfOpen                     // testing recovery
	CircuitOpen                         // rejecting stage calls
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// DriverBreaker wraps the agent driver with a circuit breaker: a run of
// driver-side failures opens the circuit, a cooldown moves it half-open,
// and a few successful test stages close it again. Limit outcomes
// (session/usage/budget) are capacity signals, not driver health, and
// do not count.
type DriverBreaker struct {
	inner  task.Driver
	clk    clock.Clock
	logger *logrus.Entry

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time

	testCount     int
	testSuccesses int

	failureThreshold int
	cooldown         time.Duration
	testLimit        int
}

// NewDriverBreaker wraps inner with production defaults: 5 consecutive
// failures open, 30s cooldown, 3 successful tests close.
func NewDriverBreaker(inner task.Driver, clk clock.Clock, logger *logrus.Entry) *DriverBreaker {
	b := &DriverBreaker{
		inner:            inner,
		clk:              clk,
		logger:           logger,
		failureThreshold: 5,
		cooldown:         30 * time.Second,
		testLimit:        3,
	}
	b.publishState()
	return b
}

// RunStage forwards to the wrapped driver when the circuit admits the
// call, and records the outcome.
func (b *DriverBreaker) RunStage(ctx context.Context, req task.StageRequest) (task.StageResult, error) {
	if !b.allow() {
		return task.StageResult{Outcome: task.OutcomeRetryable, Err: ErrCircuitOpen}, ErrCircuitOpen
	}

	res, err := b.inner.RunStage(ctx, req)

	outcome := res.Outcome
	if err != nil && outcome == task.OutcomeOk {
		outcome = task.ClassifyError(err)
	}
	switch outcome {
	case task.OutcomeOk:
		b.recordSuccess()
	case task.OutcomeRetryable, task.OutcomeFatal:
		b.recordFailure()
	}
	return res, err
}

// Cancel always passes through; cancellation must work even when the
// circuit is open.
func (b *DriverBreaker) Cancel(ctx context.Context, taskID string) error {
	return b.inner.Cancel(ctx, taskID)
}

// State returns the current circuit state.
func (b *DriverBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *DriverBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.clk.Now().Sub(b.openedAt) > b.cooldown {
		b.transition(CircuitHalfOpen)
		b.testCount = 0
		b.testSuccesses = 0
	}

	switch b.state {
	case CircuitHalfOpen:
		if b.testCount < b.testLimit {
			b.testCount++
			return true
		}
		return false
	case CircuitOpen:
		return false
	default:
		return true
	}
}

func (b *DriverBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.testSuccesses++
		if b.testSuccesses >= b.testLimit {
			b.transition(CircuitClosed)
		}
	}
}

func (b *DriverBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
		b.openedAt = b.clk.Now()
	case CircuitClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(CircuitOpen)
			b.openedAt = b.clk.Now()
		}
	}
}

func (b *DriverBreaker) transition(to CircuitState) {
	if b.state == to {
		return
	}
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"from": b.state.String(), "to": to.String(),
		}).Warn("driver circuit state changed")
	}
	b.state = to
	b.publishState()
}

func (b *DriverBreaker) publishState() {
	for _, s := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if s == b.state {
			v = 1.0
		}
		observability.DriverCircuitState.WithLabelValues(s.String()).Set(v)
	}
}

package task

import (
	"context"
	"errors"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
)

// Outcome classifies the result of one agent-driver stage turn. Limit
// conditions are first-class results rather than string-matched errors.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeRetryable
	OutcomeSessionLimit
	OutcomeUsageLimit
	OutcomeBudget
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeSessionLimit:
		return "session_limit"
	case OutcomeUsageLimit:
		return "usage_limit"
	case OutcomeBudget:
		return "budget"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors a driver may return instead of setting an Outcome;
// ClassifyError maps them so legacy drivers keep working.
var (
	ErrSessionLimit    = errors.New("driver: session limit reached")
	ErrUsageLimit      = errors.New("driver: usage limit reached")
	ErrBudgetExhausted = errors.New("driver: budget exhausted")
	ErrFatal           = errors.New("driver: fatal stage error")
)

// ClassifyError maps a driver error to an Outcome. Stage-deadline
// expiry is fatal (the stage ran away); unrecognized errors are
// retryable transients.
func ClassifyError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOk
	case errors.Is(err, ErrSessionLimit):
		return OutcomeSessionLimit
	case errors.Is(err, ErrUsageLimit):
		return OutcomeUsageLimit
	case errors.Is(err, ErrBudgetExhausted):
		return OutcomeBudget
	case errors.Is(err, ErrFatal):
		return OutcomeFatal
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeFatal
	default:
		return OutcomeRetryable
	}
}

// StageRequest carries everything a driver needs to run one stage.
type StageRequest struct {
	TaskID         string
	Stage          string
	StageIndex     int
	Workflow       []string
	Description    string
	ProjectPath    string
	WorkspacePath  string
	Checkpoint     *store.Checkpoint // latest checkpoint, nil on a fresh stage
	ContextSummary string
}

// StageResult is the driver's report for one turn.
type StageResult struct {
	Outcome           Outcome
	Err               error
	Usage             store.TaskUsage // consumption for this turn only
	ConversationState []byte
	ContextSummary    string
	Turns             []ConversationTurn
	ContextTokens     int64
	ContextWindow     int64
}

// ConversationTurn is one exchange in the agent conversation, retained
// for bounded summary generation.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Driver is the agent transport. RunStage blocks for the duration of
// one stage turn and must honor ctx cancellation; Cancel is
// best-effort and may return before the driver fully stops.
type Driver interface {
	RunStage(ctx context.Context, req StageRequest) (StageResult, error)
	Cancel(ctx context.Context, taskID string) error
}

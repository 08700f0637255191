package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
)

// execStageReport is the JSON the agent command writes to stdout.
type execStageReport struct {
	Status        string             `json:"status"` // ok, retryable, session_limit, usage_limit, budget, fatal
	Error         string             `json:"error,omitempty"`
	InputTokens   int64              `json:"input_tokens"`
	OutputTokens  int64              `json:"output_tokens"`
	EstimatedCost float64            `json:"estimated_cost"`
	ContextTokens int64              `json:"context_tokens"`
	Summary       string             `json:"summary,omitempty"`
	Turns         []ConversationTurn `json:"turns,omitempty"`
}

// ExecDriver runs one agent subprocess per stage. The stage request is
// written to stdin as JSON; the agent reports back on stdout. A nonzero
// exit without a parseable report is a retryable transient.
type ExecDriver struct {
	command       []string
	contextWindow int64
	logger        *logrus.Entry

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewExecDriver builds a driver for the given agent command line.
func NewExecDriver(command []string, contextWindow int64, logger *logrus.Entry) (*ExecDriver, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("task: agent command is empty")
	}
	return &ExecDriver{
		command:       command,
		contextWindow: contextWindow,
		logger:        logger,
		running:       make(map[string]*exec.Cmd),
	}, nil
}

// RunStage execs the agent for one stage and maps its report to a
// StageResult. The subprocess inherits ctx, so stage timeouts and
// shutdown kill it.
func (d *ExecDriver) RunStage(ctx context.Context, req StageRequest) (StageResult, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return StageResult{Outcome: OutcomeFatal}, fmt.Errorf("task: encoding stage request: %w", err)
	}

	args := append(append([]string(nil), d.command[1:]...), req.Stage)
	cmd := exec.CommandContext(ctx, d.command[0], args...)
	cmd.Stdin = bytes.NewReader(input)
	if req.WorkspacePath != "" {
		cmd.Dir = req.WorkspacePath
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.track(req.TaskID, cmd)
	runErr := cmd.Run()
	d.untrack(req.TaskID)

	report, parseErr := parseStageReport(stdout.Bytes())
	if parseErr != nil {
		if runErr == nil {
			runErr = parseErr
		}
		d.logger.WithError(parseErr).WithFields(logrus.Fields{
			"task_id": req.TaskID, "stage": req.Stage, "stderr": truncateSummary(stderr.String()),
		}).Warn("agent produced no parseable report")
		return StageResult{Outcome: OutcomeRetryable, Err: runErr}, runErr
	}

	res := StageResult{
		Outcome: outcomeFromStatus(report.Status),
		Usage: store.TaskUsage{
			InputTokens:   report.InputTokens,
			OutputTokens:  report.OutputTokens,
			TotalTokens:   report.InputTokens + report.OutputTokens,
			EstimatedCost: report.EstimatedCost,
		},
		ContextSummary: report.Summary,
		Turns:          report.Turns,
		ContextTokens:  report.ContextTokens,
		ContextWindow:  d.contextWindow,
	}
	if report.Error != "" {
		res.Err = fmt.Errorf("agent: %s", report.Error)
	}
	if res.Outcome != OutcomeOk && res.Err == nil {
		res.Err = runErr
	}
	return res, nil
}

// Cancel kills the agent subprocess for the task, if one is running.
func (d *ExecDriver) Cancel(ctx context.Context, taskID string) error {
	d.mu.Lock()
	cmd := d.running[taskID]
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (d *ExecDriver) track(taskID string, cmd *exec.Cmd) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[taskID] = cmd
}

func (d *ExecDriver) untrack(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, taskID)
}

// parseStageReport reads the last JSON object line from the agent's
// stdout; the agent may print progress lines before it.
func parseStageReport(out []byte) (*execStageReport, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var report execStageReport
		if err := json.Unmarshal(line, &report); err != nil {
			continue
		}
		if report.Status == "" {
			continue
		}
		return &report, nil
	}
	return nil, fmt.Errorf("task: no stage report in agent output")
}

func outcomeFromStatus(status string) Outcome {
	switch status {
	case "ok":
		return OutcomeOk
	case "session_limit":
		return OutcomeSessionLimit
	case "usage_limit":
		return OutcomeUsageLimit
	case "budget":
		return OutcomeBudget
	case "fatal":
		return OutcomeFatal
	default:
		return OutcomeRetryable
	}
}

package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execTestDriver(t *testing.T, script string) *ExecDriver {
	t.Helper()
	d, err := NewExecDriver([]string{"sh", "-c", script}, 200_000, testLogger())
	require.NoError(t, err)
	return d
}

func TestExecDriverParsesReport(t *testing.T) {
	script := `cat > /dev/null
echo "progress: planning"
echo '{"status":"ok","input_tokens":120,"output_tokens":80,"estimated_cost":0.05,"context_tokens":5000,"summary":"plan drafted"}'`
	d := execTestDriver(t, script)

	res, err := d.RunStage(context.Background(), StageRequest{TaskID: "t1", Stage: "plan"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOk, res.Outcome)
	assert.Equal(t, int64(200), res.Usage.TotalTokens)
	assert.InDelta(t, 0.05, res.Usage.EstimatedCost, 1e-9)
	assert.Equal(t, int64(5000), res.ContextTokens)
	assert.Equal(t, int64(200_000), res.ContextWindow)
	assert.Equal(t, "plan drafted", res.ContextSummary)
}

func TestExecDriverMapsLimitStatus(t *testing.T) {
	script := `cat > /dev/null
echo '{"status":"usage_limit","error":"5-hour window exhausted"}'`
	d := execTestDriver(t, script)

	res, err := d.RunStage(context.Background(), StageRequest{TaskID: "t1", Stage: "plan"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUsageLimit, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "5-hour window exhausted")
}

func TestExecDriverGarbageOutputIsRetryable(t *testing.T) {
	d := execTestDriver(t, `cat > /dev/null; echo "not json"; exit 3`)

	res, err := d.RunStage(context.Background(), StageRequest{TaskID: "t1", Stage: "plan"})
	assert.Error(t, err)
	assert.Equal(t, OutcomeRetryable, res.Outcome)
}

func TestExecDriverEmptyCommandRejected(t *testing.T) {
	_, err := NewExecDriver(nil, 0, testLogger())
	assert.Error(t, err)
}

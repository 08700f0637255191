package task

// Recommendation is the session-limit advisor's verdict for one turn.
type Recommendation string

const (
	RecommendContinue   Recommendation = "continue"
	RecommendSummarize  Recommendation = "summarize"
	RecommendCheckpoint Recommendation = "checkpoint"
	RecommendHandoff    Recommendation = "handoff"
)

// Utilization bands. Handoff forces a pause with reason session_limit.
const (
	summarizeThreshold  = 0.60
	checkpointThreshold = 0.80
	handoffThreshold    = 0.95
)

// SessionLimitCheck estimates context-window pressure after a turn.
// A zero or unknown window recommends continue.
func SessionLimitCheck(contextTokens, contextWindow int64) (Recommendation, float64) {
	if contextWindow <= 0 || contextTokens <= 0 {
		return RecommendContinue, 0
	}
	utilization := float64(contextTokens) / float64(contextWindow)
	switch {
	case utilization >= handoffThreshold:
		return RecommendHandoff, utilization
	case utilization >= checkpointThreshold:
		return RecommendCheckpoint, utilization
	case utilization >= summarizeThreshold:
		return RecommendSummarize, utilization
	default:
		return RecommendContinue, utilization
	}
}

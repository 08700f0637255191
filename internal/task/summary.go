package task

import (
	"fmt"
	"strings"
)

// maxSummaryBytes bounds a generated context summary.
const maxSummaryBytes = 2048

// summaryTurns is how many trailing conversation turns feed a summary.
const summaryTurns = 6

// buildContextSummary produces the resume summary for a task. Priority:
// an explicit summary on the checkpoint, then a bounded digest of the
// trailing conversation, then a static fallback. Never fails.
func buildContextSummary(explicit string, turns []ConversationTurn, stage string) string {
	if explicit != "" {
		return truncateSummary(explicit)
	}
	if len(turns) > 0 {
		return truncateSummary(digestTurns(turns))
	}
	return fallbackSummary(stage)
}

func fallbackSummary(stage string) string {
	return fmt.Sprintf("Task was paused in stage %s; resuming from checkpoint.", stage)
}

func digestTurns(turns []ConversationTurn) string {
	start := 0
	if len(turns) > summaryTurns {
		start = len(turns) - summaryTurns
	}
	var b strings.Builder
	for _, turn := range turns[start:] {
		role := turn.Role
		if role == "" {
			role = "unknown"
		}
		b.WriteString("[")
		b.WriteString(role)
		b.WriteString("] ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
		if b.Len() > maxSummaryBytes {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateSummary(s string) string {
	if len(s) <= maxSummaryBytes {
		return s
	}
	return s[:maxSummaryBytes]
}

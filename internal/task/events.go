package task

// Event topics emitted by the state machine. The orchestrator adds its
// own (tasks:auto-resumed, capacity:restored) on the same bus.
const (
	EventTaskCreated        = "task:created"
	EventTaskStarted        = "task:started"
	EventTaskStageChanged   = "task:stage-changed"
	EventTaskPaused         = "task:paused"
	EventTaskSessionResumed = "task:session-resumed"
	EventTaskCompleted      = "task:completed"
	EventTaskFailed         = "task:failed"
	EventTaskCancelled      = "task:cancelled"
	EventTaskTrashed        = "task:trashed"
	EventTaskRestored       = "task:restored"
	EventTaskArchived       = "task:archived"
	EventTaskUnarchived     = "task:unarchived"
	EventUsageUpdated       = "usage:updated"
)

// EventSink receives state-machine events. Implementations must not
// block; errors are the sink's problem, never the machine's.
type EventSink interface {
	Emit(topic string, payload any)
}

// NullSink drops every event.
type NullSink struct{}

func (NullSink) Emit(string, any) {}

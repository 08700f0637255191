// Package timeline keeps a bounded in-memory audit trail of task
// lifecycle events, serving the control API's status detail.
package timeline

import (
	"sync"
	"time"
)

// Event is one audit entry in a task's lifecycle trail.
type Event struct {
	TaskID    string            `json:"task_id"`
	Stage     string            `json:"stage"` // CREATED, ADMITTED, STAGE_DONE, PAUSED, RESUMED, COMPLETED, FAILED, CANCELLED
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store accumulates events with a global cap; the oldest half is
// dropped when the cap is hit so recording stays O(1) amortized.
type Store struct {
	mu     sync.RWMutex
	events []Event
	cap    int
}

// NewStore returns a Store bounded to cap events (0 means 10000).
func NewStore(cap int) *Store {
	if cap <= 0 {
		cap = 10000
	}
	return &Store{cap: cap}
}

// Record appends an event, stamping Timestamp when unset.
func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if len(s.events) >= s.cap {
		half := len(s.events) / 2
		s.events = append(s.events[:0], s.events[half:]...)
	}
	s.events = append(s.events, e)
}

// ForTask returns the recorded trail for one task, oldest first.
func (s *Store) ForTask(taskID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

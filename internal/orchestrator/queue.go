package orchestrator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
)

// agingFactorSeconds: every 30 seconds of waiting is worth one priority
// rank, so low-priority tasks cannot starve behind a stream of urgent
// ones.
const agingFactorSeconds = 30.0

type queueItem struct {
	taskID     string
	rank       int
	enqueuedAt time.Time
}

type admissionHeap struct {
	items []*queueItem
	now   func() time.Time
}

func (h *admissionHeap) Len() int { return len(h.items) }

func (h *admissionHeap) Less(i, j int) bool {
	// EffectivePriority = rank + waitTime/agingFactor; highest pops first.
	now := h.now()
	effI := float64(h.items[i].rank) + now.Sub(h.items[i].enqueuedAt).Seconds()/agingFactorSeconds
	effJ := float64(h.items[j].rank) + now.Sub(h.items[j].enqueuedAt).Seconds()/agingFactorSeconds
	if int(effI) == int(effJ) {
		return h.items[i].enqueuedAt.Before(h.items[j].enqueuedAt)
	}
	return effI > effJ
}

func (h *admissionHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *admissionHeap) Push(x any) {
	h.items = append(h.items, x.(*queueItem))
}

func (h *admissionHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// AdmissionQueue is the in-memory admission frontier: tasks the polling
// loop has fetched but the gates have not yet admitted. Duplicate ids
// are dropped so re-polling a still-queued task is harmless.
type AdmissionQueue struct {
	mu      sync.Mutex
	heap    admissionHeap
	pending map[string]bool
}

// NewAdmissionQueue returns an empty queue ordered by clk.
func NewAdmissionQueue(clk clock.Clock) *AdmissionQueue {
	return &AdmissionQueue{
		heap:    admissionHeap{now: clk.Now},
		pending: make(map[string]bool),
	}
}

// Push enqueues the task; returns false when it is already pending.
func (q *AdmissionQueue) Push(taskID string, priority store.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[taskID] {
		return false
	}
	q.pending[taskID] = true
	heap.Push(&q.heap, &queueItem{
		taskID:     taskID,
		rank:       priority.Rank(),
		enqueuedAt: q.heap.now(),
	})
	observability.QueueDepth.Set(float64(len(q.heap.items)))
	return true
}

// PushDelayed re-enqueues the task after delay, non-blocking. Used when
// admission was rejected and the task should be retried later.
func (q *AdmissionQueue) PushDelayed(taskID string, priority store.Priority, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Push(taskID, priority)
	})
}

// Pop removes and returns the most urgent pending task id.
func (q *AdmissionQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap.items) == 0 {
		return "", false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.pending, item.taskID)
	observability.QueueDepth.Set(float64(len(q.heap.items)))
	return item.taskID, true
}

// Len returns the number of pending tasks.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap.items)
}

package orchestrator

import (
	"sync"

	"golang.org/x/time/rate"
)

// ResumeLimiter throttles resume attempts per task id with a token
// bucket each, so a task that keeps re-pausing cannot hot-loop through
// its attempt budget in one capacity event.
type ResumeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewResumeLimiter allows r resumes per second per task with burst b.
func NewResumeLimiter(r float64, b int) *ResumeLimiter {
	return &ResumeLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether taskID may attempt a resume now.
func (l *ResumeLimiter) Allow(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[taskID]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[taskID] = limiter
	}
	return limiter.Allow()
}

// Forget drops the bucket for a task that reached a terminal state.
func (l *ResumeLimiter) Forget(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, taskID)
}

// Package orchestrator coordinates admission, capacity pausing and
// auto-resume across the state machine, the usage tracker and the
// time-window scheduler.
package orchestrator

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/observability"
)

// Orchestrator-level event topics; the state machine's task:* topics
// share the same bus.
const (
	EventTasksAutoResumed = "tasks:auto-resumed"
	EventCapacityRestored = "capacity:restored"
	EventCapacityPaused   = "capacity:paused"
)

// TopicAll subscribes a handler to every topic.
const TopicAll = "*"

// Handler receives one published event. Handlers run synchronously on
// the publisher's goroutine and must be quick.
type Handler func(topic string, payload any)

// Bus is the in-process pub/sub fabric. A panicking subscriber is
// contained and counted; it never takes the publisher down.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	logger *logrus.Entry
}

// NewBus returns an empty bus.
func NewBus(logger *logrus.Entry) *Bus {
	return &Bus{
		subs:   make(map[string][]Handler),
		logger: logger,
	}
}

// Subscribe registers h for topic. Use TopicAll to observe everything.
// Subscriptions cannot be removed; the bus lives as long as the daemon.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Emit publishes payload to topic subscribers and wildcard subscribers.
// Satisfies task.EventSink.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.subs[TopicAll]))
	handlers = append(handlers, b.subs[topic]...)
	handlers = append(handlers, b.subs[TopicAll]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(topic, payload, h)
	}
}

func (b *Bus) deliver(topic string, payload any, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			observability.EventPublishFailures.WithLabelValues(topic).Inc()
			if b.logger != nil {
				b.logger.WithFields(logrus.Fields{
					"topic": topic, "panic": r,
				}).Error("event subscriber panicked")
			}
		}
	}()
	h(topic, payload)
}

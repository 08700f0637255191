package daemon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/orchestrator"
)

const maxEventClients = 100

// eventEnvelope is what subscribers receive per bus event.
type eventEnvelope struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// EventHub fans bus events out to websocket clients. Single broadcaster
// goroutine; register/unregister go through channels so the client map
// has one writer.
type EventHub struct {
	logger *logrus.Entry

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan eventEnvelope
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

// NewEventHub builds the hub and subscribes it to every bus topic.
func NewEventHub(bus *orchestrator.Bus, logger *logrus.Entry) *EventHub {
	h := &EventHub{
		logger:     logger,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan eventEnvelope, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The daemon binds loopback; cross-origin browsers are fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	bus.Subscribe(orchestrator.TopicAll, func(topic string, payload any) {
		select {
		case h.events <- eventEnvelope{Topic: topic, Timestamp: time.Now().UTC(), Payload: payload}:
		default:
			// Slow consumers drop events rather than block the bus.
		}
	})
	return h
}

// Run is the hub's main loop. Blocks until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxEventClients {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warnf("websocket connection rejected: max connections (%d) reached", maxEventClients)
				continue
			}
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("clients", n).Debug("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case env := <-h.events:
			h.broadcast(env)
		}
	}
}

func (h *EventHub) broadcast(env eventEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			h.logger.WithError(err).Debug("websocket write failed")
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into an event subscription.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	h.register <- conn

	// Read pump: clients send nothing, but reads detect close.
	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

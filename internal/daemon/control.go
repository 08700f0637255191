package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/orchestrator"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timeline"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/usage"
)

// Server is the loopback control API: health, status, task lifecycle
// verbs, manual capacity checks and the event stream.
type Server struct {
	store    store.Store
	orch     *orchestrator.Orchestrator
	machine  *task.Machine
	tracker  *usage.Tracker
	monitor  *capacity.Monitor
	timeline *timeline.Store
	hub      *EventHub
	breaker  *orchestrator.DriverBreaker
	logger   *logrus.Entry
	shutdown func()
	started  time.Time
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Status       string                `json:"status"`
	UptimeSec    int64                 `json:"uptime_sec"`
	Usage        usage.TimeBasedUsage  `json:"usage"`
	QueueDepth   int                   `json:"queue_depth"`
	CircuitState string                `json:"circuit_state"`
	EventClients int                   `json:"event_clients"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.taskVerb(s.orchCancel))
	mux.HandleFunc("POST /tasks/{id}/trash", s.taskVerb(s.machine.Trash))
	mux.HandleFunc("POST /tasks/{id}/restore", s.taskVerb(s.machine.Restore))
	mux.HandleFunc("POST /tasks/{id}/archive", s.taskVerb(s.machine.Archive))
	mux.HandleFunc("POST /tasks/{id}/unarchive", s.taskVerb(s.machine.Unarchive))

	mux.HandleFunc("POST /capacity/check", s.handleCapacityCheck)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /events", s.hub.ServeWS)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:       "running",
		UptimeSec:    int64(time.Since(s.started).Seconds()),
		Usage:        s.tracker.GetCurrentUsage(),
		QueueDepth:   s.orch.QueueDepth(),
		CircuitState: s.breaker.State().String(),
		EventClients: s.hub.ClientCount(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.orch.CreateTask(r.Context(), req)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	resp := map[string]any{"task": t}
	if s.timeline != nil {
		resp["timeline"] = s.timeline.ForTask(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resumed, err := s.orch.Resume(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "resumed": resumed})
}

func (s *Server) orchCancel(ctx context.Context, id string) error {
	return s.orch.Cancel(ctx, id)
}

// taskVerb adapts a single-task operation into a handler.
func (s *Server) taskVerb(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "ok": true})
	}
}

func (s *Server) handleCapacityCheck(w http.ResponseWriter, r *http.Request) {
	s.monitor.TriggerManual(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "check triggered"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go s.shutdown()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrCycle):
		return http.StatusConflict
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

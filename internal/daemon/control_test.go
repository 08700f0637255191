package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/capacity"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/clock"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/orchestrator"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/store"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timeline"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/timewindow"
	"github.com/JoshuaAFerguson/APEX-sub012/internal/usage"
)

type idleDriver struct{}

func (idleDriver) RunStage(ctx context.Context, req task.StageRequest) (task.StageResult, error) {
	<-ctx.Done()
	return task.StageResult{}, ctx.Err()
}

func (idleDriver) Cancel(ctx context.Context, taskID string) error { return nil }

type controlFixture struct {
	store    *store.MemoryStore
	machine  *task.Machine
	bus      *orchestrator.Bus
	hub      *EventHub
	srv      *httptest.Server
	shutdown *bool
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), time.UTC)
	tbu := config.TimeBasedUsage{
		Enabled:                    true,
		DayModeHours:               config.DefaultDayHours,
		NightModeHours:             config.DefaultNightHours,
		DayModeThresholds:          config.Thresholds{MaxTokensPerTask: 500_000, MaxCostPerTask: 5.0, MaxConcurrentTasks: 2},
		NightModeThresholds:        config.Thresholds{MaxTokensPerTask: 500_000, MaxCostPerTask: 5.0, MaxConcurrentTasks: 4},
		DayModeCapacityThreshold:   0.70,
		NightModeCapacityThreshold: 0.96,
		OffHoursPolicy:             config.OffHoursInactive,
	}
	base := config.Limits{MaxConcurrentTasks: 2, MaxTokensPerTask: 500_000, MaxCostPerTask: 5.0, DailyBudget: 25.0}

	memStore := store.NewMemoryStore()
	bus := orchestrator.NewBus(testLogger())
	windows := timewindow.New(tbu, base, clk)
	tracker := usage.NewTracker(clk, windows, base.DailyBudget, testLogger())
	tl := timeline.NewStore(0)
	breaker := orchestrator.NewDriverBreaker(idleDriver{}, clk, testLogger())
	machine := task.NewMachine(memStore, breaker, tracker, bus, clk, tl, nil,
		task.DefaultConfig(), testLogger())
	orch := orchestrator.New(memStore, machine, tracker, windows, bus, clk,
		orchestrator.DefaultOrchestratorConfig(), testLogger())
	monitor := capacity.NewMonitor(clk, windows, tracker, 30*time.Second, testLogger())
	hub := NewEventHub(bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	go hub.Run(ctx)

	shutdownCalled := false
	server := &Server{
		store:    memStore,
		orch:     orch,
		machine:  machine,
		tracker:  tracker,
		monitor:  monitor,
		timeline: tl,
		hub:      hub,
		breaker:  breaker,
		logger:   testLogger(),
		shutdown: func() { shutdownCalled = true },
		started:  time.Now(),
	}
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		orch.Wait()
	})

	return &controlFixture{
		store: memStore, machine: machine, bus: bus, hub: hub,
		srv: srv, shutdown: &shutdownCalled,
	}
}

func (f *controlFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealthz(t *testing.T) {
	f := newControlFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestCreateAndFetchTask(t *testing.T) {
	f := newControlFixture(t)

	resp := f.post(t, "/tasks", map[string]any{
		"description": "add retry logic",
		"priority":    "high",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	id := created["id"].(string)
	assert.Equal(t, "queued", created["status"])

	resp2, err := http.Get(f.srv.URL + "/tasks/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	body := decodeBody(t, resp2)
	assert.Contains(t, body, "task")
}

func TestCreateTaskRejectsUnknownFields(t *testing.T) {
	f := newControlFixture(t)
	resp := f.post(t, "/tasks", map[string]any{
		"description": "x", "bogus_field": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateTaskRequiresDescription(t *testing.T) {
	f := newControlFixture(t)
	resp := f.post(t, "/tasks", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetUnknownTaskIs404(t *testing.T) {
	f := newControlFixture(t)
	resp, err := http.Get(f.srv.URL + "/tasks/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestResumeVerbOnNonPausedTask(t *testing.T) {
	f := newControlFixture(t)
	id, err := f.store.CreateTask(context.Background(), &store.Task{
		Description: "x", Workflow: []string{"plan"},
	})
	require.NoError(t, err)

	resp := f.post(t, fmt.Sprintf("/tasks/%s/resume", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["resumed"])
}

func TestCancelThenTrashThenRestore(t *testing.T) {
	f := newControlFixture(t)
	ctx := context.Background()
	id, err := f.store.CreateTask(ctx, &store.Task{Description: "x", Workflow: []string{"plan"}})
	require.NoError(t, err)

	resp := f.post(t, fmt.Sprintf("/tasks/%s/cancel", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, fmt.Sprintf("/tasks/%s/trash", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, fmt.Sprintf("/tasks/%s/restore", id), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
}

func TestStatusEndpoint(t *testing.T) {
	f := newControlFixture(t)
	resp, err := http.Get(f.srv.URL + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "closed", body["circuit_state"])
	assert.Contains(t, body, "usage")
}

func TestCapacityCheckAccepted(t *testing.T) {
	f := newControlFixture(t)
	resp := f.post(t, "/capacity/check", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

func TestShutdownEndpoint(t *testing.T) {
	f := newControlFixture(t)
	resp := f.post(t, "/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	assert.Eventually(t, func() bool { return *f.shutdown },
		time.Second, 10*time.Millisecond)
}

func TestEventStreamDeliversBusEvents(t *testing.T) {
	f := newControlFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	f.bus.Emit(task.EventTaskPaused, map[string]any{"task_id": "t1", "reason": "capacity"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env eventEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, task.EventTaskPaused, env.Topic)
}

package vibe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Options{BaseURL: server.URL})
}

func respond(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"success": true, "data": data})
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func TestAdapter_ListTasks(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/proj-1/tasks", r.URL.Path)
		assert.Equal(t, "todo", r.URL.Query().Get("status"))
		respond(t, w, []map[string]any{
			{
				"id": "vk-1", "project_id": "proj-1", "title": "First",
				"status": "todo", "labels": []string{"Backend", "openfleet"},
				"created_at": "2026-07-01T10:00:00Z", "updated_at": "2026-07-01T11:00:00Z",
			},
		})
	})

	tasks, err := a.ListTasks(context.Background(), "proj-1", model.ListFilters{Status: model.StatusTodo})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "vk-1", task.ID)
	assert.Equal(t, model.StatusTodo, task.Status)
	assert.Equal(t, model.BackendVibe, task.Backend)
	assert.Equal(t, []string{"backend", "openfleet"}, task.Tags)
}

func TestAdapter_UpdateTaskStatus_Translation(t *testing.T) {
	var sentStatus string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sentStatus, _ = body["status"].(string)
		respond(t, w, map[string]any{
			"id": "vk-1", "title": "x", "status": sentStatus,
			"created_at": "2026-07-01T10:00:00Z", "updated_at": "2026-07-01T11:00:00Z",
		})
	})

	task, err := a.UpdateTaskStatus(context.Background(), "vk-1", model.StatusInProgress, kanban.UpdateStatusOptions{})
	require.NoError(t, err)
	assert.Equal(t, "inprogress", sentStatus)
	assert.Equal(t, model.StatusInProgress, task.Status)
}

func TestAdapter_CreateTask_AppliesScopeLabel(t *testing.T) {
	var sentLabels []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sentLabels, _ = body["labels"].([]any)
		respond(t, w, map[string]any{
			"id": "vk-9", "title": body["title"], "status": "todo",
			"created_at": "2026-07-01T10:00:00Z", "updated_at": "2026-07-01T10:00:00Z",
		})
	}))
	defer server.Close()

	a := New(Options{BaseURL: server.URL, ScopeLabels: []string{"openfleet"}})
	_, err := a.CreateTask(context.Background(), "proj-1", model.CreateData{Title: "New"})
	require.NoError(t, err)
	assert.Contains(t, sentLabels, "openfleet")
}

func TestAdapter_NonJSONResponseIsTransient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>oops</html>"))
	})

	_, err := a.GetTask(context.Background(), "vk-1")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransient))
}

func TestAdapter_NotFound(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"message":"no such task"}`))
	})

	_, err := a.GetTask(context.Background(), "vk-404")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	ok, err := a.DeleteTask(context.Background(), "vk-404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_CommentsUnsupported(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})

	assert.False(t, a.Supports(kanban.CapabilityComments))
	ok, err := a.AddComment(context.Background(), "vk-1", "hello")
	assert.False(t, ok)
	assert.True(t, errors.IsKind(err, errors.KindUnsupported))
}

func TestAdapter_CircuitBreakerOpensAfterFailures(t *testing.T) {
	a := New(Options{BaseURL: "http://127.0.0.1:1"})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := a.GetTask(ctx, "vk-1")
		require.Error(t, err)
	}
	// By now the breaker is open; the failure is still reported as
	// transient to callers.
	_, err := a.GetTask(ctx, "vk-1")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransient))
}

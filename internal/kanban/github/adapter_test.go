package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// fakeGitHub is an in-memory double for the slice of the REST and
// GraphQL APIs the adapter uses.
type fakeGitHub struct {
	t *testing.T

	state       string
	stateReason string
	labels      []string
	comments    []map[string]any
	nextComment int

	labelPuts     [][]string
	labelCreates  []string
	commentPosts  int
	commentEdits  int
	mutations     []string
	fieldQueries  int
	rateLimitOnce bool
	repoLabels    map[string]bool
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	return &fakeGitHub{
		t:           t,
		state:       "open",
		labels:      []string{"todo", "openfleet"},
		nextComment: 100,
		repoLabels: map[string]bool{
			"todo": true, "inprogress": true, "inreview": true,
			"blocked": true, "done": true, "openfleet": true,
		},
	}
}

func (f *fakeGitHub) issueJSON() map[string]any {
	labels := make([]map[string]any, 0, len(f.labels))
	for _, l := range f.labels {
		labels = append(labels, map[string]any{"name": l})
	}
	issue := map[string]any{
		"number": 42, "title": "Fix flaky sync", "body": "details",
		"state": f.state, "labels": labels,
		"html_url":   "https://github.test/acme/fleet/issues/42",
		"created_at": "2026-06-30T08:00:00Z",
		"updated_at": "2026-07-01T08:00:00Z",
	}
	if f.stateReason != "" {
		issue["state_reason"] = f.stateReason
	}
	return issue
}

func (f *fakeGitHub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.rateLimitOnce {
			f.rateLimitOnce = false
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"API rate limit exceeded for installation."}`))
			return
		}

		path := r.URL.Path
		switch {
		case path == "/graphql":
			f.handleGraphQL(w, r)

		case path == "/api/v3/repos/acme/fleet" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"full_name": "acme/fleet"})

		case path == "/api/v3/repos/acme/fleet/issues" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]any{f.issueJSON()})

		case path == "/api/v3/repos/acme/fleet/issues" && r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if labels, ok := body["labels"].([]any); ok {
				f.labels = nil
				for _, l := range labels {
					f.labels = append(f.labels, l.(string))
				}
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(f.issueJSON())

		case path == "/api/v3/repos/acme/fleet/issues/42" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(f.issueJSON())

		case path == "/api/v3/repos/acme/fleet/issues/42" && r.Method == http.MethodPatch:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if state, ok := body["state"].(string); ok {
				f.state = state
			}
			if reason, ok := body["state_reason"].(string); ok {
				f.stateReason = reason
			}
			if labels, ok := body["labels"].([]any); ok {
				f.labels = nil
				for _, l := range labels {
					f.labels = append(f.labels, l.(string))
				}
			}
			json.NewEncoder(w).Encode(f.issueJSON())

		case path == "/api/v3/repos/acme/fleet/issues/42/labels" && r.Method == http.MethodPut:
			var labels []string
			json.NewDecoder(r.Body).Decode(&labels)
			for _, l := range labels {
				if !f.repoLabels[l] && !strings.HasPrefix(l, "codex.") && l != "openfleet" {
					w.WriteHeader(http.StatusUnprocessableEntity)
					fmt.Fprintf(w, `{"message":"Validation Failed: label %q does not exist"}`, l)
					return
				}
			}
			f.labelPuts = append(f.labelPuts, labels)
			f.labels = labels
			json.NewEncoder(w).Encode([]any{})

		case path == "/api/v3/repos/acme/fleet/issues/42/labels" && r.Method == http.MethodPost:
			var labels []string
			json.NewDecoder(r.Body).Decode(&labels)
			f.labels = append(f.labels, labels...)
			json.NewEncoder(w).Encode([]any{})

		case path == "/api/v3/repos/acme/fleet/labels" && r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			name := body["name"].(string)
			f.labelCreates = append(f.labelCreates, name)
			f.repoLabels[name] = true
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(body)

		case path == "/api/v3/repos/acme/fleet/issues/42/comments" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(f.comments)

		case path == "/api/v3/repos/acme/fleet/issues/42/comments" && r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.commentPosts++
			f.nextComment++
			comment := map[string]any{"id": f.nextComment, "body": body["body"]}
			f.comments = append([]map[string]any{comment}, f.comments...)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(comment)

		case strings.HasPrefix(path, "/api/v3/repos/acme/fleet/issues/comments/") && r.Method == http.MethodPatch:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.commentEdits++
			id := strings.TrimPrefix(path, "/api/v3/repos/acme/fleet/issues/comments/")
			for _, c := range f.comments {
				if fmt.Sprintf("%v", c["id"]) == id {
					c["body"] = body["body"]
				}
			}
			json.NewEncoder(w).Encode(body)

		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
		}
	}
}

func (f *fakeGitHub) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	query := body.Query

	switch {
	case strings.HasPrefix(strings.TrimSpace(query), "mutation"):
		f.mutations = append(f.mutations, query)
		w.Write([]byte(`{"data":{}}`))

	case strings.Contains(query, "projectV2(number"):
		w.Write([]byte(`{"data":{"organization":{"projectV2":{"id":"PVT_1"}},"user":null}}`))

	case strings.Contains(query, "projectItems"):
		w.Write([]byte(`{"data":{"repository":{"issue":{"id":"I_42","projectItems":{"nodes":[{"id":"PVTI_9","project":{"number":5}}]}}}}}`))

	case strings.Contains(query, "fields(first"):
		f.fieldQueries++
		w.Write([]byte(`{"data":{"node":{"fields":{"nodes":[
			{"id":"F_STATUS","name":"Status","dataType":"SINGLE_SELECT","options":[
				{"id":"OPT_TODO","name":"Todo"},{"id":"OPT_WIP","name":"In Progress"},{"id":"OPT_DONE","name":"Done"}]},
			{"id":"F_EST","name":"Estimate","dataType":"NUMBER"}
		]}}}}`))

	default:
		w.Write([]byte(`{"data":{}}`))
	}
}

func newTestAdapter(t *testing.T, fake *fakeGitHub, cfg config.GitHub) *Adapter {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	cfg.Repository = "acme/fleet"
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if cfg.RateLimitRetry == 0 {
		cfg.RateLimitRetry = 5 * time.Millisecond
	}

	adapter, err := New(context.Background(), Options{
		Config:          cfg,
		ScopeLabels:     []string{"openfleet"},
		Logger:          logr.Discard(),
		BaseURLOverride: server.URL + "/",
	})
	require.NoError(t, err)
	return adapter
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Options{Config: config.GitHub{Repository: "bad"}})
	assert.True(t, errors.IsKind(err, errors.KindFatal))

	_, err = New(context.Background(), Options{Config: config.GitHub{Repository: "a/b"}})
	assert.True(t, errors.IsKind(err, errors.KindFatal), "missing token is fatal")
}

func TestAdapter_StatusSyncWithProjectBoard(t *testing.T) {
	fake := newFakeGitHub(t)
	a := newTestAdapter(t, fake, config.GitHub{ProjectNumber: 5, ProjectAutoSync: true})

	task, err := a.UpdateTaskStatus(context.Background(), "42", model.StatusInProgress, kanban.UpdateStatusOptions{})
	require.NoError(t, err)

	// One grouped label edit: inprogress added, todo removed, scope label
	// untouched.
	require.Len(t, fake.labelPuts, 1)
	assert.Contains(t, fake.labelPuts[0], "inprogress")
	assert.NotContains(t, fake.labelPuts[0], "todo")
	assert.Contains(t, fake.labelPuts[0], "openfleet")

	// One batched GraphQL mutation sets Status to the In Progress option.
	require.Len(t, fake.mutations, 1)
	assert.Contains(t, fake.mutations[0], "updateProjectV2ItemFieldValue")
	assert.Contains(t, fake.mutations[0], "OPT_WIP")

	assert.Equal(t, model.StatusInProgress, task.Status)
}

func TestAdapter_StatusSync_CreatesMissingLabelOnce(t *testing.T) {
	fake := newFakeGitHub(t)
	delete(fake.repoLabels, "inprogress")
	a := newTestAdapter(t, fake, config.GitHub{})

	task, err := a.UpdateTaskStatus(context.Background(), "42", model.StatusInProgress, kanban.UpdateStatusOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"inprogress"}, fake.labelCreates)
	require.Len(t, fake.labelPuts, 1, "edit succeeded on the single retry")
	assert.Equal(t, model.StatusInProgress, task.Status)
}

func TestAdapter_TerminalStatusClosesIssue(t *testing.T) {
	fake := newFakeGitHub(t)
	a := newTestAdapter(t, fake, config.GitHub{})

	task, err := a.UpdateTaskStatus(context.Background(), "42", model.StatusDone, kanban.UpdateStatusOptions{})
	require.NoError(t, err)

	assert.Equal(t, "closed", fake.state)
	assert.Equal(t, "completed", fake.stateReason)
	assert.Equal(t, model.StatusDone, task.Status)
	assert.Empty(t, fake.labelPuts, "terminal statuses do not touch labels")
}

func TestAdapter_DoneOnClosedIssueIsNoOp(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.state = "closed"
	a := newTestAdapter(t, fake, config.GitHub{})

	task, err := a.UpdateTaskStatus(context.Background(), "42", model.StatusDone, kanban.UpdateStatusOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, task.Status)
}

func TestAdapter_DeleteTaskClosesAsNotPlanned(t *testing.T) {
	fake := newFakeGitHub(t)
	a := newTestAdapter(t, fake, config.GitHub{})

	ok, err := a.DeleteTask(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "closed", fake.state)
	assert.Equal(t, "not_planned", fake.stateReason)
}

func TestAdapter_RateLimitRetriesOnce(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.rateLimitOnce = true
	a := newTestAdapter(t, fake, config.GitHub{})

	task, err := a.GetTask(context.Background(), "42")
	require.NoError(t, err, "one retry after the configured delay succeeds")
	assert.Equal(t, "42", task.ID)
}

func TestAdapter_GetTask(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.labels = []string{"todo", "openfleet", "bug", "upstream:release-2", "priority:high"}
	a := newTestAdapter(t, fake, config.GitHub{})

	task, err := a.GetTask(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, model.StatusTodo, task.Status)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.Equal(t, []string{"bug", "openfleet"}, task.Tags)
	assert.Equal(t, "release-2", task.BaseBranch)
	assert.Equal(t, "release-2", task.Meta[model.MetaBaseBranchSnake])
}

func TestAdapter_GetTask_InvalidID(t *testing.T) {
	a := newTestAdapter(t, newFakeGitHub(t), config.GitHub{})

	_, err := a.GetTask(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestAdapter_SharedStateLifecycle(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.labels = []string{"inprogress", "openfleet", "codex.claimed"}
	a := newTestAdapter(t, fake, config.GitHub{})
	ctx := context.Background()

	state := &model.SharedState{
		OwnerID:        "ws-1/agent-4",
		AttemptToken:   "tok-77",
		AttemptStarted: "2026-07-01T10:00:00Z",
		Heartbeat:      "2026-07-01T10:01:00Z",
		Status:         model.ClaimStatusWorking,
	}

	ok, err := a.PersistSharedState(ctx, "42", state)
	require.NoError(t, err)
	assert.True(t, ok)

	// Exactly one codex label after the flip.
	codexCount := 0
	for _, l := range fake.labels {
		if strings.HasPrefix(l, "codex.") {
			codexCount++
			assert.Equal(t, "codex.working", l)
		}
	}
	assert.Equal(t, 1, codexCount)
	assert.Equal(t, 1, fake.commentPosts)

	got, err := a.ReadSharedState(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, state, got)

	// A second persist edits the sentinel comment rather than posting a
	// new one.
	state.Heartbeat = "2026-07-01T10:05:00Z"
	_, err = a.PersistSharedState(ctx, "42", state)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.commentPosts)
	assert.Equal(t, 1, fake.commentEdits)
}

func TestAdapter_ReadSharedState_MalformedSentinel(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.comments = []map[string]any{
		{"id": 7, "body": "<!-- openfleet-state\n{broken json\n-->"},
	}
	a := newTestAdapter(t, fake, config.GitHub{})

	state, err := a.ReadSharedState(context.Background(), "42")
	require.NoError(t, err, "malformed sentinel yields nil, never an error")
	assert.Nil(t, state)
}

func TestAdapter_CreateTask(t *testing.T) {
	fake := newFakeGitHub(t)
	a := newTestAdapter(t, fake, config.GitHub{DefaultAssignee: "fleet-bot"})

	_, err := a.CreateTask(context.Background(), "acme/fleet", model.CreateData{
		Title:      "New work",
		Draft:      true,
		Priority:   model.PriorityHigh,
		BaseBranch: "release-3",
	})
	require.NoError(t, err)

	assert.Contains(t, fake.labels, "openfleet")
	assert.Contains(t, fake.labels, "draft")
	assert.Contains(t, fake.labels, "priority:high")
	assert.Contains(t, fake.labels, "upstream:release-3")
}

func TestAdapter_ListTasks_ScopeFilter(t *testing.T) {
	fake := newFakeGitHub(t)
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	adapter, err := New(context.Background(), Options{
		Config: config.GitHub{
			Repository: "acme/fleet", Token: "t", RateLimitRetry: time.Millisecond,
		},
		ScopeLabels:     []string{"openfleet"},
		EnforceScope:    true,
		Logger:          logr.Discard(),
		BaseURLOverride: server.URL + "/",
	})
	require.NoError(t, err)

	tasks, err := adapter.ListTasks(context.Background(), "acme/fleet", model.ListFilters{Status: model.StatusTodo})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, model.HasScopeLabel([]string{"openfleet"}, []string{"openfleet"}))
	assert.Equal(t, model.StatusTodo, tasks[0].Status)
}

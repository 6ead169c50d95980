/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vibe is the Vibe-Kanban backend adapter: a thin client over the
// locally-running VK REST service. VK has no comment support and no
// shared-state storage; those operations report unsupported.
package vibe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// DefaultTimeout caps every VK HTTP call.
const DefaultTimeout = 15 * time.Second

// Options configures the VK adapter.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	ScopeLabels  []string
	EnforceScope bool
}

// Adapter talks to the VK REST endpoint. A circuit breaker keeps a dead
// sidecar from being hammered on every poll.
type Adapter struct {
	kanban.Unsupported

	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	vocab      *model.StatusVocabulary
	opts       Options
}

// envelope is VK's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// wireTask is VK's task representation.
type wireTask struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Assignee    string   `json:"assignee,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Draft       bool     `json:"draft,omitempty"`
	BaseBranch  string   `json:"base_branch,omitempty"`
	BranchName  string   `json:"branch_name,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// wireProject is VK's project representation.
type wireProject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// New creates the VK adapter.
func New(opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "vibe-kanban",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return &Adapter{
		baseURL:    opts.BaseURL,
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    breaker,
		vocab:      model.VibeStatusVocabulary(),
		opts:       opts,
	}
}

// Backend returns the VK backend tag.
func (a *Adapter) Backend() model.Backend {
	return model.BackendVibe
}

// Supports reports VK's capabilities; VK has none of the optional ones.
func (a *Adapter) Supports(capability kanban.Capability) bool {
	return false
}

// ListProjects returns VK's projects.
func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	var projects []wireProject
	if err := a.do(ctx, http.MethodGet, "/api/projects", nil, &projects); err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, model.Project{ID: p.ID, Name: p.Name, Backend: model.BackendVibe})
	}
	return out, nil
}

// ListTasks returns a project's tasks, optionally filtered by status.
func (a *Adapter) ListTasks(ctx context.Context, projectID string, filters model.ListFilters) ([]model.Task, error) {
	path := fmt.Sprintf("/api/projects/%s/tasks", url.PathEscape(projectID))
	params := url.Values{}
	if filters.Status != "" {
		native, ok := a.vocab.Denormalize(filters.Status)
		if !ok {
			return nil, errors.New(errors.KindInvalidInput, "status %q not configured for vk", filters.Status)
		}
		params.Set("status", native)
	}
	if filters.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", filters.Limit))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var tasks []wireTask
	if err := a.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(tasks))
	for _, wt := range tasks {
		task := a.toTask(wt)
		if a.opts.EnforceScope && !model.HasScopeLabel(wt.Labels, a.opts.ScopeLabels) {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// GetTask returns a single VK task.
func (a *Adapter) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var wt wireTask
	if err := a.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &wt); err != nil {
		return nil, err
	}
	task := a.toTask(wt)
	return &task, nil
}

// UpdateTaskStatus translates the canonical status to VK's vocabulary and
// writes it.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, status model.Status, opts kanban.UpdateStatusOptions) (*model.Task, error) {
	if !status.IsValid() {
		return nil, errors.New(errors.KindInvalidInput, "unknown status %q", status)
	}
	native, ok := a.vocab.Denormalize(status)
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "status %q not configured for vk", status)
	}
	body := map[string]any{"status": native}
	var wt wireTask
	if err := a.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), body, &wt); err != nil {
		return nil, err
	}
	task := a.toTask(wt)
	return &task, nil
}

// UpdateTask applies a partial update.
func (a *Adapter) UpdateTask(ctx context.Context, id string, patch model.Patch) (*model.Task, error) {
	body := map[string]any{}
	if patch.Title != nil {
		body["title"] = *patch.Title
	}
	if patch.Description != nil {
		body["description"] = *patch.Description
	}
	if patch.Status != nil {
		native, ok := a.vocab.Denormalize(*patch.Status)
		if !ok {
			return nil, errors.New(errors.KindInvalidInput, "status %q not configured for vk", *patch.Status)
		}
		body["status"] = native
	}
	if patch.Assignee != nil {
		body["assignee"] = *patch.Assignee
	}
	if patch.Priority != nil {
		body["priority"] = string(*patch.Priority)
	}
	if patch.Tags != nil {
		body["labels"] = model.NormalizeTags(patch.Tags, a.vocab)
	}
	if patch.Draft != nil {
		body["draft"] = *patch.Draft
	}
	if patch.BaseBranch != nil {
		body["base_branch"] = *patch.BaseBranch
	}
	if patch.BranchName != nil {
		body["branch_name"] = *patch.BranchName
	}

	var wt wireTask
	if err := a.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), body, &wt); err != nil {
		return nil, err
	}
	task := a.toTask(wt)
	return &task, nil
}

// CreateTask creates a VK task with the scope label applied.
func (a *Adapter) CreateTask(ctx context.Context, projectID string, data model.CreateData) (*model.Task, error) {
	if data.Title == "" {
		return nil, errors.New(errors.KindInvalidInput, "task title is required")
	}
	status := data.Status
	if status == "" {
		status = model.StatusTodo
	}
	if data.Draft {
		status = model.StatusDraft
	}
	native, ok := a.vocab.Denormalize(status)
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "status %q not configured for vk", status)
	}
	labels := data.Tags
	if len(a.opts.ScopeLabels) > 0 {
		labels = append(labels, a.opts.ScopeLabels[0])
	}
	if branch := model.DeriveBaseBranch(data.BaseBranch, data.Tags, data.Description); branch != "" {
		labels = append(labels, model.UpstreamBranchLabel(branch))
	}
	body := map[string]any{
		"project_id":  projectID,
		"title":       data.Title,
		"description": data.Description,
		"status":      native,
		"labels":      labels,
		"draft":       data.Draft,
	}
	if data.Assignee != "" {
		body["assignee"] = data.Assignee
	}
	if data.Priority != "" {
		body["priority"] = string(data.Priority)
	}

	var wt wireTask
	if err := a.do(ctx, http.MethodPost, "/api/tasks", body, &wt); err != nil {
		return nil, err
	}
	task := a.toTask(wt)
	return &task, nil
}

// DeleteTask removes a VK task (hard delete).
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	if err := a.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil); err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// do performs one VK request through the circuit breaker, decoding the
// response envelope into out.
func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	result, err := a.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, errors.Wrap(errors.KindInvalidInput, err)
			}
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return nil, errors.Wrap(errors.KindInvalidInput, err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, errors.Wrap(errors.KindTransient, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, errors.Wrap(errors.KindTransient, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, errors.FromHTTPStatus(resp.StatusCode, "vk %s %s: status %d: %s",
				method, path, resp.StatusCode, string(raw))
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// VK occasionally returns non-JSON bodies on 2xx; treat the
			// call as transient rather than guessing at the payload.
			return nil, errors.New(errors.KindTransient, "vk %s %s: unparseable response: %s",
				method, path, string(raw))
		}
		if !env.Success {
			return nil, errors.New(errors.KindTransient, "vk %s %s: %s", method, path, env.Message)
		}
		return env.Data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.Wrap(errors.KindTransient, err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	data, _ := result.(json.RawMessage)
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.KindTransient, "vk %s %s: failed to decode payload: %v", method, path, err)
	}
	return nil
}

func (a *Adapter) toTask(wt wireTask) model.Task {
	createdAt, _ := time.Parse(time.RFC3339, wt.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, wt.UpdatedAt)
	task := model.Task{
		ID:          wt.ID,
		Title:       wt.Title,
		Description: wt.Description,
		Status:      a.vocab.Normalize(wt.Status),
		Assignee:    wt.Assignee,
		Priority:    model.NormalizePriority(wt.Priority),
		Tags:        model.NormalizeTags(wt.Labels, a.vocab),
		Draft:       wt.Draft,
		ProjectID:   wt.ProjectID,
		BaseBranch:  model.DeriveBaseBranch(wt.BaseBranch, wt.Labels, wt.Description),
		BranchName:  wt.BranchName,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Backend:     model.BackendVibe,
	}
	if wt.Draft {
		task.Status = model.StatusDraft
	}
	task.SetBaseBranchMeta(task.BaseBranch)
	return task
}

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

package internalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// SyntheticProjectID is the id of the single project the internal backend
// exposes.
const SyntheticProjectID = "internal"

// Options configures the internal adapter.
type Options struct {
	ScopeLabels      []string
	EnforceScope     bool
	DefaultAssignee  string
	Clock            func() time.Time
}

// Adapter presents the SQLite store through the uniform kanban contract.
type Adapter struct {
	store *Store
	opts  Options
	vocab *model.StatusVocabulary
}

// New creates the internal adapter over an open store.
func New(store *Store, opts Options) *Adapter {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Adapter{
		store: store,
		opts:  opts,
		vocab: model.VibeStatusVocabulary(),
	}
}

// Backend returns the internal backend tag.
func (a *Adapter) Backend() model.Backend {
	return model.BackendInternal
}

// Supports reports the internal backend's capabilities.
func (a *Adapter) Supports(capability kanban.Capability) bool {
	switch capability {
	case kanban.CapabilityComments, kanban.CapabilitySharedState, kanban.CapabilityMarkIgnored:
		return true
	default:
		return false
	}
}

// ListProjects returns the single synthetic project.
func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	return []model.Project{{
		ID:      SyntheticProjectID,
		Name:    "Internal",
		Backend: model.BackendInternal,
	}}, nil
}

// ListTasks lists tasks, applying scope-label enforcement when enabled.
func (a *Adapter) ListTasks(ctx context.Context, projectID string, filters model.ListFilters) ([]model.Task, error) {
	if projectID == "" {
		projectID = SyntheticProjectID
	}
	tasks, err := a.store.List(ctx, projectID, filters.Status, filters.Limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err)
	}
	if !a.opts.EnforceScope {
		return tasks, nil
	}
	scoped := tasks[:0]
	for _, task := range tasks {
		if model.HasScopeLabel(task.Tags, a.opts.ScopeLabels) {
			scoped = append(scoped, task)
		}
	}
	return scoped, nil
}

// GetTask returns a task by id.
func (a *Adapter) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := a.store.Get(ctx, id)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err)
	}
	return task, nil
}

// UpdateTaskStatus writes a canonical status, persisting shared state in
// the same update when provided.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, status model.Status, opts kanban.UpdateStatusOptions) (*model.Task, error) {
	if !status.IsValid() {
		return nil, errors.New(errors.KindInvalidInput, "unknown status %q", status)
	}
	task, err := a.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Status = status
	task.UpdatedAt = a.opts.Clock().UTC()
	if opts.SharedState != nil {
		if !opts.SharedState.Valid() {
			return nil, errors.New(errors.KindInvalidInput, "invalid shared state for task %s", id)
		}
		task.SetSharedState(opts.SharedState)
	}
	if err := a.store.Update(ctx, task); err != nil {
		return nil, errors.Wrap(errors.KindTransient, err)
	}
	return task, nil
}

// UpdateTask applies a partial update. Meta is merged by overlaying the
// patch onto the existing meta.
func (a *Adapter) UpdateTask(ctx context.Context, id string, patch model.Patch) (*model.Task, error) {
	task, err := a.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return nil, errors.New(errors.KindInvalidInput, "unknown status %q", *patch.Status)
		}
		task.Status = *patch.Status
	}
	if patch.Assignee != nil {
		task.Assignee = *patch.Assignee
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.Draft != nil {
		task.Draft = *patch.Draft
	}
	if patch.BaseBranch != nil {
		task.BaseBranch = *patch.BaseBranch
		task.SetBaseBranchMeta(*patch.BaseBranch)
	}
	if patch.BranchName != nil {
		task.BranchName = *patch.BranchName
	}
	if patch.PRNumber != nil {
		task.PRNumber = *patch.PRNumber
	}
	if patch.PRURL != nil {
		task.PRURL = *patch.PRURL
	}
	if patch.Tags != nil {
		// Scope labels survive tag replacement.
		preserved := []string{}
		for _, tag := range task.Tags {
			if model.HasScopeLabel([]string{tag}, a.opts.ScopeLabels) {
				preserved = append(preserved, tag)
			}
		}
		task.Tags = model.NormalizeTags(append(preserved, patch.Tags...), a.vocab)
	}
	if patch.Meta != nil {
		if task.Meta == nil {
			task.Meta = make(map[string]any, len(patch.Meta))
		}
		for k, v := range patch.Meta {
			task.Meta[k] = v
		}
	}
	task.UpdatedAt = a.opts.Clock().UTC()
	if err := a.store.Update(ctx, task); err != nil {
		return nil, errors.Wrap(errors.KindTransient, err)
	}
	return task, nil
}

// CreateTask creates a task in the synthetic project.
func (a *Adapter) CreateTask(ctx context.Context, projectID string, data model.CreateData) (*model.Task, error) {
	if data.Title == "" {
		return nil, errors.New(errors.KindInvalidInput, "task title is required")
	}
	if projectID == "" {
		projectID = SyntheticProjectID
	}
	now := a.opts.Clock().UTC()
	status := data.Status
	if status == "" {
		status = model.StatusTodo
	}
	if data.Draft {
		status = model.StatusDraft
	}
	assignee := data.Assignee
	if assignee == "" {
		assignee = a.opts.DefaultAssignee
	}
	tags := data.Tags
	if len(a.opts.ScopeLabels) > 0 {
		tags = append(tags, a.opts.ScopeLabels[0])
	}
	task := &model.Task{
		ID:          uuid.New().String(),
		Title:       data.Title,
		Description: data.Description,
		Status:      status,
		Assignee:    assignee,
		Priority:    data.Priority,
		Tags:        model.NormalizeTags(tags, a.vocab),
		Draft:       data.Draft || status == model.StatusDraft,
		ProjectID:   projectID,
		BaseBranch:  model.DeriveBaseBranch(data.BaseBranch, data.Tags, data.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
		Backend:     model.BackendInternal,
	}
	task.SetBaseBranchMeta(task.BaseBranch)
	if err := a.store.Insert(ctx, task); err != nil {
		return nil, errors.Wrap(errors.KindTransient, err)
	}
	return task, nil
}

// DeleteTask removes the task and its comment journal (hard delete).
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	ok, err := a.store.Delete(ctx, id)
	if err != nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	return ok, nil
}

// AddComment appends to the comment journal. Best-effort.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	if err := a.store.AddComment(ctx, id, "openfleet", body, a.opts.Clock()); err != nil {
		return false, nil
	}
	return true, nil
}

// Comments returns the task's comment journal in order.
func (a *Adapter) Comments(ctx context.Context, id string) ([]model.Comment, error) {
	return a.store.Comments(ctx, id)
}

// PersistSharedState stores the claim record in task meta.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state *model.SharedState) (bool, error) {
	if !state.Valid() {
		return false, errors.New(errors.KindInvalidInput, "invalid shared state for task %s", id)
	}
	task, err := a.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	task.SetSharedState(state)
	task.UpdatedAt = a.opts.Clock().UTC()
	if err := a.store.Update(ctx, task); err != nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	return true, nil
}

// ReadSharedState reads the claim record back out of task meta. Returns
// nil when absent or invalid.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*model.SharedState, error) {
	task, err := a.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Meta == nil {
		return nil, nil
	}
	raw, ok := task.Meta[model.MetaSharedState]
	if !ok {
		return nil, nil
	}
	// The store round-trips meta through JSON, so the record may come
	// back as a generic map.
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, nil
	}
	var state model.SharedState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, nil
	}
	if !state.Valid() {
		return nil, nil
	}
	return &state, nil
}

// MarkTaskIgnored sets the ignore marker in the task meta (the tag set is
// left unchanged) and posts an explanatory comment.
func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	task, err := a.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Meta == nil {
		task.Meta = make(map[string]any)
	}
	// The ignore marker lives in meta so it never leaks into the user
	// tag set.
	task.Meta[model.IgnoreLabel] = true
	if reason != "" {
		task.Meta["ignoreReason"] = reason
	}
	task.UpdatedAt = a.opts.Clock().UTC()
	if err := a.store.Update(ctx, task); err != nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	a.AddComment(ctx, id, "OpenFleet: task ignored. Reason: "+reason)
	return true, nil
}

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

// Package kanban defines the uniform task-backend contract and the
// registry that resolves and caches the active adapter. Individual
// backends live in the subpackages internalstore, vibe, github, and jira.
package kanban

import (
	"context"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/model"
)

// Capability names an optional adapter feature. Consumers probe with
// Supports instead of type-asserting.
type Capability string

const (
	CapabilityComments     Capability = "comment"
	CapabilitySharedState  Capability = "sharedState"
	CapabilityMarkIgnored  Capability = "markIgnored"
	CapabilityProjectBoard Capability = "projectBoard"
)

// UpdateStatusOptions carries the optional side effects of a status
// update: shared-state persistence and project-board field sync.
type UpdateStatusOptions struct {
	SharedState   *model.SharedState
	ProjectFields map[string]string
}

// Adapter is the uniform contract every kanban backend implements. All
// operations may fail; optional operations return errors.ErrUnsupported
// on backends that do not implement them.
type Adapter interface {
	// Backend returns the adapter's backend tag.
	Backend() model.Backend

	// Supports reports whether an optional capability is implemented.
	Supports(capability Capability) bool

	// ListProjects returns the backend's projects. The internal store
	// returns a single synthetic project.
	ListProjects(ctx context.Context) ([]model.Project, error)

	// ListTasks returns tasks for a project, newest first. Returned tasks
	// carry attached shared state in meta where the backend supports it.
	// When scope enforcement is on, every returned task carries at least
	// one configured scope label.
	ListTasks(ctx context.Context, projectID string, filters model.ListFilters) ([]model.Task, error)

	// GetTask returns a single task. A missing task is a KindNotFound
	// error; an id the backend cannot parse is KindInvalidInput.
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// UpdateTaskStatus writes a canonical status, optionally persisting
	// shared state and syncing project-board fields in the same update.
	// Terminal statuses close or transition the underlying issue.
	UpdateTaskStatus(ctx context.Context, id string, status model.Status, opts UpdateStatusOptions) (*model.Task, error)

	// UpdateTask applies a partial update. System and scope labels are
	// preserved; tag changes are applied as set differences.
	UpdateTask(ctx context.Context, id string, patch model.Patch) (*model.Task, error)

	// CreateTask creates a task, applying the scope label, status- and
	// draft-derived labels, the upstream-branch label, and assignee
	// defaulting.
	CreateTask(ctx context.Context, projectID string, data model.CreateData) (*model.Task, error)

	// DeleteTask removes a task: hard for internal/VK, soft (close or
	// terminal transition) for GitHub/Jira.
	DeleteTask(ctx context.Context, id string) (bool, error)

	// AddComment posts a comment. Best-effort: failures are non-fatal and
	// reported as false.
	AddComment(ctx context.Context, id, body string) (bool, error)

	// PersistSharedState writes the claim record to the task: exactly one
	// codex status label, one structured state comment, and (Jira) any
	// configured custom fields. Retries once on transient failure.
	PersistSharedState(ctx context.Context, id string, state *model.SharedState) (bool, error)

	// ReadSharedState reads the claim record back, preferring structured
	// custom fields over the comment sentinel. Returns nil, nil when the
	// record is absent or fails validation.
	ReadSharedState(ctx context.Context, id string) (*model.SharedState, error)

	// MarkTaskIgnored flags a task as out of fleet scope with a label and
	// an explanatory comment.
	MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error)
}

// Unsupported is the stock implementation adapters embed for optional
// operations they do not provide.
type Unsupported struct{}

// AddComment reports the operation as unsupported.
func (Unsupported) AddComment(ctx context.Context, id, body string) (bool, error) {
	return false, errors.ErrUnsupported
}

// PersistSharedState reports the operation as unsupported.
func (Unsupported) PersistSharedState(ctx context.Context, id string, state *model.SharedState) (bool, error) {
	return false, errors.ErrUnsupported
}

// ReadSharedState reports the operation as unsupported.
func (Unsupported) ReadSharedState(ctx context.Context, id string) (*model.SharedState, error) {
	return nil, errors.ErrUnsupported
}

// MarkTaskIgnored reports the operation as unsupported.
func (Unsupported) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	return false, errors.ErrUnsupported
}

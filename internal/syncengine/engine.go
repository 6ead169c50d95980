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

// Package syncengine reconciles canonical task state against the active
// backend: it re-reads tasks the project board reports as changed,
// refreshes their claim records, and expires claims whose heartbeat has
// gone quiet.
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// defaultHeartbeatExpiry is how long a claim heartbeat may go quiet
// before the claim is marked stale.
const defaultHeartbeatExpiry = 15 * time.Minute

// Metrics is the engine's counter snapshot.
type Metrics struct {
	RateLimitEvents int64     `json:"rateLimitEvents"`
	TasksSynced     int64     `json:"tasksSynced"`
	FullSyncs       int64     `json:"fullSyncs"`
	StaleClaims     int64     `json:"staleClaims"`
	LastSyncAt      time.Time `json:"lastSyncAt"`
}

// Status is the engine's externally visible state.
type Status struct {
	Metrics Metrics `json:"metrics"`
}

// AdapterSource yields the active kanban adapter.
type AdapterSource interface {
	Active() (kanban.Adapter, error)
}

// Engine reconciles tasks through the active adapter.
type Engine struct {
	adapters        AdapterSource
	projectID       string
	heartbeatExpiry time.Duration
	log             logr.Logger

	rateLimitEvents atomic.Int64
	tasksSynced     atomic.Int64
	fullSyncs       atomic.Int64
	staleClaims     atomic.Int64

	mu         sync.Mutex
	lastSyncAt time.Time
	now        func() time.Time
}

// Options configures the engine.
type Options struct {
	Adapters        AdapterSource
	ProjectID       string
	HeartbeatExpiry time.Duration
	Logger          logr.Logger
}

// New creates a sync engine.
func New(opts Options) *Engine {
	expiry := opts.HeartbeatExpiry
	if expiry <= 0 {
		expiry = defaultHeartbeatExpiry
	}
	return &Engine{
		adapters:        opts.Adapters,
		projectID:       opts.ProjectID,
		heartbeatExpiry: expiry,
		log:             opts.Logger.WithName("syncengine"),
		now:             time.Now,
	}
}

// Status returns the current counter snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	last := e.lastSyncAt
	e.mu.Unlock()
	return Status{Metrics: Metrics{
		RateLimitEvents: e.rateLimitEvents.Load(),
		TasksSynced:     e.tasksSynced.Load(),
		FullSyncs:       e.fullSyncs.Load(),
		StaleClaims:     e.staleClaims.Load(),
		LastSyncAt:      last,
	}}
}

// SyncTask reconciles a single task. Safe to invoke repeatedly on the
// same id.
func (e *Engine) SyncTask(ctx context.Context, id string) error {
	adapter, err := e.adapters.Active()
	if err != nil {
		return err
	}
	task, err := adapter.GetTask(ctx, id)
	if err != nil {
		e.observe(err)
		return err
	}
	if err := e.reconcile(ctx, adapter, task); err != nil {
		e.observe(err)
		return err
	}
	e.tasksSynced.Add(1)
	e.touch()
	return nil
}

// FullSync reconciles every non-terminal task in the project.
func (e *Engine) FullSync(ctx context.Context) error {
	adapter, err := e.adapters.Active()
	if err != nil {
		return err
	}
	tasks, err := adapter.ListTasks(ctx, e.projectID, model.ListFilters{})
	if err != nil {
		e.observe(err)
		return err
	}
	var firstErr error
	for i := range tasks {
		if tasks[i].Status.IsTerminal() {
			continue
		}
		if err := e.reconcile(ctx, adapter, &tasks[i]); err != nil {
			e.observe(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.tasksSynced.Add(1)
	}
	e.fullSyncs.Add(1)
	e.touch()
	return firstErr
}

// reconcile expires quiet claims. A claim whose heartbeat is older than
// the expiry window is flipped to stale so recovery on any workstation
// can reclaim the task.
func (e *Engine) reconcile(ctx context.Context, adapter kanban.Adapter, task *model.Task) error {
	if !adapter.Supports(kanban.CapabilitySharedState) {
		return nil
	}
	state, err := adapter.ReadSharedState(ctx, task.ID)
	if err != nil {
		if errors.IsKind(err, errors.KindUnsupported) {
			return nil
		}
		return err
	}
	if state == nil || state.Status == model.ClaimStatusStale {
		return nil
	}
	heartbeat, err := time.Parse(time.RFC3339, state.Heartbeat)
	if err != nil {
		return nil
	}
	if e.now().Sub(heartbeat) <= e.heartbeatExpiry {
		return nil
	}

	e.log.Info("expiring quiet claim", "task", task.ID, "owner", state.OwnerID,
		"heartbeat", state.Heartbeat)
	state.Status = model.ClaimStatusStale
	if _, err := adapter.PersistSharedState(ctx, task.ID, state); err != nil {
		return err
	}
	e.staleClaims.Add(1)
	return nil
}

// observe tracks rate-limit errors for the webhook intake's delta
// bookkeeping.
func (e *Engine) observe(err error) {
	if errors.IsRateLimit(err) {
		e.rateLimitEvents.Add(1)
	}
}

func (e *Engine) touch() {
	e.mu.Lock()
	e.lastSyncAt = e.now()
	e.mu.Unlock()
}

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

// Package executor is the bounded-concurrency task scheduler: it claims
// todo tasks, assigns them to agent slots in isolated worktrees,
// recovers interrupted in-progress tasks on startup, and quarantines
// tasks that repeatedly produce no commits.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/virtengine/openfleet/internal/agent"
	"github.com/virtengine/openfleet/internal/claims"
	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
	"github.com/virtengine/openfleet/internal/worktree"
)

// recoveryFreshness is how recently an in-progress task must have been
// updated to be resumed instead of demoted.
const recoveryFreshness = 24 * time.Hour

// drainPollInterval is how often Stop re-checks the active slot count.
const drainPollInterval = time.Second

// SlotState is the record held by one occupied slot.
type SlotState struct {
	TaskID    string    `json:"taskId"`
	Branch    string    `json:"branch"`
	SDK       string    `json:"sdk"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"startedAt"`
	Status    string    `json:"status"`

	claimToken  string
	worktreeKey string
}

// AdapterSource yields the active kanban adapter; the registry satisfies
// it.
type AdapterSource interface {
	Active() (kanban.Adapter, error)
}

// WorktreeManager is the worktree collaborator contract the executor
// consumes; *worktree.Manager satisfies it.
type WorktreeManager interface {
	AcquireWorktree(ctx context.Context, task *model.Task) (*worktree.Acquisition, error)
	ReleaseWorktree(taskKey string)
	ReleaseWorktreeByBranch(branch string)
	PruneStaleWorktrees() (int, error)
	GetStats() worktree.Stats
}

// Options wires the executor's collaborators.
type Options struct {
	Config    config.Executor
	OwnerID   string
	ProjectID string
	Adapters  AdapterSource
	Claims    claims.Registry
	Worktrees WorktreeManager
	Pool      agent.Pool
	Logger    logr.Logger
}

// Executor owns a bounded pool of agent slots.
type Executor struct {
	cfg       config.Executor
	ownerID   string
	projectID string
	adapters  AdapterSource
	claims    claims.Registry
	worktrees WorktreeManager
	pool      agent.Pool
	log       logr.Logger

	mu             sync.Mutex
	running        bool
	paused         bool
	maxParallel    int
	activeSlots    map[string]*SlotState
	noCommitCounts map[string]int
	pollCancel     context.CancelFunc

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates an executor.
func New(opts Options) *Executor {
	return &Executor{
		cfg:            opts.Config,
		ownerID:        opts.OwnerID,
		projectID:      opts.ProjectID,
		adapters:       opts.Adapters,
		claims:         opts.Claims,
		worktrees:      opts.Worktrees,
		pool:           opts.Pool,
		log:            opts.Logger.WithName("executor"),
		maxParallel:    opts.Config.MaxParallel,
		activeSlots:    make(map[string]*SlotState),
		noCommitCounts: make(map[string]int),
		now:            time.Now,
	}
}

// Start brings the executor up: the agent pool's thread registry is
// awaited first, then recovery runs, and finally the poll timer is
// installed unless the workflow owns the task lifecycle.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.pool.EnsureThreadRegistryLoaded(ctx); err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}
	e.Recover(ctx)

	if !e.cfg.WorkflowOwnsTaskLifecycle {
		pollCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.pollCancel = cancel
		e.mu.Unlock()
		e.wg.Add(1)
		go e.pollLoop(pollCtx)
	}
	return nil
}

func (e *Executor) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Poll(ctx); err != nil {
				e.log.Error(err, "poll cycle failed")
			}
		}
	}
}

// Poll fetches todo tasks, filters out anti-thrash-blocked ones, and
// dispatches up to the free slot capacity.
func (e *Executor) Poll(ctx context.Context) error {
	e.mu.Lock()
	if !e.running || e.paused || e.maxParallel == 0 {
		e.mu.Unlock()
		return nil
	}
	free := e.maxParallel - len(e.activeSlots)
	e.mu.Unlock()
	if free <= 0 {
		return nil
	}

	adapter, err := e.adapters.Active()
	if err != nil {
		return err
	}
	tasks, err := adapter.ListTasks(ctx, e.projectID, model.ListFilters{Status: model.StatusTodo})
	if err != nil {
		return err
	}

	if r := e.cfg.BacklogReplenishment; r.Enabled && len(tasks) < r.MinNewTasks {
		// The planner is an external collaborator; the executor only
		// surfaces the trigger.
		e.log.Info("backlog below replenishment threshold",
			"backlog", len(tasks), "min", r.MinNewTasks, "max", r.MaxNewTasks)
	}

	dispatched := 0
	for i := range tasks {
		if dispatched >= free {
			break
		}
		task := tasks[i]
		if e.isBlocked(task.ID) {
			e.log.V(1).Info("skipping quarantined task", "task", task.ID)
			continue
		}
		if e.slotHeld(task.ID) {
			continue
		}
		if e.dispatch(ctx, &task, false) {
			dispatched++
		}
	}
	return nil
}

// Recover scans in-progress tasks. Quarantined tasks are demoted without
// resuming regardless of thread presence; fresh tasks with a resumable
// thread are resumed; stale ones are demoted to todo and their agent
// thread invalidated. No claim is released for stale tasks here.
// Failures demoting a task never abort the scan.
func (e *Executor) Recover(ctx context.Context) {
	adapter, err := e.adapters.Active()
	if err != nil {
		e.log.Error(err, "recovery skipped: no active adapter")
		return
	}
	tasks, err := adapter.ListTasks(ctx, e.projectID, model.ListFilters{Status: model.StatusInProgress})
	if err != nil {
		e.log.Error(err, "recovery skipped: failed to list in-progress tasks")
		return
	}

	resumable := make(map[string]bool)
	for _, thread := range e.pool.ActiveThreads() {
		resumable[thread.TaskKey] = thread.Resumable
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range tasks {
		task := tasks[i]

		if e.isBlocked(task.ID) {
			// Quarantined: never resumed, even with a live thread.
			e.demoteToTodo(ctx, adapter, &task, "no-commit threshold reached")
			continue
		}

		fresh := e.now().Sub(task.UpdatedAt) <= recoveryFreshness
		if resumable[task.ID] && fresh {
			task := task
			group.Go(func() error {
				e.dispatchBlocking(groupCtx, &task, true)
				return nil
			})
			continue
		}

		e.demoteToTodo(ctx, adapter, &task, "stale in-progress task")
		e.pool.InvalidateThread(task.ID)
	}
	group.Wait()
}

// demoteToTodo pushes a task back onto the queue. Errors are logged,
// never propagated: a failed demotion must not crash recovery.
func (e *Executor) demoteToTodo(ctx context.Context, adapter kanban.Adapter, task *model.Task, reason string) {
	e.log.Info("demoting task to todo", "task", task.ID, "reason", reason)
	if _, err := adapter.UpdateTaskStatus(ctx, task.ID, model.StatusTodo, kanban.UpdateStatusOptions{}); err != nil {
		e.log.Error(err, "failed to demote task", "task", task.ID)
	}
	e.clearSlot(task.ID)
}

// dispatch starts slot work in the background; returns whether a slot
// was taken.
func (e *Executor) dispatch(ctx context.Context, task *model.Task, recovered bool) bool {
	if !e.reserveSlot(task) {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSlot(ctx, task, recovered)
	}()
	return true
}

// dispatchBlocking runs slot work inline (recovery resumes).
func (e *Executor) dispatchBlocking(ctx context.Context, task *model.Task, recovered bool) {
	if !e.reserveSlot(task) {
		return
	}
	e.runSlot(ctx, task, recovered)
}

func (e *Executor) reserveSlot(task *model.Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused || e.maxParallel == 0 {
		return false
	}
	if len(e.activeSlots) >= e.maxParallel {
		return false
	}
	if _, held := e.activeSlots[task.ID]; held {
		return false
	}
	sdk := e.cfg.SDK
	if sdk == "" || sdk == "auto" {
		sdk = e.pool.PoolSDKName()
	}
	e.activeSlots[task.ID] = &SlotState{
		TaskID:    task.ID,
		SDK:       sdk,
		Attempt:   1,
		StartedAt: e.now(),
		Status:    "claiming",
	}
	return true
}

// runSlot executes the slot protocol: claim, worktree, agent, status
// write-back, and LIFO release of worktree then claim on every path.
func (e *Executor) runSlot(ctx context.Context, task *model.Task, recovered bool) {
	log := e.log.WithValues("task", task.ID)
	defer e.clearSlot(task.ID)

	adapter, err := e.adapters.Active()
	if err != nil {
		log.Error(err, "slot aborted: no active adapter")
		return
	}

	claim, err := e.claims.ClaimTask(ctx, task.ID)
	if err != nil || !claim.Success {
		if err != nil {
			log.Error(err, "claim failed")
		} else {
			log.V(1).Info("task already claimed elsewhere")
		}
		return
	}
	e.updateSlot(task.ID, func(s *SlotState) { s.claimToken = claim.Token; s.Status = "acquiring-worktree" })

	// Release in LIFO reverse-acquire order on every exit path; release
	// errors are logged, never fatal.
	defer func() {
		if _, err := e.claims.ReleaseTask(ctx, claim.Token); err != nil {
			log.Error(err, "claim release failed")
		}
	}()

	acq, err := e.worktrees.AcquireWorktree(ctx, task)
	if err != nil {
		log.Error(err, "worktree acquisition failed")
		return
	}
	worktreeKey := string(task.Backend) + "-" + task.ID
	e.updateSlot(task.ID, func(s *SlotState) {
		s.worktreeKey = worktreeKey
		s.Branch = acq.Branch
		s.Status = "running"
	})
	defer e.worktrees.ReleaseWorktree(worktreeKey)

	// Mark the task in progress with its claim record before the agent
	// starts.
	state := model.NewSharedState(e.ownerID, claim.Token, e.now())
	state.Status = model.ClaimStatusWorking
	if !recovered {
		if _, err := adapter.UpdateTaskStatus(ctx, task.ID, model.StatusInProgress, kanban.UpdateStatusOptions{
			SharedState: state,
		}); err != nil {
			log.Error(err, "failed to mark task in progress")
			return
		}
	}

	result := e.runAgent(ctx, task, acq, recovered, log)
	e.finishSlot(ctx, adapter, task, result, log)
}

// runAgent launches the agent thread, retrying per the configured
// budget. The claim is renewed before each attempt.
func (e *Executor) runAgent(ctx context.Context, task *model.Task, acq *worktree.Acquisition, recovered bool, log logr.Logger) *agent.RunResult {
	slot := e.slotSnapshot(task.ID)
	opts := agent.LaunchOptions{
		WorktreePath:            acq.Path,
		BaseBranch:              task.BaseBranch,
		Branch:                  acq.Branch,
		SDK:                     slot.SDK,
		Timeout:                 int64(e.cfg.TaskTimeout / time.Millisecond),
		RecoveredFromInProgress: recovered,
		RequirementsProfile:     e.cfg.ProjectRequirements.Profile,
		RequirementsNotes:       e.cfg.ProjectRequirements.Notes,
	}

	var last *agent.RunResult
	attempts := e.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return last
		}
		e.updateSlot(task.ID, func(s *SlotState) { s.Attempt = attempt })
		if ok, err := e.claims.RenewClaim(ctx, slot.claimToken); err != nil || !ok {
			log.Info("claim lost; abandoning slot", "attempt", attempt)
			return last
		}

		opts.Attempt = attempt
		attemptCtx := ctx
		if e.cfg.TaskTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
			defer cancel()
		}
		result, err := e.pool.LaunchOrResumeThread(attemptCtx, task, opts)
		if err != nil {
			log.Error(err, "agent run failed", "attempt", attempt)
			last = &agent.RunResult{Success: false, Output: err.Error(), Attempts: attempt}
			continue
		}
		last = result
		if result.Success {
			return result
		}
	}
	return last
}

// finishSlot writes the terminal status back and maintains the
// anti-thrash counter.
func (e *Executor) finishSlot(ctx context.Context, adapter kanban.Adapter, task *model.Task, result *agent.RunResult, log logr.Logger) {
	if ok, err := e.claims.RenewClaim(ctx, e.slotSnapshot(task.ID).claimToken); err != nil || !ok {
		log.Info("claim lost before status write-back; leaving task as-is")
		return
	}

	switch {
	case result == nil || !result.Success:
		log.Info("task failed after retries; demoting to todo")
		e.demoteToTodo(ctx, adapter, task, "retries exhausted")

	case result.CommitsCreated == 0:
		count := e.bumpNoCommit(task.ID)
		log.Info("agent produced no commits", "count", count, "threshold", e.cfg.NoCommitBlockThreshold)
		e.demoteToTodo(ctx, adapter, task, "no commits produced")
		if count >= e.cfg.NoCommitBlockThreshold {
			log.Info("task quarantined by anti-thrash policy", "task", task.ID)
		}

	default:
		e.resetNoCommit(task.ID)
		final := model.StatusDone
		if result.PRNumber != "" || e.cfg.ReviewAgentEnabled {
			final = model.StatusInReview
		}
		patch := model.Patch{Status: &final}
		if result.PRNumber != "" {
			patch.PRNumber = &result.PRNumber
			patch.PRURL = &result.PRURL
		}
		if _, err := adapter.UpdateTask(ctx, task.ID, patch); err != nil {
			log.Error(err, "failed to write terminal status")
		}
	}
}

// Stop halts new dispatch immediately and waits for the active slots to
// drain, polling every second. Running agents are not interrupted.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.running = false
	cancel := e.pollCancel
	e.pollCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for {
		e.mu.Lock()
		active := len(e.activeSlots)
		e.mu.Unlock()
		if active == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
	e.wg.Wait()
	return nil
}

// Pause prevents new dispatch without interrupting running slots.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume lifts a pause.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// SetMaxParallel resizes the slot pool. Zero implies pause; a positive
// value after a pause implies resume.
func (e *Executor) SetMaxParallel(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxParallel = n
	if n == 0 {
		e.paused = true
	} else if e.paused {
		e.paused = false
	}
}

// ResetNoCommitCounter clears a task's quarantine counter (operator
// action).
func (e *Executor) ResetNoCommitCounter(taskID string) {
	e.resetNoCommit(taskID)
}

// ActiveSlots returns a snapshot of the occupied slots.
func (e *Executor) ActiveSlots() []SlotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SlotState, 0, len(e.activeSlots))
	for _, slot := range e.activeSlots {
		out = append(out, *slot)
	}
	return out
}

// NoCommitCount returns the current quarantine counter for a task.
func (e *Executor) NoCommitCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noCommitCounts[taskID]
}

// SetNoCommitCount seeds a quarantine counter (recovery tooling).
func (e *Executor) SetNoCommitCount(taskID string, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noCommitCounts[taskID] = count
}

func (e *Executor) isBlocked(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noCommitCounts[taskID] >= e.cfg.NoCommitBlockThreshold
}

func (e *Executor) slotHeld(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, held := e.activeSlots[taskID]
	return held
}

func (e *Executor) clearSlot(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activeSlots, taskID)
}

func (e *Executor) updateSlot(taskID string, fn func(*SlotState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, ok := e.activeSlots[taskID]; ok {
		fn(slot)
	}
}

func (e *Executor) slotSnapshot(taskID string) SlotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, ok := e.activeSlots[taskID]; ok {
		return *slot
	}
	return SlotState{}
}

func (e *Executor) bumpNoCommit(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noCommitCounts[taskID]++
	return e.noCommitCounts[taskID]
}

func (e *Executor) resetNoCommit(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.noCommitCounts, taskID)
}

package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// fakeAdapter is a minimal in-memory adapter with shared-state support.
type fakeAdapter struct {
	kanban.Unsupported

	mu      sync.Mutex
	tasks   map[string]*model.Task
	states  map[string]*model.SharedState
	getErr  error
	persist []string
}

func (f *fakeAdapter) Backend() model.Backend { return model.BackendInternal }
func (f *fakeAdapter) Supports(c kanban.Capability) bool {
	return c == kanban.CapabilitySharedState
}
func (f *fakeAdapter) ListProjects(context.Context) ([]model.Project, error) { return nil, nil }

func (f *fakeAdapter) ListTasks(ctx context.Context, projectID string, filters model.ListFilters) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Task
	for _, task := range f.tasks {
		out = append(out, *task)
	}
	return out, nil
}

func (f *fakeAdapter) GetTask(ctx context.Context, id string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	task, ok := f.tasks[id]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "task %s not found", id)
	}
	copied := *task
	return &copied, nil
}

func (f *fakeAdapter) UpdateTaskStatus(context.Context, string, model.Status, kanban.UpdateStatusOptions) (*model.Task, error) {
	return nil, nil
}
func (f *fakeAdapter) UpdateTask(context.Context, string, model.Patch) (*model.Task, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateTask(context.Context, string, model.CreateData) (*model.Task, error) {
	return nil, nil
}
func (f *fakeAdapter) DeleteTask(context.Context, string) (bool, error) { return false, nil }

func (f *fakeAdapter) PersistSharedState(ctx context.Context, id string, state *model.SharedState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
	f.persist = append(f.persist, id)
	return true, nil
}

func (f *fakeAdapter) ReadSharedState(ctx context.Context, id string) (*model.SharedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id], nil
}

func (f *fakeAdapter) Active() (kanban.Adapter, error) { return f, nil }

func stateWithHeartbeat(hb time.Time) *model.SharedState {
	return &model.SharedState{
		OwnerID:        "ws/agent",
		AttemptToken:   "tok",
		AttemptStarted: hb.Add(-time.Hour).Format(time.RFC3339),
		Heartbeat:      hb.Format(time.RFC3339),
		Status:         model.ClaimStatusWorking,
	}
}

func newEngine(adapter *fakeAdapter) *Engine {
	return New(Options{
		Adapters:        adapter,
		HeartbeatExpiry: 15 * time.Minute,
		Logger:          logr.Discard(),
	})
}

func TestEngine_SyncTask_FreshClaimUntouched(t *testing.T) {
	adapter := &fakeAdapter{
		tasks:  map[string]*model.Task{"1": {ID: "1", Status: model.StatusInProgress}},
		states: map[string]*model.SharedState{"1": stateWithHeartbeat(time.Now())},
	}
	engine := newEngine(adapter)

	require.NoError(t, engine.SyncTask(context.Background(), "1"))
	assert.Empty(t, adapter.persist, "fresh heartbeat means no write")
	assert.EqualValues(t, 1, engine.Status().Metrics.TasksSynced)
}

func TestEngine_SyncTask_ExpiresQuietClaim(t *testing.T) {
	adapter := &fakeAdapter{
		tasks:  map[string]*model.Task{"1": {ID: "1", Status: model.StatusInProgress}},
		states: map[string]*model.SharedState{"1": stateWithHeartbeat(time.Now().Add(-time.Hour))},
	}
	engine := newEngine(adapter)

	require.NoError(t, engine.SyncTask(context.Background(), "1"))

	require.Equal(t, []string{"1"}, adapter.persist)
	assert.Equal(t, model.ClaimStatusStale, adapter.states["1"].Status)
	assert.EqualValues(t, 1, engine.Status().Metrics.StaleClaims)
}

func TestEngine_SyncTask_RepeatInvocationIsSafe(t *testing.T) {
	adapter := &fakeAdapter{
		tasks:  map[string]*model.Task{"1": {ID: "1", Status: model.StatusInProgress}},
		states: map[string]*model.SharedState{"1": stateWithHeartbeat(time.Now().Add(-time.Hour))},
	}
	engine := newEngine(adapter)
	ctx := context.Background()

	require.NoError(t, engine.SyncTask(ctx, "1"))
	require.NoError(t, engine.SyncTask(ctx, "1"))

	assert.Len(t, adapter.persist, 1, "already-stale claims are not re-written")
}

func TestEngine_SyncTask_CountsRateLimits(t *testing.T) {
	adapter := &fakeAdapter{
		tasks:  map[string]*model.Task{},
		states: map[string]*model.SharedState{},
		getErr: errors.New(errors.KindRateLimit, "api rate limit exceeded"),
	}
	engine := newEngine(adapter)

	err := engine.SyncTask(context.Background(), "1")
	require.Error(t, err)
	assert.EqualValues(t, 1, engine.Status().Metrics.RateLimitEvents)
}

func TestEngine_FullSync(t *testing.T) {
	adapter := &fakeAdapter{
		tasks: map[string]*model.Task{
			"1": {ID: "1", Status: model.StatusInProgress},
			"2": {ID: "2", Status: model.StatusTodo},
			"3": {ID: "3", Status: model.StatusDone},
		},
		states: map[string]*model.SharedState{
			"1": stateWithHeartbeat(time.Now().Add(-time.Hour)),
		},
	}
	engine := newEngine(adapter)

	require.NoError(t, engine.FullSync(context.Background()))

	status := engine.Status()
	assert.EqualValues(t, 1, status.Metrics.FullSyncs)
	assert.EqualValues(t, 2, status.Metrics.TasksSynced, "terminal tasks are skipped")
	assert.Equal(t, model.ClaimStatusStale, adapter.states["1"].Status)
	assert.False(t, status.Metrics.LastSyncAt.IsZero())
}

package kanban

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/model"
)

// stubAdapter is the minimal Adapter used for registry tests.
type stubAdapter struct {
	Unsupported
	backend model.Backend
}

func (s *stubAdapter) Backend() model.Backend           { return s.backend }
func (s *stubAdapter) Supports(Capability) bool         { return false }
func (s *stubAdapter) ListProjects(context.Context) ([]model.Project, error) {
	return nil, nil
}
func (s *stubAdapter) ListTasks(context.Context, string, model.ListFilters) ([]model.Task, error) {
	return nil, nil
}
func (s *stubAdapter) GetTask(context.Context, string) (*model.Task, error) { return nil, nil }
func (s *stubAdapter) UpdateTaskStatus(context.Context, string, model.Status, UpdateStatusOptions) (*model.Task, error) {
	return nil, nil
}
func (s *stubAdapter) UpdateTask(context.Context, string, model.Patch) (*model.Task, error) {
	return nil, nil
}
func (s *stubAdapter) CreateTask(context.Context, string, model.CreateData) (*model.Task, error) {
	return nil, nil
}
func (s *stubAdapter) DeleteTask(context.Context, string) (bool, error) { return false, nil }

func testFactories(counts map[string]int) map[string]Factory {
	factories := make(map[string]Factory)
	for _, name := range []string{"internal", "github", "jira"} {
		name := name
		factories[name] = func() (Adapter, error) {
			counts[name]++
			return &stubAdapter{backend: model.Backend(name)}, nil
		}
	}
	return factories
}

func TestRegistry_DefaultsToInternal(t *testing.T) {
	counts := map[string]int{}
	r := NewRegistry("", testFactories(counts))

	adapter, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, model.Backend("internal"), adapter.Backend())
}

func TestRegistry_ResolutionOrder(t *testing.T) {
	counts := map[string]int{}
	r := NewRegistry("jira", testFactories(counts))

	// Config wins over default.
	assert.Equal(t, "jira", r.ResolvedName())

	// Env wins over config.
	t.Setenv("KANBAN_BACKEND", "github")
	assert.Equal(t, "github", r.ResolvedName())

	// Runtime override wins over everything.
	r.SetOverride("internal")
	assert.Equal(t, "internal", r.ResolvedName())

	r.SetOverride("")
	assert.Equal(t, "github", r.ResolvedName())
}

func TestRegistry_CachesUntilBackendChanges(t *testing.T) {
	counts := map[string]int{}
	r := NewRegistry("internal", testFactories(counts))

	first, err := r.Active()
	require.NoError(t, err)
	second, err := r.Active()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, counts["internal"])

	r.SetOverride("github")
	third, err := r.Active()
	require.NoError(t, err)
	assert.Equal(t, model.Backend("github"), third.Backend())
	assert.Equal(t, 1, counts["github"])

	// Switching back constructs a fresh instance: the old one was
	// discarded.
	r.SetOverride("internal")
	fourth, err := r.Active()
	require.NoError(t, err)
	assert.NotSame(t, first, fourth)
	assert.Equal(t, 2, counts["internal"])
}

func TestRegistry_UnknownBackendIsFatal(t *testing.T) {
	r := NewRegistry("internal", testFactories(map[string]int{}))
	r.SetOverride("trello")

	_, err := r.Active()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindFatal))
}

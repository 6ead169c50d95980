package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/openfleet/internal/model"
)

// newSourceRepo builds a real git repository with a single commit on
// main, used as the clone source.
func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# fixture\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "fixture", Email: "fixture@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	source := newSourceRepo(t)
	m, err := NewManager(Config{
		Root:          filepath.Join(t.TempDir(), "worktrees"),
		RepoURL:       source,
		DefaultBranch: "main",
		StaleAfter:    time.Hour,
	}, logr.Discard())
	require.NoError(t, err)
	return m
}

func sampleTask() *model.Task {
	return &model.Task{
		ID:      "42",
		Title:   "Fix the Flaky Sync!",
		Backend: model.BackendGitHub,
	}
}

func TestManager_AcquireCreatesIsolatedCheckout(t *testing.T) {
	m := newTestManager(t)

	acq, err := m.AcquireWorktree(context.Background(), sampleTask())
	require.NoError(t, err)

	assert.True(t, acq.Created)
	assert.FileExists(t, filepath.Join(acq.Path, "README.md"))
	assert.Contains(t, acq.Branch, "openfleet/42-")

	repo, err := git.PlainOpen(acq.Path)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/"+acq.Branch, head.Name().String())
}

func TestManager_ReacquireReusesDirectory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.AcquireWorktree(ctx, sampleTask())
	require.NoError(t, err)
	second, err := m.AcquireWorktree(ctx, sampleTask())
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.False(t, second.Created)
	assert.Equal(t, 1, m.GetStats().Active)
}

func TestManager_ReleaseRemovesDirectory(t *testing.T) {
	m := newTestManager(t)

	acq, err := m.AcquireWorktree(context.Background(), sampleTask())
	require.NoError(t, err)

	m.ReleaseWorktree("github-42")
	assert.NoDirExists(t, acq.Path)
	assert.Equal(t, 0, m.GetStats().Active)

	// Releasing again is harmless.
	m.ReleaseWorktree("github-42")
}

func TestManager_ReleaseByBranch(t *testing.T) {
	m := newTestManager(t)

	acq, err := m.AcquireWorktree(context.Background(), sampleTask())
	require.NoError(t, err)

	m.ReleaseWorktreeByBranch(acq.Branch)
	assert.NoDirExists(t, acq.Path)
}

func TestManager_PruneStaleWorktrees(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Active worktree: never pruned.
	active, err := m.AcquireWorktree(ctx, sampleTask())
	require.NoError(t, err)

	// An abandoned directory from an earlier run.
	stale := filepath.Join(m.cfg.Root, "github-99")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	// Everything looks stale once the clock jumps forward.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	pruned, err := m.PruneStaleWorktrees()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, active.Path, "held worktrees survive pruning")

	stats := m.GetStats()
	assert.Equal(t, 1, stats.Pruned)
	assert.False(t, stats.LastPruneAt.IsZero())
}

func TestManager_BaseBranchCheckout(t *testing.T) {
	source := newSourceRepo(t)

	// Add a release branch to the source.
	repo, err := git.PlainOpen(source)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: "refs/heads/release-1",
		Create: true,
	}))

	m, err := NewManager(Config{
		Root:          filepath.Join(t.TempDir(), "wt"),
		RepoURL:       source,
		DefaultBranch: "main",
	}, logr.Discard())
	require.NoError(t, err)

	task := sampleTask()
	task.BaseBranch = "release-1"
	acq, err := m.AcquireWorktree(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, acq.Created)
}

func TestGenerateBranchName(t *testing.T) {
	task := &model.Task{ID: "PROJ-7", Title: "Add OAuth2 support (phase 2)"}
	name := GenerateBranchName(task)
	assert.Equal(t, "openfleet/PROJ-7-add-oauth2-support-phase-2", name)

	long := &model.Task{ID: "1", Title: "This title is extremely long and will certainly exceed the slug limit"}
	assert.LessOrEqual(t, len(GenerateBranchName(long)), len("openfleet/1-")+40)
}

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

// Package worktree manages isolated per-task working directories: one
// clone per task, bound to a task-specific branch, released and pruned
// when work finishes or goes stale.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-logr/logr"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/model"
)

// Acquisition is the result of acquiring a worktree.
type Acquisition struct {
	Path    string
	Branch  string
	Created bool
}

// Stats is a read-only snapshot of the manager.
type Stats struct {
	Active      int       `json:"active"`
	Root        string    `json:"root"`
	LastPruneAt time.Time `json:"lastPruneAt"`
	Pruned      int       `json:"pruned"`
}

// Config configures the manager.
type Config struct {
	Root          string
	RepoURL       string
	DefaultBranch string
	StaleAfter    time.Duration
}

// Manager hands out isolated git working directories, one per task.
type Manager struct {
	cfg Config
	log logr.Logger

	mu        sync.Mutex
	active    map[string]*record
	lastPrune time.Time
	pruned    int
	now       func() time.Time
}

type record struct {
	path       string
	branch     string
	acquiredAt time.Time
}

// NewManager creates a worktree manager rooted at cfg.Root.
func NewManager(cfg Config, log logr.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New(errors.KindFatal, "worktree root is required")
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 48 * time.Hour
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		log:    log.WithName("worktree"),
		active: make(map[string]*record),
		now:    time.Now,
	}, nil
}

// AcquireWorktree returns an isolated working directory bound to the
// task. A directory that already exists for the task key is reused.
func (m *Manager) AcquireWorktree(ctx context.Context, task *model.Task) (*Acquisition, error) {
	key := taskKey(task)
	branch := task.BranchName
	if branch == "" {
		branch = GenerateBranchName(task)
	}
	path := filepath.Join(m.cfg.Root, key)

	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		m.mu.Unlock()
		return &Acquisition{Path: existing.path, Branch: existing.branch, Created: false}, nil
	}
	m.mu.Unlock()

	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := m.clone(ctx, path, task, branch); err != nil {
			return nil, err
		}
		created = true
	}

	m.mu.Lock()
	m.active[key] = &record{path: path, branch: branch, acquiredAt: m.now()}
	m.mu.Unlock()

	return &Acquisition{Path: path, Branch: branch, Created: created}, nil
}

func (m *Manager) clone(ctx context.Context, path string, task *model.Task, branch string) error {
	base := task.BaseBranch
	if base == "" {
		base = m.cfg.DefaultBranch
	}
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           m.cfg.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(base),
		SingleBranch:  true,
	})
	if err != nil {
		os.RemoveAll(path)
		return errors.Wrap(errors.KindTransient, fmt.Errorf("failed to clone worktree for %s: %w", task.ID, err))
	}
	wt, err := repo.Worktree()
	if err != nil {
		os.RemoveAll(path)
		return errors.Wrap(errors.KindTransient, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		os.RemoveAll(path)
		return errors.Wrap(errors.KindTransient, fmt.Errorf("failed to create branch %s: %w", branch, err))
	}
	return nil
}

// ReleaseWorktree removes the task's working directory. Errors during
// release are logged, never fatal.
func (m *Manager) ReleaseWorktree(taskKey string) {
	m.mu.Lock()
	rec, ok := m.active[sanitize(taskKey)]
	if ok {
		delete(m.active, sanitize(taskKey))
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := os.RemoveAll(rec.path); err != nil {
		m.log.Error(err, "failed to remove worktree", "path", rec.path)
	}
}

// ReleaseWorktreeByBranch removes whichever worktree holds the branch.
func (m *Manager) ReleaseWorktreeByBranch(branch string) {
	m.mu.Lock()
	var key string
	for k, rec := range m.active {
		if rec.branch == branch {
			key = k
			break
		}
	}
	m.mu.Unlock()
	if key != "" {
		m.ReleaseWorktree(key)
	}
}

// PruneStaleWorktrees removes directories under the root that are not
// actively held and have not been touched within the stale window.
// Returns the number pruned.
func (m *Manager) PruneStaleWorktrees() (int, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return 0, fmt.Errorf("failed to read worktree root: %w", err)
	}

	m.mu.Lock()
	held := make(map[string]struct{}, len(m.active))
	for key := range m.active {
		held[key] = struct{}{}
	}
	now := m.now()
	m.mu.Unlock()

	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, active := held[entry.Name()]; active {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < m.cfg.StaleAfter {
			continue
		}
		path := filepath.Join(m.cfg.Root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Error(err, "failed to prune worktree", "path", path)
			continue
		}
		pruned++
	}

	m.mu.Lock()
	m.lastPrune = now
	m.pruned += pruned
	m.mu.Unlock()

	if pruned > 0 {
		m.log.Info("pruned stale worktrees", "count", pruned)
	}
	return pruned, nil
}

// GetStats returns a read-only snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:      len(m.active),
		Root:        m.cfg.Root,
		LastPruneAt: m.lastPrune,
		Pruned:      m.pruned,
	}
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(s string) string {
	return unsafePathChars.ReplaceAllString(s, "-")
}

func taskKey(task *model.Task) string {
	return sanitize(string(task.Backend) + "-" + task.ID)
}

// GenerateBranchName derives a deterministic branch name for a task.
func GenerateBranchName(task *model.Task) string {
	slug := strings.ToLower(strings.TrimSpace(task.Title))
	slug = unsafePathChars.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return fmt.Sprintf("openfleet/%s-%s", sanitize(task.ID), slug)
}

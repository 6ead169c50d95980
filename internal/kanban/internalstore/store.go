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

// Package internalstore is the in-process source-of-truth backend: a
// SQLite-backed task store with a comment journal, fronted by an adapter
// that presents the uniform kanban contract.
package internalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/virtengine/openfleet/internal/model"
)

// Store is a SQLite-backed task store. A write mutex serializes mutations;
// reads go through SQLite's own snapshot isolation (WAL mode).
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the store at the given path. The
// special path ":memory:" opens an ephemeral store for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init task store schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		assignee TEXT DEFAULT '',
		priority TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		draft INTEGER DEFAULT 0,
		project_id TEXT DEFAULT '',
		base_branch TEXT DEFAULT '',
		branch_name TEXT DEFAULT '',
		pr_number TEXT DEFAULT '',
		pr_url TEXT DEFAULT '',
		task_url TEXT DEFAULT '',
		meta TEXT DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

	CREATE TABLE IF NOT EXISTS task_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		author TEXT DEFAULT '',
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert stores a new task.
func (s *Store) Insert(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, meta, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, assignee, priority, tags, draft,
			project_id, base_branch, branch_name, pr_number, pr_url, task_url, meta,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, string(task.Status), task.Assignee,
		string(task.Priority), tags, boolToInt(task.Draft),
		task.ProjectID, task.BaseBranch, task.BranchName, task.PRNumber, task.PRURL,
		task.TaskURL, meta,
		task.CreatedAt.UTC().Format(time.RFC3339), task.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// Get returns a task by id, or sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// List returns tasks matching the filters, most recently updated first.
func (s *Store) List(ctx context.Context, projectID string, status model.Status, limit int) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Update replaces a task record.
func (s *Store) Update(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, meta, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, assignee = ?, priority = ?,
			tags = ?, draft = ?, project_id = ?, base_branch = ?, branch_name = ?,
			pr_number = ?, pr_url = ?, task_url = ?, meta = ?, updated_at = ?
		WHERE id = ?`,
		task.Title, task.Description, string(task.Status), task.Assignee,
		string(task.Priority), tags, boolToInt(task.Draft),
		task.ProjectID, task.BaseBranch, task.BranchName, task.PRNumber, task.PRURL,
		task.TaskURL, meta, task.UpdatedAt.UTC().Format(time.RFC3339),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a task and its comment journal.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_comments WHERE task_id = ?", id); err != nil {
		tx.Rollback()
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddComment appends to the task's comment journal. Journal order is the
// insertion order.
func (s *Store) AddComment(ctx context.Context, taskID, author, body string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_comments (task_id, author, body, created_at) VALUES (?, ?, ?, ?)`,
		taskID, author, body, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to add comment to task %s: %w", taskID, err)
	}
	return nil
}

// Comments returns the task's comment journal in insertion order.
func (s *Store) Comments(ctx context.Context, taskID string) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, body, created_at FROM task_comments WHERE task_id = ? ORDER BY id ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var (
			id        int64
			author    string
			body      string
			createdAt string
		)
		if err := rows.Scan(&id, &author, &body, &createdAt); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339, createdAt)
		comments = append(comments, model.Comment{
			ID:        fmt.Sprintf("%d", id),
			Author:    author,
			Body:      body,
			CreatedAt: ts,
		})
	}
	return comments, rows.Err()
}

const taskColumns = `id, title, description, status, assignee, priority, tags, draft,
	project_id, base_branch, branch_name, pr_number, pr_url, task_url, meta,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		task              model.Task
		status, priority  string
		tagsJSON, metaJSON string
		draft             int
		createdAt, updatedAt string
	)
	err := row.Scan(&task.ID, &task.Title, &task.Description, &status, &task.Assignee,
		&priority, &tagsJSON, &draft, &task.ProjectID, &task.BaseBranch, &task.BranchName,
		&task.PRNumber, &task.PRURL, &task.TaskURL, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = model.Status(status)
	task.Priority = model.Priority(priority)
	task.Draft = draft != 0
	task.Backend = model.BackendInternal
	if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
		task.Tags = nil
	}
	if strings.TrimSpace(metaJSON) != "" {
		if err := json.Unmarshal([]byte(metaJSON), &task.Meta); err != nil {
			task.Meta = nil
		}
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &task, nil
}

func encodeTaskJSON(task *model.Task) (tags string, meta string, err error) {
	tagBytes, err := json.Marshal(task.Tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	metaBytes, err := json.Marshal(task.Meta)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(tagBytes), string(metaBytes), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

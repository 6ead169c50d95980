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

// Package model defines the canonical task model shared by every kanban
// backend adapter: tasks, projects, statuses, priorities, and the
// distributed shared-state record that rides along with a task.
package model

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Meta keys the adapters agree on. Everything else in Task.Meta is
// backend-specific and opaque to the core.
const (
	MetaSharedState        = "sharedState"
	MetaProjectFieldValues = "projectFieldValues"
	MetaProjectItemID      = "projectItemId"
	MetaProjectNumber      = "projectNumber"
	MetaBaseBranch         = "baseBranch"
	MetaBaseBranchSnake    = "base_branch"
)

// Task is the canonical, backend-independent task record. IDs are opaque
// to the core: a numeric issue number for GitHub, KEY-NNN for Jira, a UUID
// for the internal store, and a backend-generated string for Vibe-Kanban.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Assignee    string   `json:"assignee,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Tags        []string `json:"tags"`
	Draft       bool     `json:"draft"`

	ProjectID  string `json:"projectId,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	BranchName string `json:"branchName,omitempty"`
	PRNumber   string `json:"prNumber,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`
	TaskURL    string `json:"taskUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Backend Backend        `json:"backend"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SharedState returns the attached claim record, or nil when absent or
// invalid.
func (t *Task) SharedState() *SharedState {
	if t.Meta == nil {
		return nil
	}
	switch v := t.Meta[MetaSharedState].(type) {
	case *SharedState:
		if v.Valid() {
			return v
		}
	case SharedState:
		if v.Valid() {
			return &v
		}
	}
	return nil
}

// SetSharedState attaches a claim record to the task meta.
func (t *Task) SetSharedState(state *SharedState) {
	if t.Meta == nil {
		t.Meta = make(map[string]any)
	}
	t.Meta[MetaSharedState] = state
}

// SetBaseBranchMeta records the base branch under both meta spellings the
// upstream tooling reads (write-both, read-either).
func (t *Task) SetBaseBranchMeta(branch string) {
	if branch == "" {
		return
	}
	if t.Meta == nil {
		t.Meta = make(map[string]any)
	}
	t.Meta[MetaBaseBranch] = branch
	t.Meta[MetaBaseBranchSnake] = branch
}

// Patch is a partial task update. Nil pointers mean no change; Tags, when
// non-nil, replaces the user tag set (the adapter preserves system and
// scope labels by computing set differences).
type Patch struct {
	Title       *string
	Description *string
	Status      *Status
	Assignee    *string
	Priority    *Priority
	Tags        []string
	Draft       *bool
	BaseBranch  *string
	BranchName  *string
	PRNumber    *string
	PRURL       *string
	Meta        map[string]any
}

// CreateData carries the fields accepted by createTask.
type CreateData struct {
	Title       string
	Description string
	Status      Status
	Assignee    string
	Priority    Priority
	Tags        []string
	Draft       bool
	BaseBranch  string
}

// ListFilters narrows listTasks results.
type ListFilters struct {
	Status       Status
	Limit        int
	Assignee     string
	ProjectField string
	JQL          string
}

// Project is a backend container of tasks. For GitHub the id is
// "owner/repo", for Jira a project key, for the internal store a single
// synthetic project.
type Project struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Backend Backend        `json:"backend"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Comment is a task comment as surfaced by the adapters.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	// CodexLabelPrefix marks the shared-state status labels managed by the
	// fleet (codex.claimed, codex.working, codex.stale).
	CodexLabelPrefix = "codex."

	// IgnoreLabel marks tasks explicitly excluded from fleet automation.
	IgnoreLabel = "codex.ignore"

	priorityLabelPrefix = "priority:"
)

// upstreamMarkerRe matches upstream-branch markers of the form
// upstream:feature/x, base=release-2, target:main, in labels or
// description lines.
var upstreamMarkerRe = regexp.MustCompile(`(?i)\b(?:upstream|base|target)[:=]\s*([\w./-]+)`)

// IsSystemLabel reports whether a label is managed by the fleet and must
// never surface as a user tag. The status vocabulary, priority labels,
// codex.* flags, and upstream-branch markers are all system labels.
func IsSystemLabel(label string, vocab *StatusVocabulary) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return true
	}
	if vocab != nil {
		for _, native := range vocab.NativeNames() {
			if l == strings.ToLower(native) {
				return true
			}
		}
	}
	if strings.HasPrefix(l, CodexLabelPrefix) || strings.HasPrefix(l, priorityLabelPrefix) {
		return true
	}
	if upstreamMarkerRe.MatchString(l) {
		return true
	}
	return false
}

// NormalizeTags lowercases, trims, deduplicates, and sorts user labels,
// filtering out system labels. The operation is idempotent.
func NormalizeTags(labels []string, vocab *StatusVocabulary) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		l := strings.ToLower(strings.TrimSpace(label))
		if l == "" || IsSystemLabel(l, vocab) {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// DeriveBaseBranch resolves the base branch for a task deterministically:
// an explicit field wins, then a labelled upstream marker, then an inline
// marker in the description. An empty branch normalizes to "".
func DeriveBaseBranch(explicit string, labels []string, description string) string {
	if b := strings.TrimSpace(explicit); b != "" {
		return b
	}
	for _, label := range labels {
		if m := upstreamMarkerRe.FindStringSubmatch(label); m != nil {
			if b := strings.TrimSpace(m[1]); b != "" {
				return b
			}
		}
	}
	if m := upstreamMarkerRe.FindStringSubmatch(description); m != nil {
		if b := strings.TrimSpace(m[1]); b != "" {
			return b
		}
	}
	return ""
}

// UpstreamBranchLabel renders the label form of a base-branch marker.
func UpstreamBranchLabel(branch string) string {
	return "upstream:" + branch
}

// PriorityLabel renders the label form of a priority.
func PriorityLabel(p Priority) string {
	return priorityLabelPrefix + string(p)
}

// PriorityFromLabels extracts the first priority label, normalized.
func PriorityFromLabels(labels []string) Priority {
	for _, label := range labels {
		l := strings.ToLower(strings.TrimSpace(label))
		if strings.HasPrefix(l, priorityLabelPrefix) {
			return NormalizePriority(strings.TrimPrefix(l, priorityLabelPrefix))
		}
	}
	return ""
}

// HasScopeLabel reports whether the task carries at least one of the
// configured scope labels. Scope filtering is what keeps the fleet from
// claiming tasks that were never handed to it.
func HasScopeLabel(labels []string, scopeLabels []string) bool {
	for _, label := range labels {
		l := strings.ToLower(strings.TrimSpace(label))
		for _, scope := range scopeLabels {
			if l == strings.ToLower(strings.TrimSpace(scope)) {
				return true
			}
		}
	}
	return false
}

// MergeTagSets computes the label operations needed to move from the
// current user tag set to the desired one while leaving every system and
// scope label untouched.
func MergeTagSets(current, desired []string, vocab *StatusVocabulary) (add, remove []string) {
	cur := make(map[string]struct{}, len(current))
	for _, t := range NormalizeTags(current, vocab) {
		cur[t] = struct{}{}
	}
	want := make(map[string]struct{}, len(desired))
	for _, t := range NormalizeTags(desired, vocab) {
		want[t] = struct{}{}
		if _, ok := cur[t]; !ok {
			add = append(add, t)
		}
	}
	for t := range cur {
		if _, ok := want[t]; !ok {
			remove = append(remove, t)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)
	return add, remove
}

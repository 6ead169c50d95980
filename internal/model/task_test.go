package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTags(t *testing.T) {
	vocab := GitHubStatusVocabulary()

	tests := []struct {
		name     string
		labels   []string
		expected []string
	}{
		{
			name:     "lowercases and dedupes",
			labels:   []string{"Backend", "backend", "API"},
			expected: []string{"api", "backend"},
		},
		{
			name:     "filters status labels",
			labels:   []string{"todo", "inprogress", "feature"},
			expected: []string{"feature"},
		},
		{
			name:     "filters codex and priority labels",
			labels:   []string{"codex.working", "codex.ignore", "priority:high", "bug"},
			expected: []string{"bug"},
		},
		{
			name:     "filters upstream markers",
			labels:   []string{"upstream:release-2.0", "base=main", "docs"},
			expected: []string{"docs"},
		},
		{
			name:     "keeps scope label",
			labels:   []string{"openfleet", "infra"},
			expected: []string{"infra", "openfleet"},
		},
		{
			name:     "empty input",
			labels:   nil,
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTags(tt.labels, vocab)
			assert.Equal(t, tt.expected, got)
			// Idempotence: normalizing the output changes nothing.
			assert.Equal(t, got, NormalizeTags(got, vocab))
		})
	}
}

func TestDeriveBaseBranch(t *testing.T) {
	tests := []struct {
		name        string
		explicit    string
		labels      []string
		description string
		expected    string
	}{
		{
			name:     "explicit field wins",
			explicit: "release-1.4",
			labels:   []string{"upstream:main"},
			expected: "release-1.4",
		},
		{
			name:     "label marker",
			labels:   []string{"bug", "upstream:feature/login"},
			expected: "feature/login",
		},
		{
			name:     "base form with equals",
			labels:   []string{"base=develop"},
			expected: "develop",
		},
		{
			name:        "inline description marker",
			description: "Please branch off.\ntarget: release-2.0\nThanks",
			expected:    "release-2.0",
		},
		{
			name:     "empty string normalizes to absent",
			explicit: "   ",
			expected: "",
		},
		{
			name:     "nothing configured",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveBaseBranch(tt.explicit, tt.labels, tt.description))
		})
	}
}

func TestHasScopeLabel(t *testing.T) {
	scope := []string{"openfleet"}

	assert.True(t, HasScopeLabel([]string{"bug", "OpenFleet"}, scope))
	assert.False(t, HasScopeLabel([]string{"bug", "feature"}, scope))
	assert.False(t, HasScopeLabel(nil, scope))
}

func TestMergeTagSets(t *testing.T) {
	vocab := GitHubStatusVocabulary()

	add, remove := MergeTagSets(
		[]string{"backend", "legacy", "todo", "codex.working"},
		[]string{"backend", "api"},
		vocab,
	)

	assert.Equal(t, []string{"api"}, add)
	assert.Equal(t, []string{"legacy"}, remove)
}

func TestTask_SetBaseBranchMeta(t *testing.T) {
	task := &Task{}
	task.SetBaseBranchMeta("main")

	assert.Equal(t, "main", task.Meta[MetaBaseBranch])
	assert.Equal(t, "main", task.Meta[MetaBaseBranchSnake])

	empty := &Task{}
	empty.SetBaseBranchMeta("")
	assert.Nil(t, empty.Meta)
}

func TestPriorityFromLabels(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityFromLabels([]string{"bug", "priority:high"}))
	assert.Equal(t, PriorityCritical, PriorityFromLabels([]string{"priority:urgent"}))
	assert.Equal(t, Priority(""), PriorityFromLabels([]string{"bug"}))
}

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

package github

import (
	"context"
	"sort"

	gh "github.com/google/go-github/v66/github"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/model"
)

// PersistSharedState writes the claim record to the issue: the codex
// status label flip first (one grouped edit so observers never see two
// claim labels), then the structured sentinel comment. The comment step
// is skipped when the label step fails. Retries once on transient
// failure.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state *model.SharedState) (bool, error) {
	if !state.Valid() {
		return false, errors.New(errors.KindInvalidInput, "invalid shared state for issue %s", id)
	}
	number, err := parseIssueNumber(id)
	if err != nil {
		return false, err
	}

	retryCfg := errors.RetryConfig{MaxAttempts: 2,
		InitialDelay: errors.DefaultRetryConfig().InitialDelay,
		MaxDelay:     errors.DefaultRetryConfig().MaxDelay, BackoffFactor: 2}
	err = errors.Retry(ctx, a.log, retryCfg, "persist shared state", func() error {
		return a.persistSharedStateOnce(ctx, number, state)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) persistSharedStateOnce(ctx context.Context, number int, state *model.SharedState) error {
	var issue *gh.Issue
	err := a.withRateLimitRetry(ctx, "get issue", func() error {
		var err error
		issue, _, err = a.client.Issues.Get(ctx, a.owner, a.repo, number)
		return err
	})
	if err != nil {
		return a.classify(err)
	}

	// Label flip: keep everything except codex labels, add exactly one.
	desired := state.CodexLabel()
	codex := map[string]struct{}{}
	for _, label := range model.CodexLabels() {
		codex[label] = struct{}{}
	}
	next := make([]string, 0, len(issue.Labels)+1)
	for _, label := range issue.Labels {
		if _, isCodex := codex[label.GetName()]; isCodex {
			continue
		}
		next = append(next, label.GetName())
	}
	next = append(next, desired)
	sort.Strings(next)

	err = a.withRateLimitRetry(ctx, "flip codex label", func() error {
		_, _, err := a.client.Issues.ReplaceLabelsForIssue(ctx, a.owner, a.repo, number, next)
		return err
	})
	if err != nil {
		// The comment is written only after the label change succeeds.
		return a.classify(err)
	}

	return a.upsertStateComment(ctx, number, state)
}

// upsertStateComment keeps exactly one sentinel comment per issue:
// comments are scanned newest first, the first match is edited in place,
// and a new comment is posted only when none exists.
func (a *Adapter) upsertStateComment(ctx context.Context, number int, state *model.SharedState) error {
	body, err := model.EncodeStateComment(state)
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, err)
	}

	existing, err := a.findStateComment(ctx, number)
	if err != nil {
		return err
	}
	if existing != nil {
		return a.classify(a.withRateLimitRetry(ctx, "edit state comment", func() error {
			_, _, err := a.client.Issues.EditComment(ctx, a.owner, a.repo, existing.GetID(), &gh.IssueComment{
				Body: gh.String(body),
			})
			return err
		}))
	}
	return a.classify(a.withRateLimitRetry(ctx, "create state comment", func() error {
		_, _, err := a.client.Issues.CreateComment(ctx, a.owner, a.repo, number, &gh.IssueComment{
			Body: gh.String(body),
		})
		return err
	}))
}

// findStateComment returns the newest sentinel comment, or nil.
func (a *Adapter) findStateComment(ctx context.Context, number int) (*gh.IssueComment, error) {
	opts := &gh.IssueListCommentsOptions{
		Sort:        gh.String("created"),
		Direction:   gh.String("desc"),
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var comments []*gh.IssueComment
	err := a.withRateLimitRetry(ctx, "list comments", func() error {
		var err error
		comments, _, err = a.client.Issues.ListComments(ctx, a.owner, a.repo, number, opts)
		return err
	})
	if err != nil {
		return nil, a.classify(err)
	}
	for _, comment := range comments {
		if model.IsStateComment(comment.GetBody()) {
			return comment, nil
		}
	}
	return nil, nil
}

// ReadSharedState scans the issue's comments in reverse chronological
// order; the first sentinel match wins. Malformed sentinel JSON yields
// nil, never an error.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*model.SharedState, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return nil, err
	}
	comment, err := a.findStateComment(ctx, number)
	if err != nil {
		return nil, err
	}
	if comment == nil {
		return nil, nil
	}
	return model.DecodeStateComment(comment.GetBody()), nil
}

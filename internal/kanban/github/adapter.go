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

// Package github is the GitHub Issues backend adapter. Status lives in
// repository labels (and optionally a Projects-v2 board field), the
// distributed claim record lives in a sentinel issue comment plus codex
// labels, and all REST traffic goes through go-github with a single
// delayed retry on rate-limit errors.
package github

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"github.com/go-logr/logr"
	"golang.org/x/oauth2"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// Options configures the GitHub adapter.
type Options struct {
	Config       config.GitHub
	ScopeLabels  []string
	EnforceScope bool
	Logger       logr.Logger

	// BaseURLOverride points both REST and GraphQL at a test server.
	BaseURLOverride string
}

// Adapter presents GitHub Issues through the uniform kanban contract.
type Adapter struct {
	client   *gh.Client
	projects *ProjectsClient
	owner    string
	repo     string
	opts     Options
	vocab    *model.StatusVocabulary
	log      logr.Logger
}

// New creates the GitHub adapter.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	parts := strings.SplitN(opts.Config.Repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errors.New(errors.KindFatal, "invalid GITHUB_REPOSITORY %q: expected owner/repo", opts.Config.Repository)
	}
	if opts.Config.Token == "" {
		return nil, errors.New(errors.KindFatal, "github token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Config.Token})
	httpClient := oauth2.NewClient(ctx, ts)
	client := gh.NewClient(httpClient)

	baseURL := opts.Config.APIBaseURL
	if opts.BaseURLOverride != "" {
		baseURL = opts.BaseURLOverride
	}
	graphQLURL := "https://api.github.com/graphql"
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, errors.Wrap(errors.KindFatal, err)
		}
		graphQLURL = strings.TrimSuffix(baseURL, "/") + "/graphql"
	}

	a := &Adapter{
		client: client,
		owner:  parts[0],
		repo:   parts[1],
		opts:   opts,
		vocab:  model.GitHubStatusVocabulary(),
		log:    opts.Logger.WithName("github"),
	}
	if opts.Config.ProjectNumber > 0 {
		owner := opts.Config.ProjectOwner
		if owner == "" {
			owner = parts[0]
		}
		a.projects = NewProjectsClient(httpClient, graphQLURL, owner, parts[0], parts[1], a.log)
	}
	return a, nil
}

// Backend returns the GitHub backend tag.
func (a *Adapter) Backend() model.Backend {
	return model.BackendGitHub
}

// Supports reports GitHub's capabilities.
func (a *Adapter) Supports(capability kanban.Capability) bool {
	switch capability {
	case kanban.CapabilityComments, kanban.CapabilitySharedState, kanban.CapabilityMarkIgnored:
		return true
	case kanban.CapabilityProjectBoard:
		return a.projects != nil
	default:
		return false
	}
}

// ListProjects returns the configured repository as the single project.
func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	var repository *gh.Repository
	err := a.withRateLimitRetry(ctx, "get repository", func() error {
		var err error
		repository, _, err = a.client.Repositories.Get(ctx, a.owner, a.repo)
		return err
	})
	if err != nil {
		return nil, a.classify(err)
	}
	project := model.Project{
		ID:      a.owner + "/" + a.repo,
		Name:    repository.GetFullName(),
		Backend: model.BackendGitHub,
	}
	if a.opts.Config.ProjectNumber > 0 {
		project.Meta = map[string]any{
			model.MetaProjectNumber: a.opts.Config.ProjectNumber,
		}
	}
	return []model.Project{project}, nil
}

// ListTasks lists the repository's issues, open and closed (only open ones
// when filtering by a non-terminal status), filtered by canonical status
// and scope.
func (a *Adapter) ListTasks(ctx context.Context, projectID string, filters model.ListFilters) ([]model.Task, error) {
	listOpts := &gh.IssueListByRepoOptions{
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	if filters.Status != "" && !filters.Status.IsTerminal() {
		listOpts.State = "open"
	}
	if a.opts.EnforceScope && len(a.opts.ScopeLabels) > 0 {
		// The API ANDs label filters, so enforce on the primary label and
		// post-filter for the extras.
		listOpts.Labels = []string{a.opts.ScopeLabels[0]}
	}
	if filters.Assignee != "" {
		listOpts.Assignee = filters.Assignee
	}

	var issues []*gh.Issue
	err := a.withRateLimitRetry(ctx, "list issues", func() error {
		var err error
		issues, _, err = a.client.Issues.ListByRepo(ctx, a.owner, a.repo, listOpts)
		return err
	})
	if err != nil {
		return nil, a.classify(err)
	}

	tasks := make([]model.Task, 0, len(issues))
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		task := a.toTask(issue)
		if filters.Status != "" && task.Status != filters.Status {
			continue
		}
		if a.opts.EnforceScope && !model.HasScopeLabel(labelNames(issue.Labels), a.opts.ScopeLabels) {
			continue
		}
		tasks = append(tasks, *task)
		if filters.Limit > 0 && len(tasks) >= filters.Limit {
			break
		}
	}
	return tasks, nil
}

// GetTask returns a single issue with its shared state attached.
func (a *Adapter) GetTask(ctx context.Context, id string) (*model.Task, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return nil, err
	}
	var issue *gh.Issue
	err = a.withRateLimitRetry(ctx, "get issue", func() error {
		var err error
		issue, _, err = a.client.Issues.Get(ctx, a.owner, a.repo, number)
		return err
	})
	if err != nil {
		return nil, a.classify(err)
	}
	task := a.toTask(issue)
	if state, err := a.ReadSharedState(ctx, id); err == nil && state != nil {
		task.SetSharedState(state)
	}
	return task, nil
}

// UpdateTaskStatus writes a canonical status: one grouped label edit for
// non-terminal statuses, a close for terminal ones, plus optional shared
// state and project-board field sync.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, status model.Status, opts kanban.UpdateStatusOptions) (*model.Task, error) {
	if !status.IsValid() {
		return nil, errors.New(errors.KindInvalidInput, "unknown status %q", status)
	}
	number, err := parseIssueNumber(id)
	if err != nil {
		return nil, err
	}

	var issue *gh.Issue
	err = a.withRateLimitRetry(ctx, "get issue", func() error {
		var err error
		issue, _, err = a.client.Issues.Get(ctx, a.owner, a.repo, number)
		return err
	})
	if err != nil {
		return nil, a.classify(err)
	}

	if status.IsTerminal() {
		if issue.GetState() == "closed" {
			// Closing a closed issue is a no-op, not an error.
			a.log.V(1).Info("issue already closed", "issue", number)
		} else {
			reason := "completed"
			if status == model.StatusCancelled {
				reason = "not_planned"
			}
			err = a.withRateLimitRetry(ctx, "close issue", func() error {
				_, _, err := a.client.Issues.Edit(ctx, a.owner, a.repo, number, &gh.IssueRequest{
					State:       gh.String("closed"),
					StateReason: gh.String(reason),
				})
				return err
			})
			if err != nil {
				return nil, a.classify(err)
			}
		}
	} else {
		if err := a.syncStatusLabels(ctx, issue, status); err != nil {
			return nil, err
		}
	}

	// Project-board sync follows the label change.
	if a.projects != nil && (a.opts.Config.ProjectAutoSync || len(opts.ProjectFields) > 0) {
		fields := map[string]string{}
		if native, ok := a.vocab.Denormalize(status); ok {
			fields["Status"] = projectStatusName(native)
		}
		for name, value := range opts.ProjectFields {
			fields[name] = value
		}
		if err := a.projects.UpdateItemFields(ctx, a.opts.Config.ProjectNumber, number, fields); err != nil {
			a.log.Error(err, "project-board field sync failed", "issue", number)
		}
	}

	// Shared state is written only after the label step succeeded.
	if opts.SharedState != nil {
		if _, err := a.PersistSharedState(ctx, id, opts.SharedState); err != nil {
			return nil, err
		}
	}
	return a.GetTask(ctx, id)
}

// syncStatusLabels issues one grouped edit: the desired status label added
// and every other status label removed, so observers never see two. A
// missing label is created (deterministic colour) and the edit retried
// exactly once.
func (a *Adapter) syncStatusLabels(ctx context.Context, issue *gh.Issue, status model.Status) error {
	desired, ok := a.vocab.Denormalize(status)
	if !ok {
		return errors.New(errors.KindInvalidInput, "status %q not configured for github", status)
	}

	next := make([]string, 0, len(issue.Labels)+1)
	for _, label := range issue.Labels {
		if a.isStatusLabel(label.GetName()) {
			continue
		}
		next = append(next, label.GetName())
	}
	next = append(next, desired)

	number := issue.GetNumber()
	edit := func() error {
		return a.withRateLimitRetry(ctx, "set status labels", func() error {
			_, _, err := a.client.Issues.ReplaceLabelsForIssue(ctx, a.owner, a.repo, number, next)
			return err
		})
	}
	err := edit()
	if err == nil {
		return nil
	}
	if !isMissingLabelError(err) {
		return a.classify(err)
	}

	// Create the label with its deterministic colour, then retry once.
	color := model.StatusLabelColor(status)
	createErr := a.withRateLimitRetry(ctx, "create status label", func() error {
		_, _, err := a.client.Issues.CreateLabel(ctx, a.owner, a.repo, &gh.Label{
			Name:  gh.String(desired),
			Color: gh.String(color),
		})
		return err
	})
	if createErr != nil {
		return a.classify(createErr)
	}
	if err := edit(); err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *Adapter) isStatusLabel(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, native := range a.vocab.NativeNames() {
		if lower == strings.ToLower(native) {
			return true
		}
	}
	return false
}

// UpdateTask applies a partial update; tag changes preserve system and
// scope labels via set differences.
func (a *Adapter) UpdateTask(ctx context.Context, id string, patch model.Patch) (*model.Task, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return nil, err
	}

	req := &gh.IssueRequest{}
	dirty := false
	if patch.Title != nil {
		req.Title = patch.Title
		dirty = true
	}
	if patch.Description != nil {
		req.Body = patch.Description
		dirty = true
	}
	if patch.Assignee != nil {
		if *patch.Assignee == "" {
			req.Assignees = &[]string{}
		} else {
			req.Assignees = &[]string{*patch.Assignee}
		}
		dirty = true
	}
	if patch.Tags != nil || patch.Priority != nil {
		var issue *gh.Issue
		err = a.withRateLimitRetry(ctx, "get issue", func() error {
			var err error
			issue, _, err = a.client.Issues.Get(ctx, a.owner, a.repo, number)
			return err
		})
		if err != nil {
			return nil, a.classify(err)
		}
		current := labelNames(issue.Labels)
		next := make([]string, 0, len(current)+2)
		if patch.Tags != nil {
			// Keep every system and scope label, replace the user tags.
			for _, name := range current {
				if model.IsSystemLabel(name, a.vocab) || model.HasScopeLabel([]string{name}, a.opts.ScopeLabels) {
					next = append(next, name)
				}
			}
			next = append(next, model.NormalizeTags(patch.Tags, a.vocab)...)
		} else {
			next = append(next, current...)
		}
		if patch.Priority != nil {
			kept := next[:0]
			for _, name := range next {
				if !strings.HasPrefix(strings.ToLower(name), "priority:") {
					kept = append(kept, name)
				}
			}
			next = append(kept, model.PriorityLabel(*patch.Priority))
		}
		req.Labels = &next
		dirty = true
	}

	if dirty {
		err = a.withRateLimitRetry(ctx, "edit issue", func() error {
			_, _, err := a.client.Issues.Edit(ctx, a.owner, a.repo, number, req)
			return err
		})
		if err != nil {
			return nil, a.classify(err)
		}
	}
	if patch.Status != nil {
		return a.UpdateTaskStatus(ctx, id, *patch.Status, kanban.UpdateStatusOptions{})
	}
	return a.GetTask(ctx, id)
}

// CreateTask creates an issue with scope, status/draft, priority, and
// upstream-branch labels applied, defaulting the assignee per
// configuration.
func (a *Adapter) CreateTask(ctx context.Context, projectID string, data model.CreateData) (*model.Task, error) {
	if data.Title == "" {
		return nil, errors.New(errors.KindInvalidInput, "task title is required")
	}

	status := data.Status
	if status == "" {
		status = model.StatusTodo
	}
	if data.Draft {
		status = model.StatusDraft
	}

	labels := append([]string{}, data.Tags...)
	if len(a.opts.ScopeLabels) > 0 {
		labels = append(labels, a.opts.ScopeLabels[0])
	}
	if native, ok := a.vocab.Denormalize(status); ok {
		labels = append(labels, native)
	}
	if data.Priority != "" {
		labels = append(labels, model.PriorityLabel(data.Priority))
	}
	if branch := model.DeriveBaseBranch(data.BaseBranch, data.Tags, data.Description); branch != "" {
		labels = append(labels, model.UpstreamBranchLabel(branch))
	}

	req := &gh.IssueRequest{
		Title:  gh.String(data.Title),
		Labels: &labels,
	}
	if data.Description != "" {
		req.Body = gh.String(data.Description)
	}
	if assignee := a.resolveAssignee(ctx, data.Assignee); assignee != "" {
		req.Assignees = &[]string{assignee}
	}

	var issue *gh.Issue
	err := a.withRateLimitRetry(ctx, "create issue", func() error {
		var err error
		issue, _, err = a.client.Issues.Create(ctx, a.owner, a.repo, req)
		return err
	})
	if err != nil {
		return nil, a.classify(err)
	}

	// In kanban mode the new issue joins the project board immediately.
	if a.projects != nil && strings.EqualFold(a.opts.Config.ProjectMode, "kanban") {
		fields := map[string]string{}
		if native, ok := a.vocab.Denormalize(status); ok {
			fields["Status"] = projectStatusName(native)
		}
		if err := a.projects.UpdateItemFields(ctx, a.opts.Config.ProjectNumber, issue.GetNumber(), fields); err != nil {
			a.log.Error(err, "failed to add new issue to project board", "issue", issue.GetNumber())
		}
	}
	return a.toTask(issue), nil
}

func (a *Adapter) resolveAssignee(ctx context.Context, requested string) string {
	if requested != "" {
		return requested
	}
	if a.opts.Config.DefaultAssignee != "" {
		return a.opts.Config.DefaultAssignee
	}
	if a.opts.Config.AutoAssignCreator {
		var user *gh.User
		err := a.withRateLimitRetry(ctx, "get current user", func() error {
			var err error
			user, _, err = a.client.Users.Get(ctx, "")
			return err
		})
		if err == nil {
			return user.GetLogin()
		}
	}
	return ""
}

// DeleteTask soft-deletes: the issue is closed as "not planned".
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return false, err
	}
	err = a.withRateLimitRetry(ctx, "close issue", func() error {
		_, _, err := a.client.Issues.Edit(ctx, a.owner, a.repo, number, &gh.IssueRequest{
			State:       gh.String("closed"),
			StateReason: gh.String("not_planned"),
		})
		return err
	})
	if err != nil {
		if errors.IsKind(a.classify(err), errors.KindNotFound) {
			return false, nil
		}
		return false, a.classify(err)
	}
	return true, nil
}

// AddComment posts an issue comment. Best-effort.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return false, err
	}
	err = a.withRateLimitRetry(ctx, "add comment", func() error {
		_, _, err := a.client.Issues.CreateComment(ctx, a.owner, a.repo, number, &gh.IssueComment{
			Body: gh.String(body),
		})
		return err
	})
	if err != nil {
		a.log.V(1).Info("failed to add comment", "issue", number, "error", err.Error())
		return false, nil
	}
	return true, nil
}

// MarkTaskIgnored adds the ignore label and posts an explanatory comment.
func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	number, err := parseIssueNumber(id)
	if err != nil {
		return false, err
	}
	err = a.withRateLimitRetry(ctx, "add ignore label", func() error {
		_, _, err := a.client.Issues.AddLabelsToIssue(ctx, a.owner, a.repo, number, []string{model.IgnoreLabel})
		return err
	})
	if err != nil {
		return false, a.classify(err)
	}
	a.AddComment(ctx, id, "OpenFleet: task ignored. Reason: "+reason)
	return true, nil
}

// withRateLimitRetry runs fn, retrying exactly once after the configured
// delay when the failure is a rate limit. The sleep is preemptible; a
// second rate-limit failure is surfaced as-is.
func (a *Adapter) withRateLimitRetry(ctx context.Context, operation string, fn func() error) error {
	err := fn()
	if err == nil || !isRateLimitError(err) {
		return err
	}
	delay := a.opts.Config.RateLimitRetry
	if delay <= 0 {
		delay = 60 * time.Second
	}
	a.log.Info("rate limit hit; retrying once", "operation", operation, "delay", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	return fn()
}

func isRateLimitError(err error) bool {
	var rateErr *gh.RateLimitError
	if stderrors.As(err, &rateErr) {
		return true
	}
	var abuseErr *gh.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		return true
	}
	return errors.IsRateLimit(err)
}

// classify maps go-github errors onto the fleet taxonomy.
func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	if isRateLimitError(err) {
		return errors.Wrap(errors.KindRateLimit, err)
	}
	var ghErr *gh.ErrorResponse
	if stderrors.As(err, &ghErr) && ghErr.Response != nil {
		return errors.FromHTTPStatus(ghErr.Response.StatusCode, "github: %v", err)
	}
	return errors.Wrap(errors.KindTransient, err)
}

func isMissingLabelError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "label") &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "422"))
}

// parseIssueNumber extracts the numeric issue id; non-numeric ids are a
// caller bug.
func parseIssueNumber(id string) (int, error) {
	id = strings.TrimPrefix(strings.TrimSpace(id), "#")
	number, err := strconv.Atoi(id)
	if err != nil || number <= 0 {
		return 0, errors.New(errors.KindInvalidInput, "invalid GitHub issue id %q", id)
	}
	return number, nil
}

// toTask converts a GitHub issue to the canonical task model.
func (a *Adapter) toTask(issue *gh.Issue) *model.Task {
	labels := labelNames(issue.Labels)
	task := &model.Task{
		ID:          strconv.Itoa(issue.GetNumber()),
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		Status:      a.statusFromIssue(issue, labels),
		Priority:    model.PriorityFromLabels(labels),
		Tags:        model.NormalizeTags(labels, a.vocab),
		ProjectID:   a.owner + "/" + a.repo,
		TaskURL:     issue.GetHTMLURL(),
		CreatedAt:   issue.GetCreatedAt().Time,
		UpdatedAt:   issue.GetUpdatedAt().Time,
		Backend:     model.BackendGitHub,
	}
	if len(issue.Assignees) > 0 {
		task.Assignee = issue.Assignees[0].GetLogin()
	}
	for _, name := range labels {
		if strings.EqualFold(name, "draft") {
			task.Draft = true
		}
	}
	if task.Draft {
		task.Status = model.StatusDraft
	}
	task.BaseBranch = model.DeriveBaseBranch("", labels, issue.GetBody())
	task.SetBaseBranchMeta(task.BaseBranch)
	if a.opts.Config.ProjectNumber > 0 {
		if task.Meta == nil {
			task.Meta = map[string]any{}
		}
		task.Meta[model.MetaProjectNumber] = a.opts.Config.ProjectNumber
	}
	return task
}

// statusFromIssue derives the canonical status: closed issues are done
// (or cancelled when closed as not planned), otherwise the first status
// label decides, defaulting to todo.
func (a *Adapter) statusFromIssue(issue *gh.Issue, labels []string) model.Status {
	if issue.GetState() == "closed" {
		if issue.GetStateReason() == "not_planned" {
			return model.StatusCancelled
		}
		return model.StatusDone
	}
	for _, name := range labels {
		if a.isStatusLabel(name) {
			return a.vocab.Normalize(name)
		}
	}
	return model.StatusTodo
}

func labelNames(labels []*gh.Label) []string {
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, label.GetName())
	}
	return names
}

// projectStatusName maps a native status label to the board option title
// ("inprogress" → "In Progress").
func projectStatusName(native string) string {
	switch strings.ToLower(native) {
	case "todo":
		return "Todo"
	case "inprogress":
		return "In Progress"
	case "inreview":
		return "In Review"
	case "blocked":
		return "Blocked"
	case "done":
		return "Done"
	case "cancelled":
		return "Cancelled"
	case "draft":
		return "Draft"
	default:
		return native
	}
}

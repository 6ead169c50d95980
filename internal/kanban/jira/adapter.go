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

package jira

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/kanban"
	"github.com/virtengine/openfleet/internal/model"
)

// issueFields is the field set requested on every issue read.
var issueFields = []string{
	"summary", "description", "status", "issuetype", "project",
	"assignee", "reporter", "priority", "labels", "created", "updated",
}

// Options configures the Jira adapter.
type Options struct {
	Config       config.Jira
	ScopeLabels  []string
	EnforceScope bool
	Logger       logr.Logger
}

// Adapter presents Jira through the uniform kanban contract.
type Adapter struct {
	client *Client
	opts   Options
	vocab  *model.StatusVocabulary
	log    logr.Logger
}

// New creates the Jira adapter.
func New(client *Client, opts Options) *Adapter {
	return &Adapter{
		client: client,
		opts:   opts,
		vocab:  model.JiraStatusVocabulary(),
		log:    opts.Logger.WithName("jira"),
	}
}

// Backend returns the Jira backend tag.
func (a *Adapter) Backend() model.Backend {
	return model.BackendJira
}

// Supports reports Jira's capabilities.
func (a *Adapter) Supports(capability kanban.Capability) bool {
	switch capability {
	case kanban.CapabilityComments, kanban.CapabilitySharedState, kanban.CapabilityMarkIgnored:
		return true
	default:
		return false
	}
}

// ListProjects returns the configured project.
func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	project, err := a.client.GetProject(ctx, a.opts.Config.ProjectKey)
	if err != nil {
		return nil, err
	}
	return []model.Project{{
		ID:      project.Key,
		Name:    project.Name,
		Backend: model.BackendJira,
	}}, nil
}

// ListTasks runs a JQL search scoped to the project, honouring an
// explicit JQL filter when provided.
func (a *Adapter) ListTasks(ctx context.Context, projectID string, filters model.ListFilters) ([]model.Task, error) {
	if projectID == "" {
		projectID = a.opts.Config.ProjectKey
	}
	jql := filters.JQL
	if jql == "" {
		clauses := []string{fmt.Sprintf("project = %s", projectID)}
		if filters.Status != "" {
			native, ok := a.vocab.Denormalize(filters.Status)
			if !ok {
				return nil, errors.New(errors.KindInvalidInput, "status %q not configured for jira", filters.Status)
			}
			clauses = append(clauses, fmt.Sprintf("status = %q", native))
		}
		if a.opts.EnforceScope && len(a.opts.ScopeLabels) > 0 {
			quoted := make([]string, 0, len(a.opts.ScopeLabels))
			for _, label := range a.opts.ScopeLabels {
				quoted = append(quoted, strconv.Quote(label))
			}
			clauses = append(clauses, fmt.Sprintf("labels IN (%s)", strings.Join(quoted, ", ")))
		}
		if filters.Assignee != "" {
			clauses = append(clauses, fmt.Sprintf("assignee = %q", filters.Assignee))
		}
		jql = strings.Join(clauses, " AND ") + " ORDER BY updated DESC"
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	fields := append([]string{}, issueFields...)
	for _, fieldID := range a.opts.Config.CustomFields {
		fields = append(fields, fieldID)
	}
	result, err := a.client.SearchJQL(ctx, jql, limit, fields)
	if err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(result.Issues))
	for i := range result.Issues {
		task := a.toTask(&result.Issues[i])
		if a.opts.EnforceScope && !model.HasScopeLabel(result.Issues[i].Fields.Labels, a.opts.ScopeLabels) {
			continue
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

// GetTask returns a single issue with attached shared state.
func (a *Adapter) GetTask(ctx context.Context, id string) (*model.Task, error) {
	issue, err := a.getIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	task := a.toTask(issue)
	if state := a.stateFromCustomFields(issue); state != nil {
		task.SetSharedState(state)
	}
	return task, nil
}

func (a *Adapter) getIssue(ctx context.Context, key string) (*Issue, error) {
	fields := append([]string{}, issueFields...)
	for _, fieldID := range a.opts.Config.CustomFields {
		fields = append(fields, fieldID)
	}
	return a.client.GetIssue(ctx, key, fields)
}

// UpdateTaskStatus transitions the issue and optionally persists shared
// state in the same update. An unavailable transition is fatal.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, status model.Status, opts kanban.UpdateStatusOptions) (*model.Task, error) {
	if !status.IsValid() {
		return nil, errors.New(errors.KindInvalidInput, "unknown status %q", status)
	}
	if err := ValidateIssueKey(id); err != nil {
		return nil, err
	}

	issue, err := a.getIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	current := a.normalizeStatus(issue)
	if current != status {
		transitions, err := a.client.GetTransitions(ctx, id)
		if err != nil {
			return nil, err
		}
		transition, err := a.resolveTransition(transitions, status)
		if err != nil {
			return nil, err
		}
		if err := a.client.DoTransition(ctx, id, transition.ID); err != nil {
			return nil, err
		}
	}

	if opts.SharedState != nil {
		if _, err := a.PersistSharedState(ctx, id, opts.SharedState); err != nil {
			return nil, err
		}
	}
	if len(opts.ProjectFields) > 0 {
		a.log.V(1).Info("project-board fields are not supported on jira; skipping", "issue", id)
	}
	return a.GetTask(ctx, id)
}

// resolveTransition picks a transition for the target status: exact
// target-name match first, then a done-category transition for terminal
// statuses, then the alias whitelist.
func (a *Adapter) resolveTransition(transitions []Transition, status model.Status) (*Transition, error) {
	native, _ := a.vocab.Denormalize(status)
	target := strings.ToLower(native)
	for i := range transitions {
		if strings.ToLower(transitions[i].To.Name) == target || strings.ToLower(transitions[i].Name) == target {
			return &transitions[i], nil
		}
	}
	if status.IsTerminal() {
		for i := range transitions {
			if strings.ToLower(transitions[i].To.StatusCategory.Key) == "done" {
				return &transitions[i], nil
			}
		}
	}
	for _, alias := range model.JiraTransitionAliases[status] {
		for i := range transitions {
			if strings.ToLower(transitions[i].To.Name) == alias || strings.ToLower(transitions[i].Name) == alias {
				return &transitions[i], nil
			}
		}
	}
	return nil, errors.New(errors.KindFatal, "no jira transition available for status %q", status)
}

// UpdateTask applies a partial update, merging labels by set difference
// so system and scope labels survive.
func (a *Adapter) UpdateTask(ctx context.Context, id string, patch model.Patch) (*model.Task, error) {
	if err := ValidateIssueKey(id); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	update := map[string]any{}

	if patch.Title != nil {
		fields["summary"] = *patch.Title
	}
	if patch.Description != nil {
		fields["description"] = ADFDocument(*patch.Description)
	}
	if patch.Priority != nil {
		fields["priority"] = map[string]string{"name": jiraPriorityName(*patch.Priority)}
	}
	if patch.Assignee != nil {
		if *patch.Assignee == "" {
			fields["assignee"] = nil
		} else {
			fields["assignee"] = map[string]string{"accountId": *patch.Assignee}
		}
	}
	if patch.Tags != nil {
		issue, err := a.getIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		add, remove := model.MergeTagSets(issue.Fields.Labels, patch.Tags, a.vocab)
		ops := make([]map[string]string, 0, len(add)+len(remove))
		for _, label := range add {
			ops = append(ops, map[string]string{"add": label})
		}
		for _, label := range remove {
			ops = append(ops, map[string]string{"remove": label})
		}
		if len(ops) > 0 {
			update["labels"] = ops
		}
	}
	if patch.BaseBranch != nil {
		if fieldID := a.opts.Config.CustomFields[config.JiraFieldBaseBranch]; fieldID != "" {
			fields[fieldID] = *patch.BaseBranch
		}
	}

	if len(fields) > 0 || len(update) > 0 {
		if err := a.client.UpdateIssue(ctx, id, fields, update); err != nil {
			return nil, err
		}
	}
	if patch.Status != nil {
		return a.UpdateTaskStatus(ctx, id, *patch.Status, kanban.UpdateStatusOptions{})
	}
	return a.GetTask(ctx, id)
}

// CreateTask creates an issue with the scope label, status- and
// draft-derived labels, and the upstream-branch label applied.
func (a *Adapter) CreateTask(ctx context.Context, projectID string, data model.CreateData) (*model.Task, error) {
	if data.Title == "" {
		return nil, errors.New(errors.KindInvalidInput, "task title is required")
	}
	if projectID == "" {
		projectID = a.opts.Config.ProjectKey
	}
	if projectID == "" {
		return nil, errors.New(errors.KindFatal, "jira project key is not configured")
	}

	labels := append([]string{}, data.Tags...)
	if len(a.opts.ScopeLabels) > 0 {
		labels = append(labels, a.opts.ScopeLabels[0])
	}
	if data.Draft || data.Status == model.StatusDraft {
		labels = append(labels, "draft")
	}
	if branch := model.DeriveBaseBranch(data.BaseBranch, data.Tags, data.Description); branch != "" {
		labels = append(labels, model.UpstreamBranchLabel(branch))
	}
	// Jira labels cannot contain spaces.
	for i, label := range labels {
		labels[i] = strings.ReplaceAll(strings.TrimSpace(label), " ", "-")
	}

	issueType := a.opts.Config.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	fields := map[string]any{
		"project":   map[string]string{"key": projectID},
		"summary":   data.Title,
		"issuetype": map[string]string{"name": issueType},
		"labels":    labels,
	}
	if data.Description != "" {
		fields["description"] = ADFDocument(data.Description)
	}
	if data.Priority != "" {
		fields["priority"] = map[string]string{"name": jiraPriorityName(data.Priority)}
	}
	if data.Assignee != "" {
		fields["assignee"] = map[string]string{"accountId": data.Assignee}
	}
	if parent := a.opts.Config.SubtaskParentKey; parent != "" && strings.EqualFold(issueType, "Sub-task") {
		fields["parent"] = map[string]string{"key": parent}
	}
	if branch := model.DeriveBaseBranch(data.BaseBranch, data.Tags, data.Description); branch != "" {
		if fieldID := a.opts.Config.CustomFields[config.JiraFieldBaseBranch]; fieldID != "" {
			fields[fieldID] = branch
		}
	}

	created, err := a.client.CreateIssue(ctx, fields)
	if err != nil {
		return nil, err
	}

	// Requested non-draft statuses other than the creation default need a
	// follow-up transition.
	if data.Status != "" && data.Status != model.StatusDraft && data.Status != model.StatusTodo {
		if _, err := a.UpdateTaskStatus(ctx, created.Key, data.Status, kanban.UpdateStatusOptions{}); err != nil {
			a.log.Error(err, "failed to transition new issue to requested status",
				"issue", created.Key, "status", data.Status)
		}
	}
	return a.GetTask(ctx, created.Key)
}

// DeleteTask soft-deletes by transitioning to a terminal state.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	if _, err := a.UpdateTaskStatus(ctx, id, model.StatusCancelled, kanban.UpdateStatusOptions{}); err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddComment posts a comment, defaulting to ADF and retrying once with a
// plain-text body when the tenant rejects ADF. Best-effort.
func (a *Adapter) AddComment(ctx context.Context, id, body string) (bool, error) {
	if err := a.addComment(ctx, id, body); err != nil {
		a.log.V(1).Info("failed to add comment", "issue", id, "error", err.Error())
		return false, nil
	}
	return true, nil
}

func (a *Adapter) addComment(ctx context.Context, id, body string) error {
	if a.opts.Config.UseADFComments {
		_, err := a.client.AddComment(ctx, id, map[string]any{"body": ADFDocument(body)})
		if err == nil {
			return nil
		}
		if !IsADFRejection(err) {
			return err
		}
	}
	_, err := a.client.AddComment(ctx, id, map[string]any{"body": body})
	return err
}

// PersistSharedState writes the claim record: exactly one codex label (the
// other two removed in the same update), any configured custom fields,
// and the structured state comment. The comment is only written after the
// label step succeeds. Retries once on transient failure.
func (a *Adapter) PersistSharedState(ctx context.Context, id string, state *model.SharedState) (bool, error) {
	if !state.Valid() {
		return false, errors.New(errors.KindInvalidInput, "invalid shared state for issue %s", id)
	}
	if err := ValidateIssueKey(id); err != nil {
		return false, err
	}

	retryCfg := errors.RetryConfig{MaxAttempts: 2, InitialDelay: errors.DefaultRetryConfig().InitialDelay,
		MaxDelay: errors.DefaultRetryConfig().MaxDelay, BackoffFactor: 2}
	err := errors.Retry(ctx, a.log, retryCfg, "persist shared state", func() error {
		return a.persistSharedStateOnce(ctx, id, state)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) persistSharedStateOnce(ctx context.Context, id string, state *model.SharedState) error {
	labels := a.opts.Config.Labels
	byStatus := map[model.ClaimStatus]string{
		model.ClaimStatusClaimed: labels.Claimed,
		model.ClaimStatusWorking: labels.Working,
		model.ClaimStatusStale:   labels.Stale,
	}

	// One update carries the label flip and the custom fields, so
	// concurrent observers never see two claim labels.
	ops := []map[string]string{{"add": byStatus[state.Status]}}
	for status, label := range byStatus {
		if status != state.Status && label != "" {
			ops = append(ops, map[string]string{"remove": label})
		}
	}
	fields := a.sharedStateFields(state)
	if err := a.client.UpdateIssue(ctx, id, fields, map[string]any{"labels": ops}); err != nil {
		return err
	}

	// Label step succeeded; now the sentinel comment.
	return a.writeStateComment(ctx, id, state)
}

// sharedStateFields maps the claim record onto configured custom fields.
func (a *Adapter) sharedStateFields(state *model.SharedState) map[string]any {
	custom := a.opts.Config.CustomFields
	fields := map[string]any{}
	set := func(key string, value any) {
		if fieldID := custom[key]; fieldID != "" {
			fields[fieldID] = value
		}
	}
	set(config.JiraFieldOwnerID, state.OwnerID)
	set(config.JiraFieldAttemptToken, state.AttemptToken)
	set(config.JiraFieldAttemptStarted, state.AttemptStarted)
	set(config.JiraFieldHeartbeat, state.Heartbeat)
	set(config.JiraFieldRetryCount, float64(state.RetryCount))
	if fieldID := custom[config.JiraFieldSharedState]; fieldID != "" {
		if encoded, err := model.EncodeStateComment(state); err == nil {
			fields[fieldID] = encoded
		}
	}
	return fields
}

func (a *Adapter) writeStateComment(ctx context.Context, id string, state *model.SharedState) error {
	body, err := model.EncodeStateComment(state)
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, err)
	}
	comments, err := a.client.ListComments(ctx, id)
	if err != nil {
		return err
	}
	payload := map[string]any{"body": body}
	if a.opts.Config.UseADFComments {
		payload = map[string]any{"body": ADFDocument(body)}
	}
	for _, comment := range comments {
		if model.IsStateComment(ADFToText(comment.Body)) {
			if err := a.client.UpdateComment(ctx, id, comment.ID, payload); err != nil {
				if IsADFRejection(err) {
					return a.client.UpdateComment(ctx, id, comment.ID, map[string]any{"body": body})
				}
				return err
			}
			return nil
		}
	}
	if _, err := a.client.AddComment(ctx, id, payload); err != nil {
		if IsADFRejection(err) {
			_, plainErr := a.client.AddComment(ctx, id, map[string]any{"body": body})
			return plainErr
		}
		return err
	}
	return nil
}

// ReadSharedState prefers the structured custom-field read and falls back
// to parsing the sentinel comment. Returns nil when validation fails.
func (a *Adapter) ReadSharedState(ctx context.Context, id string) (*model.SharedState, error) {
	if err := ValidateIssueKey(id); err != nil {
		return nil, err
	}
	issue, err := a.getIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	if state := a.stateFromCustomFields(issue); state != nil {
		return state, nil
	}

	comments, err := a.client.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	// Comments arrive newest first; the first sentinel match wins.
	for _, comment := range comments {
		if state := model.DecodeStateComment(ADFToText(comment.Body)); state != nil {
			return state, nil
		}
	}
	return nil, nil
}

// stateFromCustomFields reconstructs the claim record from configured
// custom fields, returning nil unless the result validates.
func (a *Adapter) stateFromCustomFields(issue *Issue) *model.SharedState {
	custom := a.opts.Config.CustomFields
	if len(custom) == 0 || issue.Fields.CustomFields == nil {
		return nil
	}
	getString := func(key string) string {
		fieldID := custom[key]
		if fieldID == "" {
			return ""
		}
		s, _ := issue.Fields.CustomFields[fieldID].(string)
		return s
	}
	state := &model.SharedState{
		OwnerID:        getString(config.JiraFieldOwnerID),
		AttemptToken:   getString(config.JiraFieldAttemptToken),
		AttemptStarted: getString(config.JiraFieldAttemptStarted),
		Heartbeat:      getString(config.JiraFieldHeartbeat),
	}
	if fieldID := custom[config.JiraFieldRetryCount]; fieldID != "" {
		if n, ok := issue.Fields.CustomFields[fieldID].(float64); ok {
			state.RetryCount = int(n)
		}
	}
	for _, label := range issue.Fields.Labels {
		switch label {
		case a.opts.Config.Labels.Claimed:
			state.Status = model.ClaimStatusClaimed
		case a.opts.Config.Labels.Working:
			state.Status = model.ClaimStatusWorking
		case a.opts.Config.Labels.Stale:
			state.Status = model.ClaimStatusStale
		}
	}
	if fieldID := custom[config.JiraFieldSharedState]; fieldID != "" && !state.Valid() {
		if encoded, ok := issue.Fields.CustomFields[fieldID].(string); ok {
			if decoded := model.DecodeStateComment(encoded); decoded != nil {
				return decoded
			}
		}
	}
	if !state.Valid() {
		return nil
	}
	return state
}

// MarkTaskIgnored adds the ignore label, fills the ignore-reason field
// when configured, and posts an explanatory comment.
func (a *Adapter) MarkTaskIgnored(ctx context.Context, id, reason string) (bool, error) {
	if err := ValidateIssueKey(id); err != nil {
		return false, err
	}
	fields := map[string]any{}
	if fieldID := a.opts.Config.CustomFields[config.JiraFieldIgnoreReason]; fieldID != "" && reason != "" {
		fields[fieldID] = reason
	}
	update := map[string]any{
		"labels": []map[string]string{{"add": a.opts.Config.Labels.Ignore}},
	}
	if err := a.client.UpdateIssue(ctx, id, fields, update); err != nil {
		return false, err
	}
	a.AddComment(ctx, id, "OpenFleet: task ignored. Reason: "+reason)
	return true, nil
}

// toTask converts a Jira issue to the canonical task model.
func (a *Adapter) toTask(issue *Issue) *model.Task {
	task := &model.Task{
		ID:          issue.Key,
		Title:       issue.Fields.Summary,
		Description: ADFToText(issue.Fields.Description),
		Status:      a.normalizeStatus(issue),
		Tags:        model.NormalizeTags(issue.Fields.Labels, a.vocab),
		ProjectID:   issue.Fields.Project.Key,
		CreatedAt:   ParseTime(issue.Fields.Created),
		UpdatedAt:   ParseTime(issue.Fields.Updated),
		Backend:     model.BackendJira,
	}
	if issue.Fields.Assignee != nil {
		task.Assignee = issue.Fields.Assignee.AccountID
	}
	if issue.Fields.Priority != nil {
		task.Priority = model.NormalizePriority(issue.Fields.Priority.Name)
	}
	for _, label := range issue.Fields.Labels {
		if strings.EqualFold(label, "draft") {
			task.Draft = true
			task.Status = model.StatusDraft
		}
	}
	task.BaseBranch = model.DeriveBaseBranch(
		a.baseBranchField(issue), issue.Fields.Labels, task.Description)
	task.SetBaseBranchMeta(task.BaseBranch)
	return task
}

func (a *Adapter) baseBranchField(issue *Issue) string {
	fieldID := a.opts.Config.CustomFields[config.JiraFieldBaseBranch]
	if fieldID == "" || issue.Fields.CustomFields == nil {
		return ""
	}
	s, _ := issue.Fields.CustomFields[fieldID].(string)
	return s
}

// normalizeStatus maps a Jira status onto the canonical enum: the done
// category forces done, otherwise the vocabulary decides.
func (a *Adapter) normalizeStatus(issue *Issue) model.Status {
	status := a.vocab.Normalize(issue.Fields.Status.Name)
	if strings.ToLower(issue.Fields.Status.StatusCategory.Key) == "done" && !status.IsTerminal() {
		return model.StatusDone
	}
	return status
}

// jiraPriorityName maps a canonical priority to Jira's priority scheme.
func jiraPriorityName(p model.Priority) string {
	switch p {
	case model.PriorityCritical:
		return "Highest"
	case model.PriorityHigh:
		return "High"
	case model.PriorityLow:
		return "Low"
	default:
		return "Medium"
	}
}

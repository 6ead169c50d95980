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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/virtengine/openfleet/internal/errors"
)

// fieldsCacheTTL bounds how long a project's field list is reused.
const fieldsCacheTTL = 5 * time.Minute

// ProjectField describes one Projects-v2 field.
type ProjectField struct {
	ID       string
	Name     string
	DataType string
	Options  []FieldOption
}

// FieldOption is a single-select option or an iteration.
type FieldOption struct {
	ID    string
	Title string
}

// fieldsEntry is one fields-cache slot.
type fieldsEntry struct {
	fetchedAt     time.Time
	fields        []ProjectField
	statusFieldID string
	statusOptions []FieldOption
}

// ProjectsClient drives the Projects-v2 GraphQL API. It maintains three
// caches with distinct lifetimes: project node ids and item ids live for
// the session, the field list for five minutes.
type ProjectsClient struct {
	httpClient *http.Client
	url        string
	owner      string
	repoOwner  string
	repoName   string
	log        logr.Logger

	mu          sync.RWMutex
	nodeIDCache map[int]string    // project number → node id (session)
	itemIDCache map[string]string // "number:issue" → item id (session)
	fieldsCache map[int]fieldsEntry
	now         func() time.Time
}

// NewProjectsClient creates a Projects-v2 client over an authenticated
// HTTP client.
func NewProjectsClient(httpClient *http.Client, graphQLURL, owner, repoOwner, repoName string, log logr.Logger) *ProjectsClient {
	return &ProjectsClient{
		httpClient:  httpClient,
		url:         graphQLURL,
		owner:       owner,
		repoOwner:   repoOwner,
		repoName:    repoName,
		log:         log.WithName("projects"),
		nodeIDCache: make(map[int]string),
		itemIDCache: make(map[string]string),
		fieldsCache: make(map[int]fieldsEntry),
		now:         time.Now,
	}
}

// InvalidateFields drops the cached field list for a project, forcing a
// re-fetch on the next update (status option changes).
func (p *ProjectsClient) InvalidateFields(projectNumber int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fieldsCache, projectNumber)
}

// InvalidateProject drops every cache entry for a project (project
// number re-resolution).
func (p *ProjectsClient) InvalidateProject(projectNumber int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodeIDCache, projectNumber)
	delete(p.fieldsCache, projectNumber)
	prefix := fmt.Sprintf("%d:", projectNumber)
	for key := range p.itemIDCache {
		if strings.HasPrefix(key, prefix) {
			delete(p.itemIDCache, key)
		}
	}
}

// UpdateItemFields writes field values for an issue's project item in a
// single batched mutation with one aliased updateProjectV2ItemFieldValue
// per field. Values that fail to resolve are skipped with a warning,
// never silently replaced.
func (p *ProjectsClient) UpdateItemFields(ctx context.Context, projectNumber, issueNumber int, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	projectID, err := p.projectNodeID(ctx, projectNumber)
	if err != nil {
		return err
	}
	itemID, err := p.itemID(ctx, projectNumber, issueNumber)
	if err != nil {
		return err
	}
	fields, err := p.projectFields(ctx, projectNumber)
	if err != nil {
		return err
	}

	byName := make(map[string]ProjectField, len(fields.fields))
	for _, field := range fields.fields {
		byName[strings.ToLower(field.Name)] = field
	}

	var mutations []string
	for name, value := range values {
		field, ok := byName[strings.ToLower(name)]
		if !ok {
			p.log.Info("project field not found; skipping", "field", name, "project", projectNumber)
			continue
		}
		encoded, ok := encodeFieldValue(field, value)
		if !ok {
			p.log.Info("project field value did not resolve; skipping",
				"field", name, "value", value, "project", projectNumber)
			continue
		}
		alias := fmt.Sprintf("f%d", len(mutations))
		mutations = append(mutations, fmt.Sprintf(
			`%s: updateProjectV2ItemFieldValue(input: {projectId: %q, itemId: %q, fieldId: %q, value: %s}) { projectV2Item { id } }`,
			alias, projectID, itemID, field.ID, encoded))
	}
	if len(mutations) == 0 {
		return nil
	}

	query := "mutation { " + strings.Join(mutations, " ") + " }"
	return p.do(ctx, query, nil, nil)
}

// encodeFieldValue encodes a value per field type: single-selects and
// iterations resolve options by id or case-insensitive title, numbers and
// dates pass through typed, everything else is text.
func encodeFieldValue(field ProjectField, value string) (string, bool) {
	switch strings.ToUpper(field.DataType) {
	case "SINGLE_SELECT":
		for _, option := range field.Options {
			if option.ID == value || strings.EqualFold(option.Title, value) {
				return fmt.Sprintf("{singleSelectOptionId: %q}", option.ID), true
			}
		}
		return "", false
	case "ITERATION":
		for _, option := range field.Options {
			if option.ID == value || strings.EqualFold(option.Title, value) {
				return fmt.Sprintf("{iterationId: %q}", option.ID), true
			}
		}
		return "", false
	case "NUMBER":
		return fmt.Sprintf("{number: %s}", value), true
	case "DATE":
		return fmt.Sprintf("{date: %q}", value), true
	default:
		return fmt.Sprintf("{text: %q}", value), true
	}
}

// projectNodeID resolves and caches a project's GraphQL node id.
func (p *ProjectsClient) projectNodeID(ctx context.Context, number int) (string, error) {
	p.mu.RLock()
	id, ok := p.nodeIDCache[number]
	p.mu.RUnlock()
	if ok {
		return id, nil
	}

	// Organization owners are the common case; user projects are the
	// fallback. The two cannot share one query because GitHub reports an
	// error for whichever login type does not match.
	orgQuery := fmt.Sprintf(`query { organization(login: %q) { projectV2(number: %d) { id } } }`, p.owner, number)
	var orgResp struct {
		Organization *struct {
			ProjectV2 *struct{ ID string } `json:"projectV2"`
		} `json:"organization"`
	}
	if err := p.do(ctx, orgQuery, nil, &orgResp); err == nil &&
		orgResp.Organization != nil && orgResp.Organization.ProjectV2 != nil {
		id = orgResp.Organization.ProjectV2.ID
	} else {
		userQuery := fmt.Sprintf(`query { user(login: %q) { projectV2(number: %d) { id } } }`, p.owner, number)
		var userResp struct {
			User *struct {
				ProjectV2 *struct{ ID string } `json:"projectV2"`
			} `json:"user"`
		}
		if err := p.do(ctx, userQuery, nil, &userResp); err != nil {
			return "", err
		}
		if userResp.User == nil || userResp.User.ProjectV2 == nil {
			return "", errors.New(errors.KindNotFound, "project %d not found for owner %s", number, p.owner)
		}
		id = userResp.User.ProjectV2.ID
	}

	p.mu.Lock()
	p.nodeIDCache[number] = id
	p.mu.Unlock()
	return id, nil
}

// itemID resolves and caches the project item id for an issue, adding the
// issue to the project when it is not yet on the board.
func (p *ProjectsClient) itemID(ctx context.Context, projectNumber, issueNumber int) (string, error) {
	key := fmt.Sprintf("%d:%d", projectNumber, issueNumber)
	p.mu.RLock()
	id, ok := p.itemIDCache[key]
	p.mu.RUnlock()
	if ok {
		return id, nil
	}

	query := fmt.Sprintf(`query {
		repository(owner: %q, name: %q) {
			issue(number: %d) {
				id
				projectItems(first: 50) {
					nodes { id project { number } }
				}
			}
		}
	}`, p.repoOwner, p.repoName, issueNumber)

	var resp struct {
		Repository *struct {
			Issue *struct {
				ID           string `json:"id"`
				ProjectItems struct {
					Nodes []struct {
						ID      string `json:"id"`
						Project struct {
							Number int `json:"number"`
						} `json:"project"`
					} `json:"nodes"`
				} `json:"projectItems"`
			} `json:"issue"`
		} `json:"repository"`
	}
	if err := p.do(ctx, query, nil, &resp); err != nil {
		return "", err
	}
	if resp.Repository == nil || resp.Repository.Issue == nil {
		return "", errors.New(errors.KindNotFound, "issue %d not found", issueNumber)
	}
	for _, node := range resp.Repository.Issue.ProjectItems.Nodes {
		if node.Project.Number == projectNumber {
			p.mu.Lock()
			p.itemIDCache[key] = node.ID
			p.mu.Unlock()
			return node.ID, nil
		}
	}

	// Not on the board yet: add it.
	projectID, err := p.projectNodeID(ctx, projectNumber)
	if err != nil {
		return "", err
	}
	mutation := fmt.Sprintf(`mutation {
		addProjectV2ItemById(input: {projectId: %q, contentId: %q}) { item { id } }
	}`, projectID, resp.Repository.Issue.ID)
	var addResp struct {
		AddProjectV2ItemByID struct {
			Item struct{ ID string } `json:"item"`
		} `json:"addProjectV2ItemById"`
	}
	if err := p.do(ctx, mutation, nil, &addResp); err != nil {
		return "", err
	}
	id = addResp.AddProjectV2ItemByID.Item.ID
	if id == "" {
		return "", errors.New(errors.KindTransient, "failed to add issue %d to project %d", issueNumber, projectNumber)
	}
	p.mu.Lock()
	p.itemIDCache[key] = id
	p.mu.Unlock()
	return id, nil
}

// projectFields returns the cached field list, re-fetching past the TTL.
// The TTL check uses the monotonic clock carried by time.Time.
func (p *ProjectsClient) projectFields(ctx context.Context, projectNumber int) (fieldsEntry, error) {
	p.mu.RLock()
	entry, ok := p.fieldsCache[projectNumber]
	p.mu.RUnlock()
	if ok && p.now().Sub(entry.fetchedAt) < fieldsCacheTTL {
		return entry, nil
	}

	projectID, err := p.projectNodeID(ctx, projectNumber)
	if err != nil {
		return fieldsEntry{}, err
	}
	query := fmt.Sprintf(`query {
		node(id: %q) {
			... on ProjectV2 {
				fields(first: 50) {
					nodes {
						... on ProjectV2FieldCommon { id name dataType }
						... on ProjectV2SingleSelectField { id name dataType options { id name } }
						... on ProjectV2IterationField { id name dataType configuration { iterations { id title } } }
					}
				}
			}
		}
	}`, projectID)

	var resp struct {
		Node *struct {
			Fields struct {
				Nodes []struct {
					ID       string `json:"id"`
					Name     string `json:"name"`
					DataType string `json:"dataType"`
					Options  []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
					Configuration *struct {
						Iterations []struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"iterations"`
					} `json:"configuration"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}
	if err := p.do(ctx, query, nil, &resp); err != nil {
		return fieldsEntry{}, err
	}
	if resp.Node == nil {
		return fieldsEntry{}, errors.New(errors.KindNotFound, "project node %s not found", projectID)
	}

	entry = fieldsEntry{fetchedAt: p.now()}
	for _, node := range resp.Node.Fields.Nodes {
		field := ProjectField{ID: node.ID, Name: node.Name, DataType: node.DataType}
		for _, option := range node.Options {
			field.Options = append(field.Options, FieldOption{ID: option.ID, Title: option.Name})
		}
		if node.Configuration != nil {
			for _, iteration := range node.Configuration.Iterations {
				field.Options = append(field.Options, FieldOption{ID: iteration.ID, Title: iteration.Title})
			}
		}
		entry.fields = append(entry.fields, field)
		if strings.EqualFold(field.Name, "Status") {
			entry.statusFieldID = field.ID
			entry.statusOptions = field.Options
		}
	}

	p.mu.Lock()
	p.fieldsCache[projectNumber] = entry
	p.mu.Unlock()
	return entry, nil
}

// do executes one GraphQL request.
func (p *ProjectsClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.FromHTTPStatus(resp.StatusCode, "graphql: status %d: %s", resp.StatusCode, string(raw))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.New(errors.KindTransient, "graphql: unparseable response: %v", err)
	}
	if len(envelope.Errors) > 0 {
		return errors.New(errors.KindTransient, "graphql: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errors.New(errors.KindTransient, "graphql: failed to decode data: %v", err)
		}
	}
	return nil
}

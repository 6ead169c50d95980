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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/virtengine/openfleet/internal/errors"
)

// ClientConfig represents the configuration for a Jira client.
type ClientConfig struct {
	BaseURL  string
	Email    string
	APIToken string
	Timeout  time.Duration
}

// Client is a Jira REST v3 client with token-bucket rate limiting.
// Authentication is HTTP Basic with base64(email:token).
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// issueKeyRe validates Jira issue keys; violations fail fast.
var issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+$`)

// ValidateIssueKey rejects malformed issue keys before any network call.
func ValidateIssueKey(key string) error {
	if !issueKeyRe.MatchString(key) {
		return errors.New(errors.KindInvalidInput, "invalid Jira issue key %q", key)
	}
	return nil
}

// NewClient creates a new Jira client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New(errors.KindFatal, "jira base URL is required")
	}
	if config.Email == "" || config.APIToken == "" {
		return nil, errors.New(errors.KindFatal, "jira email and API token are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

// GetIssue returns an issue with the given fields (all when empty).
func (c *Client) GetIssue(ctx context.Context, key string, fields []string) (*Issue, error) {
	if err := ValidateIssueKey(key); err != nil {
		return nil, err
	}
	endpoint := "/rest/api/3/issue/" + key
	if len(fields) > 0 {
		params := url.Values{}
		params.Set("fields", strings.Join(fields, ","))
		endpoint += "?" + params.Encode()
	}
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	return decodeIssue(raw)
}

// SearchJQL runs a JQL search against the current /search/jql endpoint,
// falling back to the legacy /search endpoint when the tenant reports the
// new API as unavailable (404/410 or an "api has been removed" message).
func (c *Client) SearchJQL(ctx context.Context, jql string, maxResults int, fields []string) (*SearchResult, error) {
	params := url.Values{}
	params.Set("jql", jql)
	if maxResults > 0 {
		params.Set("maxResults", fmt.Sprintf("%d", maxResults))
	}
	if len(fields) > 0 {
		params.Set("fields", strings.Join(fields, ","))
	}

	var raw json.RawMessage
	err := c.doRequest(ctx, http.MethodGet, "/rest/api/3/search/jql?"+params.Encode(), nil, &raw)
	if err != nil && shouldFallBackToLegacySearch(err) {
		err = c.doRequest(ctx, http.MethodGet, "/rest/api/3/search?"+params.Encode(), nil, &raw)
	}
	if err != nil {
		return nil, err
	}
	var result SearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.New(errors.KindTransient, "failed to decode search result: %v", err)
	}
	for i := range result.Issues {
		result.Issues[i].Fields.CustomFields = extractCustomFieldsFromIssue(raw, i)
	}
	return &result, nil
}

func shouldFallBackToLegacySearch(err error) bool {
	if errors.IsKind(err, errors.KindNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "api has been removed")
}

// GetProject returns project information.
func (c *Client) GetProject(ctx context.Context, key string) (*Project, error) {
	var project Project
	if err := c.doRequest(ctx, http.MethodGet, "/rest/api/3/project/"+url.PathEscape(key), nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// CreateIssue creates an issue from raw fields.
func (c *Client) CreateIssue(ctx context.Context, fields map[string]any) (*CreateIssueResponse, error) {
	body := map[string]any{"fields": fields}
	var created CreateIssueResponse
	if err := c.doRequest(ctx, http.MethodPost, "/rest/api/3/issue", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateIssue applies a field update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, key string, fields map[string]any, update map[string]any) error {
	if err := ValidateIssueKey(key); err != nil {
		return err
	}
	body := map[string]any{}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	if len(update) > 0 {
		body["update"] = update
	}
	return c.doRequest(ctx, http.MethodPut, "/rest/api/3/issue/"+key, body, nil)
}

// GetTransitions returns the transitions currently available on an issue.
func (c *Client) GetTransitions(ctx context.Context, key string) ([]Transition, error) {
	if err := ValidateIssueKey(key); err != nil {
		return nil, err
	}
	var resp TransitionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/rest/api/3/issue/"+key+"/transitions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// DoTransition executes a workflow transition.
func (c *Client) DoTransition(ctx context.Context, key, transitionID string) error {
	if err := ValidateIssueKey(key); err != nil {
		return err
	}
	body := map[string]any{"transition": map[string]string{"id": transitionID}}
	return c.doRequest(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/transitions", body, nil)
}

// ListComments returns an issue's comments, newest first.
func (c *Client) ListComments(ctx context.Context, key string) ([]Comment, error) {
	if err := ValidateIssueKey(key); err != nil {
		return nil, err
	}
	var page CommentPage
	endpoint := "/rest/api/3/issue/" + key + "/comment?orderBy=-created&maxResults=100"
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}
	return page.Comments, nil
}

// AddComment posts a comment body (ADF document or plain wrapper).
func (c *Client) AddComment(ctx context.Context, key string, body map[string]any) (*Comment, error) {
	if err := ValidateIssueKey(key); err != nil {
		return nil, err
	}
	var comment Comment
	if err := c.doRequest(ctx, http.MethodPost, "/rest/api/3/issue/"+key+"/comment", body, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// UpdateComment edits an existing comment.
func (c *Client) UpdateComment(ctx context.Context, key, commentID string, body map[string]any) error {
	if err := ValidateIssueKey(key); err != nil {
		return err
	}
	return c.doRequest(ctx, http.MethodPut, "/rest/api/3/issue/"+key+"/comment/"+commentID, body, nil)
}

// doRequest performs an HTTP request with rate limiting and
// authentication, decoding the JSON response into result.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, result any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.KindInvalidInput, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reader)
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.config.Email, c.config.APIToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && (len(apiErr.ErrorMessages) > 0 || len(apiErr.Errors) > 0) {
			return errors.FromHTTPStatus(resp.StatusCode, "jira %s %s: status %d: %s",
				method, endpoint, resp.StatusCode, apiErr.Error())
		}
		return errors.FromHTTPStatus(resp.StatusCode, "jira %s %s: status %d: %s",
			method, endpoint, resp.StatusCode, string(raw))
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return errors.New(errors.KindTransient, "jira %s %s: failed to decode response: %v",
				method, endpoint, err)
		}
	}
	return nil
}

// decodeIssue unmarshals an issue while capturing customfield_* values.
func decodeIssue(raw json.RawMessage) (*Issue, error) {
	var issue Issue
	if err := json.Unmarshal(raw, &issue); err != nil {
		return nil, errors.New(errors.KindTransient, "failed to decode issue: %v", err)
	}
	var generic struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &generic); err == nil {
		issue.Fields.CustomFields = customFieldsFromMap(generic.Fields)
	}
	return &issue, nil
}

func customFieldsFromMap(fields map[string]json.RawMessage) map[string]any {
	custom := make(map[string]any)
	for name, value := range fields {
		if !strings.HasPrefix(name, "customfield_") {
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err == nil && decoded != nil {
			custom[name] = decoded
		}
	}
	return custom
}

// extractCustomFieldsFromIssue re-decodes a search result entry to
// recover its customfield_* values.
func extractCustomFieldsFromIssue(raw json.RawMessage, index int) map[string]any {
	var generic struct {
		Issues []struct {
			Fields map[string]json.RawMessage `json:"fields"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil || index >= len(generic.Issues) {
		return nil
	}
	return customFieldsFromMap(generic.Issues[index].Fields)
}

// ParseTime parses Jira's timestamp format, falling back to RFC3339.
func ParseTime(value string) time.Time {
	if t, err := time.Parse("2006-01-02T15:04:05.000-0700", value); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, value)
	return t
}

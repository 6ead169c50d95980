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

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/virtengine/openfleet/internal/errors"
	"github.com/virtengine/openfleet/internal/model"
)

// httpPool consumes the agent-pool supervisor over its local REST
// endpoint. The supervisor owns process lifecycles; this client only
// relays dispatch and registry queries.
type httpPool struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPool creates a Pool client for a supervisor at baseURL.
func NewHTTPPool(baseURL string) Pool {
	return &httpPool{
		baseURL: baseURL,
		// Launch blocks for the whole agent run; no client-side timeout.
		httpClient: &http.Client{},
	}
}

func (p *httpPool) EnsureThreadRegistryLoaded(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		var ready struct {
			Ready bool `json:"ready"`
		}
		err := p.do(ctx, http.MethodGet, "/api/threads/registry", nil, &ready)
		if err == nil && ready.Ready {
			return nil
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = fmt.Errorf("thread registry not ready")
			}
			return errors.Wrap(errors.KindTransient, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (p *httpPool) LaunchOrResumeThread(ctx context.Context, task *model.Task, opts LaunchOptions) (*RunResult, error) {
	body := map[string]any{
		"taskKey":                 task.ID,
		"title":                   task.Title,
		"description":             task.Description,
		"worktreePath":            opts.WorktreePath,
		"baseBranch":              opts.BaseBranch,
		"branch":                  opts.Branch,
		"sdk":                     opts.SDK,
		"attempt":                 opts.Attempt,
		"timeoutMs":               opts.Timeout,
		"recoveredFromInProgress": opts.RecoveredFromInProgress,
		"requirementsProfile":     opts.RequirementsProfile,
		"requirementsNotes":       opts.RequirementsNotes,
	}
	var result RunResult
	if err := p.do(ctx, http.MethodPost, "/api/threads/launch", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *httpPool) ExecWithRetry(ctx context.Context, taskKey, command string) (*RunResult, error) {
	body := map[string]any{"taskKey": taskKey, "command": command}
	var result RunResult
	if err := p.do(ctx, http.MethodPost, "/api/threads/exec", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *httpPool) InvalidateThread(taskKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.do(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(taskKey)+"/invalidate", nil, nil)
}

func (p *httpPool) ActiveThreads() []ThreadInfo {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var threads []ThreadInfo
	if err := p.do(ctx, http.MethodGet, "/api/threads", nil, &threads); err != nil {
		return nil
	}
	return threads
}

func (p *httpPool) PoolSDKName() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var info struct {
		SDK string `json:"sdk"`
	}
	if err := p.do(ctx, http.MethodGet, "/api/sdk", nil, &info); err != nil {
		return "codex"
	}
	return info.SDK
}

func (p *httpPool) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.KindInvalidInput, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(errors.KindTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.FromHTTPStatus(resp.StatusCode, "agent pool %s %s: status %d: %s",
			method, path, resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(errors.KindTransient, err)
		}
	}
	return nil
}

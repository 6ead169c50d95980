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

// Package agent declares the agent-pool contract the executor consumes.
// The pool supervises the actual code-generation agent processes; the
// executor identifies threads only by task key and treats everything
// else as opaque.
package agent

import (
	"context"

	"github.com/virtengine/openfleet/internal/model"
)

// LaunchOptions carries the per-dispatch inputs the pool needs.
type LaunchOptions struct {
	WorktreePath string
	BaseBranch   string
	Branch       string
	SDK          string
	Attempt      int
	Timeout      int64

	// RecoveredFromInProgress marks a resume of an interrupted task.
	RecoveredFromInProgress bool

	// RequirementsProfile and RequirementsNotes enrich the agent prompt.
	RequirementsProfile string
	RequirementsNotes   string
}

// RunResult is the outcome of one agent run.
type RunResult struct {
	Success        bool
	Output         string
	Attempts       int
	CommitsCreated int
	PRNumber       string
	PRURL          string
}

// ThreadInfo describes one live agent thread.
type ThreadInfo struct {
	TaskKey   string
	SDK       string
	Resumable bool
}

// Pool is the process supervisor for code-generation agents.
type Pool interface {
	// EnsureThreadRegistryLoaded blocks until the pool has loaded its
	// persisted thread registry. The executor awaits this before running
	// recovery.
	EnsureThreadRegistryLoaded(ctx context.Context) error

	// LaunchOrResumeThread starts (or resumes) the agent thread for a
	// task and blocks until the run completes.
	LaunchOrResumeThread(ctx context.Context, task *model.Task, opts LaunchOptions) (*RunResult, error)

	// ExecWithRetry runs a one-shot command through the pool's retry
	// envelope.
	ExecWithRetry(ctx context.Context, taskKey, command string) (*RunResult, error)

	// InvalidateThread drops any persisted thread for the task key.
	InvalidateThread(taskKey string)

	// ActiveThreads lists the live threads.
	ActiveThreads() []ThreadInfo

	// PoolSDKName reports the SDK the pool routes to when the executor
	// passes "auto".
	PoolSDKName() string
}

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

// Package claims implements the task-claim registry: fleet-wide exclusive
// execution rights for a task id, held as expiring leases. The Redis
// implementation coordinates across workstations; the in-memory one backs
// single-node deployments and tests.
package claims

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Success bool
	Token   string
}

// Registry grants, renews, and releases task claims. A successful claim
// grants exclusive execution rights for the task id across the fleet; a
// renewal extends the lease; release is idempotent.
type Registry interface {
	// ClaimTask attempts to acquire the task. At most one concurrent
	// claim for the same id succeeds.
	ClaimTask(ctx context.Context, taskID string) (ClaimResult, error)

	// RenewClaim extends the lease held by token.
	RenewClaim(ctx context.Context, token string) (bool, error)

	// ReleaseTask releases the lease held by token. Releasing an unknown
	// or expired token succeeds.
	ReleaseTask(ctx context.Context, token string) (bool, error)
}

// memoryRegistry is the in-process Registry.
type memoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	ownerID string
	byTask  map[string]*memoryLease
	byToken map[string]*memoryLease
	now     func() time.Time
}

type memoryLease struct {
	taskID    string
	token     string
	expiresAt time.Time
}

// NewMemory creates an in-memory registry with the given lease TTL.
func NewMemory(ownerID string, ttl time.Duration) Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &memoryRegistry{
		ttl:     ttl,
		ownerID: ownerID,
		byTask:  make(map[string]*memoryLease),
		byToken: make(map[string]*memoryLease),
		now:     time.Now,
	}
}

func (m *memoryRegistry) ClaimTask(ctx context.Context, taskID string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.byTask[taskID]; ok {
		if m.now().Before(lease.expiresAt) {
			return ClaimResult{}, nil
		}
		delete(m.byToken, lease.token)
		delete(m.byTask, taskID)
	}
	lease := &memoryLease{
		taskID:    taskID,
		token:     uuid.New().String(),
		expiresAt: m.now().Add(m.ttl),
	}
	m.byTask[taskID] = lease
	m.byToken[lease.token] = lease
	return ClaimResult{Success: true, Token: lease.token}, nil
}

func (m *memoryRegistry) RenewClaim(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.byToken[token]
	if !ok || m.now().After(lease.expiresAt) {
		return false, nil
	}
	lease.expiresAt = m.now().Add(m.ttl)
	return true, nil
}

func (m *memoryRegistry) ReleaseTask(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.byToken[token]
	if !ok {
		return true, nil
	}
	delete(m.byToken, token)
	delete(m.byTask, lease.taskID)
	return true, nil
}

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

package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClaimStatus is the lifecycle state of a distributed claim.
type ClaimStatus string

const (
	ClaimStatusClaimed ClaimStatus = "claimed"
	ClaimStatusWorking ClaimStatus = "working"
	ClaimStatusStale   ClaimStatus = "stale"
)

// IsValid reports whether c is one of the three permitted claim states.
func (c ClaimStatus) IsValid() bool {
	switch c {
	case ClaimStatusClaimed, ClaimStatusWorking, ClaimStatusStale:
		return true
	default:
		return false
	}
}

// SharedState is the distributed claim record co-located with a task on
// its backend (issue comment, Jira custom fields). It is what lets
// multiple workstations coordinate without a shared database.
type SharedState struct {
	OwnerID        string      `json:"ownerId"`
	AttemptToken   string      `json:"attemptToken"`
	AttemptStarted string      `json:"attemptStarted"`
	Heartbeat      string      `json:"heartbeat"`
	Status         ClaimStatus `json:"status"`
	RetryCount     int         `json:"retryCount"`
}

// Valid reports whether the record carries all five required fields and a
// permitted status. Invalid records are treated as absent everywhere.
func (s *SharedState) Valid() bool {
	if s == nil {
		return false
	}
	if s.OwnerID == "" || s.AttemptToken == "" || s.AttemptStarted == "" || s.Heartbeat == "" {
		return false
	}
	if !s.Status.IsValid() {
		return false
	}
	return s.RetryCount >= 0
}

// OwnerWorkstation returns the workstation half of the ownerId
// ("workstation/agent" format).
func (s *SharedState) OwnerWorkstation() string {
	if i := strings.IndexByte(s.OwnerID, '/'); i >= 0 {
		return s.OwnerID[:i]
	}
	return s.OwnerID
}

// OwnerAgent returns the agent half of the ownerId.
func (s *SharedState) OwnerAgent() string {
	if i := strings.IndexByte(s.OwnerID, '/'); i >= 0 {
		return s.OwnerID[i+1:]
	}
	return ""
}

// CodexLabel returns the codex status label that mirrors the claim state
// on label-capable backends. Exactly one of the three is present on an
// issue at any time.
func (s *SharedState) CodexLabel() string {
	return CodexLabelPrefix + string(s.Status)
}

// CodexLabels returns all three codex status labels.
func CodexLabels() []string {
	return []string{
		CodexLabelPrefix + string(ClaimStatusClaimed),
		CodexLabelPrefix + string(ClaimStatusWorking),
		CodexLabelPrefix + string(ClaimStatusStale),
	}
}

const (
	stateSentinelOpen  = "<!-- openfleet-state"
	stateSentinelClose = "-->"
)

// EncodeStateComment renders the structured shared-state comment: the
// literal sentinel pair wrapping the JSON record, followed by a
// human-readable summary.
func EncodeStateComment(state *SharedState) (string, error) {
	if !state.Valid() {
		return "", fmt.Errorf("invalid shared state: %+v", state)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal shared state: %w", err)
	}
	var b strings.Builder
	b.WriteString(stateSentinelOpen)
	b.WriteByte('\n')
	b.Write(payload)
	b.WriteByte('\n')
	b.WriteString(stateSentinelClose)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "OpenFleet Status: Agent %s on %s is %s this task.\n",
		state.OwnerAgent(), state.OwnerWorkstation(), state.Status)
	fmt.Fprintf(&b, "Last heartbeat: %s\n", state.Heartbeat)
	return b.String(), nil
}

// DecodeStateComment parses a shared-state record out of a comment body.
// It returns nil when the sentinel is absent, the JSON is malformed, or
// the decoded record fails validation; it never panics on garbage input.
func DecodeStateComment(body string) *SharedState {
	start := strings.Index(body, stateSentinelOpen)
	if start < 0 {
		return nil
	}
	rest := body[start+len(stateSentinelOpen):]
	end := strings.Index(rest, stateSentinelClose)
	if end < 0 {
		return nil
	}
	raw := strings.TrimSpace(rest[:end])
	var state SharedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil
	}
	if !state.Valid() {
		return nil
	}
	return &state
}

// IsStateComment reports whether a comment body carries the sentinel.
func IsStateComment(body string) bool {
	return strings.Contains(body, stateSentinelOpen)
}

// NewSharedState builds a fresh claim record for an owner and attempt
// token, timestamped now.
func NewSharedState(ownerID, attemptToken string, now time.Time) *SharedState {
	ts := now.UTC().Format(time.RFC3339)
	return &SharedState{
		OwnerID:        ownerID,
		AttemptToken:   attemptToken,
		AttemptStarted: ts,
		Heartbeat:      ts,
		Status:         ClaimStatusClaimed,
	}
}

// Touch updates the heartbeat timestamp.
func (s *SharedState) Touch(now time.Time) {
	s.Heartbeat = now.UTC().Format(time.RFC3339)
}

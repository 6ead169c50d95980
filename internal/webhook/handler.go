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

// Package webhook is the ingestion surface for project-board events:
// HMAC-verified, size-capped, idempotently dispatched into the sync
// engine, with failure-streak alerting and process-scoped metrics.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/syncengine"
)

// maxBodyBytes caps the webhook request body unconditionally.
const maxBodyBytes = 1 << 20

// processedEventType is the only event type the intake processes.
const processedEventType = "projects_v2_item"

// SyncEngine is the collaborator the intake dispatches into. SyncTask is
// not assumed idempotent but must be safe to invoke repeatedly on the
// same id.
type SyncEngine interface {
	Status() syncengine.Status
	SyncTask(ctx context.Context, id string) error
	FullSync(ctx context.Context) error
}

// Alerter receives failure-streak alerts.
type Alerter interface {
	Alert(message string)
}

// issueURLRe extracts an issue number from any content URL in the
// payload.
var issueURLRe = regexp.MustCompile(`/issues/(\d+)`)

// Handler serves the project-sync webhook endpoint.
type Handler struct {
	cfg     config.Webhook
	engine  SyncEngine
	metrics *Metrics
	alerter Alerter
	log     logr.Logger
	now     func() time.Time
}

// NewHandler creates the webhook handler.
func NewHandler(cfg config.Webhook, engine SyncEngine, metrics *Metrics, alerter Alerter, log logr.Logger) *Handler {
	if cfg.AlertFailureThreshold < 1 {
		cfg.AlertFailureThreshold = 1
	}
	return &Handler{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
		alerter: alerter,
		log:     log.WithName("webhook"),
		now:     time.Now,
	}
}

// Metrics exposes the handler's counters.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// ResetMetrics is the explicit counter reset operation.
func (h *Handler) ResetMetrics() {
	h.metrics.Reset()
}

// Register installs the webhook route on the router: POST plus OPTIONS
// preflight; every other method is 405.
func (h *Handler) Register(router *gin.Engine) {
	path := h.cfg.Path
	if path == "" {
		path = "/api/webhooks/github/project-sync"
	}
	router.POST(path, h.handle)
	router.OPTIONS(path, h.preflight)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead} {
		router.Handle(method, path, func(c *gin.Context) {
			c.AbortWithStatus(http.StatusMethodNotAllowed)
		})
	}
}

func (h *Handler) preflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, X-Hub-Signature-256, X-GitHub-Event")
	c.Status(http.StatusNoContent)
}

func (h *Handler) handle(c *gin.Context) {
	now := h.now()
	h.metrics.Received(now)

	// Body cap is unconditional; an oversized body kills the connection.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.fail(c, http.StatusRequestEntityTooLarge, now, "request body exceeds 1MB")
		c.Abort()
		return
	}

	if h.cfg.SignatureRequired() {
		if !h.verifySignature(c.GetHeader("X-Hub-Signature-256"), body) {
			streak := h.metrics.InvalidSignature(now)
			h.maybeAlert(streak, "invalid webhook signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.fail(c, http.StatusBadRequest, now, "malformed JSON payload")
		return
	}

	if event := c.GetHeader("X-GitHub-Event"); event != processedEventType {
		h.metrics.Ignored()
		h.metrics.Processed()
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "event": event})
		return
	}

	if h.engine == nil {
		streak := h.metrics.Failure(now, "sync engine unavailable")
		h.maybeAlert(streak, "sync engine unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync engine unavailable"})
		return
	}

	before := h.engine.Status().Metrics.RateLimitEvents

	issueNumber, found := extractIssueNumber(payload)
	h.metrics.SyncTriggered()
	var syncErr error
	if found {
		syncErr = h.engine.SyncTask(c.Request.Context(), strconv.Itoa(issueNumber))
	} else {
		syncErr = h.engine.FullSync(c.Request.Context())
	}

	h.metrics.RateLimitObserved(h.engine.Status().Metrics.RateLimitEvents - before)

	if syncErr != nil {
		streak := h.metrics.SyncFailed(now, syncErr.Error())
		h.maybeAlert(streak, fmt.Sprintf("project sync failed: %v", syncErr))
		h.log.Error(syncErr, "sync dispatch failed", "issue", issueNumber)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}

	h.metrics.SyncSucceeded(now)
	response := gin.H{"status": "accepted"}
	if found {
		response["issue"] = issueNumber
	} else {
		response["sync"] = "full"
	}
	c.JSON(http.StatusAccepted, response)
}

func (h *Handler) fail(c *gin.Context, status int, now time.Time, message string) {
	streak := h.metrics.Failure(now, message)
	h.maybeAlert(streak, message)
	c.JSON(status, gin.H{"error": message})
}

// maybeAlert emits an alert when the failure streak crosses a multiple
// of the configured threshold.
func (h *Handler) maybeAlert(streak int64, message string) {
	if h.alerter == nil {
		return
	}
	if streak > 0 && streak%int64(h.cfg.AlertFailureThreshold) == 0 {
		h.metrics.AlertTriggered()
		h.alerter.Alert(fmt.Sprintf("project-sync webhook: %d consecutive failures (last: %s)", streak, message))
	}
}

// verifySignature checks X-Hub-Signature-256 with a constant-time
// comparison.
func (h *Handler) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}

// extractIssueNumber pulls the issue number out of the payload:
// projects_v2_item.content_number|issue_number first, then
// content.number|issue.number, then a regex over any content URL.
func extractIssueNumber(payload map[string]any) (int, bool) {
	if item, ok := payload["projects_v2_item"].(map[string]any); ok {
		if n, ok := numberField(item, "content_number", "issue_number"); ok {
			return n, true
		}
		if n, ok := urlIssueNumber(item); ok {
			return n, true
		}
	}
	for _, key := range []string{"content", "issue"} {
		if obj, ok := payload[key].(map[string]any); ok {
			if n, ok := numberField(obj, "number"); ok {
				return n, true
			}
			if n, ok := urlIssueNumber(obj); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func numberField(obj map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			if v > 0 {
				return int(v), true
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n, true
			}
		}
	}
	return 0, false
}

func urlIssueNumber(obj map[string]any) (int, bool) {
	for _, key := range []string{"content_url", "url", "html_url"} {
		if raw, ok := obj[key].(string); ok {
			if m := issueURLRe.FindStringSubmatch(raw); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil {
					return n, true
				}
			}
		}
	}
	return 0, false
}

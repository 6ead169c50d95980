package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/syncengine"
)

// fakeSyncEngine scripts sync outcomes and records calls.
type fakeSyncEngine struct {
	syncedIDs     []string
	fullSyncs     int
	failWith      error
	rateLimitHits int64
	bumpRateLimit int64
}

func (f *fakeSyncEngine) Status() syncengine.Status {
	return syncengine.Status{Metrics: syncengine.Metrics{RateLimitEvents: f.rateLimitHits}}
}

func (f *fakeSyncEngine) SyncTask(ctx context.Context, id string) error {
	f.syncedIDs = append(f.syncedIDs, id)
	f.rateLimitHits += f.bumpRateLimit
	return f.failWith
}

func (f *fakeSyncEngine) FullSync(ctx context.Context) error {
	f.fullSyncs++
	f.rateLimitHits += f.bumpRateLimit
	return f.failWith
}

// fakeAlerter records alert messages.
type fakeAlerter struct {
	messages []string
}

func (f *fakeAlerter) Alert(message string) {
	f.messages = append(f.messages, message)
}

const defaultPath = "/api/webhooks/github/project-sync"

func newTestHandler(t *testing.T, cfg config.Webhook, engine SyncEngine, alerter Alerter) (*Handler, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler := NewHandler(cfg, engine, NewMetrics(prometheus.NewRegistry()), alerter, logr.Discard())
	router := gin.New()
	handler.Register(router)
	return handler, router
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func post(router *gin.Engine, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, defaultPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_HappyPath(t *testing.T) {
	// Scenario: valid signature, projects_v2_item with content_number 7.
	engine := &fakeSyncEngine{}
	handler, router := newTestHandler(t, config.Webhook{Secret: "s3cret", AlertFailureThreshold: 3}, engine, nil)

	body := []byte(`{"projects_v2_item":{"content_number":7}}`)
	w := post(router, body, map[string]string{
		"X-GitHub-Event":      "projects_v2_item",
		"X-Hub-Signature-256": sign("s3cret", body),
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"7"}, engine.syncedIDs, "syncTask called exactly once with the issue number")

	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Received)
	assert.EqualValues(t, 1, snap.SyncSuccess)
	assert.EqualValues(t, 1, snap.Processed)
	assert.EqualValues(t, 0, snap.ConsecutiveFailures)
	assert.False(t, snap.LastSuccessAt.IsZero())
}

func TestHandler_BadSignature(t *testing.T) {
	engine := &fakeSyncEngine{}
	handler, router := newTestHandler(t, config.Webhook{Secret: "s3cret", AlertFailureThreshold: 3}, engine, nil)

	body := []byte(`{"projects_v2_item":{"content_number":7}}`)
	w := post(router, body, map[string]string{
		"X-GitHub-Event":      "projects_v2_item",
		"X-Hub-Signature-256": "sha256=deadbeef",
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, engine.syncedIDs, "no sync call on a bad signature")

	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.InvalidSignature)
	assert.EqualValues(t, 1, snap.Failed)
	assert.EqualValues(t, 1, snap.ConsecutiveFailures)
}

func TestHandler_SignatureRequiredByFlag(t *testing.T) {
	engine := &fakeSyncEngine{}
	_, router := newTestHandler(t, config.Webhook{RequireSignature: true, AlertFailureThreshold: 1}, engine, nil)

	w := post(router, []byte(`{}`), map[string]string{"X-GitHub-Event": "projects_v2_item"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_BadJSON(t *testing.T) {
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, &fakeSyncEngine{}, nil)

	w := post(router, []byte(`{nope`), map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Failed)
	assert.EqualValues(t, 0, snap.Processed)
}

func TestHandler_IgnoredEventType(t *testing.T) {
	engine := &fakeSyncEngine{}
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, engine, nil)

	w := post(router, []byte(`{"action":"opened"}`), map[string]string{"X-GitHub-Event": "issues"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, engine.syncedIDs)
	assert.Zero(t, engine.fullSyncs)

	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Ignored)
	assert.EqualValues(t, 1, snap.Processed)
}

func TestHandler_FullSyncWhenNoIssueNumber(t *testing.T) {
	engine := &fakeSyncEngine{}
	_, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, engine, nil)

	w := post(router, []byte(`{"projects_v2_item":{"node_id":"x"}}`),
		map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, engine.fullSyncs)
	assert.Empty(t, engine.syncedIDs)
}

func TestHandler_IssueNumberFromContentURL(t *testing.T) {
	engine := &fakeSyncEngine{}
	_, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, engine, nil)

	body := []byte(`{"projects_v2_item":{"content_url":"https://api.github.test/repos/acme/fleet/issues/31"}}`)
	w := post(router, body, map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"31"}, engine.syncedIDs)
}

func TestHandler_SyncFailure(t *testing.T) {
	engine := &fakeSyncEngine{failWith: assert.AnError}
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 5}, engine, nil)

	w := post(router, []byte(`{"issue":{"number":3}}`),
		map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.SyncFailure)
	assert.EqualValues(t, 1, snap.Failed)
	assert.EqualValues(t, 1, snap.ConsecutiveFailures)
	assert.Contains(t, snap.LastError, assert.AnError.Error())
}

func TestHandler_MissingSyncEngine(t *testing.T) {
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, nil, nil)

	w := post(router, []byte(`{"issue":{"number":3}}`),
		map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.EqualValues(t, 1, handler.Metrics().Snapshot().Failed)
}

func TestHandler_OversizeBody(t *testing.T) {
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, &fakeSyncEngine{}, nil)

	big := []byte(`{"pad":"` + strings.Repeat("x", maxBodyBytes+1024) + `"}`)
	w := post(router, big, map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.EqualValues(t, 1, handler.Metrics().Snapshot().Failed)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	_, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, &fakeSyncEngine{}, nil)

	req := httptest.NewRequest(http.MethodGet, defaultPath, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodOptions, defaultPath, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code, "preflight is accepted")
}

func TestHandler_AlertOnFailureStreak(t *testing.T) {
	alerter := &fakeAlerter{}
	engine := &fakeSyncEngine{failWith: assert.AnError}
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 2}, engine, alerter)

	for i := 0; i < 4; i++ {
		post(router, []byte(`{"issue":{"number":3}}`),
			map[string]string{"X-GitHub-Event": "projects_v2_item"})
	}

	// Streak hits 2 and 4: two alerts.
	require.Len(t, alerter.messages, 2)
	assert.Contains(t, alerter.messages[0], "2 consecutive failures")
	assert.Contains(t, alerter.messages[1], "4 consecutive failures")
	assert.EqualValues(t, 2, handler.Metrics().Snapshot().AlertsTriggered)
}

func TestHandler_RateLimitDelta(t *testing.T) {
	engine := &fakeSyncEngine{bumpRateLimit: 2}
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, engine, nil)

	post(router, []byte(`{"issue":{"number":3}}`),
		map[string]string{"X-GitHub-Event": "projects_v2_item"})

	assert.EqualValues(t, 2, handler.Metrics().Snapshot().RateLimitObserved,
		"rate-limit events observed during the sync contribute to the counter")
}

func TestHandler_CounterLaws(t *testing.T) {
	alerter := &fakeAlerter{}
	engine := &fakeSyncEngine{}
	handler, router := newTestHandler(t, config.Webhook{Secret: "s", AlertFailureThreshold: 100}, engine, alerter)

	good := []byte(`{"projects_v2_item":{"content_number":1}}`)
	headers := func(sig string) map[string]string {
		return map[string]string{"X-GitHub-Event": "projects_v2_item", "X-Hub-Signature-256": sig}
	}

	post(router, good, headers(sign("s", good)))                                  // success
	post(router, good, headers("sha256=bad"))                                     // invalid signature
	ignored := []byte(`{}`)
	post(router, ignored, map[string]string{
		"X-GitHub-Event": "push", "X-Hub-Signature-256": sign("s", ignored)})     // ignored
	engine.failWith = assert.AnError
	post(router, good, headers(sign("s", good)))                                  // sync failure
	engine.failWith = nil
	bad := []byte(`{oops`)
	post(router, bad, headers(sign("s", bad)))                                    // bad JSON

	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 5, snap.Received)
	assert.Equal(t, snap.Received, snap.Processed+snap.Failed,
		"every delivery is either processed or failed")
	otherFailures := snap.Failed - snap.InvalidSignature - snap.SyncFailure
	assert.EqualValues(t, 1, otherFailures, "bad JSON is the only other failure")
}

func TestHandler_ResetMetrics(t *testing.T) {
	engine := &fakeSyncEngine{}
	handler, router := newTestHandler(t, config.Webhook{AlertFailureThreshold: 3}, engine, nil)

	post(router, []byte(`{"issue":{"number":3}}`),
		map[string]string{"X-GitHub-Event": "projects_v2_item"})
	require.EqualValues(t, 1, handler.Metrics().Snapshot().Received)

	handler.ResetMetrics()
	snap := handler.Metrics().Snapshot()
	assert.EqualValues(t, 0, snap.Received)
	assert.EqualValues(t, 0, snap.SyncSuccess)
	assert.True(t, snap.LastSuccessAt.IsZero())
}

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

package webhook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the process-scoped project-sync webhook counters. They
// reset only through Reset. Prometheus mirrors the counters; the struct
// remains the source of truth for the counter laws.
type Metrics struct {
	received            atomic.Int64
	processed           atomic.Int64
	ignored             atomic.Int64
	failed              atomic.Int64
	invalidSignature    atomic.Int64
	syncTriggered       atomic.Int64
	syncSuccess         atomic.Int64
	syncFailure         atomic.Int64
	rateLimitObserved   atomic.Int64
	alertsTriggered     atomic.Int64
	consecutiveFailures atomic.Int64

	mu            sync.Mutex
	lastEventAt   time.Time
	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastError     string

	prom *promMetrics
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Received            int64     `json:"received"`
	Processed           int64     `json:"processed"`
	Ignored             int64     `json:"ignored"`
	Failed              int64     `json:"failed"`
	InvalidSignature    int64     `json:"invalidSignature"`
	SyncTriggered       int64     `json:"syncTriggered"`
	SyncSuccess         int64     `json:"syncSuccess"`
	SyncFailure         int64     `json:"syncFailure"`
	RateLimitObserved   int64     `json:"rateLimitObserved"`
	AlertsTriggered     int64     `json:"alertsTriggered"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	LastEventAt         time.Time `json:"lastEventAt"`
	LastSuccessAt       time.Time `json:"lastSuccessAt"`
	LastFailureAt       time.Time `json:"lastFailureAt"`
	LastError           string    `json:"lastError,omitempty"`
}

type promMetrics struct {
	received  prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
	ignored   prometheus.Counter
	invalid   prometheus.Counter
	streak    prometheus.Gauge
}

// NewMetrics creates webhook metrics, registering Prometheus mirrors on
// the given registerer (nil skips registration; tests pass a fresh
// registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	if reg != nil {
		factory := promauto.With(reg)
		m.prom = &promMetrics{
			received: factory.NewCounter(prometheus.CounterOpts{
				Name: "openfleet_webhook_received_total",
				Help: "Total project-sync webhook deliveries received",
			}),
			processed: factory.NewCounter(prometheus.CounterOpts{
				Name: "openfleet_webhook_processed_total",
				Help: "Total webhook deliveries processed",
			}),
			failed: factory.NewCounter(prometheus.CounterOpts{
				Name: "openfleet_webhook_failed_total",
				Help: "Total webhook deliveries that failed",
			}),
			ignored: factory.NewCounter(prometheus.CounterOpts{
				Name: "openfleet_webhook_ignored_total",
				Help: "Total webhook deliveries ignored by event type",
			}),
			invalid: factory.NewCounter(prometheus.CounterOpts{
				Name: "openfleet_webhook_invalid_signature_total",
				Help: "Total webhook deliveries rejected for a bad signature",
			}),
			streak: factory.NewGauge(prometheus.GaugeOpts{
				Name: "openfleet_webhook_consecutive_failures",
				Help: "Current consecutive webhook failure streak",
			}),
		}
	}
	return m
}

// Received records a delivery arrival.
func (m *Metrics) Received(now time.Time) {
	m.received.Add(1)
	m.mu.Lock()
	m.lastEventAt = now
	m.mu.Unlock()
	if m.prom != nil {
		m.prom.received.Inc()
	}
}

// Processed records a handled delivery.
func (m *Metrics) Processed() {
	m.processed.Add(1)
	if m.prom != nil {
		m.prom.processed.Inc()
	}
}

// Ignored records a delivery dropped by event-type filtering.
func (m *Metrics) Ignored() {
	m.ignored.Add(1)
	if m.prom != nil {
		m.prom.ignored.Inc()
	}
}

// InvalidSignature records a rejected signature and extends the failure
// streak. Returns the new streak length.
func (m *Metrics) InvalidSignature(now time.Time) int64 {
	m.invalidSignature.Add(1)
	if m.prom != nil {
		m.prom.invalid.Inc()
	}
	return m.failure(now, "invalid webhook signature")
}

// SyncTriggered records a dispatch into the sync engine.
func (m *Metrics) SyncTriggered() {
	m.syncTriggered.Add(1)
}

// SyncSucceeded records a successful sync dispatch and clears the
// failure streak.
func (m *Metrics) SyncSucceeded(now time.Time) {
	m.processed.Add(1)
	m.syncSuccess.Add(1)
	m.consecutiveFailures.Store(0)
	m.mu.Lock()
	m.lastSuccessAt = now
	m.mu.Unlock()
	if m.prom != nil {
		m.prom.processed.Inc()
		m.prom.streak.Set(0)
	}
}

// SyncFailed records a failed sync dispatch. Returns the streak length.
func (m *Metrics) SyncFailed(now time.Time, errMsg string) int64 {
	m.syncFailure.Add(1)
	return m.failure(now, errMsg)
}

// Failure records a non-sync failure (bad JSON, missing engine).
// Returns the streak length.
func (m *Metrics) Failure(now time.Time, errMsg string) int64 {
	return m.failure(now, errMsg)
}

func (m *Metrics) failure(now time.Time, errMsg string) int64 {
	m.failed.Add(1)
	streak := m.consecutiveFailures.Add(1)
	m.mu.Lock()
	m.lastFailureAt = now
	m.lastError = errMsg
	m.mu.Unlock()
	if m.prom != nil {
		m.prom.failed.Inc()
		m.prom.streak.Set(float64(streak))
	}
	return streak
}

// RateLimitObserved adds observed rate-limit events.
func (m *Metrics) RateLimitObserved(delta int64) {
	if delta > 0 {
		m.rateLimitObserved.Add(delta)
	}
}

// AlertTriggered records an emitted alert.
func (m *Metrics) AlertTriggered() {
	m.alertsTriggered.Add(1)
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	lastEvent, lastSuccess, lastFailure, lastError := m.lastEventAt, m.lastSuccessAt, m.lastFailureAt, m.lastError
	m.mu.Unlock()
	return Snapshot{
		Received:            m.received.Load(),
		Processed:           m.processed.Load(),
		Ignored:             m.ignored.Load(),
		Failed:              m.failed.Load(),
		InvalidSignature:    m.invalidSignature.Load(),
		SyncTriggered:       m.syncTriggered.Load(),
		SyncSuccess:         m.syncSuccess.Load(),
		SyncFailure:         m.syncFailure.Load(),
		RateLimitObserved:   m.rateLimitObserved.Load(),
		AlertsTriggered:     m.alertsTriggered.Load(),
		ConsecutiveFailures: m.consecutiveFailures.Load(),
		LastEventAt:         lastEvent,
		LastSuccessAt:       lastSuccess,
		LastFailureAt:       lastFailure,
		LastError:           lastError,
	}
}

// Reset zeroes every counter. The only way the process-scoped counters
// go backwards.
func (m *Metrics) Reset() {
	m.received.Store(0)
	m.processed.Store(0)
	m.ignored.Store(0)
	m.failed.Store(0)
	m.invalidSignature.Store(0)
	m.syncTriggered.Store(0)
	m.syncSuccess.Store(0)
	m.syncFailure.Store(0)
	m.rateLimitObserved.Store(0)
	m.alertsTriggered.Store(0)
	m.consecutiveFailures.Store(0)
	m.mu.Lock()
	m.lastEventAt, m.lastSuccessAt, m.lastFailureAt = time.Time{}, time.Time{}, time.Time{}
	m.lastError = ""
	m.mu.Unlock()
	if m.prom != nil {
		m.prom.streak.Set(0)
	}
}

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

// Package errors defines the fleet error taxonomy. Every adapter failure
// is classified into one of a small set of kinds that drive retry and
// surfacing behaviour: caller bugs fail fast, transient failures retry,
// unsupported operations degrade to a neutral value with a warning.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Kind categorizes an error for retry and surfacing decisions.
type Kind string

const (
	// KindInvalidInput marks caller bugs; never retried.
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound marks missing resources; propagated as-is.
	KindNotFound Kind = "not_found"

	// KindTransient marks network/subprocess failures; retried inside the
	// adapter or counted against the executor's retry budget.
	KindTransient Kind = "transient"

	// KindRateLimit marks backend throttling; retried exactly once after a
	// configured delay.
	KindRateLimit Kind = "rate_limit"

	// KindUnsupported marks optional operations an adapter does not
	// implement; callers log a warning and use a neutral value.
	KindUnsupported Kind = "unsupported"

	// KindFatal marks misconfiguration and auth failures; never retried.
	KindFatal Kind = "fatal"
)

// Error wraps an underlying error with its kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil; an
// already-classified error keeps its original kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind attached to err, classifying unannotated errors
// by inspection.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return classify(err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimit:
		return true
	default:
		return false
	}
}

// ErrUnsupported is the sentinel returned by adapters for optional
// operations they do not implement. Consumers treat it as a neutral
// result, never as a failure.
var ErrUnsupported = &Error{Kind: KindUnsupported, Err: errors.New("operation not supported by this backend")}

// rateLimitMarkers are the substrings that identify backend throttling in
// error text regardless of transport (REST body, CLI stderr).
var rateLimitMarkers = []string{
	"rate limit",
	"api rate limit exceeded",
	"403 limit",
	"too many requests",
}

// IsRateLimit reports whether an error looks like backend throttling.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindRateLimit) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classify inspects an unannotated error and assigns the closest kind.
func classify(err error) Kind {
	if IsRateLimit(err) {
		return KindRateLimit
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return KindNotFound
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "authentication"):
		return KindFatal
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "temporarily unavailable"):
		return KindTransient
	default:
		return KindTransient
	}
}

// FromHTTPStatus classifies an HTTP response status.
func FromHTTPStatus(status int, format string, args ...any) error {
	kind := KindTransient
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindFatal
	case status >= 400 && status < 500:
		kind = KindInvalidInput
	}
	return New(kind, format, args...)
}

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the retry policy used by adapter internals.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry executes fn until it succeeds, the error is non-retryable, or
// attempts are exhausted. The delay between attempts grows exponentially
// and is preemptible through ctx.
func Retry(ctx context.Context, log logr.Logger, cfg RetryConfig, operation string, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		log.V(1).Info("retrying operation", "operation", operation, "attempt", attempt,
			"delay", delay, "error", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("operation %s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

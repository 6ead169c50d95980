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

// Package alerting delivers operational alerts. Slack is the production
// sink; a log-only sink is the default when no webhook URL is
// configured.
package alerting

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
)

// Sink receives alert messages. Delivery is best-effort: a failing sink
// must never take the caller down with it.
type Sink interface {
	Alert(message string)
}

// slackSink posts alerts to a Slack incoming webhook.
type slackSink struct {
	webhookURL string
	channel    string
	timeout    time.Duration
	log        logr.Logger
}

// NewSlack creates a Slack alert sink.
func NewSlack(webhookURL, channel string, log logr.Logger) Sink {
	return &slackSink{
		webhookURL: webhookURL,
		channel:    channel,
		timeout:    10 * time.Second,
		log:        log.WithName("alerting"),
	}
}

// Alert posts the message. Failures are logged and swallowed.
func (s *slackSink) Alert(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	msg := &slack.WebhookMessage{
		Channel:  s.channel,
		Username: "openfleet",
		Text:     ":rotating_light: " + message,
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		s.log.Error(err, "failed to deliver slack alert")
		return
	}
	s.log.V(1).Info("alert delivered", "message", message)
}

// logSink writes alerts to the log only.
type logSink struct {
	log logr.Logger
}

// NewLog creates the log-only sink.
func NewLog(log logr.Logger) Sink {
	return &logSink{log: log.WithName("alerting")}
}

// Alert logs the message at warning-equivalent level.
func (s *logSink) Alert(message string) {
	s.log.Info("ALERT", "message", message)
}

// FromConfig picks the Slack sink when a webhook URL is configured, the
// log sink otherwise.
func FromConfig(webhookURL, channel string, log logr.Logger) Sink {
	if webhookURL != "" {
		return NewSlack(webhookURL, channel, log)
	}
	return NewLog(log)
}

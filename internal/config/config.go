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

// Package config loads the fleet configuration from an optional YAML file
// with environment-variable overrides. The loaded configuration is
// immutable; components receive the sections they need at construction.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ExecutorMode selects the executor's backend policy.
type ExecutorMode string

const (
	ModeInternal ExecutorMode = "internal"
	ModeHybrid   ExecutorMode = "hybrid"
	ModeVibe     ExecutorMode = "vk"
)

// Executor holds the task-executor configuration (config-file keys with
// env overrides).
type Executor struct {
	Mode                      ExecutorMode  `mapstructure:"mode"`
	MaxParallel               int           `mapstructure:"maxParallel"`
	PollInterval              time.Duration `mapstructure:"pollIntervalMs"`
	SDK                       string        `mapstructure:"sdk"`
	TaskTimeout               time.Duration `mapstructure:"taskTimeoutMs"`
	MaxRetries                int           `mapstructure:"maxRetries"`
	WorkflowOwnsTaskLifecycle bool          `mapstructure:"workflowOwnsTaskLifecycle"`
	NoCommitBlockThreshold    int           `mapstructure:"noCommitBlockThreshold"`
	ReviewAgentEnabled        bool          `mapstructure:"reviewAgentEnabled"`

	BacklogReplenishment Replenishment       `mapstructure:"backlogReplenishment"`
	ProjectRequirements  ProjectRequirements `mapstructure:"projectRequirements"`
}

// Replenishment is the planner trigger envelope.
type Replenishment struct {
	Enabled     bool `mapstructure:"enabled"`
	MinNewTasks int  `mapstructure:"minNewTasks"`
	MaxNewTasks int  `mapstructure:"maxNewTasks"`
}

// ProjectRequirements carries prompt-enrichment inputs.
type ProjectRequirements struct {
	Profile string `mapstructure:"profile"`
	Notes   string `mapstructure:"notes"`
}

// Kanban holds backend selection and scope-label enforcement.
type Kanban struct {
	Backend          string   `mapstructure:"backend"`
	TaskLabel        string   `mapstructure:"taskLabel"`
	ExtraTaskLabels  []string `mapstructure:"extraTaskLabels"`
	EnforceTaskLabel bool     `mapstructure:"enforceTaskLabel"`
}

// ScopeLabels returns the configured scope labels, primary first.
func (k Kanban) ScopeLabels() []string {
	labels := make([]string, 0, 1+len(k.ExtraTaskLabels))
	if k.TaskLabel != "" {
		labels = append(labels, k.TaskLabel)
	}
	labels = append(labels, k.ExtraTaskLabels...)
	return labels
}

// GitHub holds the GitHub adapter configuration.
type GitHub struct {
	Repository        string        `mapstructure:"repository"`
	Token             string        `mapstructure:"token"`
	APIBaseURL        string        `mapstructure:"apiBaseUrl"`
	ProjectMode       string        `mapstructure:"projectMode"`
	ProjectNumber     int           `mapstructure:"projectNumber"`
	ProjectOwner      string        `mapstructure:"projectOwner"`
	ProjectTitle      string        `mapstructure:"projectTitle"`
	ProjectAutoSync   bool          `mapstructure:"projectAutoSync"`
	AutoAssignCreator bool          `mapstructure:"autoAssignCreator"`
	DefaultAssignee   string        `mapstructure:"defaultAssignee"`
	RateLimitRetry    time.Duration `mapstructure:"rateLimitRetryMs"`
}

// Jira holds the Jira adapter configuration.
type Jira struct {
	BaseURL          string            `mapstructure:"baseUrl"`
	Email            string            `mapstructure:"email"`
	APIToken         string            `mapstructure:"apiToken"`
	ProjectKey       string            `mapstructure:"projectKey"`
	IssueType        string            `mapstructure:"issueType"`
	UseADFComments   bool              `mapstructure:"useAdfComments"`
	SubtaskParentKey string            `mapstructure:"subtaskParentKey"`
	Labels           JiraLabels        `mapstructure:"labels"`
	CustomFields     map[string]string `mapstructure:"customFields"`
}

// JiraLabels are the codex claim labels on the Jira side.
type JiraLabels struct {
	Claimed string `mapstructure:"claimed"`
	Working string `mapstructure:"working"`
	Stale   string `mapstructure:"stale"`
	Ignore  string `mapstructure:"ignore"`
}

// Jira custom-field keys recognized in Jira.CustomFields.
const (
	JiraFieldOwnerID        = "ownerId"
	JiraFieldAttemptToken   = "attemptToken"
	JiraFieldAttemptStarted = "attemptStarted"
	JiraFieldHeartbeat      = "heartbeat"
	JiraFieldRetryCount     = "retryCount"
	JiraFieldIgnoreReason   = "ignoreReason"
	JiraFieldSharedState    = "sharedState"
	JiraFieldBaseBranch     = "baseBranch"
)

// Vibe holds the Vibe-Kanban adapter configuration.
type Vibe struct {
	BaseURL string        `mapstructure:"baseUrl"`
	Timeout time.Duration `mapstructure:"timeoutMs"`
}

// Webhook holds the project-sync webhook intake configuration.
type Webhook struct {
	Path                    string `mapstructure:"path"`
	Secret                  string `mapstructure:"secret"`
	RequireSignature        bool   `mapstructure:"requireSignature"`
	AlertFailureThreshold   int    `mapstructure:"alertFailureThreshold"`
	RateLimitAlertThreshold int    `mapstructure:"rateLimitAlertThreshold"`
}

// SignatureRequired reports whether inbound requests must carry a valid
// signature: either explicitly required, or implied by a configured secret.
func (w Webhook) SignatureRequired() bool {
	return w.RequireSignature || w.Secret != ""
}

// Claims holds the task-claim registry configuration.
type Claims struct {
	RedisAddr     string        `mapstructure:"redisAddr"`
	RedisPassword string        `mapstructure:"redisPassword"`
	RedisDB       int           `mapstructure:"redisDb"`
	LeaseTTL      time.Duration `mapstructure:"leaseTtlMs"`
	OwnerID       string        `mapstructure:"ownerId"`
}

// Worktree holds the worktree-manager configuration.
type Worktree struct {
	Root          string        `mapstructure:"root"`
	RepoURL       string        `mapstructure:"repoUrl"`
	DefaultBranch string        `mapstructure:"defaultBranch"`
	StaleAfter    time.Duration `mapstructure:"staleAfterMs"`
	PruneSchedule string        `mapstructure:"pruneSchedule"`
}

// Alerting holds the alert-sink configuration.
type Alerting struct {
	SlackWebhookURL string `mapstructure:"slackWebhookUrl"`
	SlackChannel    string `mapstructure:"slackChannel"`
}

// Agent holds the agent-pool supervisor connection.
type Agent struct {
	PoolURL string `mapstructure:"poolUrl"`
}

// Server holds the HTTP server configuration.
type Server struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

// Logging holds log level and format.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root of the fleet configuration.
type Config struct {
	Executor Executor `mapstructure:"executor"`
	Kanban   Kanban   `mapstructure:"kanban"`
	GitHub   GitHub   `mapstructure:"github"`
	Jira     Jira     `mapstructure:"jira"`
	Vibe     Vibe     `mapstructure:"vibe"`
	Webhook  Webhook  `mapstructure:"webhook"`
	Claims   Claims   `mapstructure:"claims"`
	Worktree Worktree `mapstructure:"worktree"`
	Agent    Agent    `mapstructure:"agent"`
	Alerting Alerting `mapstructure:"alerting"`
	Server   Server   `mapstructure:"server"`
	Logging  Logging  `mapstructure:"logging"`
}

// envBindings maps config keys to their environment variable names. The
// env names are part of the operational contract and never change with
// the config file layout.
var envBindings = map[string]string{
	"executor.mode":                   "EXECUTOR_MODE",
	"executor.maxParallel":            "INTERNAL_EXECUTOR_PARALLEL",
	"executor.sdk":                    "INTERNAL_EXECUTOR_SDK",
	"executor.taskTimeoutMs":          "INTERNAL_EXECUTOR_TIMEOUT_MS",
	"executor.maxRetries":             "INTERNAL_EXECUTOR_MAX_RETRIES",
	"executor.pollIntervalMs":         "INTERNAL_EXECUTOR_POLL_MS",
	"executor.backlogReplenishment.enabled": "INTERNAL_EXECUTOR_REPLENISH_ENABLED",
	"executor.reviewAgentEnabled":     "INTERNAL_EXECUTOR_REVIEW_AGENT_ENABLED",

	"kanban.backend":          "KANBAN_BACKEND",
	"kanban.taskLabel":        "OPENFLEET_TASK_LABEL",
	"kanban.enforceTaskLabel": "OPENFLEET_ENFORCE_TASK_LABEL",

	"github.repository":        "GITHUB_REPOSITORY",
	"github.token":             "GITHUB_TOKEN",
	"github.apiBaseUrl":        "GITHUB_API_URL",
	"github.projectMode":       "GITHUB_PROJECT_MODE",
	"github.projectNumber":     "GITHUB_PROJECT_NUMBER",
	"github.projectOwner":      "GITHUB_PROJECT_OWNER",
	"github.projectTitle":      "GITHUB_PROJECT_TITLE",
	"github.projectAutoSync":   "GITHUB_PROJECT_AUTO_SYNC",
	"github.autoAssignCreator": "GITHUB_AUTO_ASSIGN_CREATOR",
	"github.defaultAssignee":   "GITHUB_DEFAULT_ASSIGNEE",
	"github.rateLimitRetryMs":  "GH_RATE_LIMIT_RETRY_MS",

	"jira.baseUrl":          "JIRA_BASE_URL",
	"jira.email":            "JIRA_EMAIL",
	"jira.apiToken":         "JIRA_API_TOKEN",
	"jira.projectKey":       "JIRA_PROJECT_KEY",
	"jira.issueType":        "JIRA_ISSUE_TYPE",
	"jira.useAdfComments":   "JIRA_USE_ADF_COMMENTS",
	"jira.subtaskParentKey": "JIRA_SUBTASK_PARENT_KEY",
	"jira.labels.claimed":   "JIRA_LABEL_CLAIMED",
	"jira.labels.working":   "JIRA_LABEL_WORKING",
	"jira.labels.stale":     "JIRA_LABEL_STALE",
	"jira.labels.ignore":    "JIRA_LABEL_IGNORE",

	"jira.customFields.ownerId":        "JIRA_CUSTOM_FIELD_OWNER_ID",
	"jira.customFields.attemptToken":   "JIRA_CUSTOM_FIELD_ATTEMPT_TOKEN",
	"jira.customFields.attemptStarted": "JIRA_CUSTOM_FIELD_ATTEMPT_STARTED",
	"jira.customFields.heartbeat":      "JIRA_CUSTOM_FIELD_HEARTBEAT",
	"jira.customFields.retryCount":     "JIRA_CUSTOM_FIELD_RETRY_COUNT",
	"jira.customFields.ignoreReason":   "JIRA_CUSTOM_FIELD_IGNORE_REASON",
	"jira.customFields.sharedState":    "JIRA_CUSTOM_FIELD_SHARED_STATE",
	"jira.customFields.baseBranch":     "JIRA_CUSTOM_FIELD_BASE_BRANCH",

	"vibe.baseUrl": "VK_BASE_URL",

	"webhook.path":                    "GITHUB_PROJECT_WEBHOOK_PATH",
	"webhook.secret":                  "GITHUB_PROJECT_WEBHOOK_SECRET",
	"webhook.requireSignature":        "GITHUB_PROJECT_WEBHOOK_REQUIRE_SIGNATURE",
	"webhook.alertFailureThreshold":   "GITHUB_PROJECT_SYNC_ALERT_FAILURE_THRESHOLD",
	"webhook.rateLimitAlertThreshold": "GITHUB_PROJECT_SYNC_RATE_LIMIT_ALERT_THRESHOLD",

	"claims.redisAddr":     "OPENFLEET_REDIS_ADDR",
	"claims.redisPassword": "OPENFLEET_REDIS_PASSWORD",
	"claims.ownerId":       "OPENFLEET_OWNER_ID",

	"worktree.root":    "OPENFLEET_WORKTREE_ROOT",
	"worktree.repoUrl": "OPENFLEET_WORKTREE_REPO_URL",

	"agent.poolUrl": "OPENFLEET_AGENT_POOL_URL",

	"alerting.slackWebhookUrl": "OPENFLEET_SLACK_WEBHOOK_URL",
	"alerting.slackChannel":    "OPENFLEET_SLACK_CHANNEL",

	"server.addr": "OPENFLEET_SERVER_ADDR",

	"logging.level":  "OPENFLEET_LOG_LEVEL",
	"logging.format": "OPENFLEET_LOG_FORMAT",
}

// Load reads the configuration from the given file (optional; empty path
// skips the file) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	// Env overrides of millisecond keys arrive as strings such as "5000";
	// decode them as integers so msToDuration below can scale them.
	decodeHook := viper.DecodeHook(func(_, to reflect.Type, data any) (any, error) {
		s, ok := data.(string)
		if !ok || to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, nil
		}
		return time.ParseDuration(s)
	})
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Millisecond keys arrive as bare integers; normalize to durations.
	cfg.Executor.PollInterval = msToDuration(v.GetInt64("executor.pollIntervalMs"), cfg.Executor.PollInterval)
	cfg.Executor.TaskTimeout = msToDuration(v.GetInt64("executor.taskTimeoutMs"), cfg.Executor.TaskTimeout)
	cfg.GitHub.RateLimitRetry = msToDuration(v.GetInt64("github.rateLimitRetryMs"), cfg.GitHub.RateLimitRetry)
	cfg.Vibe.Timeout = msToDuration(v.GetInt64("vibe.timeoutMs"), cfg.Vibe.Timeout)
	cfg.Claims.LeaseTTL = msToDuration(v.GetInt64("claims.leaseTtlMs"), cfg.Claims.LeaseTTL)
	cfg.Worktree.StaleAfter = msToDuration(v.GetInt64("worktree.staleAfterMs"), cfg.Worktree.StaleAfter)

	// Viper lowercases map keys; restore the canonical custom-field names.
	if len(cfg.Jira.CustomFields) > 0 {
		fields := make(map[string]string, len(cfg.Jira.CustomFields))
		for key, fieldID := range cfg.Jira.CustomFields {
			for _, name := range []string{JiraFieldOwnerID, JiraFieldAttemptToken, JiraFieldAttemptStarted,
				JiraFieldHeartbeat, JiraFieldRetryCount, JiraFieldIgnoreReason, JiraFieldSharedState, JiraFieldBaseBranch} {
				if strings.EqualFold(key, name) {
					key = name
				}
			}
			fields[key] = fieldID
		}
		cfg.Jira.CustomFields = fields
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("executor.mode", string(ModeInternal))
	v.SetDefault("executor.maxParallel", 3)
	v.SetDefault("executor.pollIntervalMs", 30_000)
	v.SetDefault("executor.sdk", "auto")
	v.SetDefault("executor.taskTimeoutMs", int64(6*time.Hour/time.Millisecond))
	v.SetDefault("executor.maxRetries", 2)
	v.SetDefault("executor.workflowOwnsTaskLifecycle", true)
	v.SetDefault("executor.noCommitBlockThreshold", 3)
	v.SetDefault("executor.backlogReplenishment.enabled", false)

	v.SetDefault("kanban.backend", "internal")
	v.SetDefault("kanban.taskLabel", "openfleet")
	v.SetDefault("kanban.enforceTaskLabel", false)

	v.SetDefault("github.projectMode", "issues")
	v.SetDefault("github.rateLimitRetryMs", 60_000)

	v.SetDefault("jira.issueType", "Task")
	v.SetDefault("jira.useAdfComments", true)
	v.SetDefault("jira.labels.claimed", "codex-claimed")
	v.SetDefault("jira.labels.working", "codex-working")
	v.SetDefault("jira.labels.stale", "codex-stale")
	v.SetDefault("jira.labels.ignore", "codex-ignore")

	v.SetDefault("vibe.baseUrl", "http://127.0.0.1:3001")
	v.SetDefault("vibe.timeoutMs", 15_000)

	v.SetDefault("webhook.path", "/api/webhooks/github/project-sync")
	v.SetDefault("webhook.requireSignature", false)
	v.SetDefault("webhook.alertFailureThreshold", 5)
	v.SetDefault("webhook.rateLimitAlertThreshold", 10)

	v.SetDefault("claims.leaseTtlMs", int64(5*time.Minute/time.Millisecond))

	v.SetDefault("worktree.root", ".openfleet/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.staleAfterMs", int64(48*time.Hour/time.Millisecond))
	v.SetDefault("worktree.pruneSchedule", "@hourly")

	v.SetDefault("agent.poolUrl", "http://127.0.0.1:8790")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func msToDuration(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Executor.Mode {
	case ModeInternal, ModeHybrid, ModeVibe:
	default:
		return fmt.Errorf("unknown executor mode %q", c.Executor.Mode)
	}
	if c.Executor.MaxParallel < 0 {
		return fmt.Errorf("executor.maxParallel must be non-negative, got %d", c.Executor.MaxParallel)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.maxRetries must be non-negative, got %d", c.Executor.MaxRetries)
	}
	if c.Executor.NoCommitBlockThreshold < 1 {
		return fmt.Errorf("executor.noCommitBlockThreshold must be at least 1, got %d", c.Executor.NoCommitBlockThreshold)
	}
	if c.Webhook.AlertFailureThreshold < 1 {
		c.Webhook.AlertFailureThreshold = 1
	}
	if backend := strings.TrimSpace(c.Kanban.Backend); backend != "" {
		switch backend {
		case "internal", "vk", "github", "jira":
		default:
			return fmt.Errorf("unknown kanban backend %q", backend)
		}
	}
	return nil
}

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

// Command openfleet runs the agent-fleet orchestrator: kanban adapters,
// the task executor, and the project-sync webhook surface in one
// process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/virtengine/openfleet/internal/agent"
	"github.com/virtengine/openfleet/internal/alerting"
	"github.com/virtengine/openfleet/internal/claims"
	"github.com/virtengine/openfleet/internal/config"
	"github.com/virtengine/openfleet/internal/executor"
	"github.com/virtengine/openfleet/internal/kanban"
	ghadapter "github.com/virtengine/openfleet/internal/kanban/github"
	"github.com/virtengine/openfleet/internal/kanban/internalstore"
	jiraadapter "github.com/virtengine/openfleet/internal/kanban/jira"
	"github.com/virtengine/openfleet/internal/kanban/vibe"
	"github.com/virtengine/openfleet/internal/logging"
	"github.com/virtengine/openfleet/internal/server"
	"github.com/virtengine/openfleet/internal/syncengine"
	"github.com/virtengine/openfleet/internal/webhook"
	"github.com/virtengine/openfleet/internal/worktree"
)

const shutdownTimeout = 30 * time.Second

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "openfleet",
		Short:         "Distributed agent-fleet orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{
		Level:      logging.LevelFromString(cfg.Logging.Level),
		Format:     logging.FormatFromString(cfg.Logging.Format),
		CallerInfo: true,
	})
	if err != nil {
		return err
	}
	log = log.WithName("openfleet")
	log.Info("starting", "version", version, "backend", cfg.Kanban.Backend, "mode", cfg.Executor.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Prometheus registry for the whole process.
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Kanban adapter registry.
	registry, closeStore, err := buildAdapterRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Task-claim registry: Redis when configured, in-memory otherwise.
	var claimRegistry claims.Registry
	if cfg.Claims.RedisAddr != "" {
		claimRegistry, err = claims.NewRedis(claims.RedisConfig{
			Addr:     cfg.Claims.RedisAddr,
			Password: cfg.Claims.RedisPassword,
			DB:       cfg.Claims.RedisDB,
			OwnerID:  cfg.Claims.OwnerID,
			LeaseTTL: cfg.Claims.LeaseTTL,
		})
		if err != nil {
			return err
		}
		log.Info("claim registry: redis", "addr", cfg.Claims.RedisAddr)
	} else {
		claimRegistry = claims.NewMemory(cfg.Claims.OwnerID, cfg.Claims.LeaseTTL)
		log.Info("claim registry: in-memory (single workstation)")
	}

	// Worktree manager with scheduled pruning.
	worktrees, err := worktree.NewManager(worktree.Config{
		Root:          cfg.Worktree.Root,
		RepoURL:       cfg.Worktree.RepoURL,
		DefaultBranch: cfg.Worktree.DefaultBranch,
		StaleAfter:    cfg.Worktree.StaleAfter,
	}, log)
	if err != nil {
		return err
	}
	scheduler := cron.New()
	if schedule := cfg.Worktree.PruneSchedule; schedule != "" {
		if _, err := scheduler.AddFunc(schedule, func() {
			if _, err := worktrees.PruneStaleWorktrees(); err != nil {
				log.Error(err, "scheduled worktree prune failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid worktree prune schedule %q: %w", schedule, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Sync engine and webhook intake.
	engine := syncengine.New(syncengine.Options{
		Adapters:  registry,
		ProjectID: projectIDFor(cfg),
		Logger:    log,
	})
	alerter := alerting.FromConfig(cfg.Alerting.SlackWebhookURL, cfg.Alerting.SlackChannel, log)
	webhookHandler := webhook.NewHandler(cfg.Webhook, engine, webhook.NewMetrics(promRegistry), alerter, log)

	// Executor.
	ownerID := cfg.Claims.OwnerID
	if ownerID == "" {
		hostname, _ := os.Hostname()
		ownerID = hostname + "/openfleet"
	}
	exec := executor.New(executor.Options{
		Config:    cfg.Executor,
		OwnerID:   ownerID,
		ProjectID: projectIDFor(cfg),
		Adapters:  registry,
		Claims:    claimRegistry,
		Worktrees: worktrees,
		Pool:      agent.NewHTTPPool(cfg.Agent.PoolURL),
		Logger:    log,
	})
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	// HTTP surface.
	router := server.SetupRouter(server.Config{Debug: cfg.Server.Debug}, server.Dependencies{
		Executor:  exec,
		Worktrees: worktrees,
		Webhook:   webhookHandler,
		Registry:  promRegistry,
		Logger:    log,
		StartedAt: time.Now(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := exec.Stop(shutdownCtx); err != nil {
		log.Error(err, "executor drain timed out")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http shutdown failed")
	}
	return nil
}

// buildAdapterRegistry wires the backend factories. Adapters construct
// lazily on first resolution, so an unconfigured backend only fails when
// selected.
func buildAdapterRegistry(cfg *config.Config, log logr.Logger) (*kanban.Registry, func(), error) {
	scope := cfg.Kanban.ScopeLabels()
	enforce := cfg.Kanban.EnforceTaskLabel

	var store *internalstore.Store
	closeStore := func() {
		if store != nil {
			store.Close()
		}
	}

	factories := map[string]kanban.Factory{
		"internal": func() (kanban.Adapter, error) {
			if store == nil {
				var err error
				store, err = internalstore.Open(".openfleet/tasks.db")
				if err != nil {
					return nil, err
				}
			}
			return internalstore.New(store, internalstore.Options{
				ScopeLabels:     scope,
				EnforceScope:    enforce,
				DefaultAssignee: cfg.GitHub.DefaultAssignee,
			}), nil
		},
		"vk": func() (kanban.Adapter, error) {
			return vibe.New(vibe.Options{
				BaseURL:      cfg.Vibe.BaseURL,
				Timeout:      cfg.Vibe.Timeout,
				ScopeLabels:  scope,
				EnforceScope: enforce,
			}), nil
		},
		"github": func() (kanban.Adapter, error) {
			return ghadapter.New(context.Background(), ghadapter.Options{
				Config:       cfg.GitHub,
				ScopeLabels:  scope,
				EnforceScope: enforce,
				Logger:       log,
			})
		},
		"jira": func() (kanban.Adapter, error) {
			client, err := jiraadapter.NewClient(jiraadapter.ClientConfig{
				BaseURL:  cfg.Jira.BaseURL,
				Email:    cfg.Jira.Email,
				APIToken: cfg.Jira.APIToken,
			})
			if err != nil {
				return nil, err
			}
			return jiraadapter.New(client, jiraadapter.Options{
				Config:       cfg.Jira,
				ScopeLabels:  scope,
				EnforceScope: enforce,
				Logger:       log,
			}), nil
		},
	}

	return kanban.NewRegistry(cfg.Kanban.Backend, factories), closeStore, nil
}

// projectIDFor picks the project id the executor and sync engine work
// against for the configured backend.
func projectIDFor(cfg *config.Config) string {
	switch cfg.Kanban.Backend {
	case "github":
		return cfg.GitHub.Repository
	case "jira":
		return cfg.Jira.ProjectKey
	default:
		return ""
	}
}

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

// Package server assembles the fleet's HTTP surface: health endpoints,
// Prometheus metrics, the project-sync webhook, and a small operations
// API over the executor.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virtengine/openfleet/internal/executor"
	"github.com/virtengine/openfleet/internal/webhook"
	"github.com/virtengine/openfleet/internal/worktree"
)

// Config holds router configuration.
type Config struct {
	Debug bool
}

// Dependencies holds everything the router serves.
type Dependencies struct {
	Executor   *executor.Executor
	Worktrees  executor.WorktreeManager
	Webhook    *webhook.Handler
	Registry   *prometheus.Registry
	Logger     logr.Logger
	StartedAt  time.Time
}

// SetupRouter creates and configures the gin router.
func SetupRouter(cfg Config, deps Dependencies) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggingMiddleware(deps.Logger))

	// Health endpoints.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(deps.StartedAt).String(),
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	// Prometheus metrics.
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	// Project-sync webhook.
	if deps.Webhook != nil {
		deps.Webhook.Register(r)
	}

	// Operations API.
	api := r.Group("/api/v1")
	{
		api.GET("/executor/status", func(c *gin.Context) {
			status := gin.H{}
			if deps.Executor != nil {
				status["slots"] = deps.Executor.ActiveSlots()
			}
			if deps.Worktrees != nil {
				status["worktrees"] = deps.Worktrees.GetStats()
			} else {
				status["worktrees"] = worktree.Stats{}
			}
			if deps.Webhook != nil {
				status["webhook"] = deps.Webhook.Metrics().Snapshot()
			}
			c.JSON(http.StatusOK, status)
		})

		api.POST("/executor/pause", func(c *gin.Context) {
			if deps.Executor == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor not running"})
				return
			}
			deps.Executor.Pause()
			c.JSON(http.StatusOK, gin.H{"status": "paused"})
		})

		api.POST("/executor/resume", func(c *gin.Context) {
			if deps.Executor == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor not running"})
				return
			}
			deps.Executor.Resume()
			c.JSON(http.StatusOK, gin.H{"status": "running"})
		})

		api.PUT("/executor/max-parallel", func(c *gin.Context) {
			if deps.Executor == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor not running"})
				return
			}
			var body struct {
				MaxParallel int `json:"maxParallel"`
			}
			if err := c.ShouldBindJSON(&body); err != nil || body.MaxParallel < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "maxParallel must be a non-negative integer"})
				return
			}
			deps.Executor.SetMaxParallel(body.MaxParallel)
			c.JSON(http.StatusOK, gin.H{"maxParallel": body.MaxParallel})
		})

		api.POST("/webhooks/metrics/reset", func(c *gin.Context) {
			if deps.Webhook == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook intake not configured"})
				return
			}
			deps.Webhook.ResetMetrics()
			c.JSON(http.StatusOK, gin.H{"status": "reset"})
		})
	}

	return r
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.V(1).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

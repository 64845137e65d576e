// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the catalog, resolver and download manager over a
// REST API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/codexvault/codexvault/internal/catalog"
	"github.com/codexvault/codexvault/internal/config"
	"github.com/codexvault/codexvault/internal/jobs"
	"github.com/codexvault/codexvault/pkg/metrics"
)

// Server is the HTTP front of the application.
type Server struct {
	cfg     *config.Config
	store   *catalog.Store
	manager *jobs.Manager

	registry   *prometheus.Registry
	httpServer *http.Server
}

// New wires a Server to its store and job manager.
func New(cfg *config.Config, store *catalog.Store, manager *jobs.Manager) *Server {
	registry := prometheus.NewRegistry()
	metrics.RegisterCollectors(registry)
	return &Server{cfg: cfg, store: store, manager: manager, registry: registry}
}

// Router builds the gin handler. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/manuscripts", s.handleListManuscripts)
		api.GET("/manuscripts/:id", s.handleGetManuscript)
		api.DELETE("/manuscripts/:id", s.handleDeleteManuscript)
		api.GET("/manuscripts/:id/snippets", s.handleListSnippets)
		api.POST("/manuscripts/:id/snippets", s.handleSaveSnippet)

		api.POST("/resolve", s.handleResolve)
		api.POST("/download", s.handleStartDownload)

		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id", s.handleGetJob)
		api.DELETE("/jobs/:id", s.handleCancelJob)

		api.GET("/search", s.handleSearch)
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("server shutdown")
		}
	}()

	logrus.WithField("addr", addr).Info("server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("http request")
	}
}

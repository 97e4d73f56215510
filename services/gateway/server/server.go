// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the gateway's HTTP surface: telemetry ingest,
// command and distribution administration, health and metrics. Handlers
// stay thin; all behavior lives in the component packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/edgegate/edgegate/pkg/scheduler"
	"github.com/edgegate/edgegate/services/gateway/buffer"
	"github.com/edgegate/edgegate/services/gateway/command"
	"github.com/edgegate/edgegate/services/gateway/distribution"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
	"github.com/edgegate/edgegate/services/gateway/health"
	"github.com/edgegate/edgegate/services/gateway/uplink"
)

// Config wires the server to the gateway components.
type Config struct {
	Addr string

	// IngestRate and IngestBurst bound the ingest endpoint in records per
	// second. The effective rate shrinks with the admission throttle.
	IngestRate  float64
	IngestBurst int

	Store     *buffer.Store
	Admission *buffer.AdmissionController
	Queue     *command.Queue
	Dist      *distribution.Engine
	Processor *uplink.Processor
	Health    *health.Aggregator

	Logger *slog.Logger
}

// Server is the gateway HTTP front end.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	scaler  *scheduler.Runner
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Dist == nil || cfg.Health == nil {
		return nil, errors.New("store, queue, dist and health are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.IngestRate <= 0 {
		cfg.IngestRate = 1000
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = int(cfg.IngestRate) * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestBurst),
	}

	if cfg.Admission != nil {
		scaler, err := scheduler.NewRunner("ingest-rate-scaler", 5*time.Second, s.scaleLimiter, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.scaler = scaler
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("edgegate"))
	s.routes(router)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/ingest/:table", s.handleIngest)

	v1.POST("/commands", s.handleSubmitCommand)
	v1.GET("/commands", s.handleListCommands)
	v1.GET("/commands/:id", s.handleGetCommand)
	v1.POST("/commands/:id/cancel", s.handleCancelCommand)

	v1.POST("/distributions", s.handleDistribute)
	v1.GET("/distributions", s.handleListJobs)
	v1.GET("/distributions/:id", s.handleGetJob)
	v1.POST("/distributions/:id/cancel", s.handleCancelJob)
	v1.POST("/distributions/:id/retry", s.handleRetryJob)

	if s.cfg.Processor != nil {
		v1.GET("/batches", s.handleListBatches)
	}
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	if s.scaler != nil {
		s.scaler.Start()
	}
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops the rate scaler.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.scaler != nil {
		s.scaler.Stop()
	}
	return s.http.Shutdown(ctx)
}

// scaleLimiter shrinks the ingest rate as the admission throttle grows, so
// clients see back-pressure before the store starts rejecting outright.
func (s *Server) scaleLimiter(ctx context.Context) {
	decision, err := s.cfg.Admission.Evaluate(ctx)
	if err != nil {
		s.logger.Warn("admission probe for rate scaling failed", "error", err)
		return
	}
	scaled := s.cfg.IngestRate * (1 - decision.Metrics.ThrottlePercent/100)
	s.limiter.SetLimit(rate.Limit(scaled))
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.cfg.Health.Report()
	code := http.StatusOK
	if report.Status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

type ingestRequest struct {
	Records  []json.RawMessage `json:"records" binding:"required,min=1"`
	Priority int               `json:"priority"`
}

func (s *Server) handleIngest(c *gin.Context) {
	table := c.Param("table")

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.limiter.AllowN(time.Now(), len(req.Records)) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "ingest rate exceeded"})
		return
	}

	records, err := s.cfg.Store.Enqueue(c.Request.Context(), table, req.Records, req.Priority)
	if err != nil {
		s.renderError(c, err)
		return
	}

	ids := make([]uint64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	c.JSON(http.StatusAccepted, gin.H{"buffered": len(ids), "ids": ids})
}

func (s *Server) handleSubmitCommand(c *gin.Context) {
	var spec command.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := s.cfg.Queue.Enqueue(c.Request.Context(), spec)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cmd)
}

func (s *Server) handleListCommands(c *gin.Context) {
	status := command.Status(c.Query("status"))
	limit := intQuery(c, "limit", 100)
	cmds, err := s.cfg.Queue.List(c.Request.Context(), status, limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

func (s *Server) handleGetCommand(c *gin.Context) {
	cmd, err := s.cfg.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(c *gin.Context) {
	cmd, err := s.cfg.Queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

type distributeRequest struct {
	Policy  distribution.Policy   `json:"policy"`
	Targets []distribution.Target `json:"targets"`
	Options distribution.Options  `json:"options"`
}

func (s *Server) handleDistribute(c *gin.Context) {
	var req distributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.cfg.Dist.Distribute(req.Policy, req.Targets, req.Options)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.cfg.Dist.Jobs()})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.cfg.Dist.Job(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	job, err := s.cfg.Dist.CancelJob(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleRetryJob(c *gin.Context) {
	job, err := s.cfg.Dist.RetryFailedDeliveries(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListBatches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"batches": s.cfg.Processor.Jobs()})
}

// renderError maps component errors to HTTP statuses without leaking
// internals beyond the error class and message.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, command.ErrCommandNotFound), errors.Is(err, distribution.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrInvalidTransition), errors.Is(err, distribution.ErrJobNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		switch gerrors.ClassOf(err) {
		case gerrors.ClassCapacity:
			c.Header("Retry-After", "5")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case gerrors.ClassPermanent:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.logger.Error("request failed", "path", c.FullPath(), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
	}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

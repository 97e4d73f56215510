// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/pkg/logging"
	"github.com/edgegate/edgegate/services/gateway/buffer"
	"github.com/edgegate/edgegate/services/gateway/command"
	"github.com/edgegate/edgegate/services/gateway/config"
	"github.com/edgegate/edgegate/services/gateway/control"
	"github.com/edgegate/edgegate/services/gateway/distribution"
	"github.com/edgegate/edgegate/services/gateway/health"
	"github.com/edgegate/edgegate/services/gateway/server"
	"github.com/edgegate/edgegate/services/gateway/storage"
	"github.com/edgegate/edgegate/services/gateway/uplink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "edgegate",
		LogDir:  cfg.LogDir,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint, cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	storeCfg := storage.DefaultConfig(cfg.DataDir)
	storeCfg.Logger = log
	db, err := storage.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// Buffer pipeline.
	store, err := buffer.NewStore(db, log)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	disk, err := buffer.NewDiskMonitor(buffer.DiskMonitorConfig{
		Path:            cfg.DataDir,
		WarnPercent:     cfg.Thresholds.DiskWarningPercent,
		CriticalPercent: cfg.Thresholds.DiskCriticalPercent,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("disk monitor: %w", err)
	}
	admission, err := buffer.NewAdmissionController(admissionConfig(cfg.Thresholds), disk, buffer.SystemProbes{}, store, log)
	if err != nil {
		return fmt.Errorf("admission controller: %w", err)
	}
	store.SetAdmission(admission)

	retention, err := buffer.NewRetentionManager(buffer.RetentionConfig{
		Interval:             cfg.RetentionInterval,
		MaxAge:               cfg.RetentionMaxAge,
		MaxRetries:           cfg.RetentionMaxRetries,
		EmergencyDiskPercent: cfg.EmergencyDiskPercent,
		Logger:               log,
	}, store, disk, db)
	if err != nil {
		return fmt.Errorf("retention manager: %w", err)
	}

	// Uplink pipeline.
	uplinkClient, err := uplink.NewClient(uplink.ClientConfig{
		BaseURL:        cfg.UplinkBaseURL,
		AttemptTimeout: cfg.UplinkTimeout,
		MaxAttempts:    cfg.UplinkMaxAttempts,
		TLS: uplink.TLSConfig{
			CertFile: cfg.UplinkTLSCert,
			KeyFile:  cfg.UplinkTLSKey,
			CAFile:   cfg.UplinkTLSCA,
		},
		Logger: log,
	}, db)
	if err != nil {
		return fmt.Errorf("uplink client: %w", err)
	}
	processor, err := uplink.NewProcessor(uplink.ProcessorConfig{
		Interval:             cfg.BatchInterval,
		BatchSize:            cfg.BatchSize,
		MaxConcurrent:        cfg.BatchMaxConcurrent,
		CompressionThreshold: cfg.CompressionThreshold,
		Logger:               log,
	}, store, uplinkClient)
	if err != nil {
		return fmt.Errorf("batch processor: %w", err)
	}

	// Command pipeline.
	queue, err := command.NewQueue(command.QueueConfig{
		MaxQueueSize: cfg.CommandMaxQueueSize,
		DefaultTTL:   cfg.CommandDefaultTTL,
		Logger:       log,
	}, db)
	if err != nil {
		return fmt.Errorf("command queue: %w", err)
	}
	if _, err := queue.RecoverExecuting(context.Background()); err != nil {
		return fmt.Errorf("recover commands: %w", err)
	}
	engine, err := command.NewEngine(command.EngineConfig{
		MaxConcurrent: cfg.CommandMaxConcurrent,
		RetryBackoff: backoff.Policy{
			Base:       cfg.CommandRetryDelayBase,
			Multiplier: 2,
			Max:        cfg.CommandRetryDelayMax,
		},
		Logger: log,
	}, queue)
	if err != nil {
		return fmt.Errorf("command engine: %w", err)
	}
	registerExecutors(engine, log)

	// Control channel.
	var channel *control.Channel
	if cfg.ControlURL != "" {
		channel, err = control.NewChannel(control.Config{
			URL:               cfg.ControlURL,
			HeartbeatInterval: cfg.HeartbeatInterval,
			ReconnectBackoff: backoff.Policy{
				Base:       cfg.ReconnectBaseInterval,
				Multiplier: 2,
				Max:        60 * time.Second,
			},
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			MissedHeartbeatLimit: cfg.MissedHeartbeatLimit,
			OutboundQueueLimit:   cfg.OutboundQueueLimit,
			Logger:               log,
		})
		if err != nil {
			return fmt.Errorf("control channel: %w", err)
		}
		// Backend commands arrive over the channel and enter the queue.
		channel.Handle(control.TypeCommand, func(msg control.Message) {
			var spec command.Spec
			if err := json.Unmarshal(msg.Payload, &spec); err != nil {
				log.Warn("malformed command message", "message_id", msg.ID, "error", err)
				return
			}
			if _, err := queue.Enqueue(context.Background(), spec); err != nil {
				log.Warn("enqueue backend command failed", "message_id", msg.ID, "error", err)
			}
		})
	}

	// Distribution engine.
	dist, err := distribution.NewEngine(distribution.Config{
		MaxConcurrentDeliveries: cfg.DistributionMaxConcurrent,
		DefaultMaxAttempts:      cfg.DistributionMaxAttempts,
		DeliveryTimeout:         cfg.DeliveryTimeout,
		Connected: func() bool {
			return channel != nil && channel.State() == control.StateConnected
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("distribution engine: %w", err)
	}
	restDeliverer, err := distribution.NewRestDeliverer(uplinkClient, "")
	if err != nil {
		return fmt.Errorf("rest deliverer: %w", err)
	}
	dist.RegisterDeliverer(distribution.MethodRest, restDeliverer)
	if channel != nil {
		wsDeliverer, err := distribution.NewWebsocketDeliverer(channel)
		if err != nil {
			return fmt.Errorf("websocket deliverer: %w", err)
		}
		dist.RegisterDeliverer(distribution.MethodWebsocket, wsDeliverer)

		// Agents confirm receipt of distributed policies with ack messages.
		channel.Handle(control.TypeAck, func(msg control.Message) {
			var body struct {
				JobID    string `json:"job_id"`
				TargetID string `json:"target_id"`
			}
			if err := json.Unmarshal(msg.Payload, &body); err != nil || body.JobID == "" {
				log.Warn("malformed ack message", "message_id", msg.ID, "error", err)
				return
			}
			if err := dist.Acknowledge(body.JobID, body.TargetID); err != nil {
				log.Warn("policy ack not applied",
					"job_id", body.JobID,
					"target_id", body.TargetID,
					"error", err,
				)
			}
		})
	}

	// Health aggregation.
	agg := health.NewAggregator()
	registerHealthSources(agg, cfg, disk, store, queue, channel)

	// Threshold hot reload.
	if cfg.ThresholdsFile != "" {
		watcher, err := config.NewWatcher(cfg.ThresholdsFile, cfg.Thresholds, func(th config.Thresholds) {
			if err := admission.UpdateThresholds(admissionConfig(th)); err != nil {
				log.Warn("apply reloaded thresholds failed", "error", err)
			}
		}, log)
		if err != nil {
			return fmt.Errorf("thresholds watcher: %w", err)
		}
		defer watcher.Close()
	}

	srv, err := server.New(server.Config{
		Addr:        cfg.ServerAddr,
		IngestRate:  cfg.IngestRatePerSec,
		IngestBurst: cfg.IngestBurst,
		Store:       store,
		Admission:   admission,
		Queue:       queue,
		Dist:        dist,
		Processor:   processor,
		Health:      agg,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	disk.Start()
	retention.Start()
	processor.Start()
	engine.Start()
	dist.Start()
	if channel != nil {
		channel.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", "error", err)
		}

		if channel != nil {
			channel.Stop()
		}
		dist.Stop()
		engine.Stop()
		processor.Stop()
		retention.Stop()
		disk.Stop()
		return nil
	})
	return g.Wait()
}

func admissionConfig(th config.Thresholds) buffer.AdmissionConfig {
	return buffer.AdmissionConfig{
		DiskWarnPercent:     th.DiskWarningPercent,
		DiskCriticalPercent: th.DiskCriticalPercent,
		MemWarnPercent:      th.MemoryCriticalPercent * 0.9,
		MemCriticalPercent:  th.MemoryCriticalPercent,
		MaxRecords:          th.MaxBufferedRecords,
	}
}

// registerExecutors installs the built-in command handlers. Deployments
// extend this set by type.
func registerExecutors(engine *command.Engine, log *slog.Logger) {
	engine.Register("ping", command.ExecutorFunc(
		func(ctx context.Context, cmd *command.Command) (json.RawMessage, error) {
			return json.RawMessage(`{"pong":true}`), nil
		}))
	engine.Register("log_message", command.ExecutorFunc(
		func(ctx context.Context, cmd *command.Command) (json.RawMessage, error) {
			var body struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(cmd.Payload, &body); err != nil {
				return nil, err
			}
			log.Info("backend message", "message", body.Message, "command_id", cmd.ID)
			return nil, nil
		}))
}

func registerHealthSources(agg *health.Aggregator, cfg *config.Config, disk *buffer.DiskMonitor, store *buffer.Store, queue *command.Queue, channel *control.Channel) {
	agg.Register(func() health.Check {
		stats, measured := disk.Snapshot()
		check := health.Check{Component: "disk", Status: health.StatusHealthy}
		switch {
		case measured.IsZero():
			check.Status = health.StatusWarning
			check.Detail = "no measurement yet"
		case stats.UsedPercent >= cfg.Thresholds.DiskCriticalPercent:
			check.Status = health.StatusCritical
			check.Detail = fmt.Sprintf("%.1f%% used", stats.UsedPercent)
		case stats.UsedPercent >= cfg.Thresholds.DiskWarningPercent:
			check.Status = health.StatusWarning
			check.Detail = fmt.Sprintf("%.1f%% used", stats.UsedPercent)
		}
		return check
	})
	agg.Register(func() health.Check {
		check := health.Check{Component: "buffer", Status: health.StatusHealthy}
		count := store.Count()
		if count >= cfg.Thresholds.MaxBufferedRecords {
			check.Status = health.StatusCritical
			check.Detail = fmt.Sprintf("%d records at cap", count)
		} else if float64(count) >= float64(cfg.Thresholds.MaxBufferedRecords)*0.8 {
			check.Status = health.StatusWarning
			check.Detail = fmt.Sprintf("%d records buffered", count)
		}
		return check
	})
	agg.Register(func() health.Check {
		check := health.Check{Component: "command_queue", Status: health.StatusHealthy}
		if queue.Live() >= cfg.CommandMaxQueueSize {
			check.Status = health.StatusWarning
			check.Detail = fmt.Sprintf("%d commands queued", queue.Live())
		}
		return check
	})
	if channel != nil {
		agg.Register(func() health.Check {
			check := health.Check{Component: "control", Status: health.StatusHealthy}
			switch {
			case channel.State() != control.StateConnected:
				check.Status = health.StatusWarning
				check.Detail = string(channel.State())
			case !channel.Healthy():
				check.Status = health.StatusWarning
				check.Detail = "missed heartbeats"
			}
			return check
		})
	}
}

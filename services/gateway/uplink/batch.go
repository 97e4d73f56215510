// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/edgegate/edgegate/pkg/scheduler"
	"github.com/edgegate/edgegate/services/gateway/buffer"
)

// BatchStatus tracks a drained batch through delivery.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// BatchJob describes one drained batch. Retained briefly for inspection.
type BatchJob struct {
	ID             string      `json:"id"`
	TableName      string      `json:"table_name"`
	RecordIDs      []uint64    `json:"record_ids"`
	Priority       int         `json:"priority"`
	Status         BatchStatus `json:"status"`
	Compressed     bool        `json:"compressed"`
	OriginalSize   int         `json:"original_size"`
	CompressedSize int         `json:"compressed_size,omitempty"`
	RetryCount     int         `json:"retry_count"`
	Error          string      `json:"error,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at,omitempty"`
}

// batchEnvelope is the wire format for one uplink batch submission.
type batchEnvelope struct {
	Table   string            `json:"table"`
	Records []json.RawMessage `json:"records"`
}

// ProcessorConfig tunes the batch drain.
type ProcessorConfig struct {
	// Interval between drain cycles. Default: 5s.
	Interval time.Duration

	// BatchSize is the maximum records per batch. Default: 100.
	BatchSize int

	// MaxConcurrent caps in-flight batches. Default: 4.
	MaxConcurrent int

	// CompressionThreshold compresses payloads at or above this size in
	// bytes. Zero disables compression. Default: 4096.
	CompressionThreshold int

	// EndpointPrefix is joined with the table name to form the uplink
	// endpoint. Default: "/v1/telemetry/".
	EndpointPrefix string

	Logger *slog.Logger
}

// Processor drains the durable buffer per (table, priority) into bounded,
// optionally compressed batches and submits them to the uplink client.
//
// Records are removed from the buffer only after a confirmed successful
// delivery; any failure leaves them buffered (with an incremented retry
// count) for the next cycle. The per-cycle batch size also bounds how long
// one priority level can hold the drain, so a saturated high-priority
// stream cannot starve lower priorities indefinitely.
//
// Thread Safety: Safe for concurrent use.
type Processor struct {
	cfg    ProcessorConfig
	store  *buffer.Store
	client *Client
	runner *scheduler.Runner
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	active  map[buffer.TablePriority]struct{}
	recent  []BatchJob
	stopped bool
}

// recentJobsCap bounds the inspection history.
const recentJobsCap = 64

// NewProcessor wires the processor to the buffer store and uplink client.
func NewProcessor(cfg ProcessorConfig, store *buffer.Store, client *Client) (*Processor, error) {
	if store == nil || client == nil {
		return nil, errors.New("store and client are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = 4096
	}
	if cfg.EndpointPrefix == "" {
		cfg.EndpointPrefix = "/v1/telemetry/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Processor{
		cfg:    cfg,
		store:  store,
		client: client,
		logger: cfg.Logger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		active: make(map[buffer.TablePriority]struct{}),
	}
	runner, err := scheduler.NewRunner("batch-processor", cfg.Interval, p.Tick, cfg.Logger)
	if err != nil {
		return nil, err
	}
	p.runner = runner
	return p, nil
}

// Start begins periodic drain cycles.
func (p *Processor) Start() { p.runner.Start() }

// Stop halts drain cycles and waits for in-flight batches to finish.
func (p *Processor) Stop() {
	p.runner.Stop()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Jobs returns recent batch jobs, newest last.
func (p *Processor) Jobs() []BatchJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BatchJob, len(p.recent))
	copy(out, p.recent)
	return out
}

// Tick runs one drain cycle: for every (table, priority) pair holding
// records, start a batch delivery if a concurrency slot is free and that
// pair is not already in flight.
func (p *Processor) Tick(ctx context.Context) {
	pairs, err := p.store.Pending(ctx)
	if err != nil {
		p.logger.Error("list pending drain units failed", "error", err)
		return
	}

	for _, pair := range pairs {
		if !p.tryAcquire(pair) {
			continue
		}
		select {
		case p.sem <- struct{}{}:
		default:
			// Concurrency cap reached; remaining pairs wait a cycle.
			p.release(pair)
			return
		}

		p.wg.Add(1)
		go func(tp buffer.TablePriority) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer p.release(tp)
			// Deliveries run to completion even if the ticker stops;
			// buffered records are only deleted on confirmed success.
			p.drain(context.WithoutCancel(ctx), tp)
		}(pair)
	}
}

// tryAcquire marks a (table, priority) pair in flight. Membership in the
// active set is what guarantees at most one concurrent drain per pair even
// when consecutive ticks observe the same pending records.
func (p *Processor) tryAcquire(tp buffer.TablePriority) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if _, busy := p.active[tp]; busy {
		return false
	}
	p.active[tp] = struct{}{}
	return true
}

func (p *Processor) release(tp buffer.TablePriority) {
	p.mu.Lock()
	delete(p.active, tp)
	p.mu.Unlock()
}

func (p *Processor) drain(ctx context.Context, tp buffer.TablePriority) {
	records, err := p.store.Dequeue(ctx, tp.Table, p.cfg.BatchSize, &tp.Priority)
	if err != nil {
		p.logger.Error("buffer dequeue failed", "table", tp.Table, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	job := BatchJob{
		ID:        uuid.New().String(),
		TableName: tp.Table,
		Priority:  tp.Priority,
		Status:    BatchProcessing,
		StartedAt: time.Now().UTC(),
	}
	ids := make([]uint64, len(records))
	bodies := make([]json.RawMessage, len(records))
	maxRetry := 0
	for i, rec := range records {
		ids[i] = rec.ID
		bodies[i] = rec.Payload
		if rec.RetryCount > maxRetry {
			maxRetry = rec.RetryCount
		}
	}
	job.RecordIDs = ids
	job.RetryCount = maxRetry

	payload, err := json.Marshal(batchEnvelope{Table: tp.Table, Records: bodies})
	if err != nil {
		p.logger.Error("encode batch failed", "table", tp.Table, "error", err)
		return
	}
	job.OriginalSize = len(payload)

	compressed := false
	if p.cfg.CompressionThreshold > 0 && len(payload) >= p.cfg.CompressionThreshold {
		if gz, err := gzipBytes(payload); err != nil {
			p.logger.Warn("batch compression failed, sending uncompressed", "error", err)
		} else {
			compressionRatio.Observe(float64(len(gz)) / float64(len(payload)))
			job.CompressedSize = len(gz)
			payload = gz
			compressed = true
		}
	}
	job.Compressed = compressed

	inflightBatches.Inc()
	defer inflightBatches.Dec()

	_, err = p.client.Send(ctx, Request{
		Endpoint:   p.cfg.EndpointPrefix + tp.Table,
		Payload:    payload,
		Compressed: compressed,
	})
	if err != nil {
		job.Status = BatchFailed
		job.Error = err.Error()
		batchesTotal.WithLabelValues(tp.Table, "failed").Inc()
		p.logger.Warn("batch delivery failed, records remain buffered",
			"table", tp.Table,
			"priority", tp.Priority,
			"records", len(ids),
			"error", err,
		)
		if markErr := p.store.MarkFailed(ctx, ids, err.Error()); markErr != nil {
			p.logger.Error("mark records failed errored", "error", markErr)
		}
	} else {
		if _, rmErr := p.store.Remove(ctx, ids, "delivered"); rmErr != nil {
			// Records linger and will be resubmitted; the idempotency
			// cache makes the resubmission a no-op upstream.
			p.logger.Error("remove delivered records failed", "error", rmErr)
		}
		job.Status = BatchCompleted
		batchesTotal.WithLabelValues(tp.Table, "completed").Inc()
		p.logger.Debug("batch delivered",
			"table", tp.Table,
			"priority", tp.Priority,
			"records", len(ids),
			"compressed", compressed,
		)
	}
	job.FinishedAt = time.Now().UTC()
	p.remember(job)
}

func (p *Processor) remember(job BatchJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = append(p.recent, job)
	if len(p.recent) > recentJobsCap {
		p.recent = p.recent[len(p.recent)-recentJobsCap:]
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package command

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgegate/edgegate/services/gateway/gerrors"
	"github.com/edgegate/edgegate/services/gateway/storage"
)

// Key layout.
//
//	c|<priority byte><sequence uint64 BE>  -> Command JSON
//	y|<command id>                         -> command key
//
// Command keys sort by (priority, enqueue order), so the ready scan walks
// candidates in exactly dispatch order.
const (
	cmdPrefix = "c|"
	idPrefix  = "y|"

	// sweepChunkSize bounds rewrites per transaction so a large expired
	// backlog cannot hit Badger's ErrTxnTooBig.
	sweepChunkSize = 128
)

// ErrCommandNotFound is returned for lookups of unknown command ids.
var ErrCommandNotFound = errors.New("command not found")

// ErrInvalidTransition is returned when a status change violates the
// lifecycle DAG.
var ErrInvalidTransition = errors.New("invalid command status transition")

// QueueConfig tunes the durable command queue.
type QueueConfig struct {
	// MaxQueueSize rejects enqueues at this many live commands.
	// Default: 10000.
	MaxQueueSize int64

	// DefaultTTL sets expiresAt when a spec carries none. Default: 24h.
	DefaultTTL time.Duration

	// DefaultMaxRetries applies when a spec carries none. Default: 3.
	DefaultMaxRetries int

	Logger *slog.Logger
}

// Queue is the durable, priority-ordered, expiring command store.
//
// Thread Safety: Safe for concurrent use; all writes are serialized through
// Badger transactions.
type Queue struct {
	cfg      QueueConfig
	db       *storage.DB
	validate *validator.Validate
	logger   *slog.Logger

	seq  atomic.Uint64
	live atomic.Int64 // commands in a non-terminal state
}

// NewQueue opens the queue over db, restoring counters from stored data.
func NewQueue(cfg QueueConfig, db *storage.DB) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	} else if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		cfg:      cfg,
		db:       db,
		validate: validator.New(),
		logger:   cfg.Logger,
	}
	if err := q.restore(); err != nil {
		return nil, fmt.Errorf("restore command queue: %w", err)
	}
	queueDepth.Set(float64(q.live.Load()))
	return q, nil
}

// Live returns the number of commands in a non-terminal state.
func (q *Queue) Live() int64 { return q.live.Load() }

// Enqueue validates and persists a command.
//
// Outputs:
//
//	*Command - The stored command with id, clamped priority, expiry and
//	initial status (SCHEDULED when scheduled in the future, else PENDING).
//	error - Capacity error when the queue is full; permanent error on an
//	invalid spec.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (*Command, error) {
	if err := q.validate.Struct(spec); err != nil {
		return nil, gerrors.Permanentf("invalid command spec: %v", err)
	}
	if q.live.Load() >= q.cfg.MaxQueueSize {
		return nil, gerrors.Capacityf("command queue full (%d commands)", q.cfg.MaxQueueSize)
	}

	now := time.Now().UTC()
	cmd := Command{
		ID:            uuid.New().String(),
		Type:          spec.Type,
		TargetAgentID: spec.TargetAgentID,
		TargetOrgID:   spec.TargetOrgID,
		Payload:       spec.Payload,
		Priority:      clampPriority(spec.Priority),
		Status:        StatusPending,
		CreatedAt:     now,
		ScheduledAt:   spec.ScheduledAt,
		MaxRetries:    q.cfg.DefaultMaxRetries,
	}
	if spec.MaxRetries != nil {
		cmd.MaxRetries = *spec.MaxRetries
	}
	if spec.ExpiresAt != nil {
		cmd.ExpiresAt = spec.ExpiresAt.UTC()
	} else {
		cmd.ExpiresAt = now.Add(q.cfg.DefaultTTL)
	}
	if spec.ScheduledAt != nil && spec.ScheduledAt.After(now) {
		cmd.Status = StatusScheduled
	}

	seq := q.seq.Add(1)
	key := cmdKey(cmd.Priority, seq)
	value, err := json.Marshal(cmd)
	if err != nil {
		return nil, gerrors.Permanentf("encode command: %v", err)
	}

	err = q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("write command: %w", err)
		}
		return txn.Set(idKey(cmd.ID), key)
	})
	if err != nil {
		return nil, err
	}

	q.live.Add(1)
	queueDepth.Set(float64(q.live.Load()))
	commandsEnqueued.WithLabelValues(cmd.Type).Inc()
	return &cmd, nil
}

// GetReadyCommands returns up to limit dispatchable commands ordered by
// (priority ascending, enqueue order).
func (q *Queue) GetReadyCommands(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	var ready []Command
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cmdPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(ready) < limit; it.Next() {
			var cmd Command
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			if cmd.Ready(now) {
				ready = append(ready, cmd)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// Get returns a command by id.
func (q *Queue) Get(ctx context.Context, id string) (*Command, error) {
	var cmd *Command
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		c, _, err := getByID(txn, id)
		if err != nil {
			return err
		}
		cmd = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// List returns up to limit commands, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Command
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cmdPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			var cmd Command
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			if status == "" || cmd.Status == status {
				out = append(out, cmd)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies fn to the stored command under a write transaction. fn
// receives the current command and mutates it in place; the queue enforces
// the lifecycle DAG on the resulting status.
func (q *Queue) Update(ctx context.Context, id string, fn func(*Command) error) (*Command, error) {
	var updated *Command
	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		cmd, key, err := getByID(txn, id)
		if err != nil {
			return err
		}
		before := cmd.Status
		if err := fn(cmd); err != nil {
			return err
		}
		if before != cmd.Status && !validTransition(before, cmd.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, cmd.Status)
		}
		value, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("rewrite command: %w", err)
		}
		if before != cmd.Status {
			commandTransitions.WithLabelValues(string(before), string(cmd.Status)).Inc()
			if !before.Terminal() && terminalForCount(cmd.Status) {
				q.live.Add(-1)
			}
		}
		updated = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	queueDepth.Set(float64(q.live.Load()))
	return updated, nil
}

// Cancel moves a waiting command to CANCELLED. Executing and terminal
// commands cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) (*Command, error) {
	return q.Update(ctx, id, func(cmd *Command) error {
		if cmd.Status == StatusExecuting {
			return fmt.Errorf("%w: command %s is executing", ErrInvalidTransition, id)
		}
		if cmd.Status.Terminal() || cmd.Status == StatusFailed {
			return fmt.Errorf("%w: command %s is %s", ErrInvalidTransition, id, cmd.Status)
		}
		cmd.Status = StatusCancelled
		return nil
	})
}

// ExpireSweep transitions every PENDING/SCHEDULED command past its expiry
// to EXPIRED. Expiry always wins over retry scheduling.
//
// Outputs:
//
//	int - Number of commands expired.
func (q *Queue) ExpireSweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	// Scan first, rewrite in bounded chunks; one txn over an arbitrary
	// backlog would hit Badger's ErrTxnTooBig.
	var keys [][]byte
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cmdPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var cmd Command
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			if cmd.Status != StatusPending && cmd.Status != StatusScheduled {
				continue
			}
			if cmd.ExpiresAt.After(now) {
				continue
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	// Chunks already committed count even if a later chunk fails.
	defer func() {
		if expired > 0 {
			q.live.Add(int64(-expired))
			queueDepth.Set(float64(q.live.Load()))
			commandsExpired.Add(float64(expired))
			q.logger.Info("expired commands", "count", expired)
		}
	}()
	for start := 0; start < len(keys); start += sweepChunkSize {
		chunk := keys[start:min(start+sweepChunkSize, len(keys))]
		chunkExpired := 0
		err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
			chunkExpired = 0
			for _, key := range chunk {
				item, err := txn.Get(key)
				if err != nil {
					if err == badger.ErrKeyNotFound {
						continue
					}
					return fmt.Errorf("lookup command: %w", err)
				}
				var cmd Command
				err = item.Value(func(val []byte) error {
					return json.Unmarshal(val, &cmd)
				})
				if err != nil {
					return fmt.Errorf("decode command: %w", err)
				}
				// Re-check; the engine may have claimed it since the scan.
				if cmd.Status != StatusPending && cmd.Status != StatusScheduled {
					continue
				}
				cmd.Status = StatusExpired
				value, err := json.Marshal(&cmd)
				if err != nil {
					return fmt.Errorf("encode command: %w", err)
				}
				if err := txn.Set(key, value); err != nil {
					return fmt.Errorf("rewrite command: %w", err)
				}
				chunkExpired++
			}
			return nil
		})
		if err != nil {
			return expired, err
		}
		expired += chunkExpired
	}
	return expired, nil
}

// Cleanup deletes terminal commands (and terminally FAILED ones) whose
// creation is older than before. FAILED commands stay queryable until then.
func (q *Queue) Cleanup(ctx context.Context, before time.Time) (int, error) {
	type victim struct{ key, idk []byte }
	var victims []victim

	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cmdPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var cmd Command
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			done := cmd.Status.Terminal() || cmd.Status == StatusFailed
			if done && cmd.CreatedAt.Before(before) {
				victims = append(victims, victim{
					key: item.KeyCopy(nil),
					idk: idKey(cmd.ID),
				})
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, v := range victims {
			if err := txn.Delete(v.key); err != nil {
				return err
			}
			if err := txn.Delete(v.idk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

func (q *Queue) restore() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cmdPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var live int64
		var maxSeq uint64
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if seq, ok := parseCmdKey(item.Key()); ok && seq > maxSeq {
				maxSeq = seq
			}
			var cmd Command
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			if !terminalForCount(cmd.Status) {
				live++
			}
		}
		q.live.Store(live)
		q.seq.Store(maxSeq)
		return nil
	})
}

// RecoverExecuting resets commands stranded in EXECUTING by a crash back to
// PENDING. Called once at startup before the engine starts.
func (q *Queue) RecoverExecuting(ctx context.Context) (int, error) {
	recovered := 0
	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		recovered = 0
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cmdPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var cmd Command
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cmd)
			})
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			if cmd.Status != StatusExecuting {
				continue
			}
			cmd.Status = StatusPending
			value, err := json.Marshal(&cmd)
			if err != nil {
				return fmt.Errorf("encode command: %w", err)
			}
			if err := txn.Set(item.KeyCopy(nil), value); err != nil {
				return fmt.Errorf("rewrite command: %w", err)
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		q.logger.Warn("recovered commands stranded in EXECUTING", "count", recovered)
	}
	return recovered, nil
}

func getByID(txn *badger.Txn, id string) (*Command, []byte, error) {
	item, err := txn.Get(idKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
		}
		return nil, nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("read command index: %w", err)
	}
	cmdItem, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
		}
		return nil, nil, err
	}
	var cmd Command
	if err := cmdItem.Value(func(val []byte) error {
		return json.Unmarshal(val, &cmd)
	}); err != nil {
		return nil, nil, fmt.Errorf("decode command: %w", err)
	}
	return &cmd, key, nil
}

// validTransition enforces the status DAG.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusExecuting || to == StatusCancelled || to == StatusExpired
	case StatusScheduled:
		return to == StatusExecuting || to == StatusCancelled || to == StatusExpired
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed || to == StatusScheduled
	case StatusFailed:
		// Terminal once retries are exhausted; the engine moves a
		// retryable failure straight to SCHEDULED instead.
		return false
	default:
		return false
	}
}

// terminalForCount treats FAILED as terminal for queue depth accounting.
func terminalForCount(s Status) bool {
	return s.Terminal() || s == StatusFailed
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}

func cmdKey(priority int, seq uint64) []byte {
	key := make([]byte, 0, len(cmdPrefix)+1+8)
	key = append(key, cmdPrefix...)
	key = append(key, byte(priority))
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

func idKey(id string) []byte {
	return append([]byte(idPrefix), id...)
}

func parseCmdKey(key []byte) (uint64, bool) {
	if len(key) != len(cmdPrefix)+1+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(cmdPrefix)+1:]), true
}

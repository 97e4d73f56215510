// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/edgegate/edgegate/services/gateway/gerrors"
	"github.com/edgegate/edgegate/services/gateway/storage"
)

// Key layout.
//
// Record keys sort by (table, priority, sequence), so a prefix iteration
// over one table yields records in exactly the dequeue order the pipeline
// needs: priority ascending, FIFO within a priority.
//
//	b|<table>|<priority byte><sequence uint64 BE>  -> Record JSON
//	s|<sequence uint64 BE>                         -> record key
//
// The sequence index sorts by global insertion order and serves two jobs:
// id -> key lookup for Remove, and oldest-first scans for FIFO eviction and
// age pruning.
const (
	recordPrefix = "b|"
	seqPrefix    = "s|"
)

// writeChunkSize bounds entries per write transaction; a single txn over an
// arbitrarily large batch would hit Badger's ErrTxnTooBig.
const writeChunkSize = 128

// Store is the Badger-backed local durable buffer.
//
// All mutation goes through Store methods; the sequence counter and record
// count are owned here (single-writer discipline per store).
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db        *storage.DB
	admission *AdmissionController
	logger    *slog.Logger

	seq   atomic.Uint64
	count atomic.Int64
}

// NewStore opens the buffer store over db, restoring the sequence counter
// and record count from existing data.
func NewStore(db *storage.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.restore(); err != nil {
		return nil, fmt.Errorf("restore buffer state: %w", err)
	}
	bufferedRecords.Set(float64(s.count.Load()))
	return s, nil
}

// SetAdmission attaches the admission controller consulted by Enqueue.
// Constructed after the store because the controller reads the store's
// record count.
func (s *Store) SetAdmission(a *AdmissionController) {
	s.admission = a
}

// Count returns the number of buffered records across all tables.
func (s *Store) Count() int64 {
	return s.count.Load()
}

// Enqueue admits and persists a batch of records for one table.
//
// Admission control runs first: a rejection surfaces synchronously as a
// capacity error and nothing is written; shedding or retrying is the
// caller's responsibility. A warning is logged but does not fail the write.
//
// Large batches are committed in chunks; if a later chunk fails, the
// records already committed are returned alongside the error and stay
// buffered.
//
// Outputs:
//
//	[]Record - The persisted records with assigned IDs.
//	error - Capacity error on rejection, permanent error on invalid input.
func (s *Store) Enqueue(ctx context.Context, table string, payloads []json.RawMessage, priority int) ([]Record, error) {
	if table == "" || strings.Contains(table, "|") {
		return nil, gerrors.Permanentf("invalid table name %q", table)
	}
	if len(payloads) == 0 {
		return nil, nil
	}
	priority = ClampPriority(priority)

	if s.admission != nil {
		decision, err := s.admission.Evaluate(ctx)
		if err != nil {
			return nil, gerrors.Critical(fmt.Errorf("admission evaluation: %w", err))
		}
		if decision.ShouldReject {
			return nil, gerrors.Capacityf("buffer admission rejected: %s", decision.Reason)
		}
		if decision.ShouldWarn {
			s.logger.Warn("buffer admission warning",
				"reason", decision.Reason,
				"throttle_percent", decision.Metrics.ThrottlePercent,
			)
		}
	}

	now := time.Now().UTC()
	records := make([]Record, 0, len(payloads))
	for start := 0; start < len(payloads); start += writeChunkSize {
		chunk := payloads[start:min(start+writeChunkSize, len(payloads))]
		batch := make([]Record, 0, len(chunk))
		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			batch = batch[:0]
			for _, payload := range chunk {
				id := s.seq.Add(1)
				rec := Record{
					ID:        id,
					TableName: table,
					Payload:   payload,
					Priority:  priority,
					CreatedAt: now,
				}
				key := recordKey(table, priority, id)
				value, err := json.Marshal(rec)
				if err != nil {
					return gerrors.Permanentf("encode record: %v", err)
				}
				if err := txn.Set(key, value); err != nil {
					return fmt.Errorf("write record: %w", err)
				}
				if err := txn.Set(seqKey(id), key); err != nil {
					return fmt.Errorf("write sequence index: %w", err)
				}
				batch = append(batch, rec)
			}
			return nil
		})
		if err != nil {
			// Earlier chunks are committed; their records stay buffered and
			// drain normally.
			s.noteEnqueued(table, len(records))
			return records, err
		}
		records = append(records, batch...)
	}

	s.noteEnqueued(table, len(records))
	return records, nil
}

func (s *Store) noteEnqueued(table string, n int) {
	if n == 0 {
		return
	}
	s.count.Add(int64(n))
	bufferedRecords.Set(float64(s.count.Load()))
	recordsEnqueued.WithLabelValues(table).Add(float64(n))
}

// Dequeue returns up to limit records for a table without removing them,
// ordered by priority ascending then FIFO. When priority is non-nil only
// that priority level is read.
//
// Records stay buffered until Remove confirms delivery; a crashed drain
// simply re-reads them next cycle.
func (s *Store) Dequeue(ctx context.Context, table string, limit int, priority *int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	prefix := []byte(recordPrefix + table + "|")
	if priority != nil {
		p := ClampPriority(*priority)
		prefix = append(prefix, byte(p))
	}

	var records []Record
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(records) < limit; it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// TablePriority identifies one non-empty (table, priority) drain unit.
type TablePriority struct {
	Table    string
	Priority int
}

// Pending lists the distinct (table, priority) pairs that currently hold
// records, in key order (table ascending, priority ascending). Keys-only
// iteration; values are not loaded.
func (s *Store) Pending(ctx context.Context) ([]TablePriority, error) {
	var pairs []TablePriority
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var last TablePriority
		for it.Rewind(); it.Valid(); it.Next() {
			table, prio, ok := parseRecordKey(it.Item().Key())
			if !ok {
				continue
			}
			tp := TablePriority{Table: table, Priority: prio}
			if tp != last {
				pairs = append(pairs, tp)
				last = tp
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// Remove deletes records by id after confirmed delivery (or pruning).
// Removing an id that is already gone is a no-op.
//
// Outputs:
//
//	int - Number of records actually deleted.
func (s *Store) Remove(ctx context.Context, ids []uint64, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	removed := 0
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		removed = 0
		for _, id := range ids {
			item, err := txn.Get(seqKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return fmt.Errorf("lookup record %d: %w", id, err)
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read index for record %d: %w", id, err)
			}
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete record %d: %w", id, err)
			}
			if err := txn.Delete(seqKey(id)); err != nil {
				return fmt.Errorf("delete index for record %d: %w", id, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.count.Add(int64(-removed))
	bufferedRecords.Set(float64(s.count.Load()))
	if reason == "" {
		reason = "delivered"
	}
	recordsRemoved.WithLabelValues(reason).Add(float64(removed))
	return removed, nil
}

// MarkFailed increments the retry count and records the last error for the
// given records after a failed delivery attempt. Missing ids are skipped.
func (s *Store) MarkFailed(ctx context.Context, ids []uint64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(seqKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return fmt.Errorf("lookup record %d: %w", id, err)
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read index for record %d: %w", id, err)
			}
			recItem, err := txn.Get(key)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					continue
				}
				return fmt.Errorf("load record %d: %w", id, err)
			}
			var rec Record
			if err := recItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record %d: %w", id, err)
			}
			rec.RetryCount++
			rec.LastError = lastError
			value, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode record %d: %w", id, err)
			}
			if err := txn.Set(key, value); err != nil {
				return fmt.Errorf("rewrite record %d: %w", id, err)
			}
		}
		return nil
	})
}

// EvictOldest removes up to n of the oldest records across the whole
// buffer, regardless of table or priority. Emergency relief only.
func (s *Store) EvictOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	var ids []uint64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(seqPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(ids) < n; it.Next() {
			if id, ok := parseSeqKey(it.Item().Key()); ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.Remove(ctx, ids, "evicted")
}

// PruneOlderThan removes records created before the cutoff. Sequence order
// equals creation order, so the scan stops at the first young record.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []uint64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(seqPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read sequence index: %w", err)
			}
			recItem, err := txn.Get(key)
			if err != nil {
				continue
			}
			var rec Record
			if err := recItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if !rec.CreatedAt.Before(cutoff) {
				break
			}
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.Remove(ctx, ids, "expired")
}

// PruneRetryExceeded removes records whose retry count went past the
// budget. Full scan; runs on the retention interval, not the hot path.
func (s *Store) PruneRetryExceeded(ctx context.Context, maxRetries int) (int, error) {
	var ids []uint64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if rec.RetryCount > maxRetries {
				ids = append(ids, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.Remove(ctx, ids, "retry_exhausted")
}

// restore rebuilds the in-memory sequence counter and record count from the
// sequence index after a restart.
func (s *Store) restore() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(seqPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		var n int64
		var maxID uint64
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if id, ok := parseSeqKey(it.Item().Key()); ok && id > maxID {
				maxID = id
			}
		}
		s.count.Store(n)
		s.seq.Store(maxID)
		return nil
	})
}

func recordKey(table string, priority int, id uint64) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(table)+1+1+8)
	key = append(key, recordPrefix...)
	key = append(key, table...)
	key = append(key, '|', byte(priority))
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func seqKey(id uint64) []byte {
	key := make([]byte, 0, len(seqPrefix)+8)
	key = append(key, seqPrefix...)
	key = binary.BigEndian.AppendUint64(key, id)
	return key
}

func parseRecordKey(key []byte) (table string, priority int, ok bool) {
	if len(key) < len(recordPrefix)+1+1+8 {
		return "", 0, false
	}
	body := key[len(recordPrefix) : len(key)-8]
	// body is <table>|<priority byte>
	if len(body) < 2 {
		return "", 0, false
	}
	return string(body[:len(body)-2]), int(body[len(body)-1]), true
}

func parseSeqKey(key []byte) (uint64, bool) {
	if len(key) != len(seqPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(seqPrefix):]), true
}

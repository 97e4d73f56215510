// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uplink

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/services/gateway/buffer"
	"github.com/edgegate/edgegate/services/gateway/storage"
)

func testBufferStore(t *testing.T) *buffer.Store {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := buffer.NewStore(db, nil)
	require.NoError(t, err)
	return store
}

func testProcessor(t *testing.T, srvURL string, store *buffer.Store, cfg ProcessorConfig) *Processor {
	t.Helper()
	cache, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	client, err := NewClient(ClientConfig{
		BaseURL:        srvURL,
		MaxAttempts:    1,
		AttemptTimeout: 2 * time.Second,
		Backoff:        backoff.Policy{Base: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond},
	}, cache)
	require.NoError(t, err)

	if cfg.Interval == 0 {
		cfg.Interval = time.Hour // ticks are driven manually in tests
	}
	p, err := NewProcessor(cfg, store, client)
	require.NoError(t, err)
	return p
}

func enqueue(t *testing.T, store *buffer.Store, table string, n, priority int) []buffer.Record {
	t.Helper()
	payloads := make([]json.RawMessage, n)
	for i := range payloads {
		payloads[i] = json.RawMessage(fmt.Sprintf(`{"v":%d}`, i))
	}
	recs, err := store.Enqueue(context.Background(), table, payloads, priority)
	require.NoError(t, err)
	return recs
}

func TestDrainDeliversAndRemoves(t *testing.T) {
	var envelopes []batchEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env batchEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		envelopes = append(envelopes, env)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := testBufferStore(t)
	enqueue(t, store, "metrics", 3, 2)

	p := testProcessor(t, srv.URL, store, ProcessorConfig{BatchSize: 10})
	p.Tick(context.Background())
	p.Stop()

	require.Len(t, envelopes, 1)
	assert.Equal(t, "metrics", envelopes[0].Table)
	assert.Len(t, envelopes[0].Records, 3)
	assert.EqualValues(t, 0, store.Count(), "delivered records are removed")

	jobs := p.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, BatchCompleted, jobs[0].Status)
}

// At-least-once: a failed delivery leaves every record buffered with an
// incremented retry count.
func TestDrainFailureKeepsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := testBufferStore(t)
	enqueue(t, store, "metrics", 2, 2)

	p := testProcessor(t, srv.URL, store, ProcessorConfig{BatchSize: 10})
	p.Tick(context.Background())
	p.Stop()

	assert.EqualValues(t, 2, store.Count())
	got, err := store.Dequeue(context.Background(), "metrics", 10, nil)
	require.NoError(t, err)
	for _, rec := range got {
		assert.Equal(t, 1, rec.RetryCount)
		assert.NotEmpty(t, rec.LastError)
	}

	jobs := p.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, BatchFailed, jobs[0].Status)
}

func TestDrainCompressesLargePayloads(t *testing.T) {
	var sawGzip atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			sawGzip.Store(true)
			gz, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			body, err := io.ReadAll(gz)
			require.NoError(t, err)
			var env batchEnvelope
			require.NoError(t, json.Unmarshal(body, &env))
			assert.Len(t, env.Records, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := testBufferStore(t)
	big := fmt.Sprintf(`{"blob":%q}`, string(bytesOf('a', 8192)))
	_, err := store.Enqueue(context.Background(), "logs", []json.RawMessage{json.RawMessage(big)}, 1)
	require.NoError(t, err)

	p := testProcessor(t, srv.URL, store, ProcessorConfig{BatchSize: 10, CompressionThreshold: 1024})
	p.Tick(context.Background())
	p.Stop()

	assert.True(t, sawGzip.Load())
	assert.EqualValues(t, 0, store.Count())
}

func TestDrainRespectsBatchSize(t *testing.T) {
	var sizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env batchEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		sizes = append(sizes, len(env.Records))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := testBufferStore(t)
	enqueue(t, store, "metrics", 5, 2)

	p := testProcessor(t, srv.URL, store, ProcessorConfig{BatchSize: 2})
	// Each tick drains one bounded batch per (table, priority) pair.
	for i := 0; i < 3; i++ {
		p.Tick(context.Background())
		p.wg.Wait()
	}
	p.Stop()

	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.EqualValues(t, 0, store.Count())
}

func TestNoConcurrentDrainOfSamePair(t *testing.T) {
	release := make(chan struct{})
	var inflight, maxInflight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		if cur > maxInflight.Load() {
			maxInflight.Store(cur)
		}
		<-release
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := testBufferStore(t)
	enqueue(t, store, "metrics", 4, 2)

	p := testProcessor(t, srv.URL, store, ProcessorConfig{BatchSize: 2, MaxConcurrent: 4})
	// Two ticks observe the same pending pair; only one drain may run.
	p.Tick(context.Background())
	p.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	close(release)
	p.Stop()

	assert.EqualValues(t, 1, maxInflight.Load(), "a (table, priority) pair is drained by at most one batch at a time")
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

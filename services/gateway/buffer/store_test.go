// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/services/gateway/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	return store, db
}

func payloads(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	return out
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	recs, err := store.Enqueue(ctx, "metrics", payloads(3), 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.EqualValues(t, 3, store.Count())

	got, err := store.Dequeue(ctx, "metrics", 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].ID, got[i].ID, "FIFO within a priority")
	}
}

// Batches larger than one write chunk commit across several transactions
// and still come back complete and in order.
func TestEnqueueLargeBatchChunked(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const batch = 2*writeChunkSize + 41
	recs, err := store.Enqueue(ctx, "metrics", payloads(batch), 3)
	require.NoError(t, err)
	require.Len(t, recs, batch)
	assert.EqualValues(t, batch, store.Count())

	got, err := store.Dequeue(ctx, "metrics", batch, nil)
	require.NoError(t, err)
	require.Len(t, got, batch)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].ID, got[i].ID, "chunked commits must preserve FIFO")
	}
}

func TestDequeuePriorityOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Enqueue low priority first; high priority must still drain first.
	_, err := store.Enqueue(ctx, "metrics", payloads(2), 5)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "metrics", payloads(2), 1)
	require.NoError(t, err)

	got, err := store.Dequeue(ctx, "metrics", 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 1, got[0].Priority)
	assert.Equal(t, 1, got[1].Priority)
	assert.Equal(t, 5, got[2].Priority)
	assert.Equal(t, 5, got[3].Priority)
}

func TestDequeueSinglePriority(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "metrics", payloads(2), 1)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "metrics", payloads(3), 2)
	require.NoError(t, err)

	p := 2
	got, err := store.Dequeue(ctx, "metrics", 10, &p)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, r := range got {
		assert.Equal(t, 2, r.Priority)
	}
}

func TestDequeueDoesNotRemove(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "logs", payloads(2), 3)
	require.NoError(t, err)

	_, err = store.Dequeue(ctx, "logs", 10, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.Count(), "dequeue is a peek; only Remove deletes")
}

func TestRemoveIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	recs, err := store.Enqueue(ctx, "logs", payloads(3), 3)
	require.NoError(t, err)

	ids := []uint64{recs[0].ID, recs[1].ID}
	n, err := store.Remove(ctx, ids, "delivered")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, store.Count())

	// Removing the same ids again is a no-op.
	n, err = store.Remove(ctx, ids, "delivered")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 1, store.Count())
}

func TestMarkFailed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	recs, err := store.Enqueue(ctx, "logs", payloads(1), 3)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, []uint64{recs[0].ID}, "upstream 503"))
	require.NoError(t, store.MarkFailed(ctx, []uint64{recs[0].ID}, "upstream 502"))

	got, err := store.Dequeue(ctx, "logs", 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].RetryCount)
	assert.Equal(t, "upstream 502", got[0].LastError)
}

func TestEvictOldestCrossesTables(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "zz_table", payloads(2), 1)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "aa_table", payloads(2), 1)
	require.NoError(t, err)

	// Oldest two are in zz_table despite its key sorting last.
	n, err := store.EvictOldest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Dequeue(ctx, "zz_table", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	_ = first
}

func TestPruneRetryExceeded(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	recs, err := store.Enqueue(ctx, "logs", payloads(2), 3)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkFailed(ctx, []uint64{recs[0].ID}, "boom"))
	}

	n, err := store.PruneRetryExceeded(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, store.Count())
}

func TestPruneOlderThan(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "logs", payloads(2), 3)
	require.NoError(t, err)

	// Everything is young; future cutoff prunes all, past cutoff nothing.
	n, err := store.PruneOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.PruneOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 0, store.Count())
}

func TestPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "b_table", payloads(1), 2)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "a_table", payloads(1), 1)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "a_table", payloads(1), 4)
	require.NoError(t, err)

	pairs, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TablePriority{
		{Table: "a_table", Priority: 1},
		{Table: "a_table", Priority: 4},
		{Table: "b_table", Priority: 2},
	}, pairs)
}

func TestRestoreAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := storage.Open(storage.Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	store, err := NewStore(db, nil)
	require.NoError(t, err)

	recs, err := store.Enqueue(ctx, "logs", payloads(3), 2)
	require.NoError(t, err)
	lastID := recs[2].ID
	require.NoError(t, db.Close())

	db2, err := storage.Open(storage.Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer db2.Close()
	store2, err := NewStore(db2, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 3, store2.Count())

	// New IDs keep increasing past the restored sequence.
	recs2, err := store2.Enqueue(ctx, "logs", payloads(1), 2)
	require.NoError(t, err)
	assert.Greater(t, recs2[0].ID, lastID)
}

func TestEnqueueRejectsBadTable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "", payloads(1), 1)
	assert.Error(t, err)
	_, err = store.Enqueue(ctx, "bad|name", payloads(1), 1)
	assert.Error(t, err)
}

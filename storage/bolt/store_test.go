package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/crdt"
	"github.com/carebridge/medsync/cursor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "medsync.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEntity(id string) *medsync.Entity {
	vc := clock.New()
	_ = vc.Increment("tablet-b")
	return &medsync.Entity{
		ID:      id,
		Type:    "patient",
		Version: 1,
		Clock:   vc,
		Fields: map[string]crdt.Field{
			"phone": crdt.RegisterField(crdt.NewRegisterString("555-0123", vc.Clone(), "tablet-b")),
		},
		UpdatedAt: time.Now().UTC(),
	}
}

func testChange(id, entityID string, version uint64) medsync.ChangeRecord {
	vc := clock.New()
	_ = vc.Increment("tablet-b")
	return medsync.ChangeRecord{
		ID:         id,
		EntityID:   entityID,
		EntityType: "patient",
		Op:         medsync.OpUpdate,
		Version:    version,
		Clock:      vc,
		ReplicaID:  "tablet-b",
		Timestamp:  time.Now().UTC(),
	}
}

func TestEntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	missing, err := store.LoadEntity(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	want := testEntity("p1")
	require.NoError(t, store.SaveEntity(ctx, want))

	got, err := store.LoadEntity(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, "555-0123", got.Fields["phone"].Register.StringValue())
	assert.True(t, want.Clock.Equal(got.Clock))
}

func TestFindByNaturalKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := testEntity("p1")
	e.NaturalKey = "1990-03-14|garcia|maria"
	require.NoError(t, store.SaveEntity(ctx, e))

	got, err := store.FindByNaturalKey(ctx, "patient", "1990-03-14|garcia|maria")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got.ID)

	got, err = store.FindByNaturalKey(ctx, "prescription", "1990-03-14|garcia|maria")
	require.NoError(t, err)
	assert.Nil(t, got)

	e.Deleted = true
	require.NoError(t, store.SaveEntity(ctx, e))
	got, err = store.FindByNaturalKey(ctx, "patient", "1990-03-14|garcia|maria")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChangeLogIdempotence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := testChange("c1", "p1", 3)
	require.NoError(t, store.AppendChange(ctx, rec))
	require.NoError(t, store.AppendChange(ctx, rec))

	applied, err := store.HasChange(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.HasChange(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, applied)

	// A distinct concurrent change sharing (entity id, version) is logged
	// alongside, not swallowed as a replay.
	require.NoError(t, store.AppendChange(ctx, testChange("c2", "p1", 3)))
	applied, err = store.HasChange(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestQueueOrderAndAck(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Enqueue(ctx, testChange(fmt.Sprintf("c%d", i), "p1", uint64(i))))
	}
	require.NoError(t, store.Enqueue(ctx, testChange("c2", "p1", 2)))

	queue, err := store.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "c1", queue[0].ID)
	assert.Equal(t, "c3", queue[2].ID)

	require.NoError(t, store.Ack(ctx, []string{"c1", "c3"}))
	queue, err = store.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "c2", queue[0].ID)
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	older := medsync.ConflictRecord{
		ID:         "cf1",
		Kind:       medsync.ConflictUpdateUpdate,
		EntityID:   "p1",
		EntityType: "patient",
		Remote:     testChange("c1", "p1", 2),
		DetectedAt: time.Now().UTC().Add(-time.Hour),
		Outcome:    medsync.OutcomePending,
	}
	newer := older
	newer.ID = "cf2"
	newer.DetectedAt = time.Now().UTC()
	require.NoError(t, store.SaveConflict(ctx, newer))
	require.NoError(t, store.SaveConflict(ctx, older))

	// Pending conflicts come back ordered by detection time, not insertion.
	pending, err := store.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "cf1", pending[0].ID)
	assert.Equal(t, "cf2", pending[1].ID)

	older.Outcome = medsync.OutcomeManual
	older.ResolvedAt = time.Now().UTC()
	require.NoError(t, store.UpdateConflict(ctx, older))

	pending, err = store.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cf2", pending[0].ID)

	got, err := store.LoadConflict(ctx, "cf1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, medsync.OutcomeManual, got.Outcome)
}

func TestCursorPersistence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.LoadCursor(ctx, "hub")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.SaveCursor(ctx, "hub", cursor.NewSequence(7)))
	got, err = store.LoadCursor(ctx, "hub")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.(cursor.SequenceCursor).Seq)

	require.NoError(t, store.SaveCursor(ctx, "hub", cursor.NewVector(map[string]uint64{"clinic-a": 3})))
	got, err = store.LoadCursor(ctx, "hub")
	require.NoError(t, err)
	vec, ok := got.(cursor.VectorCursor)
	require.True(t, ok)
	assert.Equal(t, uint64(3), vec.Counters["clinic-a"])
}

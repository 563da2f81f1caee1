package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/crdt"
	"github.com/carebridge/medsync/storage/memory"
)

func pendingConflict() medsync.ConflictRecord {
	return medsync.ConflictRecord{
		ID:         medsync.NewChangeID(),
		Kind:       medsync.ConflictUpdateUpdate,
		EntityID:   "p1",
		EntityType: "patient",
		Local: medsync.ChangeRecord{
			ID:       "local-state:p1",
			EntityID: "p1",
			Op:       medsync.OpUpdate,
			Fields: map[string]crdt.Field{
				"blood_type": crdt.RegisterField(crdt.NewRegisterString("A+", clock.FromMap(map[string]uint64{"d1": 5}), "d1")),
			},
			Version: 5,
			Clock:   clock.FromMap(map[string]uint64{"d1": 5}),
		},
		Remote: medsync.ChangeRecord{
			ID:       medsync.NewChangeID(),
			EntityID: "p1",
			Op:       medsync.OpUpdate,
			Fields: map[string]crdt.Field{
				"blood_type": crdt.RegisterField(crdt.NewRegisterString("B+", clock.FromMap(map[string]uint64{"d2": 5}), "d2")),
			},
			Version: 5,
			Clock:   clock.FromMap(map[string]uint64{"d2": 5}),
		},
		Outcome: medsync.OutcomePending,
	}
}

func TestEnqueueAndPending(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	c := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c, []string{"field \"blood_type\" requires manual review"}))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)
	assert.Contains(t, pending[0].Reasons[0], "blood_type")
}

func TestResolveKeepRemote(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	c := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c, nil))

	rec, err := q.Resolve(ctx, Decision{
		ConflictID: c.ID,
		Choice:     ChoiceKeepRemote,
		DecidedBy:  "dr-nguyen",
	}, "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "B+", rec.Fields["blood_type"].Register.StringValue())
	assert.Equal(t, medsync.OpUpdate, rec.Op)
	assert.Equal(t, "d1", rec.ReplicaID)
	assert.Equal(t, uint64(6), rec.Version)

	// The decision's clock dominates both conflicting sides, so it wins any
	// later comparison instead of re-conflicting.
	assert.Equal(t, clock.After, rec.Clock.Compare(c.Local.Clock))
	assert.Equal(t, clock.After, rec.Clock.Compare(c.Remote.Clock))

	// The conflict is archived, not deleted.
	archived, err := store.LoadConflict(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, medsync.OutcomeManual, archived.Outcome)
	assert.Equal(t, string(ChoiceKeepRemote), archived.Decision)
	assert.False(t, archived.ResolvedAt.IsZero())
	assert.Contains(t, archived.Reasons, "decided by dr-nguyen")

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestResolveSurvivesRegisterTieBreak pins down that a keep-remote decision
// still commits when the local replica ID sorts after the remote one: the
// decision register is re-stamped with the dominating clock, so re-merging it
// against the local register cannot fall into the concurrent tie-break that
// would favor the greater replica ID.
func TestResolveSurvivesRegisterTieBreak(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	localReg := crdt.NewRegisterString("A+", clock.FromMap(map[string]uint64{"zulu": 5}), "zulu")
	remoteReg := crdt.NewRegisterString("B+", clock.FromMap(map[string]uint64{"beta": 5}), "beta")
	c := medsync.ConflictRecord{
		ID:         medsync.NewChangeID(),
		Kind:       medsync.ConflictUpdateUpdate,
		EntityID:   "p1",
		EntityType: "patient",
		Local: medsync.ChangeRecord{
			ID:       "local-state:p1",
			EntityID: "p1",
			Op:       medsync.OpUpdate,
			Fields:   map[string]crdt.Field{"blood_type": crdt.RegisterField(localReg)},
			Version:  5,
			Clock:    clock.FromMap(map[string]uint64{"zulu": 5}),
		},
		Remote: medsync.ChangeRecord{
			ID:       medsync.NewChangeID(),
			EntityID: "p1",
			Op:       medsync.OpUpdate,
			Fields:   map[string]crdt.Field{"blood_type": crdt.RegisterField(remoteReg)},
			Version:  5,
			Clock:    clock.FromMap(map[string]uint64{"beta": 5}),
		},
		Outcome: medsync.OutcomePending,
	}
	require.NoError(t, q.Enqueue(ctx, c, nil))

	rec, err := q.Resolve(ctx, Decision{ConflictID: c.ID, Choice: ChoiceKeepRemote}, "zulu")
	require.NoError(t, err)
	require.NotNil(t, rec)

	decided := rec.Fields["blood_type"].Register
	assert.Equal(t, "B+", decided.StringValue())
	assert.Equal(t, clock.After, decided.Clock.Compare(localReg.Clock))
	assert.Equal(t, clock.After, decided.Clock.Compare(remoteReg.Clock))

	// The merge the committing side performs keeps the decided value even
	// though "zulu" sorts after "beta".
	committed := localReg.Merge(decided)
	assert.Equal(t, "B+", committed.StringValue())
}

// TestResolveDeleteSideKeepsOp pins down that confirming a delete via
// keep-remote produces a delete record, not an update.
func TestResolveDeleteSideKeepsOp(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	c := pendingConflict()
	c.Kind = medsync.ConflictDeleteUpdate
	c.Remote.Op = medsync.OpDelete
	c.Remote.Fields = nil
	require.NoError(t, q.Enqueue(ctx, c, nil))

	rec, err := q.Resolve(ctx, Decision{ConflictID: c.ID, Choice: ChoiceKeepRemote}, "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, medsync.OpDelete, rec.Op)
	assert.Empty(t, rec.Fields)
}

func TestResolveMergeFields(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	c := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c, nil))

	merged := map[string]crdt.Field{
		"blood_type": crdt.RegisterField(crdt.NewRegisterString("A+", clock.FromMap(map[string]uint64{"d1": 5, "d2": 5}), "d1")),
	}
	rec, err := q.Resolve(ctx, Decision{
		ConflictID: c.ID,
		Choice:     ChoiceMergeFields,
		Fields:     merged,
	}, "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A+", rec.Fields["blood_type"].Register.StringValue())

	// Merge-fields without fields is rejected up front.
	c2 := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c2, nil))
	_, err = q.Resolve(ctx, Decision{ConflictID: c2.ID, Choice: ChoiceMergeFields}, "d1")
	assert.Error(t, err)
}

func TestResolveDiscard(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	c := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c, nil))

	rec, err := q.Resolve(ctx, Decision{ConflictID: c.ID, Choice: ChoiceDiscard}, "d1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	archived, err := store.LoadConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, medsync.OutcomeDiscarded, archived.Outcome)
}

func TestResolveGuards(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := New(store)

	// Unknown conflict.
	_, err := q.Resolve(ctx, Decision{ConflictID: "nope", Choice: ChoiceKeepLocal}, "d1")
	assert.Error(t, err)

	// Double resolution.
	c := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c, nil))
	_, err = q.Resolve(ctx, Decision{ConflictID: c.ID, Choice: ChoiceKeepLocal}, "d1")
	require.NoError(t, err)
	_, err = q.Resolve(ctx, Decision{ConflictID: c.ID, Choice: ChoiceKeepRemote}, "d1")
	assert.Error(t, err)

	// Unknown choice.
	c2 := pendingConflict()
	require.NoError(t, q.Enqueue(ctx, c2, nil))
	_, err = q.Resolve(ctx, Decision{ConflictID: c2.ID, Choice: Choice("split-difference")}, "d1")
	assert.Error(t, err)
}

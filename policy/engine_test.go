package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/crdt"
)

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewWithNow(DefaultTable(), "d1", fixedNow)
}

func registerField(value string, counters map[string]uint64, replica string) crdt.Field {
	return crdt.RegisterField(crdt.NewRegisterString(value, clock.FromMap(counters), replica))
}

func conflictWith(kind medsync.ConflictKind, localFields, remoteFields map[string]crdt.Field) medsync.ConflictRecord {
	return medsync.ConflictRecord{
		ID:         medsync.NewChangeID(),
		Kind:       kind,
		EntityID:   "p1",
		EntityType: "patient",
		Local: medsync.ChangeRecord{
			ID:       "local-state:p1",
			EntityID: "p1",
			Op:       medsync.OpUpdate,
			Fields:   localFields,
			Version:  2,
			Clock:    clock.FromMap(map[string]uint64{"d1": 2}),
		},
		Remote: medsync.ChangeRecord{
			ID:       medsync.NewChangeID(),
			EntityID: "p1",
			Op:       medsync.OpUpdate,
			Fields:   remoteFields,
			Version:  2,
			Clock:    clock.FromMap(map[string]uint64{"d2": 2}),
		},
		DetectedAt: fixedNow(),
		Outcome:    medsync.OutcomePending,
	}
}

func TestCriticalFieldNeverAutoCommitted(t *testing.T) {
	e := testEngine(t)

	// Two clinicians record different blood types concurrently. The engine
	// must refuse to pick one, even though the tie-break rule could.
	c := conflictWith(medsync.ConflictUpdateUpdate,
		map[string]crdt.Field{"blood_type": registerField("A+", map[string]uint64{"d1": 5}, "d1")},
		map[string]crdt.Field{"blood_type": registerField("B+", map[string]uint64{"d2": 5}, "d2")},
	)

	out, err := e.Resolve(c)
	require.NoError(t, err)
	assert.True(t, out.Manual)
	assert.Nil(t, out.Merged)
	assert.Equal(t, "manual-review", out.Decision)
}

func TestCriticalConflictEscalatesWholeRecord(t *testing.T) {
	e := testEngine(t)

	// The phone field alone would auto-merge, but the dosage disagreement is
	// critical, so nothing from the record merges. No partial merges.
	c := conflictWith(medsync.ConflictUpdateUpdate,
		map[string]crdt.Field{
			"dosage": registerField("5mg", map[string]uint64{"d1": 2}, "d1"),
			"notes":  registerField("taken at breakfast", map[string]uint64{"d1": 2}, "d1"),
		},
		map[string]crdt.Field{
			"dosage": registerField("10mg", map[string]uint64{"d2": 2}, "d2"),
			"notes":  registerField("taken at dinner", map[string]uint64{"d2": 2}, "d2"),
		},
	)
	c.EntityType = "prescription"

	out, err := e.Resolve(c)
	require.NoError(t, err)
	assert.True(t, out.Manual)
	assert.Nil(t, out.Merged)
}

func TestUnionFieldAutoMerges(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictUpdateUpdate,
		map[string]crdt.Field{"allergies": crdt.GSetField(crdt.NewGSet("penicillin"))},
		map[string]crdt.Field{"allergies": crdt.GSetField(crdt.NewGSet("sulfa"))},
	)

	out, err := e.Resolve(c)
	require.NoError(t, err)
	require.NotNil(t, out.Merged)
	assert.False(t, out.Manual)
	assert.Equal(t, "auto-merged", out.Decision)

	merged := out.Merged.Fields["allergies"].GSet
	assert.ElementsMatch(t, []string{"penicillin", "sulfa"}, merged.Elements())

	// The merged record advances past both sides and carries both histories.
	assert.Equal(t, uint64(3), out.Merged.Version)
	assert.Equal(t, uint64(2), out.Merged.Clock.Counter("d1"))
	assert.Equal(t, uint64(2), out.Merged.Clock.Counter("d2"))
	assert.Equal(t, "d1", out.Merged.ReplicaID)
}

func TestLastWriterWinsField(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictUpdateUpdate,
		map[string]crdt.Field{"phone": registerField("555-0100", map[string]uint64{"d1": 2}, "d1")},
		map[string]crdt.Field{"phone": registerField("555-0199", map[string]uint64{"d2": 2}, "d2")},
	)

	out, err := e.Resolve(c)
	require.NoError(t, err)
	require.NotNil(t, out.Merged)

	// Concurrent register writes settle on the replica-ID tie-break.
	winner := out.Merged.Fields["phone"].Register.StringValue()
	assert.Equal(t, "555-0199", winner)
}

func TestOneSidedFieldsCarriedThrough(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictUpdateUpdate,
		map[string]crdt.Field{"phone": registerField("555-0100", map[string]uint64{"d1": 2}, "d1")},
		map[string]crdt.Field{"address": registerField("12 Elm St", map[string]uint64{"d2": 2}, "d2")},
	)

	out, err := e.Resolve(c)
	require.NoError(t, err)
	require.NotNil(t, out.Merged)
	assert.Equal(t, "555-0100", out.Merged.Fields["phone"].Register.StringValue())
	assert.Equal(t, "12 Elm St", out.Merged.Fields["address"].Register.StringValue())
}

func TestDeleteUpdateTombstoneConfirmed(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictDeleteUpdate,
		nil,
		map[string]crdt.Field{"phone": registerField("555-0100", map[string]uint64{"d2": 2}, "d2")},
	)
	c.Local.Op = medsync.OpDelete
	c.Local.Fields = nil

	out, err := e.Resolve(c)
	require.NoError(t, err)
	require.NotNil(t, out.Merged)
	assert.Equal(t, medsync.OpDelete, out.Merged.Op)
	assert.Equal(t, "tombstone-confirmed", out.Decision)
}

func TestDeleteUpdateUpdateWins(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictDeleteUpdate, nil, nil)
	c.Local.Op = medsync.OpDelete
	c.Local.Clock = clock.FromMap(map[string]uint64{"d1": 2})
	c.Remote.Fields = map[string]crdt.Field{
		"phone": registerField("555-0100", map[string]uint64{"d1": 2, "d2": 1}, "d2"),
	}
	c.Remote.Clock = clock.FromMap(map[string]uint64{"d1": 2, "d2": 1})

	out, err := e.Resolve(c)
	require.NoError(t, err)
	require.NotNil(t, out.Merged)
	assert.Equal(t, medsync.OpUpdate, out.Merged.Op)
	assert.Equal(t, "update-wins", out.Decision)
}

func TestDeleteUpdateCriticalResurrects(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictDeleteUpdate, nil, nil)
	c.Local.Op = medsync.OpDelete
	c.Remote.Fields = map[string]crdt.Field{
		"active_medications": crdt.ORSetField(crdt.NewORSet()),
	}

	out, err := e.Resolve(c)
	require.NoError(t, err)
	assert.True(t, out.Manual)
	assert.True(t, out.Resurrect)
	assert.Nil(t, out.Merged)
	assert.Equal(t, "resurrect-manual-review", out.Decision)
}

func TestCreateCreateLinksDuplicates(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictCreateCreate, nil, nil)
	c.Remote.NaturalKey = "1990-03-14|garcia|maria"

	out, err := e.Resolve(c)
	require.NoError(t, err)
	assert.True(t, out.Manual)
	assert.True(t, out.LinkDuplicates)
	assert.Nil(t, out.Merged)
	assert.Equal(t, "linked-duplicates", out.Decision)
}

func TestSchemaConflictGoesManual(t *testing.T) {
	e := testEngine(t)

	c := conflictWith(medsync.ConflictSchema, nil, nil)
	c.Local.SchemaVersion = 1
	c.Remote.SchemaVersion = 2

	out, err := e.Resolve(c)
	require.NoError(t, err)
	assert.True(t, out.Manual)
	assert.Nil(t, out.Merged)
}

func TestUnknownKindErrors(t *testing.T) {
	e := testEngine(t)
	_, err := e.Resolve(medsync.ConflictRecord{Kind: medsync.ConflictKind("tug-of-war")})
	assert.Error(t, err)
}

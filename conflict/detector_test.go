package conflict

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

func entityWith(id string, counters map[string]uint64, deleted bool) *medsync.Entity {
	return &medsync.Entity{
		ID:      id,
		Type:    "patient",
		Version: 2,
		Clock:   clock.FromMap(counters),
		Deleted: deleted,
		Fields: map[string]crdt.Field{
			"phone": crdt.RegisterField(crdt.NewRegisterString("555-0100", clock.FromMap(counters), "d1")),
		},
	}
}

func changeWith(entityID string, op medsync.Op, counters map[string]uint64) medsync.ChangeRecord {
	return medsync.ChangeRecord{
		ID:         medsync.NewChangeID(),
		EntityID:   entityID,
		EntityType: "patient",
		Op:         op,
		Version:    3,
		Clock:      clock.FromMap(counters),
		ReplicaID:  "d2",
	}
}

func TestClassifyUnknownEntityApplies(t *testing.T) {
	d := NewWithNow(fixedNow)

	det := d.Classify(nil, changeWith("p1", medsync.OpCreate, map[string]uint64{"d2": 1}), nil)
	assert.Equal(t, Apply, det.Decision)
	assert.Nil(t, det.Conflict)
}

func TestClassifyCreateCreate(t *testing.T) {
	d := NewWithNow(fixedNow)

	existing := entityWith("p-local", map[string]uint64{"d1": 1}, false)
	existing.NaturalKey = "1990-03-14|garcia|maria"

	remote := changeWith("p-remote", medsync.OpCreate, map[string]uint64{"d2": 1})
	remote.NaturalKey = existing.NaturalKey

	det := d.Classify(nil, remote, existing)
	require.Equal(t, Conflicted, det.Decision)
	require.NotNil(t, det.Conflict)
	assert.Equal(t, medsync.ConflictCreateCreate, det.Conflict.Kind)
	assert.Equal(t, medsync.OutcomePending, det.Conflict.Outcome)
	assert.Equal(t, fixedNow(), det.Conflict.DetectedAt)

	// Same entity ID arriving again is not a create-create collision.
	sameID := changeWith("p-local", medsync.OpCreate, map[string]uint64{"d2": 1})
	sameID.NaturalKey = existing.NaturalKey
	det = d.Classify(nil, sameID, existing)
	assert.Equal(t, Apply, det.Decision)
}

func TestClassifyCausalOrder(t *testing.T) {
	d := NewWithNow(fixedNow)
	local := entityWith("p1", map[string]uint64{"d1": 2}, false)

	tests := []struct {
		name     string
		counters map[string]uint64
		expected Decision
	}{
		{"remote causally newer", map[string]uint64{"d1": 2, "d2": 1}, Apply},
		{"remote causally stale", map[string]uint64{"d1": 1}, Skip},
		{"remote identical", map[string]uint64{"d1": 2}, Skip},
		{"remote concurrent", map[string]uint64{"d1": 1, "d2": 1}, Conflicted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := d.Classify(local, changeWith("p1", medsync.OpUpdate, tt.counters), nil)
			assert.Equal(t, tt.expected, det.Decision, det.Reason)
			if tt.expected == Conflicted {
				require.NotNil(t, det.Conflict)
				assert.Equal(t, medsync.ConflictUpdateUpdate, det.Conflict.Kind)
				assert.Equal(t, "local-state:p1", det.Conflict.Local.ID)
			}
		})
	}
}

func TestClassifyDeleteUpdate(t *testing.T) {
	d := NewWithNow(fixedNow)

	t.Run("concurrent remote delete against local update", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 2}, false)
		remote := changeWith("p1", medsync.OpDelete, map[string]uint64{"d2": 1})

		det := d.Classify(local, remote, nil)
		require.Equal(t, Conflicted, det.Decision)
		assert.Equal(t, medsync.ConflictDeleteUpdate, det.Conflict.Kind)
	})

	t.Run("remote update against local tombstone", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 3}, true)
		remote := changeWith("p1", medsync.OpUpdate, map[string]uint64{"d1": 2, "d2": 1})

		det := d.Classify(local, remote, nil)
		require.Equal(t, Conflicted, det.Decision)
		assert.Equal(t, medsync.ConflictDeleteUpdate, det.Conflict.Kind)
		assert.Equal(t, medsync.OpDelete, det.Conflict.Local.Op)
	})

	t.Run("update causally after the tombstone resurrects", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 3}, true)
		remote := changeWith("p1", medsync.OpUpdate, map[string]uint64{"d1": 3, "d2": 1})

		det := d.Classify(local, remote, nil)
		assert.Equal(t, Apply, det.Decision, det.Reason)
	})

	t.Run("delete causally after local update applies", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 2}, false)
		remote := changeWith("p1", medsync.OpDelete, map[string]uint64{"d1": 2, "d2": 1})

		det := d.Classify(local, remote, nil)
		assert.Equal(t, Apply, det.Decision, det.Reason)
	})
}

// TestClassifyCriticalDelete covers the criticality-aware detector: even a
// causally-ordered delete is held for the policy engine when the local record
// still carries critical fields.
func TestClassifyCriticalDelete(t *testing.T) {
	d := NewWithCriticalFields(func(entityType string, fields []string) bool {
		for _, f := range fields {
			if f == "blood_type" {
				return true
			}
		}
		return false
	})

	remote := changeWith("p1", medsync.OpDelete, map[string]uint64{"d1": 2, "d2": 1})

	t.Run("critical record goes to the policy engine", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 2}, false)
		local.Fields["blood_type"] = crdt.RegisterField(crdt.NewRegisterString("A+", clock.FromMap(map[string]uint64{"d1": 2}), "d1"))

		det := d.Classify(local, remote, nil)
		require.Equal(t, Conflicted, det.Decision, det.Reason)
		assert.Equal(t, medsync.ConflictDeleteUpdate, det.Conflict.Kind)
	})

	t.Run("non-critical record tombstones directly", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 2}, false)

		det := d.Classify(local, remote, nil)
		assert.Equal(t, Apply, det.Decision, det.Reason)
	})
}

func TestClassifyBothDeleted(t *testing.T) {
	d := NewWithNow(fixedNow)

	t.Run("concurrent deletes converge", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 2}, true)
		remote := changeWith("p1", medsync.OpDelete, map[string]uint64{"d2": 2})

		det := d.Classify(local, remote, nil)
		assert.Equal(t, Apply, det.Decision, det.Reason)
	})

	t.Run("stale delete skipped", func(t *testing.T) {
		local := entityWith("p1", map[string]uint64{"d1": 2, "d2": 2}, true)
		remote := changeWith("p1", medsync.OpDelete, map[string]uint64{"d2": 2})

		det := d.Classify(local, remote, nil)
		assert.Equal(t, Skip, det.Decision, det.Reason)
	})
}

func TestClassifySchemaMismatch(t *testing.T) {
	d := NewWithNow(fixedNow)
	local := entityWith("p1", map[string]uint64{"d1": 2}, false)
	local.SchemaVersion = 1

	remote := changeWith("p1", medsync.OpUpdate, map[string]uint64{"d1": 2, "d2": 1})
	remote.SchemaVersion = 2

	det := d.Classify(local, remote, nil)
	require.Equal(t, Conflicted, det.Decision)
	assert.Equal(t, medsync.ConflictSchema, det.Conflict.Kind)
}

func TestSnapshotChangeOp(t *testing.T) {
	created := entityWith("p1", map[string]uint64{"d1": 1}, false)
	created.Version = 1
	assert.Equal(t, medsync.OpCreate, snapshotChange(created).Op)

	updated := entityWith("p1", map[string]uint64{"d1": 2}, false)
	assert.Equal(t, medsync.OpUpdate, snapshotChange(updated).Op)

	deleted := entityWith("p1", map[string]uint64{"d1": 3}, true)
	assert.Equal(t, medsync.OpDelete, snapshotChange(deleted).Op)
}

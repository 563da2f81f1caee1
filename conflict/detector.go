// Package conflict classifies incoming remote changes against local state.
// The detector is a pure function over change records and entity snapshots;
// it returns decisions that the orchestrator commits.
package conflict

import (
	"fmt"
	"time"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/crdt"
)

// Decision tells the orchestrator what to do with a remote change.
type Decision int

const (
	// Apply means no conflict exists; the remote change is committed directly.
	Apply Decision = iota

	// Skip means the remote change is causally stale or already applied.
	Skip

	// Conflicted means a conflict record was produced for the policy engine.
	Conflicted
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Skip:
		return "skip"
	case Conflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Detection is the single outcome produced for every input pair.
// No errors are raised; every classification is total.
type Detection struct {
	Decision Decision
	Conflict *medsync.ConflictRecord
	Reason   string
}

// Detector classifies remote changes. The zero value is usable; New injects
// a clock source for deterministic tests.
type Detector struct {
	now      func() time.Time
	critical func(entityType string, fields []string) bool
}

// New creates a Detector.
func New() *Detector {
	return &Detector{now: time.Now}
}

// NewWithNow creates a Detector with an injected time source.
func NewWithNow(now func() time.Time) *Detector {
	return &Detector{now: now}
}

// NewWithCriticalFields creates a Detector that knows which fields are
// critical for an entity type. A remote delete of a live entity holding
// critical fields is then classified as a delete-update conflict even when
// causally ordered, so tombstoning such a record always passes through the
// policy engine instead of being applied blindly.
func NewWithCriticalFields(critical func(entityType string, fields []string) bool) *Detector {
	return &Detector{now: time.Now, critical: critical}
}

// Classify compares an incoming remote change against the local entity state.
// localEntity is nil when the entity is unknown locally. naturalMatch, looked
// up by the orchestrator, is a different local entity of the same type that
// shares the remote change's natural-identity key (nil when none exists).
//
// Classification order:
//  1. delete on either side paired with updates on the other → delete-update
//  2. concurrent modification of the same entity → update-update
//  3. two creates sharing a natural key under different IDs → create-create
//  4. field schema version mismatch → schema
//  5. otherwise one clock strictly precedes the other → direct apply or skip
func (d *Detector) Classify(localEntity *medsync.Entity, remote medsync.ChangeRecord, naturalMatch *medsync.Entity) Detection {
	if localEntity == nil {
		if naturalMatch != nil && remote.Op == medsync.OpCreate && naturalMatch.ID != remote.EntityID {
			return d.conflicted(medsync.ConflictCreateCreate, snapshotChange(naturalMatch), remote,
				fmt.Sprintf("create for natural key %q collides with existing entity %s", remote.NaturalKey, naturalMatch.ID))
		}
		return Detection{Decision: Apply, Reason: "entity unknown locally"}
	}

	local := snapshotChange(localEntity)
	ordering := localEntity.Clock.Compare(remote.Clock)

	// Two deletes agree on the outcome; applying the later or concurrent one
	// just folds its causal history into the tombstone.
	if remote.Op == medsync.OpDelete && localEntity.Deleted {
		if ordering == clock.Before || ordering == clock.Concurrent {
			return Detection{Decision: Apply, Reason: "remote delete converges with local tombstone"}
		}
		return Detection{Decision: Skip, Reason: "remote delete already reflected in tombstone"}
	}

	// Delete paired with update is classified as delete-update regardless of
	// causal order, except when the delete causally follows everything the
	// local replica knows; the policy engine uses the clocks to decide
	// whether the tombstone is confirmed or the record resurrected.
	deleteVsUpdate := (remote.Op == medsync.OpDelete && !localEntity.Deleted && ordering != clock.Before) ||
		(localEntity.Deleted && remote.Op != medsync.OpDelete && ordering != clock.Before)
	if deleteVsUpdate {
		return d.conflicted(medsync.ConflictDeleteUpdate, local, remote,
			"delete on one side, update on the other")
	}

	// A delete that causally follows local state normally applies directly,
	// but a record still holding critical fields is never tombstoned without
	// the policy engine confirming it.
	if remote.Op == medsync.OpDelete && !localEntity.Deleted && ordering == clock.Before && d.holdsCritical(localEntity) {
		return d.conflicted(medsync.ConflictDeleteUpdate, local, remote,
			"delete of a record holding critical fields")
	}

	if ordering == clock.Concurrent {
		return d.conflicted(medsync.ConflictUpdateUpdate, local, remote,
			"concurrent modification of the same entity")
	}

	if remote.SchemaVersion != localEntity.SchemaVersion {
		return d.conflicted(medsync.ConflictSchema, local, remote,
			fmt.Sprintf("remote schema version %d, local %d", remote.SchemaVersion, localEntity.SchemaVersion))
	}

	if ordering == clock.Before {
		return Detection{Decision: Apply, Reason: "remote causally follows local state"}
	}
	return Detection{Decision: Skip, Reason: "remote is causally stale or identical"}
}

func (d *Detector) holdsCritical(e *medsync.Entity) bool {
	if d == nil || d.critical == nil || len(e.Fields) == 0 {
		return false
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	return d.critical(e.Type, names)
}

func (d *Detector) conflicted(kind medsync.ConflictKind, local, remote medsync.ChangeRecord, reason string) Detection {
	now := time.Now
	if d != nil && d.now != nil {
		now = d.now
	}
	return Detection{
		Decision: Conflicted,
		Reason:   reason,
		Conflict: &medsync.ConflictRecord{
			ID:         medsync.NewChangeID(),
			Kind:       kind,
			EntityID:   remote.EntityID,
			EntityType: remote.EntityType,
			Local:      local,
			Remote:     remote,
			DetectedAt: now(),
			Outcome:    medsync.OutcomePending,
		},
	}
}

// snapshotChange synthesizes a change record view of the current local entity
// state so conflict records always reference two comparable sides.
func snapshotChange(e *medsync.Entity) medsync.ChangeRecord {
	op := medsync.OpUpdate
	if e.Deleted {
		op = medsync.OpDelete
	} else if e.Version <= 1 {
		op = medsync.OpCreate
	}

	fields := make(map[string]crdt.Field, len(e.Fields))
	for name, f := range e.Fields {
		fields[name] = f.Clone()
	}

	return medsync.ChangeRecord{
		ID:            "local-state:" + e.ID,
		EntityID:      e.ID,
		EntityType:    e.Type,
		Op:            op,
		Fields:        fields,
		NaturalKey:    e.NaturalKey,
		SchemaVersion: e.SchemaVersion,
		Version:       e.Version,
		Clock:         e.Clock.Clone(),
		Timestamp:     e.UpdatedAt,
	}
}

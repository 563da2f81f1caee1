package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/crdt"
)

// Outcome is the single result of resolving one conflict. Exactly one path is
// taken: either Merged carries a change record to commit immediately, or
// Manual is set and the conflict is queued for human review. A
// partially-merged result is never produced.
type Outcome struct {
	// Merged is the auto-resolved change record to commit, nil on the
	// manual path.
	Merged *medsync.ChangeRecord

	// Manual indicates the conflict must be queued for human decision.
	Manual bool

	// Resurrect, set only with Manual, tells the orchestrator to keep the
	// entity visible with a review flag instead of honoring the tombstone.
	Resurrect bool

	// LinkDuplicates, set only with Manual, tells the orchestrator to
	// preserve both created entities as linked duplicates.
	LinkDuplicates bool

	Decision string
	Reasons  []string
}

// Engine applies the policy table to conflict records. It is a pure decision
// function: it owns no persistent state and the orchestrator commits whatever
// it returns.
type Engine struct {
	table     *Table
	replicaID string
	now       func() time.Time
}

// New creates a policy engine for the given table. replicaID stamps merged
// change records as originating from this replica.
func New(table *Table, replicaID string) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{table: table, replicaID: replicaID, now: time.Now}
}

// NewWithNow creates an Engine with an injected time source.
func NewWithNow(table *Table, replicaID string, now func() time.Time) *Engine {
	e := New(table, replicaID)
	e.now = now
	return e
}

// Table exposes the compiled policy table, e.g. for status surfaces.
func (e *Engine) Table() *Table {
	return e.table
}

// Resolve produces the outcome for a detected conflict.
func (e *Engine) Resolve(c medsync.ConflictRecord) (Outcome, error) {
	switch c.Kind {
	case medsync.ConflictUpdateUpdate:
		return e.resolveUpdateUpdate(c)
	case medsync.ConflictDeleteUpdate:
		return e.resolveDeleteUpdate(c)
	case medsync.ConflictCreateCreate:
		return Outcome{
			Manual:         true,
			LinkDuplicates: true,
			Decision:       "linked-duplicates",
			Reasons:        []string{fmt.Sprintf("two creates share natural key %q; both preserved pending manual merge", c.Remote.NaturalKey)},
		}, nil
	case medsync.ConflictSchema:
		return Outcome{
			Manual:   true,
			Decision: "manual-review",
			Reasons:  []string{fmt.Sprintf("schema version mismatch: local %d, remote %d", c.Local.SchemaVersion, c.Remote.SchemaVersion)},
		}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown conflict kind %q", c.Kind)
	}
}

// resolveUpdateUpdate resolves field-by-field with each field's CRDT merge,
// except that a single critical-field conflict escalates the entire change
// record to manual review.
func (e *Engine) resolveUpdateUpdate(c medsync.ConflictRecord) (Outcome, error) {
	names := fieldNameUnion(c.Local.Fields, c.Remote.Fields)

	// First pass: any genuinely conflicting field whose policy demands
	// manual review escalates the whole record before anything merges.
	var reasons []string
	for _, name := range names {
		local, inLocal := c.Local.Fields[name]
		remote, inRemote := c.Remote.Fields[name]
		if !inLocal || !inRemote || fieldsEqual(local, remote) {
			continue
		}
		strategy := e.table.StrategyFor(c.EntityType, name)
		if strategy == StrategyManualReview {
			return Outcome{
				Manual:   true,
				Decision: "manual-review",
				Reasons:  []string{fmt.Sprintf("field %q requires manual review", name)},
			}, nil
		}
		if strategy == StrategyUnionPreserveAll && local.Kind == crdt.KindRegister {
			// A register has no union; preserving both values needs a human.
			return Outcome{
				Manual:   true,
				Decision: "manual-review",
				Reasons:  []string{fmt.Sprintf("field %q is union-preserve-all but holds a single-value register", name)},
			}, nil
		}
	}

	merged := make(map[string]crdt.Field, len(names))
	for _, name := range names {
		local, inLocal := c.Local.Fields[name]
		remote, inRemote := c.Remote.Fields[name]
		switch {
		case inLocal && inRemote:
			m, err := local.Merge(remote)
			if err != nil {
				// Field kinds disagree between replicas: schema drift the
				// policy engine must not paper over.
				return Outcome{
					Manual:   true,
					Decision: "manual-review",
					Reasons:  []string{fmt.Sprintf("field %q: %v", name, err)},
				}, nil
			}
			merged[name] = m
			reasons = append(reasons, fmt.Sprintf("field %q merged via %s", name, e.table.StrategyFor(c.EntityType, name)))
		case inLocal:
			merged[name] = local.Clone()
		default:
			merged[name] = remote.Clone()
		}
	}

	rec := e.mergedRecord(c, merged)
	return Outcome{
		Merged:   &rec,
		Decision: "auto-merged",
		Reasons:  reasons,
	}, nil
}

// resolveDeleteUpdate confirms the tombstone when the update touches only
// non-critical fields and does not causally dominate the delete; a critical
// field resurrects the record under a manual-review flag instead.
func (e *Engine) resolveDeleteUpdate(c medsync.ConflictRecord) (Outcome, error) {
	del, upd := c.Local, c.Remote
	if del.Op != medsync.OpDelete {
		del, upd = upd, del
	}
	if del.Op != medsync.OpDelete {
		return Outcome{}, fmt.Errorf("delete-update conflict without a delete side for entity %s", c.EntityID)
	}

	touched := sortedFieldNames(upd.Fields)
	if e.table.AnyCritical(c.EntityType, touched) {
		return Outcome{
			Manual:    true,
			Resurrect: true,
			Decision:  "resurrect-manual-review",
			Reasons:   []string{"update touches a critical field; record kept visible pending review"},
		}, nil
	}

	if upd.Clock.Compare(del.Clock) == clock.After {
		// The updater saw the delete and edited anyway; the update wins.
		merged := make(map[string]crdt.Field, len(upd.Fields))
		for name, f := range upd.Fields {
			merged[name] = f.Clone()
		}
		rec := e.mergedRecord(c, merged)
		rec.Op = medsync.OpUpdate
		return Outcome{
			Merged:   &rec,
			Decision: "update-wins",
			Reasons:  []string{"update causally follows the delete"},
		}, nil
	}

	rec := e.mergedRecord(c, nil)
	rec.Op = medsync.OpDelete
	return Outcome{
		Merged:   &rec,
		Decision: "tombstone-confirmed",
		Reasons:  []string{"update does not causally dominate the delete; tombstone wins"},
	}, nil
}

// mergedRecord builds the committed change record for an auto-resolved
// conflict: the clock is the merge of both sides, the version advances past
// both, and the wall-clock timestamp is informational only.
func (e *Engine) mergedRecord(c medsync.ConflictRecord, fields map[string]crdt.Field) medsync.ChangeRecord {
	mergedClock := c.Local.Clock.Clone()
	_ = mergedClock.Merge(c.Remote.Clock)

	version := c.Local.Version
	if c.Remote.Version > version {
		version = c.Remote.Version
	}

	schema := c.Local.SchemaVersion
	if c.Remote.SchemaVersion > schema {
		schema = c.Remote.SchemaVersion
	}

	op := medsync.OpUpdate
	if c.Local.Op == medsync.OpCreate && c.Remote.Op == medsync.OpCreate {
		op = medsync.OpCreate
	}

	return medsync.ChangeRecord{
		ID:            medsync.NewChangeID(),
		EntityID:      c.EntityID,
		EntityType:    c.EntityType,
		Op:            op,
		Fields:        fields,
		NaturalKey:    c.Remote.NaturalKey,
		SchemaVersion: schema,
		Version:       version + 1,
		Clock:         mergedClock,
		ReplicaID:     e.replicaID,
		Timestamp:     e.now(),
	}
}

func fieldNameUnion(a, b map[string]crdt.Field) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		set[name] = struct{}{}
	}
	for name := range b {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedFieldNames(fields map[string]crdt.Field) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fieldsEqual(a, b crdt.Field) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// Package review holds conflicts the policy engine refuses to auto-resolve,
// pending a human decision. Resolved entries are archived with their decision
// for audit and are never deleted.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/crdt"
	"github.com/carebridge/medsync/logging"
)

// Choice is the human reviewer's selected resolution.
type Choice string

const (
	// ChoiceKeepLocal keeps the local side and discards the remote change.
	ChoiceKeepLocal Choice = "keep-local"

	// ChoiceKeepRemote applies the remote side over the local state.
	ChoiceKeepRemote Choice = "keep-remote"

	// ChoiceMergeFields commits reviewer-supplied field values.
	ChoiceMergeFields Choice = "merge-fields"

	// ChoiceDiscard archives the conflict without committing either side,
	// e.g. dropping a duplicate after a manual create-create merge.
	ChoiceDiscard Choice = "discard"
)

// Decision captures one human resolution of a queued conflict.
type Decision struct {
	ConflictID string
	Choice     Choice

	// Fields carries the merged values for ChoiceMergeFields.
	Fields map[string]crdt.Field

	// DecidedBy identifies the reviewer for the audit trail.
	DecidedBy string
	Note      string
}

// Queue manages pending manual-review conflicts on top of the entity store.
// The orchestrator commits the change records this queue produces; the queue
// itself only persists conflict state.
type Queue struct {
	store  medsync.EntityStore
	logger *logging.Logger
	now    func() time.Time
}

// New creates a review queue over the given store.
func New(store medsync.EntityStore) *Queue {
	return &Queue{
		store:  store,
		logger: logging.WithComponent(logging.Component("review-queue")),
		now:    time.Now,
	}
}

// Enqueue persists a conflict awaiting human review.
func (q *Queue) Enqueue(ctx context.Context, rec medsync.ConflictRecord, reasons []string) error {
	rec.Outcome = medsync.OutcomePending
	rec.Reasons = append(rec.Reasons, reasons...)
	if err := q.store.SaveConflict(ctx, rec); err != nil {
		return fmt.Errorf("failed to enqueue conflict %s: %w", rec.ID, err)
	}
	q.logger.InfoContext(ctx, "conflict queued for manual review",
		"conflict_id", rec.ID,
		"kind", string(rec.Kind),
		"entity_id", rec.EntityID,
	)
	return nil
}

// Pending returns unresolved conflicts in detection order.
func (q *Queue) Pending(ctx context.Context) ([]medsync.ConflictRecord, error) {
	return q.store.PendingConflicts(ctx)
}

// Resolve applies a human decision: it archives the conflict with its outcome
// and returns the change record to commit, or nil for ChoiceDiscard.
// replicaID stamps the produced record as a new local mutation.
func (q *Queue) Resolve(ctx context.Context, d Decision, replicaID string) (*medsync.ChangeRecord, error) {
	conflict, err := q.store.LoadConflict(ctx, d.ConflictID)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, fmt.Errorf("conflict %s not found", d.ConflictID)
	}
	if conflict.Outcome != medsync.OutcomePending {
		return nil, fmt.Errorf("conflict %s already resolved as %s", d.ConflictID, conflict.Outcome)
	}

	var rec *medsync.ChangeRecord
	outcome := medsync.OutcomeManual

	switch d.Choice {
	case ChoiceKeepLocal:
		rec = q.decisionRecord(conflict, conflict.Local.Fields, conflict.Local.Op, replicaID)
	case ChoiceKeepRemote:
		rec = q.decisionRecord(conflict, conflict.Remote.Fields, conflict.Remote.Op, replicaID)
	case ChoiceMergeFields:
		if len(d.Fields) == 0 {
			return nil, fmt.Errorf("merge-fields decision for conflict %s carries no fields", d.ConflictID)
		}
		rec = q.decisionRecord(conflict, d.Fields, medsync.OpUpdate, replicaID)
	case ChoiceDiscard:
		outcome = medsync.OutcomeDiscarded
	default:
		return nil, fmt.Errorf("unknown resolution choice %q", d.Choice)
	}

	archived := *conflict
	archived.Outcome = outcome
	archived.Decision = string(d.Choice)
	archived.ResolvedAt = q.now()
	if d.Note != "" {
		archived.Reasons = append(archived.Reasons, d.Note)
	}
	if d.DecidedBy != "" {
		archived.Reasons = append(archived.Reasons, "decided by "+d.DecidedBy)
	}
	if err := q.store.UpdateConflict(ctx, archived); err != nil {
		return nil, fmt.Errorf("failed to archive conflict %s: %w", d.ConflictID, err)
	}

	q.logger.InfoContext(ctx, "conflict resolved by human decision",
		"conflict_id", d.ConflictID,
		"choice", string(d.Choice),
	)
	return rec, nil
}

// decisionRecord builds the new change record committing the human decision.
// The clock merges both sides so the resolution causally dominates the
// conflict it settles. Chosen registers are re-stamped with that dominating
// clock and the deciding replica: merging the record into any replica's
// state then deterministically keeps the reviewer's value, regardless of how
// the replica IDs of the original sides sort against each other.
func (q *Queue) decisionRecord(c *medsync.ConflictRecord, fields map[string]crdt.Field, op medsync.Op, replicaID string) *medsync.ChangeRecord {
	mergedClock := c.Local.Clock.Clone()
	_ = mergedClock.Merge(c.Remote.Clock)
	_ = mergedClock.Increment(replicaID)

	version := c.Local.Version
	if c.Remote.Version > version {
		version = c.Remote.Version
	}

	cloned := make(map[string]crdt.Field, len(fields))
	for name, f := range fields {
		cf := f.Clone()
		if cf.Kind == crdt.KindRegister && cf.Register != nil {
			cf.Register = crdt.NewRegister(cf.Register.Value, mergedClock, replicaID)
		}
		cloned[name] = cf
	}

	return &medsync.ChangeRecord{
		ID:            medsync.NewChangeID(),
		EntityID:      c.EntityID,
		EntityType:    c.EntityType,
		Op:            op,
		Fields:        cloned,
		SchemaVersion: maxInt(c.Local.SchemaVersion, c.Remote.SchemaVersion),
		Version:       version + 1,
		Clock:         mergedClock,
		ReplicaID:     replicaID,
		Timestamp:     q.now(),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

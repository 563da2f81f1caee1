// Package medsync provides an offline synchronization and conflict-resolution
// engine for health-record replicas. Devices mutate their local replica while
// disconnected; when connectivity returns, the engine reconciles the replicas
// into a consistent shared state using vector clocks for causality, CRDT
// field merges where automatic resolution is safe, and a mandatory manual
// review queue where patient safety requires a human decision.
package medsync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/crdt"
	"github.com/carebridge/medsync/cursor"
)

// Op is the kind of mutation a change record carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeRecord is an immutable log entry describing one mutation to one
// entity. Records are created when a local mutation occurs or a remote change
// is applied, and are never mutated afterwards. The wall-clock Timestamp is
// carried for display and audit only; correctness decisions use the vector
// clock exclusively.
type ChangeRecord struct {
	ID            string                `json:"id"`
	EntityID      string                `json:"entity_id"`
	EntityType    string                `json:"entity_type"`
	Op            Op                    `json:"op"`
	Fields        map[string]crdt.Field `json:"fields,omitempty"`
	NaturalKey    string                `json:"natural_key,omitempty"`
	SchemaVersion int                   `json:"schema_version"`
	Version       uint64                `json:"version"`
	Clock         *clock.VectorClock    `json:"clock"`
	ReplicaID     string                `json:"replica_id"`
	Timestamp     time.Time             `json:"timestamp"`
}

// NewChangeID returns a fresh globally unique change record identifier.
func NewChangeID() string {
	return uuid.NewString()
}

// Entity is a domain record (a patient, a prescription) identified
// independently of any replica. Version increases monotonically on every
// committed mutation. Deleted entities are kept as tombstones so deletions
// merge correctly.
type Entity struct {
	ID            string                `json:"id"`
	Type          string                `json:"type"`
	Version       uint64                `json:"version"`
	Clock         *clock.VectorClock    `json:"clock"`
	Deleted       bool                  `json:"deleted"`
	DeletedAt     time.Time             `json:"deleted_at,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
	NaturalKey    string                `json:"natural_key,omitempty"`
	SchemaVersion int                   `json:"schema_version"`
	Fields        map[string]crdt.Field `json:"fields"`

	// NeedsReview marks an entity resurrected from a delete-update conflict
	// on a critical field, pending human confirmation.
	NeedsReview bool `json:"needs_review,omitempty"`

	// LinkedDuplicates lists entity IDs preserved as duplicates of this one
	// after a create-create conflict on the same natural identity.
	LinkedDuplicates []string `json:"linked_duplicates,omitempty"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Clock = e.Clock.Clone()
	out.Fields = make(map[string]crdt.Field, len(e.Fields))
	for name, f := range e.Fields {
		out.Fields[name] = f.Clone()
	}
	out.LinkedDuplicates = append([]string(nil), e.LinkedDuplicates...)
	return &out
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	ConflictUpdateUpdate ConflictKind = "update-update"
	ConflictDeleteUpdate ConflictKind = "delete-update"
	ConflictCreateCreate ConflictKind = "create-create"
	ConflictSchema       ConflictKind = "schema"
)

// ConflictOutcome records how a conflict was (or is yet to be) resolved.
type ConflictOutcome string

const (
	OutcomePending    ConflictOutcome = "pending"
	OutcomeAutoMerged ConflictOutcome = "auto-merged"
	OutcomeManual     ConflictOutcome = "manual"
	OutcomeDiscarded  ConflictOutcome = "discarded"
)

// ConflictRecord references the local and remote change records in
// contention. Resolved conflicts are archived for audit, never deleted.
type ConflictRecord struct {
	ID         string          `json:"id"`
	Kind       ConflictKind    `json:"kind"`
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Local      ChangeRecord    `json:"local"`
	Remote     ChangeRecord    `json:"remote"`
	DetectedAt time.Time       `json:"detected_at"`
	Outcome    ConflictOutcome `json:"outcome"`
	Decision   string          `json:"decision,omitempty"`
	Reasons    []string        `json:"reasons,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at,omitempty"`
}

// EntityStore is the storage collaborator. Every call is assumed atomic on
// its own; the engine never relies on cross-call transactionality beyond the
// sequencing of a single sync pass.
type EntityStore interface {
	// LoadEntity returns the entity, or (nil, nil) if absent.
	LoadEntity(ctx context.Context, id string) (*Entity, error)

	// FindByNaturalKey returns an existing entity of the given type sharing
	// the natural-identity key, or (nil, nil) if none exists.
	FindByNaturalKey(ctx context.Context, entityType, naturalKey string) (*Entity, error)

	// SaveEntity persists the entity state.
	SaveEntity(ctx context.Context, e *Entity) error

	// AppendChange appends to the immutable change record log.
	AppendChange(ctx context.Context, rec ChangeRecord) error

	// HasChange reports whether the change with the given ID is already in
	// the log. Replay detection is keyed on change identity, never on
	// (entity id, version): concurrent changes from different replicas
	// legitimately share a version and must reach the conflict detector.
	HasChange(ctx context.Context, changeID string) (bool, error)

	// Enqueue appends an outgoing change to the pending operation queue.
	Enqueue(ctx context.Context, rec ChangeRecord) error

	// LoadQueue returns pending outgoing changes ordered by local sequence.
	LoadQueue(ctx context.Context) ([]ChangeRecord, error)

	// Ack removes acknowledged changes from the pending operation queue.
	Ack(ctx context.Context, changeIDs []string) error

	// SaveConflict persists a new conflict record.
	SaveConflict(ctx context.Context, rec ConflictRecord) error

	// UpdateConflict records the resolution outcome of an existing conflict.
	UpdateConflict(ctx context.Context, rec ConflictRecord) error

	// LoadConflict returns a conflict record by ID, or (nil, nil) if absent.
	LoadConflict(ctx context.Context, id string) (*ConflictRecord, error)

	// PendingConflicts returns unresolved conflicts in detection order.
	PendingConflicts(ctx context.Context) ([]ConflictRecord, error)

	// LoadCursor returns the last acknowledged cursor for an endpoint, or
	// (nil, nil) if this replica has never synced with it.
	LoadCursor(ctx context.Context, endpoint string) (cursor.Cursor, error)

	// SaveCursor durably advances the last acknowledged cursor.
	SaveCursor(ctx context.Context, endpoint string, c cursor.Cursor) error

	// Close releases store resources.
	Close() error
}

// PushRejection reports why the remote endpoint refused one change.
type PushRejection struct {
	ChangeID string `json:"change_id"`
	Reason   string `json:"reason"`
}

// PushResult is the remote endpoint's per-record verdict on a pushed batch.
type PushResult struct {
	Accepted []string        `json:"accepted"`
	Rejected []PushRejection `json:"rejected,omitempty"`
}

// PullBatch is one page of remote changes.
type PullBatch struct {
	Changes    []ChangeRecord `json:"changes"`
	NextCursor cursor.Cursor  `json:"-"`
	HasMore    bool           `json:"has_more"`
}

// Transport is the network collaborator. Authorization is the transport's
// concern; the engine treats an authorization rejection identically to any
// other push rejection. Network and auth failures surface as errors the
// orchestrator maps to its Error state.
type Transport interface {
	Push(ctx context.Context, changes []ChangeRecord) (*PushResult, error)
	Pull(ctx context.Context, since cursor.Cursor, limit int) (*PullBatch, error)
	Close() error
}

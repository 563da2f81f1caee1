// Package engine drives the push/pull synchronization protocol: it collects
// outgoing local changes, applies incoming remote changes through the
// conflict detector and resolution policy engine, updates vector clocks, and
// maintains the durable pending-operation queue.
package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/clock"
	"github.com/carebridge/medsync/conflict"
	"github.com/carebridge/medsync/crdt"
	syncErrors "github.com/carebridge/medsync/errors"
	"github.com/carebridge/medsync/logging"
	"github.com/carebridge/medsync/policy"
	"github.com/carebridge/medsync/review"
)

// State is the orchestrator's externally visible sync state.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateComplete State = "complete"
	StateError    State = "error"
)

// ErrSyncInFlight is returned when a sync is requested while one is already
// running. Concurrent triggers coalesce into a no-op rather than queueing.
var ErrSyncInFlight = stdErrors.New("a sync pass is already in flight")

// ErrClosed is returned after Close.
var ErrClosed = stdErrors.New("orchestrator is closed")

// Status reflects the true engine state; no sync failure is silently
// swallowed.
type Status struct {
	State             State     `json:"state"`
	LastSync          time.Time `json:"last_sync,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	LastFailureKind   string    `json:"last_failure_kind,omitempty"`
	PendingOperations int       `json:"pending_operations"`
	PendingReviews    int       `json:"pending_reviews"`
}

// SyncResult summarizes one completed sync pass.
type SyncResult struct {
	ChangesPushed         int
	ChangesPulled         int
	ChangesSkipped        int
	ConflictsDetected     int
	ConflictsAutoResolved int
	ManualReviews         int
	Errors                []error
	StartTime             time.Time
	Duration              time.Duration
}

// Orchestrator owns the sync state machine. All queue, entity and clock
// mutations are sequenced within one pass; the single-flight guard is the
// sole concurrency-control primitive.
type Orchestrator struct {
	store     medsync.EntityStore
	transport medsync.Transport
	detector  *conflict.Detector
	policy    *policy.Engine
	reviews   *review.Queue
	opts      Options
	logger    *logging.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	state     State
	lastSync  time.Time
	lastErr   error
	trigger   chan struct{}
	loopStop  chan struct{}
	loopDone  chan struct{}
	closed    bool
}

// New creates an Orchestrator over the given collaborators.
func New(store medsync.EntityStore, transport medsync.Transport, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.ReplicaID == "" {
		return nil, fmt.Errorf("replica ID is required")
	}
	opts.setDefaults()

	table := opts.Policy
	if table == nil {
		table = policy.DefaultTable()
	}

	return &Orchestrator{
		store:     store,
		transport: transport,
		detector:  conflict.NewWithCriticalFields(table.AnyCritical),
		policy:    policy.New(table, opts.ReplicaID),
		reviews:   review.New(store),
		opts:      opts,
		logger:    logging.WithComponent(logging.Component("orchestrator")).WithReplica(opts.ReplicaID),
		state:     StateIdle,
		trigger:   make(chan struct{}, 1),
	}, nil
}

// --- exposed surface -------------------------------------------------------

// RequestSync signals that a sync pass should run. A no-op while a pass is
// already syncing; triggers are coalesced, never queued indefinitely.
func (o *Orchestrator) RequestSync() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// PendingConflicts returns the ordered manual-review entries awaiting a
// human decision.
func (o *Orchestrator) PendingConflicts(ctx context.Context) ([]medsync.ConflictRecord, error) {
	return o.reviews.Pending(ctx)
}

// ResolveConflict commits a human decision as a new change record. The
// record is applied locally and enqueued so other replicas learn the
// resolution on the next pass.
func (o *Orchestrator) ResolveConflict(ctx context.Context, d review.Decision) (*medsync.ChangeRecord, error) {
	rec, err := o.reviews.Resolve(ctx, d, o.opts.ReplicaID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil // discarded; nothing to commit
	}
	if err := o.commitLocal(ctx, *rec, true); err != nil {
		return nil, err
	}
	return rec, nil
}

// Status reports the current state, last sync time, and pending counts.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.mu.Lock()
	status := Status{
		State:    o.state,
		LastSync: o.lastSync,
	}
	if o.lastErr != nil {
		status.LastError = o.lastErr.Error()
		status.LastFailureKind = string(syncErrors.KindOf(o.lastErr))
	}
	o.mu.Unlock()

	queue, err := o.store.LoadQueue(ctx)
	if err != nil {
		return status, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	status.PendingOperations = len(queue)

	pending, err := o.reviews.Pending(ctx)
	if err != nil {
		return status, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	status.PendingReviews = len(pending)

	return status, nil
}

// Close shuts the orchestrator down, stopping the trigger loop and closing
// the transport and store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	loopStop, loopDone := o.loopStop, o.loopDone
	o.loopStop, o.loopDone = nil, nil
	o.mu.Unlock()

	if loopStop != nil {
		close(loopStop)
		<-loopDone
	}

	var errs []error
	if err := o.transport.Close(); err != nil {
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "transport", err))
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "store", err))
	}
	if len(errs) > 0 {
		return syncErrors.New(syncErrors.OpClose, fmt.Errorf("multiple close errors: %v", errs))
	}
	return nil
}

// Start launches the trigger loop: external events enqueue a sync-requested
// signal via RequestSync, the periodic ticker fires if SyncInterval is set,
// and the state machine remains the sole arbiter of whether a pass runs.
// Transient failures are retried with exponential backoff.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.loopStop != nil {
		o.mu.Unlock()
		return fmt.Errorf("trigger loop already running")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	o.loopStop, o.loopDone = stop, done
	o.mu.Unlock()

	go o.runLoop(ctx, stop, done)
	return nil
}

func (o *Orchestrator) runLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if o.opts.SyncInterval > 0 {
		ticker = time.NewTicker(o.opts.SyncInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	eb := &exponentialBackoff{
		initialDelay: o.opts.RetryConfig.InitialDelay,
		maxDelay:     o.opts.RetryConfig.MaxDelay,
		multiplier:   o.opts.RetryConfig.Multiplier,
	}
	attempt := 0
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-tick:
		case <-o.trigger:
		case <-retry:
			retry = nil
		}

		_, err := o.Sync(ctx)
		switch {
		case err == nil:
			attempt = 0
		case stdErrors.Is(err, ErrSyncInFlight):
			// Coalesced; the running pass covers this trigger.
		case syncErrors.IsRetryable(err) && attempt+1 < o.opts.RetryConfig.MaxAttempts:
			attempt++
			retry = time.After(eb.nextDelay(attempt - 1))
		default:
			attempt = 0
		}
	}
}

// --- sync pass -------------------------------------------------------------

// Sync performs one full pass: push pending local changes, pull remote
// changes since the last acknowledged cursor, resolve what arrives, and
// advance the cursor only after the whole batch commits.
func (o *Orchestrator) Sync(ctx context.Context) (*SyncResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.mu.Unlock()

	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer o.inFlight.Store(false)

	o.setState(StateSyncing, nil)

	start := time.Now()
	res := &SyncResult{StartTime: start}
	defer func() {
		res.Duration = time.Since(start)
		o.opts.Metrics.RecordSyncDuration("full_sync", res.Duration)
		o.opts.Metrics.RecordSyncChanges(res.ChangesPushed, res.ChangesPulled)
		if res.ConflictsDetected > 0 {
			o.opts.Metrics.RecordConflicts(res.ConflictsDetected, res.ConflictsAutoResolved, res.ManualReviews)
		}
	}()

	if err := o.push(ctx, res); err != nil {
		o.opts.Metrics.RecordSyncErrors("push", string(syncErrors.KindOf(err)))
		o.setState(StateError, err)
		return res, err
	}

	if err := o.pull(ctx, res); err != nil {
		o.opts.Metrics.RecordSyncErrors("pull", string(syncErrors.KindOf(err)))
		o.setState(StateError, err)
		return res, err
	}

	o.mu.Lock()
	o.state = StateComplete
	o.lastSync = time.Now()
	o.lastErr = nil
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "sync pass complete",
		slog.Int("pushed", res.ChangesPushed),
		slog.Int("pulled", res.ChangesPulled),
		slog.Int("conflicts", res.ConflictsDetected),
		slog.Int("manual_reviews", res.ManualReviews),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	o.state = s
	if s == StateError {
		o.lastErr = err
	}
	o.mu.Unlock()
}

// push sends pending operation queue entries in batches. Entries leave the
// queue only on explicit per-record acknowledgment; rejected or unsent
// entries stay queued for the next pass.
func (o *Orchestrator) push(ctx context.Context, res *SyncResult) error {
	queue, err := o.store.LoadQueue(ctx)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if len(queue) == 0 {
		return nil
	}

	batchSize := o.opts.BatchSize
	for i := 0; i < len(queue); i += batchSize {
		select {
		case <-ctx.Done():
			return syncErrors.NewRetryable(syncErrors.OpPush, ctx.Err())
		default:
		}

		end := i + batchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[i:end]

		opCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		result, err := o.transport.Push(opCtx, batch)
		cancel()
		if err != nil {
			return err
		}

		if len(result.Accepted) > 0 {
			if err := o.store.Ack(ctx, result.Accepted); err != nil {
				return syncErrors.NewStorageError(syncErrors.OpStore, err)
			}
			res.ChangesPushed += len(result.Accepted)
		}

		for _, rej := range result.Rejected {
			o.logger.WarnContext(ctx, "change rejected by remote",
				slog.String("change_id", rej.ChangeID),
				slog.String("reason", rej.Reason),
			)
			o.opts.Metrics.RecordSyncErrors("push", "rejected")
		}
	}

	return nil
}

// pull fetches remote batches since the last acknowledged cursor. The cursor
// advances only after every change of a batch has been processed; a storage
// failure mid-batch aborts the pass, leaving the cursor untouched so the next
// attempt naturally retries (applying a change is idempotent on its ID).
func (o *Orchestrator) pull(ctx context.Context, res *SyncResult) error {
	since, err := o.store.LoadCursor(ctx, o.opts.Endpoint)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	for {
		select {
		case <-ctx.Done():
			return syncErrors.NewRetryable(syncErrors.OpPull, ctx.Err())
		default:
		}

		opCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		batch, err := o.transport.Pull(opCtx, since, o.opts.BatchSize)
		cancel()
		if err != nil {
			return err
		}

		for _, rec := range batch.Changes {
			if err := o.applyRemote(ctx, rec, res); err != nil {
				kind := syncErrors.KindOf(err)
				if kind == syncErrors.KindStorage {
					return err
				}
				// Failures local to one entity's merge must not abort the
				// batch: quarantine the entity for manual review and keep
				// processing.
				o.quarantine(ctx, rec, err)
				res.Errors = append(res.Errors, err)
				res.ManualReviews++
			}
		}

		if batch.NextCursor != nil {
			if err := o.store.SaveCursor(ctx, o.opts.Endpoint, batch.NextCursor); err != nil {
				return syncErrors.NewStorageError(syncErrors.OpStore, err)
			}
			since = batch.NextCursor
		}

		if !batch.HasMore {
			return nil
		}
	}
}

// applyRemote processes a single incoming change: replay check, detection,
// then either direct apply, policy resolution, or manual review. The replay
// check is keyed on the change ID alone: a distinct change sharing the
// entity's version is a concurrent edit, and the detector must see it.
func (o *Orchestrator) applyRemote(ctx context.Context, rec medsync.ChangeRecord, res *SyncResult) error {
	applied, err := o.store.HasChange(ctx, rec.ID)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if applied {
		res.ChangesSkipped++
		return nil
	}

	entity, err := o.store.LoadEntity(ctx, rec.EntityID)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	var naturalMatch *medsync.Entity
	if entity == nil && rec.Op == medsync.OpCreate && rec.NaturalKey != "" {
		naturalMatch, err = o.store.FindByNaturalKey(ctx, rec.EntityType, rec.NaturalKey)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
	}

	det := o.detector.Classify(entity, rec, naturalMatch)
	switch det.Decision {
	case conflict.Skip:
		res.ChangesSkipped++
		return nil
	case conflict.Apply:
		if err := o.commitRemote(ctx, entity, rec); err != nil {
			return err
		}
		res.ChangesPulled++
		return nil
	}

	res.ConflictsDetected++
	return o.resolveDetected(ctx, entity, naturalMatch, *det.Conflict, rec, res)
}

func (o *Orchestrator) resolveDetected(ctx context.Context, entity, naturalMatch *medsync.Entity, c medsync.ConflictRecord, rec medsync.ChangeRecord, res *SyncResult) error {
	outcome, err := o.policy.Resolve(c)
	if err != nil {
		return syncErrors.NewConflictError(syncErrors.OpConflictResolve, err)
	}

	if outcome.Merged != nil {
		archived := c
		archived.Outcome = medsync.OutcomeAutoMerged
		archived.Decision = outcome.Decision
		archived.Reasons = outcome.Reasons
		archived.ResolvedAt = time.Now()
		if err := o.store.SaveConflict(ctx, archived); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}

		// Mark the remote record applied so replays are no-ops, then commit
		// the merged result and enqueue it for the other replicas.
		if err := o.store.AppendChange(ctx, rec); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
		if err := o.commitLocal(ctx, *outcome.Merged, true); err != nil {
			return err
		}
		res.ChangesPulled++
		res.ConflictsAutoResolved++
		o.logger.InfoContext(ctx, "conflict auto-resolved",
			slog.String("entity_id", c.EntityID),
			slog.String("kind", string(c.Kind)),
			slog.String("decision", outcome.Decision),
		)
		return nil
	}

	// Manual path: exactly one outcome is written; nothing merges silently.
	if outcome.Resurrect && entity != nil {
		kept := entity.Clone()
		kept.Deleted = false
		kept.DeletedAt = time.Time{}
		kept.NeedsReview = true
		_ = kept.Clock.Merge(rec.Clock)
		if err := o.store.SaveEntity(ctx, kept); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
	}

	if outcome.LinkDuplicates && naturalMatch != nil {
		dup := entityFromChange(rec)
		dup.NeedsReview = true
		dup.LinkedDuplicates = []string{naturalMatch.ID}
		if err := o.store.SaveEntity(ctx, dup); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
		linked := naturalMatch.Clone()
		linked.NeedsReview = true
		linked.LinkedDuplicates = appendUnique(linked.LinkedDuplicates, rec.EntityID)
		if err := o.store.SaveEntity(ctx, linked); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
		if err := o.store.AppendChange(ctx, rec); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
	}

	if err := o.reviews.Enqueue(ctx, c, outcome.Reasons); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	res.ManualReviews++
	return nil
}

// quarantine turns an unprocessable incoming change into a manual-review
// entry so the rest of the batch keeps flowing.
func (o *Orchestrator) quarantine(ctx context.Context, rec medsync.ChangeRecord, cause error) {
	c := medsync.ConflictRecord{
		ID:         medsync.NewChangeID(),
		Kind:       medsync.ConflictSchema,
		EntityID:   rec.EntityID,
		EntityType: rec.EntityType,
		Remote:     rec,
		DetectedAt: time.Now(),
		Outcome:    medsync.OutcomePending,
		Reasons:    []string{fmt.Sprintf("quarantined: %v", cause)},
	}
	if err := o.store.SaveConflict(ctx, c); err != nil {
		o.logger.LogError(ctx, err, "failed to quarantine change",
			slog.String("change_id", rec.ID),
			slog.String("entity_id", rec.EntityID),
		)
	}
}

// --- local mutations -------------------------------------------------------

// RecordCreate commits a local create and queues it for the next push.
func (o *Orchestrator) RecordCreate(ctx context.Context, entityType, entityID, naturalKey string, fields map[string]crdt.Field) (*medsync.ChangeRecord, error) {
	existing, err := o.store.LoadEntity(ctx, entityID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if existing != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("entity %s already exists", entityID))
	}

	vc := clock.New()
	if err := vc.Increment(o.opts.ReplicaID); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}

	rec := medsync.ChangeRecord{
		ID:         medsync.NewChangeID(),
		EntityID:   entityID,
		EntityType: entityType,
		Op:         medsync.OpCreate,
		Fields:     fields,
		NaturalKey: naturalKey,
		Version:    1,
		Clock:      vc,
		ReplicaID:  o.opts.ReplicaID,
		Timestamp:  time.Now(),
	}
	if err := o.commitLocal(ctx, rec, true); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordUpdate commits a local field update and queues it for the next push.
func (o *Orchestrator) RecordUpdate(ctx context.Context, entityID string, fields map[string]crdt.Field) (*medsync.ChangeRecord, error) {
	entity, err := o.store.LoadEntity(ctx, entityID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if entity == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("entity %s does not exist", entityID))
	}

	vc := entity.Clock.Clone()
	if err := vc.Increment(o.opts.ReplicaID); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}

	rec := medsync.ChangeRecord{
		ID:            medsync.NewChangeID(),
		EntityID:      entityID,
		EntityType:    entity.Type,
		Op:            medsync.OpUpdate,
		Fields:        fields,
		NaturalKey:    entity.NaturalKey,
		SchemaVersion: entity.SchemaVersion,
		Version:       entity.Version + 1,
		Clock:         vc,
		ReplicaID:     o.opts.ReplicaID,
		Timestamp:     time.Now(),
	}
	if err := o.commitLocal(ctx, rec, true); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordDelete commits a local soft delete and queues it for the next push.
func (o *Orchestrator) RecordDelete(ctx context.Context, entityID string) (*medsync.ChangeRecord, error) {
	entity, err := o.store.LoadEntity(ctx, entityID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	if entity == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("entity %s does not exist", entityID))
	}

	vc := entity.Clock.Clone()
	if err := vc.Increment(o.opts.ReplicaID); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpStore, err)
	}

	rec := medsync.ChangeRecord{
		ID:            medsync.NewChangeID(),
		EntityID:      entityID,
		EntityType:    entity.Type,
		Op:            medsync.OpDelete,
		NaturalKey:    entity.NaturalKey,
		SchemaVersion: entity.SchemaVersion,
		Version:       entity.Version + 1,
		Clock:         vc,
		ReplicaID:     o.opts.ReplicaID,
		Timestamp:     time.Now(),
	}
	if err := o.commitLocal(ctx, rec, true); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- commit helpers --------------------------------------------------------

// commitRemote applies a non-conflicting remote change to local state.
func (o *Orchestrator) commitRemote(ctx context.Context, entity *medsync.Entity, rec medsync.ChangeRecord) error {
	updated := applyChange(entity, rec)
	if err := o.store.SaveEntity(ctx, updated); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	if err := o.store.AppendChange(ctx, rec); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	return nil
}

// commitLocal applies a locally produced change (a user mutation, a merge
// result, or a human decision) and optionally enqueues it for push.
func (o *Orchestrator) commitLocal(ctx context.Context, rec medsync.ChangeRecord, enqueue bool) error {
	entity, err := o.store.LoadEntity(ctx, rec.EntityID)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	updated := applyChange(entity, rec)
	// A committed local change settles any review flag on the entity.
	if rec.Op != medsync.OpDelete && updated.NeedsReview && rec.ReplicaID == o.opts.ReplicaID {
		updated.NeedsReview = false
	}
	if err := o.store.SaveEntity(ctx, updated); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	if err := o.store.AppendChange(ctx, rec); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}
	if enqueue {
		if err := o.store.Enqueue(ctx, rec); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpStore, err)
		}
	}
	return nil
}

// applyChange folds a change record into the entity state, merging field
// CRDTs and vector clocks. Committed changes are applied in an order
// consistent with their causal relationships; concurrent changes arrive here
// only after deterministic resolution.
func applyChange(entity *medsync.Entity, rec medsync.ChangeRecord) *medsync.Entity {
	if entity == nil {
		e := &medsync.Entity{
			ID:            rec.EntityID,
			Type:          rec.EntityType,
			Version:       rec.Version,
			Clock:         rec.Clock.Clone(),
			NaturalKey:    rec.NaturalKey,
			SchemaVersion: rec.SchemaVersion,
			UpdatedAt:     rec.Timestamp,
			Fields:        make(map[string]crdt.Field, len(rec.Fields)),
		}
		for name, f := range rec.Fields {
			e.Fields[name] = f.Clone()
		}
		if rec.Op == medsync.OpDelete {
			e.Deleted = true
			e.DeletedAt = rec.Timestamp
		}
		return e
	}

	updated := entity.Clone()

	switch rec.Op {
	case medsync.OpDelete:
		updated.Deleted = true
		updated.DeletedAt = rec.Timestamp
	default:
		// An update that causally follows a tombstone resurrects the entity.
		if updated.Deleted {
			updated.Deleted = false
			updated.DeletedAt = time.Time{}
		}
		for name, f := range rec.Fields {
			if existing, ok := updated.Fields[name]; ok {
				if merged, err := existing.Merge(f); err == nil {
					updated.Fields[name] = merged
					continue
				}
			}
			updated.Fields[name] = f.Clone()
		}
	}

	_ = updated.Clock.Merge(rec.Clock)
	if rec.Version > updated.Version {
		updated.Version = rec.Version
	}
	if rec.SchemaVersion > updated.SchemaVersion {
		updated.SchemaVersion = rec.SchemaVersion
	}
	updated.UpdatedAt = rec.Timestamp
	return updated
}

// entityFromChange builds a fresh entity from a create record.
func entityFromChange(rec medsync.ChangeRecord) *medsync.Entity {
	return applyChange(nil, rec)
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// Package memory provides an in-memory implementation of the medsync
// EntityStore, intended for tests and ephemeral replicas.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/cursor"
)

type queueEntry struct {
	seq uint64
	rec medsync.ChangeRecord
}

type logEntry struct {
	seq uint64
	rec medsync.ChangeRecord
}

// Store implements medsync.EntityStore in process memory.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]*medsync.Entity
	changes   []logEntry
	changeIDs map[string]struct{}
	queue     []queueEntry
	queueIDs  map[string]struct{}
	conflicts map[string]medsync.ConflictRecord
	order     []string
	cursors   map[string]cursor.Cursor
	nextSeq   uint64
}

var _ medsync.EntityStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		entities:  make(map[string]*medsync.Entity),
		changeIDs: make(map[string]struct{}),
		queueIDs:  make(map[string]struct{}),
		conflicts: make(map[string]medsync.ConflictRecord),
		cursors:   make(map[string]cursor.Cursor),
	}
}

func (s *Store) LoadEntity(ctx context.Context, id string) (*medsync.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (s *Store) FindByNaturalKey(ctx context.Context, entityType, naturalKey string) (*medsync.Entity, error) {
	if naturalKey == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := s.entities[id]
		if e.Type == entityType && e.NaturalKey == naturalKey && !e.Deleted {
			return e.Clone(), nil
		}
	}
	return nil, nil
}

func (s *Store) SaveEntity(ctx context.Context, e *medsync.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.Clone()
	return nil
}

func (s *Store) AppendChange(ctx context.Context, rec medsync.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.changeIDs[rec.ID]; ok {
		return nil
	}
	s.nextSeq++
	s.changes = append(s.changes, logEntry{seq: s.nextSeq, rec: rec})
	s.changeIDs[rec.ID] = struct{}{}
	return nil
}

func (s *Store) HasChange(ctx context.Context, changeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.changeIDs[changeID]
	return ok, nil
}

func (s *Store) Enqueue(ctx context.Context, rec medsync.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queueIDs[rec.ID]; ok {
		return nil
	}
	s.nextSeq++
	s.queue = append(s.queue, queueEntry{seq: s.nextSeq, rec: rec})
	s.queueIDs[rec.ID] = struct{}{}
	return nil
}

func (s *Store) LoadQueue(ctx context.Context) ([]medsync.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]medsync.ChangeRecord, 0, len(s.queue))
	for _, entry := range s.queue {
		out = append(out, entry.rec)
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, changeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(changeIDs))
	for _, id := range changeIDs {
		drop[id] = struct{}{}
	}

	kept := s.queue[:0]
	for _, entry := range s.queue {
		if _, ok := drop[entry.rec.ID]; ok {
			delete(s.queueIDs, entry.rec.ID)
			continue
		}
		kept = append(kept, entry)
	}
	s.queue = kept
	return nil
}

func (s *Store) SaveConflict(ctx context.Context, rec medsync.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.conflicts[rec.ID] = rec
	return nil
}

func (s *Store) UpdateConflict(ctx context.Context, rec medsync.ConflictRecord) error {
	return s.SaveConflict(ctx, rec)
}

func (s *Store) LoadConflict(ctx context.Context, id string) (*medsync.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) PendingConflicts(ctx context.Context) ([]medsync.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []medsync.ConflictRecord
	for _, id := range s.order {
		if rec := s.conflicts[id]; rec.Outcome == medsync.OutcomePending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) LoadCursor(ctx context.Context, endpoint string) (cursor.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[endpoint], nil
}

func (s *Store) SaveCursor(ctx context.Context, endpoint string, c cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[endpoint] = c
	return nil
}

// LoadChangesSince returns up to limit change records past the given log
// sequence, mirroring the SQLite store's server-side feed.
func (s *Store) LoadChangesSince(ctx context.Context, seq uint64, limit int) ([]medsync.ChangeRecord, uint64, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []medsync.ChangeRecord
	last := seq
	hasMore := false
	for _, entry := range s.changes {
		if entry.seq <= seq {
			continue
		}
		if len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, entry.rec)
		last = entry.seq
	}
	return out, last, hasMore, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Package bolt provides a bbolt implementation of the medsync EntityStore,
// suited to single-process edge devices where running SQLite is unwanted.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/cursor"
	syncErrors "github.com/carebridge/medsync/errors"
)

var (
	bucketEntities  = []byte("entities")
	bucketNatural   = []byte("natural_keys")
	bucketChanges   = []byte("changes")
	bucketChangeIdx = []byte("change_index")
	bucketQueue     = []byte("queue")
	bucketQueueIdx  = []byte("queue_index")
	bucketConflicts = []byte("conflicts")
	bucketCursors   = []byte("cursors")
)

// Store implements the medsync.EntityStore interface over a bbolt file.
type Store struct {
	db *bbolt.DB
}

var _ medsync.EntityStore = (*Store)(nil)

// New opens (or creates) the bbolt database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &Store{db: db}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketEntities, bucketNatural, bucketChanges, bucketChangeIdx,
			bucketQueue, bucketQueueIdx, bucketConflicts, bucketCursors,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadEntity returns the entity, or (nil, nil) if absent.
func (s *Store) LoadEntity(ctx context.Context, id string) (*medsync.Entity, error) {
	var e *medsync.Entity
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntities).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var entity medsync.Entity
		if err := json.Unmarshal(raw, &entity); err != nil {
			return syncErrors.NewCorruptionError("bolt.LoadEntity", err)
		}
		e = &entity
		return nil
	})
	return e, err
}

// FindByNaturalKey returns a live entity of the given type sharing the
// natural-identity key, or (nil, nil) if none exists.
func (s *Store) FindByNaturalKey(ctx context.Context, entityType, naturalKey string) (*medsync.Entity, error) {
	if naturalKey == "" {
		return nil, nil
	}

	var e *medsync.Entity
	err := s.db.View(func(tx *bbolt.Tx) error {
		idBytes := tx.Bucket(bucketNatural).Get(naturalIndexKey(entityType, naturalKey))
		if idBytes == nil {
			return nil
		}
		raw := tx.Bucket(bucketEntities).Get(idBytes)
		if raw == nil {
			return nil
		}
		var entity medsync.Entity
		if err := json.Unmarshal(raw, &entity); err != nil {
			return syncErrors.NewCorruptionError("bolt.FindByNaturalKey", err)
		}
		if entity.Deleted {
			return nil
		}
		e = &entity
		return nil
	})
	return e, err
}

// SaveEntity persists the entity state and maintains the natural-key index.
func (s *Store) SaveEntity(ctx context.Context, e *medsync.Entity) error {
	if e == nil {
		return fmt.Errorf("entity cannot be nil")
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return syncErrors.NewStorageError("bolt.SaveEntity", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntities).Put([]byte(e.ID), raw); err != nil {
			return syncErrors.NewStorageError("bolt.SaveEntity", err)
		}
		if e.NaturalKey != "" {
			if err := tx.Bucket(bucketNatural).Put(naturalIndexKey(e.Type, e.NaturalKey), []byte(e.ID)); err != nil {
				return syncErrors.NewStorageError("bolt.SaveEntity", err)
			}
		}
		return nil
	})
}

// AppendChange appends to the immutable change record log, keyed by the
// log's local sequence number with a change-ID index alongside.
func (s *Store) AppendChange(ctx context.Context, rec medsync.ChangeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.NewStorageError("bolt.AppendChange", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketChangeIdx)
		idxKey := []byte(rec.ID)
		if idx.Get(idxKey) != nil {
			return nil // already logged, replay is a no-op
		}

		changes := tx.Bucket(bucketChanges)
		seq, err := changes.NextSequence()
		if err != nil {
			return syncErrors.NewStorageError("bolt.AppendChange", err)
		}
		if err := changes.Put(seqKey(seq), raw); err != nil {
			return syncErrors.NewStorageError("bolt.AppendChange", err)
		}
		if err := idx.Put(idxKey, seqKey(seq)); err != nil {
			return syncErrors.NewStorageError("bolt.AppendChange", err)
		}
		return nil
	})
}

// HasChange reports whether the change with the given ID is already logged.
func (s *Store) HasChange(ctx context.Context, changeID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketChangeIdx).Get([]byte(changeID)) != nil
		return nil
	})
	return found, err
}

// Enqueue appends an outgoing change to the pending operation queue.
func (s *Store) Enqueue(ctx context.Context, rec medsync.ChangeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.NewStorageError("bolt.Enqueue", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketQueueIdx)
		if idx.Get([]byte(rec.ID)) != nil {
			return nil
		}

		queue := tx.Bucket(bucketQueue)
		seq, err := queue.NextSequence()
		if err != nil {
			return syncErrors.NewStorageError("bolt.Enqueue", err)
		}
		if err := queue.Put(seqKey(seq), raw); err != nil {
			return syncErrors.NewStorageError("bolt.Enqueue", err)
		}
		if err := idx.Put([]byte(rec.ID), seqKey(seq)); err != nil {
			return syncErrors.NewStorageError("bolt.Enqueue", err)
		}
		return nil
	})
}

// LoadQueue returns pending outgoing changes ordered by local sequence.
func (s *Store) LoadQueue(ctx context.Context) ([]medsync.ChangeRecord, error) {
	var out []medsync.ChangeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var rec medsync.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return syncErrors.NewCorruptionError("bolt.LoadQueue", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Ack removes acknowledged changes from the pending operation queue.
func (s *Store) Ack(ctx context.Context, changeIDs []string) error {
	if len(changeIDs) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		idx := tx.Bucket(bucketQueueIdx)
		for _, id := range changeIDs {
			seq := idx.Get([]byte(id))
			if seq == nil {
				continue
			}
			if err := queue.Delete(seq); err != nil {
				return syncErrors.NewStorageError("bolt.Ack", err)
			}
			if err := idx.Delete([]byte(id)); err != nil {
				return syncErrors.NewStorageError("bolt.Ack", err)
			}
		}
		return nil
	})
}

// SaveConflict persists a new conflict record.
func (s *Store) SaveConflict(ctx context.Context, rec medsync.ConflictRecord) error {
	return s.putConflict(rec)
}

// UpdateConflict records the resolution outcome of an existing conflict.
func (s *Store) UpdateConflict(ctx context.Context, rec medsync.ConflictRecord) error {
	return s.putConflict(rec)
}

func (s *Store) putConflict(rec medsync.ConflictRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.NewStorageError("bolt.SaveConflict", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketConflicts).Put([]byte(rec.ID), raw); err != nil {
			return syncErrors.NewStorageError("bolt.SaveConflict", err)
		}
		return nil
	})
}

// LoadConflict returns a conflict record by ID, or (nil, nil) if absent.
func (s *Store) LoadConflict(ctx context.Context, id string) (*medsync.ConflictRecord, error) {
	var rec *medsync.ConflictRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketConflicts).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var c medsync.ConflictRecord
		if err := json.Unmarshal(raw, &c); err != nil {
			return syncErrors.NewCorruptionError("bolt.LoadConflict", err)
		}
		rec = &c
		return nil
	})
	return rec, err
}

// PendingConflicts returns unresolved conflicts ordered by detection time.
func (s *Store) PendingConflicts(ctx context.Context) ([]medsync.ConflictRecord, error) {
	var out []medsync.ConflictRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
			var rec medsync.ConflictRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return syncErrors.NewCorruptionError("bolt.PendingConflicts", err)
			}
			if rec.Outcome == medsync.OutcomePending {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortConflictsByDetection(out)
	return out, nil
}

// LoadCursor returns the last acknowledged cursor for an endpoint, or
// (nil, nil) if this replica has never synced with it.
func (s *Store) LoadCursor(ctx context.Context, endpoint string) (cursor.Cursor, error) {
	var c cursor.Cursor
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCursors).Get([]byte(endpoint))
		if raw == nil {
			return nil
		}
		decoded, err := cursor.Decode(string(raw))
		if err != nil {
			return syncErrors.NewCorruptionError("bolt.LoadCursor", err)
		}
		c = decoded
		return nil
	})
	return c, err
}

// SaveCursor durably advances the last acknowledged cursor.
func (s *Store) SaveCursor(ctx context.Context, endpoint string, c cursor.Cursor) error {
	position, err := cursor.Encode(c)
	if err != nil {
		return syncErrors.NewStorageError("bolt.SaveCursor", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCursors).Put([]byte(endpoint), []byte(position)); err != nil {
			return syncErrors.NewStorageError("bolt.SaveCursor", err)
		}
		return nil
	})
}

// --- key helpers -----------------------------------------------------------

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func naturalIndexKey(entityType, naturalKey string) []byte {
	return []byte(entityType + "\x00" + naturalKey)
}

func sortConflictsByDetection(recs []medsync.ConflictRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].DetectedAt.Equal(recs[j].DetectedAt) {
			return recs[i].DetectedAt.Before(recs[j].DetectedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

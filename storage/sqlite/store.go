// Package sqlite provides a SQLite implementation of the medsync EntityStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/carebridge/medsync"
	"github.com/carebridge/medsync/cursor"
	syncErrors "github.com/carebridge/medsync/errors"
	"github.com/carebridge/medsync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opSaveEntity     = "sqlite.SaveEntity"
	opLoadEntity     = "sqlite.LoadEntity"
	opFindByKey      = "sqlite.FindByNaturalKey"
	opAppendChange   = "sqlite.AppendChange"
	opHasChange      = "sqlite.HasChange"
	opEnqueue        = "sqlite.Enqueue"
	opLoadQueue      = "sqlite.LoadQueue"
	opAck            = "sqlite.Ack"
	opSaveConflict   = "sqlite.SaveConflict"
	opLoadConflict   = "sqlite.LoadConflict"
	opLoadCursor     = "sqlite.LoadCursor"
	opSaveCursor     = "sqlite.SaveCursor"
	opPruneConflicts = "sqlite.PruneResolvedConflicts"
)

var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the EntityStore.
//
// Production-ready defaults are applied by DefaultConfig() including WAL mode
// and a bounded connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:medsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings for production workloads.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements the medsync.EntityStore interface for SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check to ensure Store satisfies the EntityStore interface
var _ medsync.EntityStore = (*Store)(nil)

// New creates a new Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite EntityStore initialized")
	return store, nil
}

// setupSchema creates the medsync tables if they don't exist.
//
// entities holds current replica state, changes is the immutable change
// record log, queue is the pending operation queue ordered by local sequence,
// conflicts is the archived conflict log, and cursors tracks the last
// acknowledged pull position per endpoint.
func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        id           TEXT PRIMARY KEY,
        entity_type  TEXT NOT NULL,
        natural_key  TEXT,
        deleted      INTEGER NOT NULL DEFAULT 0,
        body         TEXT NOT NULL,
        updated_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_entities_natural
        ON entities (entity_type, natural_key);

    CREATE TABLE IF NOT EXISTS changes (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        id          TEXT NOT NULL UNIQUE,
        entity_id   TEXT NOT NULL,
        version     INTEGER NOT NULL,
        body        TEXT NOT NULL,
        created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_changes_entity ON changes (entity_id, version);

    CREATE TABLE IF NOT EXISTS queue (
        seq        INTEGER PRIMARY KEY AUTOINCREMENT,
        change_id  TEXT NOT NULL UNIQUE,
        body       TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conflicts (
        id           TEXT PRIMARY KEY,
        entity_id    TEXT NOT NULL,
        outcome      TEXT NOT NULL,
        body         TEXT NOT NULL,
        detected_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        resolved_at  TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_conflicts_outcome ON conflicts (outcome, detected_at);

    CREATE TABLE IF NOT EXISTS cursors (
        endpoint  TEXT PRIMARY KEY,
        position  TEXT NOT NULL,
        saved_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// LoadEntity returns the entity, or (nil, nil) if absent.
func (s *Store) LoadEntity(ctx context.Context, id string) (*medsync.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var body string
	query := `SELECT body FROM entities WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadEntity, "storage/sqlite")
	}
	return decodeEntity(body, opLoadEntity)
}

// FindByNaturalKey returns an entity of the given type sharing the
// natural-identity key, or (nil, nil) if none exists. Tombstones are not
// candidates for duplicate detection.
func (s *Store) FindByNaturalKey(ctx context.Context, entityType, naturalKey string) (*medsync.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if naturalKey == "" {
		return nil, nil
	}

	var body string
	query := `SELECT body FROM entities WHERE entity_type = ? AND natural_key = ? AND deleted = 0 LIMIT 1`
	err := s.db.QueryRowContext(ctx, query, entityType, naturalKey).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opFindByKey, "storage/sqlite")
	}
	return decodeEntity(body, opFindByKey)
}

// SaveEntity persists the full entity state as a JSON document plus the
// indexed columns used for lookups.
func (s *Store) SaveEntity(ctx context.Context, e *medsync.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e == nil {
		return syncErrors.WrapOpComponent(fmt.Errorf("entity cannot be nil"), opSaveEntity, "storage/sqlite")
	}

	body, err := json.Marshal(e)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSaveEntity, "storage/sqlite")
	}

	deleted := 0
	if e.Deleted {
		deleted = 1
	}

	query := `
    INSERT INTO entities (id, entity_type, natural_key, deleted, body, updated_at)
    VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT(id) DO UPDATE SET
        entity_type = excluded.entity_type,
        natural_key = excluded.natural_key,
        deleted     = excluded.deleted,
        body        = excluded.body,
        updated_at  = CURRENT_TIMESTAMP`
	_, err = s.db.ExecContext(ctx, query, e.ID, e.Type, e.NaturalKey, deleted, string(body))
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSaveEntity, "storage/sqlite")
	}
	return nil
}

// AppendChange appends to the immutable change record log. Appending a
// change whose ID is already logged is a no-op, which keeps replays
// idempotent.
func (s *Store) AppendChange(ctx context.Context, rec medsync.ChangeRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opAppendChange, "storage/sqlite")
	}

	query := `INSERT OR IGNORE INTO changes (id, entity_id, version, body) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.EntityID, int64(rec.Version), string(body))
	if err != nil {
		return syncErrors.WrapOpComponent(err, opAppendChange, "storage/sqlite")
	}
	return nil
}

// HasChange reports whether the change with the given ID is already logged.
func (s *Store) HasChange(ctx context.Context, changeID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var n int
	query := `SELECT COUNT(1) FROM changes WHERE id = ?`
	if err := s.db.QueryRowContext(ctx, query, changeID).Scan(&n); err != nil {
		return false, syncErrors.WrapOpComponent(err, opHasChange, "storage/sqlite")
	}
	return n > 0, nil
}

// Enqueue appends an outgoing change to the pending operation queue.
func (s *Store) Enqueue(ctx context.Context, rec medsync.ChangeRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opEnqueue, "storage/sqlite")
	}

	query := `INSERT OR IGNORE INTO queue (change_id, body) VALUES (?, ?)`
	_, err = s.db.ExecContext(ctx, query, rec.ID, string(body))
	if err != nil {
		return syncErrors.WrapOpComponent(err, opEnqueue, "storage/sqlite")
	}
	return nil
}

// LoadQueue returns pending outgoing changes ordered by local sequence.
func (s *Store) LoadQueue(ctx context.Context) ([]medsync.ChangeRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT body FROM queue ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadQueue, "storage/sqlite")
	}
	defer rows.Close()

	var out []medsync.ChangeRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opLoadQueue, "storage/sqlite")
		}
		var rec medsync.ChangeRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, syncErrors.NewCorruptionError(opLoadQueue, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadQueue, "storage/sqlite")
	}
	return out, nil
}

// Ack removes acknowledged changes from the pending operation queue in one
// transaction.
func (s *Store) Ack(ctx context.Context, changeIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(changeIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opAck, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM queue WHERE change_id = ?`)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opAck, "storage/sqlite")
	}
	defer stmt.Close()

	for _, id := range changeIDs {
		if _, err = stmt.ExecContext(ctx, id); err != nil {
			return syncErrors.WrapOpComponent(err, opAck, "storage/sqlite")
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opAck, "storage/sqlite")
	}
	return nil
}

// SaveConflict persists a new conflict record.
func (s *Store) SaveConflict(ctx context.Context, rec medsync.ConflictRecord) error {
	return s.writeConflict(ctx, rec, opSaveConflict)
}

// UpdateConflict records the resolution outcome of an existing conflict.
// Resolved conflicts stay archived for audit.
func (s *Store) UpdateConflict(ctx context.Context, rec medsync.ConflictRecord) error {
	return s.writeConflict(ctx, rec, "sqlite.UpdateConflict")
}

func (s *Store) writeConflict(ctx context.Context, rec medsync.ConflictRecord, op string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.WrapOpComponent(err, op, "storage/sqlite")
	}

	var resolvedAt any
	if !rec.ResolvedAt.IsZero() {
		resolvedAt = rec.ResolvedAt.UTC()
	}

	query := `
    INSERT INTO conflicts (id, entity_id, outcome, body, detected_at, resolved_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        outcome     = excluded.outcome,
        body        = excluded.body,
        resolved_at = excluded.resolved_at`
	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.EntityID, string(rec.Outcome), string(body), rec.DetectedAt.UTC(), resolvedAt)
	if err != nil {
		return syncErrors.WrapOpComponent(err, op, "storage/sqlite")
	}
	return nil
}

// LoadConflict returns a conflict record by ID, or (nil, nil) if absent.
func (s *Store) LoadConflict(ctx context.Context, id string) (*medsync.ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var body string
	query := `SELECT body FROM conflicts WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadConflict, "storage/sqlite")
	}

	var rec medsync.ConflictRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, syncErrors.NewCorruptionError(opLoadConflict, err)
	}
	return &rec, nil
}

// PendingConflicts returns unresolved conflicts in detection order.
func (s *Store) PendingConflicts(ctx context.Context) ([]medsync.ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT body FROM conflicts WHERE outcome = ? ORDER BY detected_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, string(medsync.OutcomePending))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadConflict, "storage/sqlite")
	}
	defer rows.Close()

	var out []medsync.ConflictRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opLoadConflict, "storage/sqlite")
		}
		var rec medsync.ConflictRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, syncErrors.NewCorruptionError(opLoadConflict, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadConflict, "storage/sqlite")
	}
	return out, nil
}

// PruneResolvedConflicts deletes resolved conflict records older than the
// retention window. Pending conflicts are never pruned.
func (s *Store) PruneResolvedConflicts(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	query := `DELETE FROM conflicts WHERE outcome != ? AND resolved_at IS NOT NULL AND resolved_at < ?`
	res, err := s.db.ExecContext(ctx, query, string(medsync.OutcomePending), olderThan.UTC())
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, opPruneConflicts, "storage/sqlite")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, opPruneConflicts, "storage/sqlite")
	}
	return n, nil
}

// LoadChangesSince returns up to limit change records with a log sequence
// greater than seq, in log order, together with the sequence of the last
// record returned and whether more records remain. It backs the server side
// of the pull protocol.
func (s *Store) LoadChangesSince(ctx context.Context, seq uint64, limit int) ([]medsync.ChangeRecord, uint64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, false, err
	}
	if limit <= 0 {
		limit = 100
	}

	// Fetch one extra row to learn whether more remain.
	query := `SELECT seq, body FROM changes WHERE seq > ? ORDER BY seq ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, int64(seq), limit+1)
	if err != nil {
		return nil, 0, false, syncErrors.WrapOpComponent(err, "sqlite.LoadChangesSince", "storage/sqlite")
	}
	defer rows.Close()

	var out []medsync.ChangeRecord
	last := seq
	hasMore := false
	for rows.Next() {
		var rowSeq int64
		var body string
		if err := rows.Scan(&rowSeq, &body); err != nil {
			return nil, 0, false, syncErrors.WrapOpComponent(err, "sqlite.LoadChangesSince", "storage/sqlite")
		}
		if len(out) == limit {
			hasMore = true
			break
		}
		var rec medsync.ChangeRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, 0, false, syncErrors.NewCorruptionError("sqlite.LoadChangesSince", err)
		}
		out = append(out, rec)
		last = uint64(rowSeq)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, syncErrors.WrapOpComponent(err, "sqlite.LoadChangesSince", "storage/sqlite")
	}
	return out, last, hasMore, nil
}

// LoadCursor returns the last acknowledged cursor for an endpoint, or
// (nil, nil) if this replica has never synced with it.
func (s *Store) LoadCursor(ctx context.Context, endpoint string) (cursor.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var position string
	query := `SELECT position FROM cursors WHERE endpoint = ?`
	err := s.db.QueryRowContext(ctx, query, endpoint).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadCursor, "storage/sqlite")
	}

	c, err := cursor.Decode(position)
	if err != nil {
		return nil, syncErrors.NewCorruptionError(opLoadCursor, err)
	}
	return c, nil
}

// SaveCursor durably advances the last acknowledged cursor.
func (s *Store) SaveCursor(ctx context.Context, endpoint string, c cursor.Cursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	position, err := cursor.Encode(c)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSaveCursor, "storage/sqlite")
	}

	query := `
    INSERT INTO cursors (endpoint, position, saved_at)
    VALUES (?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT(endpoint) DO UPDATE SET
        position = excluded.position,
        saved_at = CURRENT_TIMESTAMP`
	_, err = s.db.ExecContext(ctx, query, endpoint, position)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSaveCursor, "storage/sqlite")
	}
	return nil
}

// Close closes the underlying database. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeEntity(body string, op syncErrors.Operation) (*medsync.Entity, error) {
	var e medsync.Entity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, syncErrors.NewCorruptionError(op, err)
	}
	return &e, nil
}

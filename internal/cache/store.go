// Package cache implements the local cache store: the last-known-good
// portfolio snapshot per owner plus the persisted pending-operation log.
//
// The store is advisory, not authoritative. A missing or corrupted backing
// medium reads as empty, and a crash before a write completes is a data-loss
// case, not a correctness violation. Callers therefore never see an error
// from reads; write errors are returned for logging but safe to ignore.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/foliosync/internal/database"
	"github.com/aristath/foliosync/internal/domain"
	"github.com/aristath/foliosync/pkg/logger"
)

// Schema is the cache database schema. Snapshots are keyed per owner;
// the pending queue is a single session-wide log ordered by position.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	owner_id TEXT PRIMARY KEY,
	data     BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_ops (
	id          TEXT PRIMARY KEY,
	position    INTEGER NOT NULL,
	data        BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_ops_position ON pending_ops(position);
`

// Store provides snapshot and pending-queue persistence over SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a cache store and ensures the schema exists.
func NewStore(db *sql.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply cache schema: %w", err)
	}
	return &Store{
		db:  db,
		log: logger.Component(log, "cache_store"),
	}, nil
}

// Get returns the snapshot for an owner, or ok=false when no usable snapshot
// exists. A corrupted blob is treated as a miss, never an error.
func (s *Store) Get(ownerID string) (domain.CacheSnapshot, bool) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE owner_id = ?", ownerID).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.CacheSnapshot{}, false
	}
	if err != nil {
		s.log.Warn().Err(err).Str("owner_id", ownerID).Msg("Snapshot read failed, treating as empty")
		return domain.CacheSnapshot{}, false
	}

	var snap domain.CacheSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		s.log.Warn().Err(err).Str("owner_id", ownerID).Msg("Snapshot blob corrupted, treating as empty")
		return domain.CacheSnapshot{}, false
	}

	return snap, true
}

// Set overwrites the owner's snapshot wholesale (last write wins per key).
func (s *Store) Set(ownerID string, snap domain.CacheSnapshot) error {
	snap.SavedAt = time.Now()

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (owner_id, data, saved_at) VALUES (?, ?, ?)",
		ownerID, data, snap.SavedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot for %s: %w", ownerID, err)
	}

	return nil
}

// Remove deletes the owner's snapshot.
func (s *Store) Remove(ownerID string) error {
	if _, err := s.db.Exec("DELETE FROM snapshots WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("failed to remove snapshot for %s: %w", ownerID, err)
	}
	return nil
}

// LoadQueue returns the persisted pending operations in enqueue order.
// Corrupted entries are skipped: losing a queued mutation is preferable to
// refusing to start.
func (s *Store) LoadQueue() []domain.PendingOperation {
	rows, err := s.db.Query("SELECT data FROM pending_ops ORDER BY position ASC")
	if err != nil {
		s.log.Warn().Err(err).Msg("Pending queue read failed, treating as empty")
		return nil
	}
	defer rows.Close()

	var ops []domain.PendingOperation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			s.log.Warn().Err(err).Msg("Pending op row scan failed, skipping")
			continue
		}
		var op domain.PendingOperation
		if err := msgpack.Unmarshal(data, &op); err != nil {
			s.log.Warn().Err(err).Msg("Pending op blob corrupted, skipping")
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn().Err(err).Msg("Pending queue iteration failed")
	}

	return ops
}

// SaveQueue persists the pending operations, replacing the previous log.
// Positions are assigned from slice order so replay order survives restarts.
func (s *Store) SaveQueue(ops []domain.PendingOperation) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM pending_ops"); err != nil {
			return fmt.Errorf("failed to clear pending queue: %w", err)
		}
		for i, op := range ops {
			data, err := msgpack.Marshal(&op)
			if err != nil {
				return fmt.Errorf("failed to marshal pending op %s: %w", op.ID, err)
			}
			_, err = tx.Exec(
				"INSERT INTO pending_ops (id, position, data, enqueued_at) VALUES (?, ?, ?, ?)",
				op.ID, i, data, op.EnqueuedAt.Unix(),
			)
			if err != nil {
				return fmt.Errorf("failed to store pending op %s: %w", op.ID, err)
			}
		}
		return nil
	})
}

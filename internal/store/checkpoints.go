// checkpoints.go tracks per-consumer cursors over the event log, primarily
// the projection's last applied seq.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Checkpoint types used by the engine.
const (
	CheckpointProjection = "projection"
)

// Checkpoint is one consumer's position in the event log.
type Checkpoint struct {
	Type      string
	LastSeq   int64
	LastTS    time.Time
	Metadata  json.RawMessage
	UpdatedAt time.Time
}

// CheckpointStore is the typed surface over the checkpoint_store table.
type CheckpointStore struct {
	db *sql.DB
}

// Get returns the checkpoint for the given type, or a zero checkpoint
// (LastSeq 0) when none has been recorded.
func (cp *CheckpointStore) Get(ctx context.Context, checkpointType string) (Checkpoint, error) {
	var (
		c            Checkpoint
		lastTS, meta sql.NullString
		updatedAt    string
	)
	err := cp.db.QueryRowContext(ctx, `
		SELECT checkpoint_type, last_seq, last_ts, metadata_json, updated_at
		FROM checkpoint_store WHERE checkpoint_type = ?`, checkpointType).
		Scan(&c.Type, &c.LastSeq, &lastTS, &meta, &updatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{Type: checkpointType}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %q: %w", checkpointType, err)
	}
	if lastTS.Valid {
		if c.LastTS, err = time.Parse(tsFormat, lastTS.String); err != nil {
			return Checkpoint{}, fmt.Errorf("parse checkpoint ts: %w", err)
		}
	}
	if meta.Valid {
		c.Metadata = []byte(meta.String)
	}
	if c.UpdatedAt, err = time.Parse(tsFormat, updatedAt); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint updated_at: %w", err)
	}
	return c, nil
}

// Set upserts the checkpoint row.
func (cp *CheckpointStore) Set(ctx context.Context, c Checkpoint) error {
	now := time.Now().UTC().Format(tsFormat)
	var lastTS sql.NullString
	if !c.LastTS.IsZero() {
		lastTS = sql.NullString{String: c.LastTS.UTC().Format(tsFormat), Valid: true}
	}
	_, err := cp.db.ExecContext(ctx, `
		INSERT INTO checkpoint_store (checkpoint_type, last_seq, last_ts, metadata_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(checkpoint_type) DO UPDATE SET
			last_seq = excluded.last_seq,
			last_ts = excluded.last_ts,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		c.Type, c.LastSeq, lastTS, nullStr(string(c.Metadata)), now)
	if err != nil {
		return fmt.Errorf("set checkpoint %q: %w", c.Type, err)
	}
	return nil
}

// events.go implements the append-only event log.
//
// Append is the only mutation. Dedup keys gate every insert: INSERT OR
// IGNORE by the UNIQUE dedup_key index, with the row count telling the
// caller whether the fact was new. Readers are cursors over seq; a reader
// never blocks the appender (WAL).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"alpha-engine/pkg/types"
)

// tsFormat is the canonical timestamp encoding in the log: UTC RFC3339 with
// nanoseconds. Lexicographic order matches chronological order.
const tsFormat = time.RFC3339Nano

// AppendResult reports the outcome of an append.
type AppendResult struct {
	Stored bool  // false = duplicate dedup key, log unchanged
	Seq    int64 // assigned sequence when stored, existing row's seq otherwise
}

// EventStore is the typed surface over the event_store table.
type EventStore struct {
	db *sql.DB
}

// Append inserts the event unless its dedup key already exists. Missing
// EventID, TS, and CreatedAt fields are filled in. The event's Seq field is
// set on return.
func (es *EventStore) Append(ctx context.Context, e *types.Event) (AppendResult, error) {
	if e.DedupKey == "" {
		return AppendResult{}, fmt.Errorf("append: dedup key is required")
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.TS.IsZero() {
		e.TS = now
	}
	e.CreatedAt = now

	res, err := es.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_store (
			event_id, event_type, ts, correlation_id, causation_id, command_id,
			source, entity_kind, entity_id,
			scope_exchange, scope_venue, scope_account, scope_symbol, scope_mode,
			dedup_key, payload_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, string(e.EventType), e.TS.UTC().Format(tsFormat),
		e.CorrelationID, nullStr(e.CausationID), nullStr(e.CommandID),
		string(e.Source), string(e.EntityKind), e.EntityID,
		e.Scope.Exchange, string(e.Scope.Venue), e.Scope.Account,
		nullStr(e.Scope.Symbol), string(e.Scope.Mode),
		e.DedupKey, nullStr(string(e.Payload)), e.CreatedAt.Format(tsFormat),
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return AppendResult{}, fmt.Errorf("append event: %w", err)
	}
	if n == 0 {
		// Duplicate: report the existing row's seq so callers can correlate.
		var seq int64
		err := es.db.QueryRowContext(ctx,
			`SELECT seq FROM event_store WHERE dedup_key = ?`, e.DedupKey).Scan(&seq)
		if err != nil {
			return AppendResult{}, fmt.Errorf("lookup duplicate: %w", err)
		}
		e.Seq = seq
		return AppendResult{Stored: false, Seq: seq}, nil
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return AppendResult{}, fmt.Errorf("append event: %w", err)
	}
	e.Seq = seq
	return AppendResult{Stored: true, Seq: seq}, nil
}

// GetByID fetches a single event by its event_id.
func (es *EventStore) GetByID(ctx context.Context, eventID string) (*types.Event, error) {
	row := es.db.QueryRowContext(ctx, selectEvents+` WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// GetByEntity returns events about one entity, seq ascending.
func (es *EventStore) GetByEntity(ctx context.Context, kind types.EntityKind, entityID string, limit int) ([]types.Event, error) {
	return es.query(ctx,
		selectEvents+` WHERE entity_kind = ? AND entity_id = ? ORDER BY seq LIMIT ?`,
		string(kind), entityID, limitOrAll(limit))
}

// GetByType returns events of one type, seq ascending.
func (es *EventStore) GetByType(ctx context.Context, et types.EventType, limit int) ([]types.Event, error) {
	return es.query(ctx,
		selectEvents+` WHERE event_type = ? ORDER BY seq LIMIT ?`,
		string(et), limitOrAll(limit))
}

// GetSince returns up to limit events with seq > after, seq ascending.
// This is the projection cursor.
func (es *EventStore) GetSince(ctx context.Context, after int64, limit int) ([]types.Event, error) {
	return es.query(ctx,
		selectEvents+` WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, limitOrAll(limit))
}

// GetByTypeSinceTS returns events of one type with ts >= since, ts ascending.
// Used by the risk guard's daily-PnL scan.
func (es *EventStore) GetByTypeSinceTS(ctx context.Context, et types.EventType, since time.Time) ([]types.Event, error) {
	return es.query(ctx,
		selectEvents+` WHERE event_type = ? AND ts >= ? ORDER BY ts`,
		string(et), since.UTC().Format(tsFormat))
}

// Count returns the total number of events in the log.
func (es *EventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := es.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_store`).Scan(&n)
	return n, err
}

// LastSeq returns the highest assigned sequence, 0 for an empty log.
func (es *EventStore) LastSeq(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := es.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM event_store`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n.Int64, nil
}

const selectEvents = `
	SELECT seq, event_id, event_type, ts, correlation_id, causation_id, command_id,
	       source, entity_kind, entity_id,
	       scope_exchange, scope_venue, scope_account, scope_symbol, scope_mode,
	       dedup_key, payload_json, created_at
	FROM event_store`

func (es *EventStore) query(ctx context.Context, q string, args ...any) ([]types.Event, error) {
	rows, err := es.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(r rowScanner) (*types.Event, error) {
	var (
		e                        types.Event
		ts, createdAt            string
		causation, cmdID, symbol sql.NullString
		payload                  sql.NullString
	)
	err := r.Scan(
		&e.Seq, &e.EventID, &e.EventType, &ts, &e.CorrelationID, &causation, &cmdID,
		&e.Source, &e.EntityKind, &e.EntityID,
		&e.Scope.Exchange, &e.Scope.Venue, &e.Scope.Account, &symbol, &e.Scope.Mode,
		&e.DedupKey, &payload, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.CausationID = strOrEmpty(causation)
	e.CommandID = strOrEmpty(cmdID)
	e.Scope.Symbol = strOrEmpty(symbol)
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	if e.TS, err = time.Parse(tsFormat, ts); err != nil {
		return nil, fmt.Errorf("parse event ts: %w", err)
	}
	if e.CreatedAt, err = time.Parse(tsFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse event created_at: %w", err)
	}
	return &e, nil
}

func scanEvent(row *sql.Row) (*types.Event, error) {
	e, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// limitOrAll maps limit <= 0 to SQLite's "no limit" sentinel.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

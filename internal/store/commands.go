// commands.go implements the command log: idempotent insert, CAS claim,
// monotonic status transitions, priority-ordered fetch, and retention.
//
// Claim protocol: select the best NEW candidate (priority DESC, ts ASC),
// then conditionally UPDATE ... WHERE status = 'NEW'. A losing claimer
// affects zero rows and retries with the next candidate, so concurrent
// claimers never receive the same command.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"alpha-engine/pkg/types"
)

func newCommandID() string { return uuid.NewString() }

// InsertResult reports the outcome of a command insert.
type InsertResult struct {
	Stored bool // false = idempotency key already present, log unchanged
}

// CommandStore is the typed surface over the command_store table.
type CommandStore struct {
	db *sql.DB
}

// Insert stores a new command. The idempotency key defaults to the command
// id; re-submitting the same key is a no-op reported as a duplicate. Missing
// CommandID/TS/Status fields are filled in.
func (cs *CommandStore) Insert(ctx context.Context, c *types.Command) (InsertResult, error) {
	if c.CommandID == "" {
		c.CommandID = newCommandID()
	}
	if c.IdempotencyKey == "" {
		c.IdempotencyKey = c.CommandID
	}
	if c.CorrelationID == "" {
		c.CorrelationID = c.CommandID
	}
	if c.Status == "" {
		c.Status = types.StatusNew
	}
	now := time.Now().UTC()
	if c.TS.IsZero() {
		c.TS = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	res, err := cs.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO command_store (
			command_id, command_type, ts, correlation_id, causation_id,
			actor_kind, actor_id,
			scope_exchange, scope_venue, scope_account, scope_symbol, scope_mode,
			idempotency_key, status, priority, payload_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommandID, string(c.CommandType), c.TS.UTC().Format(tsFormat),
		c.CorrelationID, nullStr(c.CausationID),
		string(c.Actor.Kind), c.Actor.ID,
		c.Scope.Exchange, string(c.Scope.Venue), c.Scope.Account,
		nullStr(c.Scope.Symbol), string(c.Scope.Mode),
		c.IdempotencyKey, string(c.Status), c.Priority, nullStr(string(c.Payload)),
		c.CreatedAt.Format(tsFormat), c.UpdatedAt.Format(tsFormat),
	)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert command: %w", err)
	}
	return InsertResult{Stored: n > 0}, nil
}

// ClaimOne atomically transitions the best NEW command to SENT and returns
// it, or nil when no NEW command exists. The candidate order is priority
// DESC, then ts ASC.
func (cs *CommandStore) ClaimOne(ctx context.Context) (*types.Command, error) {
	for {
		var id string
		err := cs.db.QueryRowContext(ctx, `
			SELECT command_id FROM command_store
			WHERE status = 'NEW'
			ORDER BY priority DESC, ts ASC
			LIMIT 1`).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim candidate: %w", err)
		}

		now := time.Now().UTC().Format(tsFormat)
		res, err := cs.db.ExecContext(ctx, `
			UPDATE command_store
			SET status = 'SENT', claimed_at = ?, updated_at = ?
			WHERE command_id = ? AND status = 'NEW'`,
			now, now, id)
		if err != nil {
			return nil, fmt.Errorf("claim command: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim command: %w", err)
		}
		if n == 0 {
			// Lost the race; another claimer took it. Try the next candidate.
			continue
		}
		return cs.GetByID(ctx, id)
	}
}

// UpdateStatus transitions a command. Transitions are monotonic: SENT only
// from NEW; ACK/FAILED only from NEW or SENT. Terminal rows never change.
// Result and lastError, when non-nil/non-empty, are stored alongside.
func (cs *CommandStore) UpdateStatus(ctx context.Context, commandID string, status types.CommandStatus, result json.RawMessage, lastError string) error {
	now := time.Now().UTC().Format(tsFormat)

	var (
		res sql.Result
		err error
	)
	switch status {
	case types.StatusSent:
		res, err = cs.db.ExecContext(ctx, `
			UPDATE command_store
			SET status = ?, claimed_at = COALESCE(claimed_at, ?), updated_at = ?
			WHERE command_id = ? AND status = 'NEW'`,
			string(status), now, now, commandID)
	case types.StatusAck, types.StatusFailed:
		res, err = cs.db.ExecContext(ctx, `
			UPDATE command_store
			SET status = ?, result_json = COALESCE(?, result_json),
			    last_error = COALESCE(?, last_error),
			    completed_at = ?, updated_at = ?
			WHERE command_id = ? AND status IN ('NEW', 'SENT')`,
			string(status), nullStr(string(result)), nullStr(lastError),
			now, now, commandID)
	default:
		return fmt.Errorf("%w: cannot transition to %s", ErrInvalidTransition, status)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		// Either the command does not exist or the move would be backward.
		if _, err := cs.GetByID(ctx, commandID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, commandID, status)
	}
	return nil
}

// GetByID fetches a command by command_id.
func (cs *CommandStore) GetByID(ctx context.Context, commandID string) (*types.Command, error) {
	row := cs.db.QueryRowContext(ctx, selectCommands+` WHERE command_id = ?`, commandID)
	return scanCommand(row)
}

// GetByIdempotencyKey fetches the original command for a replayed key.
func (cs *CommandStore) GetByIdempotencyKey(ctx context.Context, key string) (*types.Command, error) {
	row := cs.db.QueryRowContext(ctx, selectCommands+` WHERE idempotency_key = ?`, key)
	return scanCommand(row)
}

// ListByStatus returns commands in one status, priority DESC then ts ASC.
func (cs *CommandStore) ListByStatus(ctx context.Context, status types.CommandStatus, limit int) ([]types.Command, error) {
	rows, err := cs.db.QueryContext(ctx,
		selectCommands+` WHERE status = ? ORDER BY priority DESC, ts ASC LIMIT ?`,
		string(status), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []types.Command
	for rows.Next() {
		c, err := scanCommandRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountByStatus returns how many commands sit in the given status.
func (cs *CommandStore) CountByStatus(ctx context.Context, status types.CommandStatus) (int64, error) {
	var n int64
	err := cs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_store WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// PruneTerminal deletes ACK/FAILED commands completed before the cutoff.
// Events referencing them remain; the event log is never pruned.
func (cs *CommandStore) PruneTerminal(ctx context.Context, completedBefore time.Time) (int64, error) {
	res, err := cs.db.ExecContext(ctx, `
		DELETE FROM command_store
		WHERE status IN ('ACK', 'FAILED') AND completed_at < ?`,
		completedBefore.UTC().Format(tsFormat))
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	return res.RowsAffected()
}

const selectCommands = `
	SELECT command_id, command_type, ts, correlation_id, causation_id,
	       actor_kind, actor_id,
	       scope_exchange, scope_venue, scope_account, scope_symbol, scope_mode,
	       idempotency_key, status, priority, payload_json, result_json, last_error,
	       created_at, updated_at, claimed_at, completed_at
	FROM command_store`

func scanCommandRow(r rowScanner) (*types.Command, error) {
	var (
		c                        types.Command
		ts, createdAt, updatedAt string
		causation, symbol        sql.NullString
		payload, result, lastErr sql.NullString
		claimedAt, completedAt   sql.NullString
	)
	err := r.Scan(
		&c.CommandID, &c.CommandType, &ts, &c.CorrelationID, &causation,
		&c.Actor.Kind, &c.Actor.ID,
		&c.Scope.Exchange, &c.Scope.Venue, &c.Scope.Account, &symbol, &c.Scope.Mode,
		&c.IdempotencyKey, &c.Status, &c.Priority, &payload, &result, &lastErr,
		&createdAt, &updatedAt, &claimedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CausationID = strOrEmpty(causation)
	c.Scope.Symbol = strOrEmpty(symbol)
	c.LastError = strOrEmpty(lastErr)
	if payload.Valid {
		c.Payload = []byte(payload.String)
	}
	if result.Valid {
		c.Result = []byte(result.String)
	}
	if c.TS, err = time.Parse(tsFormat, ts); err != nil {
		return nil, fmt.Errorf("parse command ts: %w", err)
	}
	if c.CreatedAt, err = time.Parse(tsFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse command created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(tsFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse command updated_at: %w", err)
	}
	if claimedAt.Valid {
		t, err := time.Parse(tsFormat, claimedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse claimed_at: %w", err)
		}
		c.ClaimedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(tsFormat, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		c.CompletedAt = &t
	}
	return &c, nil
}

func scanCommand(row *sql.Row) (*types.Command, error) {
	c, err := scanCommandRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

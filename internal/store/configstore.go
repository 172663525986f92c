// configstore.go implements the typed key/value runtime config with a
// per-key version counter and optional optimistic locking.
//
// A small in-memory cache fronts reads and is invalidated on every write.
// Keys in readOnlyKeys reflect engine-owned state (the bot's heartbeat);
// writes to them are rejected unless the updater is a SYSTEM actor.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/pkg/types"
)

// Well-known config keys. Pollers derive their own via PollerCheckpointKey.
const (
	KeyEngine         = "engine"
	KeyRisk           = "risk"
	KeyStrategy       = "strategy"
	KeyStrategyState  = "strategy_state"
	KeyBotStatus      = "bot_status"
	KeyInitialCapital = "initial_capital"
	KeyBackfill       = "backfill"
	KeyPrices         = "prices"
)

// PollerCheckpointKey returns the per-poller last_poll_time key.
func PollerCheckpointKey(pollerName string) string {
	return "poller_" + pollerName + "_last_poll"
}

// readOnlyKeys can only be written by SYSTEM actors.
var readOnlyKeys = map[string]bool{
	KeyBotStatus: true,
}

// Entry is one config row as returned by GetEntry.
type Entry struct {
	Key       string
	Value     json.RawMessage
	Version   int
	UpdatedBy string
	UpdatedAt time.Time
}

type cachedEntry struct {
	raw     []byte
	version int
}

// ConfigStore is the typed surface over the config_store table.
type ConfigStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]cachedEntry
}

func newConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db, cache: make(map[string]cachedEntry)}
}

// Get unmarshals the value for key into v and returns the current version.
// Returns ErrNotFound when the key has never been written.
func (c *ConfigStore) Get(ctx context.Context, key string, v any) (int, error) {
	c.mu.RLock()
	if e, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		if v != nil {
			if err := json.Unmarshal(e.raw, v); err != nil {
				return 0, fmt.Errorf("decode config %q: %w", key, err)
			}
		}
		return e.version, nil
	}
	c.mu.RUnlock()

	entry, err := c.GetEntry(ctx, key)
	if err != nil {
		return 0, err
	}
	if v != nil {
		if err := json.Unmarshal(entry.Value, v); err != nil {
			return 0, fmt.Errorf("decode config %q: %w", key, err)
		}
	}
	return entry.Version, nil
}

// GetEntry fetches the raw row for key from the database and refreshes the
// read cache.
func (c *ConfigStore) GetEntry(ctx context.Context, key string) (*Entry, error) {
	var (
		e         Entry
		value     string
		updatedAt string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT config_key, value_json, version, updated_by, updated_at
		FROM config_store WHERE config_key = ?`, key).
		Scan(&e.Key, &value, &e.Version, &e.UpdatedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get config %q: %w", key, err)
	}
	e.Value = []byte(value)
	if e.UpdatedAt, err = time.Parse(tsFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse config updated_at: %w", err)
	}

	c.mu.Lock()
	c.cache[key] = cachedEntry{raw: append([]byte(nil), e.Value...), version: e.Version}
	c.mu.Unlock()
	return &e, nil
}

// Set writes key to value, bumping the version. Read-only keys reject
// non-SYSTEM updaters. Returns the new version.
func (c *ConfigStore) Set(ctx context.Context, key string, value any, updatedBy types.Actor) (int, error) {
	return c.set(ctx, key, value, updatedBy, -1)
}

// SetCAS writes key to value only if the current version equals
// expectedVersion; otherwise it returns ErrConflict. A missing key has
// version 0.
func (c *ConfigStore) SetCAS(ctx context.Context, key string, value any, updatedBy types.Actor, expectedVersion int) (int, error) {
	return c.set(ctx, key, value, updatedBy, expectedVersion)
}

func (c *ConfigStore) set(ctx context.Context, key string, value any, updatedBy types.Actor, expectedVersion int) (int, error) {
	if readOnlyKeys[key] && updatedBy.Kind != types.ActorSystem {
		return 0, fmt.Errorf("%w: %s", ErrReadOnlyKey, key)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode config %q: %w", key, err)
	}
	now := time.Now().UTC().Format(tsFormat)
	by := string(updatedBy.Kind) + ":" + updatedBy.ID

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("set config %q: %w", key, err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM config_store WHERE config_key = ?`, key).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, fmt.Errorf("set config %q: %w", key, err)
	}

	if expectedVersion >= 0 && current != expectedVersion {
		return 0, fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, key, current, expectedVersion)
	}

	next := current + 1
	if current == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO config_store (config_key, value_json, version, updated_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			key, string(raw), next, by, now, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE config_store SET value_json = ?, version = ?, updated_by = ?, updated_at = ?
			WHERE config_key = ? AND version = ?`,
			string(raw), next, by, now, key, current)
	}
	if err != nil {
		return 0, fmt.Errorf("set config %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("set config %q: %w", key, err)
	}

	c.mu.Lock()
	c.cache[key] = cachedEntry{raw: raw, version: next}
	c.mu.Unlock()
	return next, nil
}

// Invalidate drops a key from the read cache. The web process writes the
// database directly, so long-lived readers call this before decisions that
// must see fresh state.
func (c *ConfigStore) Invalidate(key string) {
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}

// Package recovery brings a fresh or restarted ledger in line with the
// exchange: it establishes the initial capital baseline, backfills the
// transaction history behind it, and reconciles opening balances against
// the exchange's view. Everything here is idempotent: dedup keys and the
// initialized flag make reruns no-ops.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// SnapshotAPI is the daily account-snapshot endpoint.
type SnapshotAPI interface {
	AccountSnapshot(ctx context.Context, venueType string, limit int) ([]exchange.Snapshot, error)
}

// CapitalRecorder establishes the initial capital baseline on first run.
// The event's ts is the snapshot date's UTC midnight, so every backfilled
// transaction sorts after it.
type CapitalRecorder struct {
	client SnapshotAPI
	store  *store.Store
	scope  types.Scope
	logger *slog.Logger
}

func NewCapitalRecorder(client SnapshotAPI, st *store.Store, scope types.Scope, logger *slog.Logger) *CapitalRecorder {
	return &CapitalRecorder{
		client: client,
		store:  st,
		scope:  scope,
		logger: logger.With("component", "recovery"),
	}
}

// Record captures the baseline once. Reruns return the stored capital
// without touching the exchange.
func (r *CapitalRecorder) Record(ctx context.Context) (*types.InitialCapital, error) {
	var existing types.InitialCapital
	if _, err := r.store.Config.Get(ctx, store.KeyInitialCapital, &existing); err == nil && existing.Initialized {
		r.logger.Debug("initial capital already recorded", "epoch_date", existing.EpochDate)
		return &existing, nil
	} else if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	spotUSDT, spotDate, err := r.latestSpotUSDT(ctx)
	if err != nil {
		return nil, err
	}
	futuresUSDT, futuresDate, err := r.latestFuturesUSDT(ctx)
	if err != nil {
		return nil, err
	}

	// Anchor on the earlier snapshot so backfill never predates the
	// baseline.
	snapshotDate := spotDate
	if futuresDate.Before(snapshotDate) {
		snapshotDate = futuresDate
	}
	dateStr := snapshotDate.Format("2006-01-02")
	midnight := time.Date(snapshotDate.Year(), snapshotDate.Month(), snapshotDate.Day(), 0, 0, 0, 0, time.UTC)
	total := spotUSDT.Add(futuresUSDT)

	payload, err := json.Marshal(types.CapitalPayloadEvent{
		SnapshotDate: dateStr,
		SpotUSDT:     spotUSDT.String(),
		FuturesUSDT:  futuresUSDT.String(),
		TotalUSDT:    total.String(),
	})
	if err != nil {
		return nil, err
	}
	_, err = r.store.Events.Append(ctx, &types.Event{
		EventType:  types.EventInitialCapitalEstablished,
		TS:         midnight,
		Source:     types.SourceBot,
		EntityKind: types.EntityCapital,
		EntityID:   dateStr,
		Scope:      r.scope,
		DedupKey:   types.InitialCapitalDedupKey(r.scope.Mode, dateStr),
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("record initial capital: %w", err)
	}

	capital := types.InitialCapital{
		USDT:        total.String(),
		SpotUSDT:    spotUSDT.String(),
		FuturesUSDT: futuresUSDT.String(),
		EpochDate:   dateStr,
		Initialized: true,
		RecordedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := r.store.Config.Set(ctx, store.KeyInitialCapital, capital, types.SystemActor); err != nil {
		return nil, fmt.Errorf("write initial capital config: %w", err)
	}

	r.logger.Info("initial capital established",
		"snapshot_date", dateStr, "spot_usdt", capital.SpotUSDT, "futures_usdt", capital.FuturesUSDT)
	return &capital, nil
}

func (r *CapitalRecorder) latestSpotUSDT(ctx context.Context) (decimal.Decimal, time.Time, error) {
	snaps, err := r.client.AccountSnapshot(ctx, "SPOT", 1)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("spot snapshot: %w", err)
	}
	if len(snaps) == 0 {
		return decimal.Zero, time.Now().UTC(), nil
	}
	snap := snaps[len(snaps)-1]
	total := decimal.Zero
	for _, b := range snap.Data.Balances {
		if b.Asset != "USDT" {
			continue
		}
		total = total.Add(parseAmount(b.Free)).Add(parseAmount(b.Locked))
	}
	return total, time.UnixMilli(snap.UpdateTime).UTC(), nil
}

func (r *CapitalRecorder) latestFuturesUSDT(ctx context.Context) (decimal.Decimal, time.Time, error) {
	snaps, err := r.client.AccountSnapshot(ctx, "FUTURES", 1)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("futures snapshot: %w", err)
	}
	if len(snaps) == 0 {
		return decimal.Zero, time.Now().UTC(), nil
	}
	snap := snaps[len(snaps)-1]
	total := decimal.Zero
	for _, a := range snap.Data.Assets {
		if a.Asset == "USDT" {
			total = total.Add(parseAmount(a.WalletBalance))
		}
	}
	return total, time.UnixMilli(snap.UpdateTime).UTC(), nil
}

func parseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

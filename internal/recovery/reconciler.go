package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/projection"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// adjustmentThreshold is the smallest drift worth correcting. Below it the
// pair is counted as skipped, not adjusted.
var adjustmentThreshold = decimal.RequireFromString("0.0001")

// BalanceAPI is the live balance surface of both venues.
type BalanceAPI interface {
	FuturesBalances(ctx context.Context) ([]exchange.FuturesBalance, error)
	SpotBalances(ctx context.Context) ([]exchange.SpotBalance, error)
}

// OpeningReconciler aligns the ledger's projected balances with what the
// exchange reports, per (venue, asset). It runs once after backfill and
// again daily through the reconciliation poller.
type OpeningReconciler struct {
	client BalanceAPI
	view   *projection.View
	events *store.EventStore
	scope  types.Scope
	logger *slog.Logger
}

func NewOpeningReconciler(client BalanceAPI, view *projection.View, events *store.EventStore, scope types.Scope, logger *slog.Logger) *OpeningReconciler {
	return &OpeningReconciler{
		client: client,
		view:   view,
		events: events,
		scope:  scope,
		logger: logger.With("component", "reconcile"),
	}
}

type balanceKey struct {
	venue types.Venue
	asset string
}

// Reconcile compares every (venue, asset) pair and appends an
// OpeningBalanceAdjusted event for each drift above the threshold.
// Sub-threshold drifts are skipped on purpose: dust-level noise would
// otherwise generate a correction event every day.
func (r *OpeningReconciler) Reconcile(ctx context.Context) (adjusted, skipped int, err error) {
	if err := r.view.CatchUp(ctx); err != nil {
		return 0, 0, fmt.Errorf("reconcile catch-up: %w", err)
	}

	onExchange, err := r.exchangeBalances(ctx)
	if err != nil {
		return 0, 0, err
	}

	ledger := make(map[balanceKey]decimal.Decimal)
	for _, b := range r.view.Balances() {
		ledger[balanceKey{b.Venue, b.Asset}] = b.Amount
	}

	keys := make([]balanceKey, 0, len(onExchange)+len(ledger))
	seen := make(map[balanceKey]bool)
	for k := range onExchange {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range ledger {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].venue != keys[j].venue {
			return keys[i].venue < keys[j].venue
		}
		return keys[i].asset < keys[j].asset
	})

	now := time.Now().UTC()
	for _, k := range keys {
		exch := onExchange[k]
		led := ledger[k]
		diff := exch.Sub(led)
		if diff.IsZero() {
			continue
		}
		if diff.Abs().LessThan(adjustmentThreshold) {
			skipped++
			continue
		}

		payload, err := json.Marshal(types.AdjustmentPayloadEvent{
			Venue:    k.venue,
			Asset:    k.asset,
			Ledger:   led.String(),
			Exchange: exch.String(),
			Diff:     diff.String(),
		})
		if err != nil {
			return adjusted, skipped, err
		}
		_, err = r.events.Append(ctx, &types.Event{
			EventType:  types.EventOpeningBalanceAdjusted,
			TS:         now,
			Source:     types.SourceBot,
			EntityKind: types.EntityBalance,
			EntityID:   k.asset,
			Scope:      r.scope.WithVenue(k.venue),
			DedupKey:   types.OpeningAdjustmentDedupKey(r.scope.Mode, k.venue, k.asset, now.UnixMilli()),
			Payload:    payload,
		})
		if err != nil {
			return adjusted, skipped, err
		}
		adjusted++
		r.logger.Info("balance adjusted",
			"venue", k.venue, "asset", k.asset,
			"ledger", led.String(), "exchange", exch.String(), "diff", diff.String())
	}

	if adjusted > 0 {
		if err := r.view.CatchUp(ctx); err != nil {
			return adjusted, skipped, err
		}
	}
	return adjusted, skipped, nil
}

func (r *OpeningReconciler) exchangeBalances(ctx context.Context) (map[balanceKey]decimal.Decimal, error) {
	out := make(map[balanceKey]decimal.Decimal)

	futures, err := r.client.FuturesBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures balances: %w", err)
	}
	for _, b := range futures {
		amt := parseAmount(b.Balance)
		if amt.IsZero() {
			continue
		}
		out[balanceKey{types.VenueFutures, b.Asset}] = amt
	}

	spot, err := r.client.SpotBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot balances: %w", err)
	}
	for _, b := range spot {
		amt := parseAmount(b.Free).Add(parseAmount(b.Locked))
		if amt.IsZero() {
			continue
		}
		out[balanceKey{types.VenueSpot, b.Asset}] = amt
	}
	return out, nil
}

package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"alpha-engine/internal/marketdata"
	"alpha-engine/internal/projection"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// Accounting triple keys inside the state map. The runner persists exactly
// these three; everything else in State is in-process only.
const (
	StateAccountEquity        = "account_equity"
	StateTradeCountSinceReset = "trade_count_since_reset"
	StateTotalTradeCount      = "total_trade_count"
)

// AssetBalance is one asset's balance as the strategy sees it. Locked is
// zero when the venue does not report a breakdown.
type AssetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// TickContext is the read-only snapshot handed to every strategy callback.
// State is the one mutable field: it belongs to the strategy and survives
// across ticks.
type TickContext struct {
	Scope      types.Scope
	Now        time.Time
	Position   *projection.Position // nil when flat
	Balances   map[string]AssetBalance
	OpenOrders []projection.OpenOrder
	Bars       marketdata.Frame
	Market     *marketdata.Provider
	State      map[string]any
	Mode       types.EngineMode
	Risk       types.RiskSettings
}

// Equity reads the accounting triple's account_equity, or def when unset.
func (c *TickContext) Equity(def decimal.Decimal) decimal.Decimal {
	if v, ok := c.State[StateAccountEquity].(string); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

// Builder assembles fresh contexts for the runner. One builder per
// strategy instance; the state map is shared across all contexts it builds.
type Builder struct {
	view      *projection.View
	market    *marketdata.Provider
	config    *store.ConfigStore
	scope     types.Scope
	symbol    string
	timeframe string
	barLimit  int
}

func NewBuilder(view *projection.View, market *marketdata.Provider, config *store.ConfigStore, scope types.Scope, symbol, timeframe string, barLimit int) *Builder {
	if barLimit <= 0 {
		barLimit = 100
	}
	return &Builder{
		view:      view,
		market:    market,
		config:    config,
		scope:     scope,
		symbol:    symbol,
		timeframe: timeframe,
		barLimit:  barLimit,
	}
}

// Build snapshots the projection, market data, and runtime config into a
// context. withBars=false skips the kline fetch for event-driven callbacks
// that do not need candles.
func (b *Builder) Build(ctx context.Context, state map[string]any, withBars bool) *TickContext {
	tc := &TickContext{
		Scope:      b.scope.WithSymbol(b.symbol),
		Now:        time.Now().UTC(),
		Balances:   make(map[string]AssetBalance),
		OpenOrders: b.view.OpenOrders(b.symbol),
		Market:     b.market,
		State:      state,
		Mode:       types.EngineRunning,
	}

	if pos, ok := b.view.Position(b.symbol); ok {
		tc.Position = &pos
	}
	for _, bal := range b.view.Balances() {
		if bal.Venue != b.scope.Venue {
			continue
		}
		tc.Balances[bal.Asset] = AssetBalance{Free: bal.Amount}
	}

	var engine types.EngineSettings
	if _, err := b.config.Get(ctx, store.KeyEngine, &engine); err == nil && engine.Mode != "" {
		tc.Mode = engine.Mode
	}
	b.config.Get(ctx, store.KeyRisk, &tc.Risk)

	if withBars && b.market != nil {
		tc.Bars = b.market.GetOHLCV(ctx, b.symbol, b.timeframe, b.barLimit)
	}
	return tc
}

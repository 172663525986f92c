// Package projection folds the event log into the current-state snapshot:
// balances per (venue, asset), the futures position per symbol, and the set
// of open orders. The view is derived state only — it can always be rebuilt
// from seq 0 — and it is the read surface for the risk guard and the
// strategy context builder.
//
// Balance rows are mirrored into the projection_balance table and internal
// transfers into the transfers table, so the web process can read current
// state without replaying the log. A checkpoint row records the last applied
// seq; on startup the view catches up from there instead of from zero.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// catchUpBatch bounds how many events one catch-up iteration reads.
const catchUpBatch = 500

// Balance is one (venue, asset) holding.
type Balance struct {
	Venue     types.Venue
	Asset     string
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// Position is the current futures position on one symbol. Amount is signed:
// negative means short.
type Position struct {
	Symbol        string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}

// Flat reports whether the position is closed.
func (p Position) Flat() bool { return p.Amount.IsZero() }

// OpenOrder is one live order as the log knows it.
type OpenOrder struct {
	ClientOrderID   string
	ExchangeOrderID int64
	Symbol          string
	Side            types.Side
	OrderType       types.OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Status          string
	ReduceOnly      bool
	UpdatedAt       time.Time
}

type balanceKey struct {
	venue types.Venue
	asset string
}

// View is the in-memory fold over the event log.
type View struct {
	store  *store.Store
	logger *slog.Logger

	mu         sync.RWMutex
	balances   map[balanceKey]Balance
	positions  map[string]Position
	openOrders map[string]OpenOrder // keyed by client order id (or exchange id when absent)
	lastSeq    int64
}

// New creates an empty view over the given store.
func New(st *store.Store, logger *slog.Logger) *View {
	return &View{
		store:      st,
		logger:     logger.With("component", "projection"),
		balances:   make(map[balanceKey]Balance),
		positions:  make(map[string]Position),
		openOrders: make(map[string]OpenOrder),
	}
}

// LastSeq returns the seq of the last applied event.
func (v *View) LastSeq() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSeq
}

// Balance returns the holding for (venue, asset); zero when unknown.
func (v *View) Balance(venue types.Venue, asset string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[balanceKey{venue, asset}].Amount
}

// Balances returns a copy of every non-zero holding, sorted by venue+asset.
func (v *View) Balances() []Balance {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Balance, 0, len(v.balances))
	for _, b := range v.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Position returns the position on symbol; second return is false when flat
// or never opened.
func (v *View) Position(symbol string) (Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.positions[symbol]
	if !ok || p.Flat() {
		return Position{}, false
	}
	return p, true
}

// PositionAmount returns the signed position quantity as a decimal string;
// the second return is false when flat.
func (v *View) PositionAmount(symbol string) (string, bool) {
	p, ok := v.Position(symbol)
	if !ok {
		return "", false
	}
	return p.Amount.String(), true
}

// HasOpenPosition reports whether any symbol has a non-flat position.
func (v *View) HasOpenPosition() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, p := range v.positions {
		if !p.Flat() {
			return true
		}
	}
	return false
}

// OpenOrders returns the live orders for symbol ("" = all), oldest first.
func (v *View) OpenOrders(symbol string) []OpenOrder {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []OpenOrder
	for _, o := range v.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// OpenOrderCount returns the number of live orders for symbol ("" = all).
func (v *View) OpenOrderCount(symbol string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if symbol == "" {
		return len(v.openOrders)
	}
	n := 0
	for _, o := range v.openOrders {
		if o.Symbol == symbol {
			n++
		}
	}
	return n
}

// CatchUp applies every event after the stored checkpoint and saves the new
// checkpoint. Called once at startup and after Rebuild.
func (v *View) CatchUp(ctx context.Context) error {
	cp, err := v.store.Checkpoints.Get(ctx, store.CheckpointProjection)
	if err != nil {
		return fmt.Errorf("projection catch-up: %w", err)
	}
	v.mu.Lock()
	v.lastSeq = cp.LastSeq
	v.mu.Unlock()

	applied := 0
	for {
		events, err := v.store.Events.GetSince(ctx, v.LastSeq(), catchUpBatch)
		if err != nil {
			return fmt.Errorf("projection catch-up: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			if err := v.Apply(ctx, &events[i]); err != nil {
				return err
			}
		}
		applied += len(events)
	}
	if err := v.saveCheckpoint(ctx); err != nil {
		return err
	}
	v.logger.Info("projection caught up", "applied", applied, "last_seq", v.LastSeq())
	return nil
}

// Rebuild discards the in-memory state and refolds the log from seq 0.
func (v *View) Rebuild(ctx context.Context) error {
	v.mu.Lock()
	v.balances = make(map[balanceKey]Balance)
	v.positions = make(map[string]Position)
	v.openOrders = make(map[string]OpenOrder)
	v.lastSeq = 0
	v.mu.Unlock()

	if err := v.store.Checkpoints.Set(ctx, store.Checkpoint{Type: store.CheckpointProjection}); err != nil {
		return fmt.Errorf("projection rebuild: %w", err)
	}
	return v.CatchUp(ctx)
}

// Apply folds one event into the view and mirrors balance effects to the
// shared tables. Events the projection does not care about only advance the
// cursor.
func (v *View) Apply(ctx context.Context, e *types.Event) error {
	v.mu.Lock()
	var mirror []balanceKey
	switch e.EventType {
	case types.EventBalanceChanged:
		mirror = v.applyBalanceChanged(e)
	case types.EventInitialCapitalEstablished:
		mirror = v.applyInitialCapital(e)
	case types.EventOpeningBalanceAdjusted:
		mirror = v.applyAdjustment(e)
	case types.EventFundingApplied, types.EventCommissionRebateReceived:
		mirror = v.applyIncome(e)
	case types.EventDepositCompleted, types.EventWithdrawCompleted:
		mirror = v.applyMovement(e)
	case types.EventConvertExecuted:
		mirror = v.applyConvert(e)
	case types.EventDustConverted:
		mirror = v.applyDust(e)
	case types.EventInternalTransferCompleted:
		mirror = v.applyTransfer(e)
	case types.EventPositionChanged:
		v.applyPosition(e)
	case types.EventOrderPlaced, types.EventOrderUpdated:
		v.applyOrder(e)
	case types.EventOrderCancelled, types.EventOrderRejected:
		v.removeOrder(e)
	}
	if e.Seq > v.lastSeq {
		v.lastSeq = e.Seq
	}
	toMirror := make([]Balance, 0, len(mirror))
	for _, k := range mirror {
		toMirror = append(toMirror, v.balances[k])
	}
	v.mu.Unlock()

	for _, b := range toMirror {
		if err := v.mirrorBalance(ctx, b); err != nil {
			return err
		}
	}
	if e.EventType == types.EventInternalTransferCompleted {
		if err := v.mirrorTransfer(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (v *View) applyBalanceChanged(e *types.Event) []balanceKey {
	var p types.BalancePayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad balance payload", "event_id", e.EventID, "error", err)
		return nil
	}
	wallet, err := decimal.NewFromString(p.WalletBalance)
	if err != nil {
		v.logger.Warn("bad wallet balance", "event_id", e.EventID, "value", p.WalletBalance)
		return nil
	}
	k := balanceKey{e.Scope.Venue, p.Asset}
	v.balances[k] = Balance{Venue: k.venue, Asset: k.asset, Amount: wallet, UpdatedAt: e.TS}
	return []balanceKey{k}
}

func (v *View) applyInitialCapital(e *types.Event) []balanceKey {
	var p types.CapitalPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad capital payload", "event_id", e.EventID, "error", err)
		return nil
	}
	var keys []balanceKey
	for _, seed := range []struct {
		venue  types.Venue
		amount string
	}{
		{types.VenueSpot, p.SpotUSDT},
		{types.VenueFutures, p.FuturesUSDT},
	} {
		amt, err := decimal.NewFromString(seed.amount)
		if err != nil {
			continue
		}
		k := balanceKey{seed.venue, "USDT"}
		v.balances[k] = Balance{Venue: k.venue, Asset: k.asset, Amount: amt, UpdatedAt: e.TS}
		keys = append(keys, k)
	}
	return keys
}

func (v *View) applyAdjustment(e *types.Event) []balanceKey {
	var p types.AdjustmentPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad adjustment payload", "event_id", e.EventID, "error", err)
		return nil
	}
	// The adjustment carries the exchange-side truth; take it wholesale.
	amt, err := decimal.NewFromString(p.Exchange)
	if err != nil {
		return nil
	}
	k := balanceKey{p.Venue, p.Asset}
	v.balances[k] = Balance{Venue: k.venue, Asset: k.asset, Amount: amt, UpdatedAt: e.TS}
	return []balanceKey{k}
}

func (v *View) applyIncome(e *types.Event) []balanceKey {
	var p types.IncomePayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad income payload", "event_id", e.EventID, "error", err)
		return nil
	}
	return v.addTo(balanceKey{types.VenueFutures, p.Asset}, p.Income, e.TS)
}

func (v *View) applyMovement(e *types.Event) []balanceKey {
	var p types.MovementPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad movement payload", "event_id", e.EventID, "error", err)
		return nil
	}
	amount := p.Amount
	if e.EventType == types.EventWithdrawCompleted {
		amount = "-" + amount
	}
	return v.addTo(balanceKey{types.VenueSpot, p.Asset}, amount, e.TS)
}

func (v *View) applyConvert(e *types.Event) []balanceKey {
	var p types.ConvertPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad convert payload", "event_id", e.EventID, "error", err)
		return nil
	}
	keys := v.addTo(balanceKey{types.VenueSpot, p.FromAsset}, "-"+p.FromAmt, e.TS)
	return append(keys, v.addTo(balanceKey{types.VenueSpot, p.ToAsset}, p.ToAmt, e.TS)...)
}

func (v *View) applyDust(e *types.Event) []balanceKey {
	var p types.DustPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad dust payload", "event_id", e.EventID, "error", err)
		return nil
	}
	keys := v.addTo(balanceKey{types.VenueSpot, p.FromAsset}, "-"+p.Amount, e.TS)
	return append(keys, v.addTo(balanceKey{types.VenueSpot, "BNB"}, p.TransferedTotal, e.TS)...)
}

func (v *View) applyTransfer(e *types.Event) []balanceKey {
	var p types.TransferPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad transfer payload", "event_id", e.EventID, "error", err)
		return nil
	}
	keys := v.addTo(balanceKey{p.FromVenue, p.Asset}, "-"+p.Amount, e.TS)
	return append(keys, v.addTo(balanceKey{p.ToVenue, p.Asset}, p.Amount, e.TS)...)
}

// addTo applies a signed delta to a balance, creating the row if needed.
func (v *View) addTo(k balanceKey, delta string, ts time.Time) []balanceKey {
	d, err := decimal.NewFromString(delta)
	if err != nil {
		v.logger.Warn("bad balance delta", "venue", k.venue, "asset", k.asset, "value", delta)
		return nil
	}
	cur := v.balances[k]
	v.balances[k] = Balance{Venue: k.venue, Asset: k.asset, Amount: cur.Amount.Add(d), UpdatedAt: ts}
	return []balanceKey{k}
}

func (v *View) applyPosition(e *types.Event) {
	var p types.PositionPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad position payload", "event_id", e.EventID, "error", err)
		return
	}
	amt, err := decimal.NewFromString(p.PositionAmt)
	if err != nil {
		return
	}
	if amt.IsZero() {
		delete(v.positions, p.Symbol)
		return
	}
	entry, _ := decimal.NewFromString(p.EntryPrice)
	upnl, _ := decimal.NewFromString(p.UnrealizedPnL)
	v.positions[p.Symbol] = Position{
		Symbol:        p.Symbol,
		Amount:        amt,
		EntryPrice:    entry,
		UnrealizedPnL: upnl,
		UpdatedAt:     e.TS,
	}
}

// terminalOrderStatuses end an order's life on the book.
var terminalOrderStatuses = map[string]bool{
	"FILLED":   true,
	"CANCELED": true,
	"EXPIRED":  true,
	"REJECTED": true,
}

func (v *View) applyOrder(e *types.Event) {
	var p types.OrderPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		v.logger.Warn("bad order payload", "event_id", e.EventID, "error", err)
		return
	}
	key := orderKey(p)
	if terminalOrderStatuses[p.Status] {
		delete(v.openOrders, key)
		return
	}
	qty, _ := decimal.NewFromString(p.Quantity)
	price, _ := decimal.NewFromString(p.Price)
	v.openOrders[key] = OpenOrder{
		ClientOrderID:   p.ClientOrderID,
		ExchangeOrderID: p.ExchangeOrderID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		OrderType:       p.OrderType,
		Quantity:        qty,
		Price:           price,
		Status:          p.Status,
		ReduceOnly:      p.ReduceOnly,
		UpdatedAt:       e.TS,
	}
}

func (v *View) removeOrder(e *types.Event) {
	var p types.OrderPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	delete(v.openOrders, orderKey(p))
}

func orderKey(p types.OrderPayloadEvent) string {
	if p.ClientOrderID != "" {
		return p.ClientOrderID
	}
	return fmt.Sprintf("x-%d", p.ExchangeOrderID)
}

// saveCheckpoint persists the cursor so the next start resumes here.
func (v *View) saveCheckpoint(ctx context.Context) error {
	return v.store.Checkpoints.Set(ctx, store.Checkpoint{
		Type:    store.CheckpointProjection,
		LastSeq: v.LastSeq(),
		LastTS:  time.Now().UTC(),
	})
}

// SaveCheckpoint persists the current cursor. The engine calls this
// periodically so restarts do not refold the whole log.
func (v *View) SaveCheckpoint(ctx context.Context) error {
	return v.saveCheckpoint(ctx)
}

// mirrorBalance upserts one balance row into the shared projection table.
func (v *View) mirrorBalance(ctx context.Context, b Balance) error {
	_, err := v.store.DB().ExecContext(ctx, `
		INSERT INTO projection_balance (venue, asset, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(venue, asset) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		string(b.Venue), b.Asset, b.Amount.String(),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mirror balance %s/%s: %w", b.Venue, b.Asset, err)
	}
	return nil
}

// mirrorTransfer records an internal transfer in the shared transfers table.
func (v *View) mirrorTransfer(ctx context.Context, e *types.Event) error {
	var p types.TransferPayloadEvent
	if err := e.DecodePayload(&p); err != nil {
		return nil
	}
	_, err := v.store.DB().ExecContext(ctx, `
		INSERT OR IGNORE INTO transfers (tran_id, asset, amount, from_venue, to_venue, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.TranID, p.Asset, p.Amount, string(p.FromVenue), string(p.ToVenue),
		e.TS.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mirror transfer %d: %w", p.TranID, err)
	}
	return nil
}

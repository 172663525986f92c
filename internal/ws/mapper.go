package ws

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// errListenKeyExpired tells the listener to tear the connection down and
// reconnect with a fresh key.
var errListenKeyExpired = errors.New("listen key expired")

// Callbacks are the strategy hooks invoked inline from the read loop. They
// fire only after the corresponding event was stored for the first time, so
// a reconnect replay never re-delivers a fill. A callback error is logged
// and the stream keeps reading.
type Callbacks struct {
	OnTrade func(types.TradeEvent) error
	OnOrder func(types.OrderEvent) error
}

// Mapper turns raw user-data frames into appended events. Events are
// recorded for every symbol on the account; callbacks fire only for the
// configured strategy symbol.
type Mapper struct {
	events *store.EventStore
	scope  types.Scope
	symbol string
	cb     Callbacks
	logger *slog.Logger
}

func NewMapper(events *store.EventStore, scope types.Scope, symbol string, cb Callbacks, logger *slog.Logger) *Mapper {
	return &Mapper{
		events: events,
		scope:  scope,
		symbol: symbol,
		cb:     cb,
		logger: logger.With("component", "ws-mapper"),
	}
}

// HandleFrame routes one raw frame. Malformed frames are logged and
// dropped; only storage failures and listen-key expiry propagate.
func (m *Mapper) HandleFrame(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("undecodable frame", "error", err)
		return nil
	}

	switch env.EventType {
	case frameAccountUpdate:
		return m.handleAccountUpdate(ctx, data)
	case frameOrderTradeUpdate:
		return m.handleOrderTradeUpdate(ctx, data)
	case frameMarginCall:
		m.handleMarginCall(data)
		return nil
	case frameListenKeyExpired:
		return errListenKeyExpired
	default:
		m.logger.Debug("unhandled frame", "event_type", env.EventType)
		return nil
	}
}

func (m *Mapper) handleAccountUpdate(ctx context.Context, data []byte) error {
	var f accountUpdateFrame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("bad ACCOUNT_UPDATE", "error", err)
		return nil
	}
	ts := time.UnixMilli(f.EventTime).UTC()

	for _, b := range f.Data.Balances {
		ev := &types.Event{
			EventType:  types.EventBalanceChanged,
			TS:         ts,
			Source:     types.SourceWebsocket,
			EntityKind: types.EntityBalance,
			EntityID:   b.Asset,
			Scope:      m.scope,
			DedupKey:   types.BalanceDedupKey(m.scope, b.Asset, f.TransactionTime),
			Payload: mustMarshal(types.BalancePayloadEvent{
				Asset:           b.Asset,
				WalletBalance:   b.WalletBalance,
				BalanceChange:   b.BalanceChange,
				CrossWallet:     b.CrossWallet,
				Reason:          f.Data.Reason,
				TransactionTime: f.TransactionTime,
			}),
		}
		if _, err := m.events.Append(ctx, ev); err != nil {
			return err
		}
	}

	for _, p := range f.Data.Positions {
		scope := m.scope.WithSymbol(p.Symbol)
		ev := &types.Event{
			EventType:  types.EventPositionChanged,
			TS:         ts,
			Source:     types.SourceWebsocket,
			EntityKind: types.EntityPosition,
			EntityID:   p.Symbol,
			Scope:      scope,
			DedupKey:   types.PositionDedupKey(scope, p.Symbol, f.TransactionTime),
			Payload: mustMarshal(types.PositionPayloadEvent{
				Symbol:          p.Symbol,
				PositionAmt:     p.PositionAmt,
				EntryPrice:      p.EntryPrice,
				UnrealizedPnL:   p.UnrealizedPnL,
				PositionSide:    types.PositionSide(p.PositionSide),
				MarginType:      p.MarginType,
				TransactionTime: f.TransactionTime,
			}),
		}
		if _, err := m.events.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper) handleOrderTradeUpdate(ctx context.Context, data []byte) error {
	var f orderTradeUpdateFrame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("bad ORDER_TRADE_UPDATE", "error", err)
		return nil
	}
	o := f.Order
	scope := m.scope.WithSymbol(o.Symbol)
	ts := time.UnixMilli(f.EventTime).UTC()

	// Our own orders carry "ae-"-prefixed client ids; link the event back
	// to the originating command when they do.
	commandID, _ := types.CommandIDFromClientOrderID(o.ClientOrderID)

	eventType := types.EventOrderUpdated
	dedupKey := types.OrderStatusDedupKey(scope, o.Symbol, o.OrderID, o.OrderStatus, f.TransactionTime)
	switch o.OrderStatus {
	case "NEW":
		// Same key the executor writes on placement, so the stream echo of
		// an engine-placed order is a duplicate, not a second row.
		eventType = types.EventOrderPlaced
		dedupKey = types.OrderDedupKey(scope, o.Symbol, o.OrderID)
	case "CANCELED", "EXPIRED":
		eventType = types.EventOrderCancelled
	case "REJECTED":
		eventType = types.EventOrderRejected
	}

	orderEv := &types.Event{
		EventType:   eventType,
		TS:          ts,
		CommandID:   commandID,
		CausationID: commandID,
		Source:      types.SourceWebsocket,
		EntityKind:  types.EntityOrder,
		EntityID:    strconv.FormatInt(o.OrderID, 10),
		Scope:       scope,
		DedupKey:    dedupKey,
		Payload: mustMarshal(types.OrderPayloadEvent{
			Symbol:          o.Symbol,
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOrderID,
			Side:            types.Side(o.Side),
			OrderType:       types.OrderType(o.OrderType),
			Quantity:        o.Quantity,
			Price:           o.Price,
			Status:          o.OrderStatus,
			ReduceOnly:      o.ReduceOnly,
			PositionSide:    types.PositionSide(o.PositionSide),
			UpdateTime:      f.TransactionTime,
		}),
	}
	res, err := m.events.Append(ctx, orderEv)
	if err != nil {
		return err
	}
	if res.Stored && o.Symbol == m.symbol && m.cb.OnOrder != nil {
		oe := types.OrderEvent{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          types.Side(o.Side),
			OrderType:     types.OrderType(o.OrderType),
			Status:        o.OrderStatus,
			Quantity:      dec(o.Quantity),
			FilledQty:     dec(o.FilledQty),
			Price:         dec(o.Price),
			ReduceOnly:    o.ReduceOnly,
			Time:          ts,
		}
		if err := m.cb.OnOrder(oe); err != nil {
			m.logger.Error("order callback failed",
				"symbol", o.Symbol, "order_id", o.OrderID, "error", err)
		}
	}

	if o.ExecutionType != "TRADE" || o.TradeID == 0 {
		return nil
	}

	tradeEv := &types.Event{
		EventType:   types.EventTradeExecuted,
		TS:          time.UnixMilli(o.TradeTime).UTC(),
		CommandID:   commandID,
		CausationID: commandID,
		Source:      types.SourceWebsocket,
		EntityKind:  types.EntityTrade,
		EntityID:    strconv.FormatInt(o.TradeID, 10),
		Scope:       scope,
		DedupKey:    types.TradeDedupKey(scope, o.Symbol, o.TradeID),
		Payload: mustMarshal(types.TradePayloadEvent{
			Symbol:          o.Symbol,
			ExchangeTradeID: o.TradeID,
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOrderID,
			Side:            types.Side(o.Side),
			Quantity:        o.LastFilledQty,
			Price:           o.LastFilledPrice,
			Commission:      o.Commission,
			CommissionAsset: o.CommissionAsset,
			RealizedPnL:     o.RealizedPnL,
			IsMaker:         o.IsMaker,
			TradeTime:       o.TradeTime,
		}),
	}
	res, err = m.events.Append(ctx, tradeEv)
	if err != nil {
		return err
	}
	if !res.Stored {
		m.logger.Debug("duplicate trade on stream", "trade_id", o.TradeID)
		return nil
	}
	if o.Symbol == m.symbol && m.cb.OnTrade != nil {
		te := types.TradeEvent{
			Symbol:        o.Symbol,
			TradeID:       o.TradeID,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          types.Side(o.Side),
			Quantity:      dec(o.LastFilledQty),
			Price:         dec(o.LastFilledPrice),
			RealizedPnL:   dec(o.RealizedPnL),
			Commission:    dec(o.Commission),
			IsMaker:       o.IsMaker,
			Time:          time.UnixMilli(o.TradeTime).UTC(),
		}
		if err := m.cb.OnTrade(te); err != nil {
			m.logger.Error("trade callback failed",
				"symbol", o.Symbol, "trade_id", o.TradeID, "error", err)
		}
	}
	return nil
}

// handleMarginCall only logs: the risk guard and the strategy act on the
// position events that follow, not on the warning itself.
func (m *Mapper) handleMarginCall(data []byte) {
	var f marginCallFrame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("bad MARGIN_CALL", "error", err)
		return
	}
	for _, p := range f.Positions {
		m.logger.Warn("margin call",
			"symbol", p.Symbol, "position_amt", p.PositionAmt,
			"mark_price", p.MarkPrice, "unrealized_pnl", p.UnrealizedPnL)
	}
}

// dec parses a wire amount, treating empty and malformed strings as zero.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// handlers.go implements the per-command-type handlers. Each handler calls
// the exchange (or an engine collaborator), synthesises the result events
// with their canonical dedup keys, and reports success or failure; the
// executor owns appending and the status transition.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// PlaceOrder
// ————————————————————————————————————————————————————————————————————————

type placeOrderHandler struct {
	exchange Exchange
}

func (h *placeOrderHandler) CommandType() types.CommandType { return types.CmdPlaceOrder }

func (h *placeOrderHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.PlaceOrderPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode place-order payload: %w", err)
	}

	req := exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side,
		OrderType:     p.OrderType,
		Quantity:      p.Quantity,
		Price:         p.Price,
		StopPrice:     p.StopPrice,
		TimeInForce:   p.TimeInForce,
		ReduceOnly:    p.ReduceOnly,
		PositionSide:  p.PositionSide,
		ClientOrderID: types.ClientOrderID(cmd.CommandID),
	}

	scope := cmd.Scope.WithSymbol(p.Symbol)
	res, err := h.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return &Outcome{
			Err: err.Error(),
			Events: []*types.Event{{
				EventType:  types.EventOrderRejected,
				Source:     types.SourceBot,
				EntityKind: types.EntityOrder,
				EntityID:   req.ClientOrderID,
				Scope:      scope,
				DedupKey:   rejectedOrderDedupKey(scope, p.Symbol, cmd.CommandID),
				Payload: mustMarshal(types.OrderPayloadEvent{
					Symbol:        p.Symbol,
					ClientOrderID: req.ClientOrderID,
					Side:          p.Side,
					OrderType:     p.OrderType,
					Quantity:      p.Quantity,
					Price:         p.Price,
					Status:        "REJECTED",
					Reason:        err.Error(),
				}),
			}},
		}, nil
	}

	return &Outcome{
		Success: true,
		Result: map[string]any{
			"exchange_order_id": res.OrderID,
			"client_order_id":   res.ClientOrderID,
			"status":            res.Status,
		},
		Events: []*types.Event{{
			EventType:  types.EventOrderPlaced,
			Source:     types.SourceBot,
			EntityKind: types.EntityOrder,
			EntityID:   strconv.FormatInt(res.OrderID, 10),
			Scope:      scope,
			DedupKey:   types.OrderDedupKey(scope, p.Symbol, res.OrderID),
			Payload: mustMarshal(types.OrderPayloadEvent{
				Symbol:          p.Symbol,
				ExchangeOrderID: res.OrderID,
				ClientOrderID:   res.ClientOrderID,
				Side:            p.Side,
				OrderType:       p.OrderType,
				Quantity:        p.Quantity,
				Price:           p.Price,
				Status:          res.Status,
				ReduceOnly:      p.ReduceOnly,
				PositionSide:    p.PositionSide,
				UpdateTime:      res.UpdateTime,
			}),
		}},
	}, nil
}

// rejectedOrderDedupKey keys a rejection on the command, since no exchange
// order id exists.
func rejectedOrderDedupKey(s types.Scope, symbol, commandID string) string {
	return fmt.Sprintf("%s:%s:%s:order_rejected:%s", s.Exchange, s.Venue, symbol, commandID)
}

// ————————————————————————————————————————————————————————————————————————
// CancelOrder
// ————————————————————————————————————————————————————————————————————————

type cancelOrderHandler struct {
	exchange Exchange
}

func (h *cancelOrderHandler) CommandType() types.CommandType { return types.CmdCancelOrder }

func (h *cancelOrderHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.CancelOrderPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode cancel-order payload: %w", err)
	}

	res, err := h.exchange.CancelOrder(ctx, p.Symbol, p.ExchangeOrderID, p.ClientOrderID)
	if err != nil {
		if apiErr, ok := exchange.AsAPIError(err); ok && apiErr.Code == exchange.CodeUnknownOrder {
			// Already gone: cancelling is idempotent from the caller's view.
			return &Outcome{Success: true, Result: map[string]any{"already_gone": true}}, nil
		}
		return &Outcome{Err: err.Error()}, nil
	}

	scope := cmd.Scope.WithSymbol(p.Symbol)
	return &Outcome{
		Success: true,
		Result:  map[string]any{"exchange_order_id": res.OrderID, "status": res.Status},
		Events: []*types.Event{{
			EventType:  types.EventOrderCancelled,
			Source:     types.SourceBot,
			EntityKind: types.EntityOrder,
			EntityID:   strconv.FormatInt(res.OrderID, 10),
			Scope:      scope,
			DedupKey:   types.OrderStatusDedupKey(scope, p.Symbol, res.OrderID, "CANCELED", res.UpdateTime),
			Payload: mustMarshal(types.OrderPayloadEvent{
				Symbol:          p.Symbol,
				ExchangeOrderID: res.OrderID,
				ClientOrderID:   res.ClientOrderID,
				Status:          "CANCELED",
				UpdateTime:      res.UpdateTime,
			}),
		}},
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// ClosePosition
// ————————————————————————————————————————————————————————————————————————

type closePositionHandler struct {
	exchange  Exchange
	positions PositionSource
}

func (h *closePositionHandler) CommandType() types.CommandType { return types.CmdClosePosition }

func (h *closePositionHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.ClosePositionPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode close-position payload: %w", err)
	}

	qtyStr, open := h.positions.PositionAmount(p.Symbol)
	if !open {
		return &Outcome{Success: true, Result: map[string]any{"flat": true}}, nil
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("position amount %q: %w", qtyStr, err)
	}

	side := types.SideSell
	if qty.IsNegative() {
		side = types.SideBuy
	}
	req := exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          side,
		OrderType:     types.OrderTypeMarket,
		Quantity:      qty.Abs().String(),
		ReduceOnly:    true,
		ClientOrderID: types.ClientOrderID(cmd.CommandID),
	}

	scope := cmd.Scope.WithSymbol(p.Symbol)
	res, err := h.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{
		Success: true,
		Result: map[string]any{
			"exchange_order_id": res.OrderID,
			"closed_qty":        req.Quantity,
			"side":              side,
		},
		Events: []*types.Event{{
			EventType:  types.EventOrderPlaced,
			Source:     types.SourceBot,
			EntityKind: types.EntityOrder,
			EntityID:   strconv.FormatInt(res.OrderID, 10),
			Scope:      scope,
			DedupKey:   types.OrderDedupKey(scope, p.Symbol, res.OrderID),
			Payload: mustMarshal(types.OrderPayloadEvent{
				Symbol:          p.Symbol,
				ExchangeOrderID: res.OrderID,
				ClientOrderID:   res.ClientOrderID,
				Side:            side,
				OrderType:       types.OrderTypeMarket,
				Quantity:        req.Quantity,
				Status:          res.Status,
				ReduceOnly:      true,
				UpdateTime:      res.UpdateTime,
			}),
		}},
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// CancelAll / SetLeverage
// ————————————————————————————————————————————————————————————————————————

type cancelAllHandler struct {
	exchange Exchange
}

func (h *cancelAllHandler) CommandType() types.CommandType { return types.CmdCancelAll }

func (h *cancelAllHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.CancelAllPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode cancel-all payload: %w", err)
	}
	if err := h.exchange.CancelAllOrders(ctx, p.Symbol); err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	// Per-order cancellation events arrive via the stream.
	return &Outcome{Success: true, Result: map[string]any{"symbol": p.Symbol}}, nil
}

type setLeverageHandler struct {
	exchange Exchange
}

func (h *setLeverageHandler) CommandType() types.CommandType { return types.CmdSetLeverage }

func (h *setLeverageHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.SetLeveragePayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode set-leverage payload: %w", err)
	}
	if p.Leverage < 1 {
		return &Outcome{Err: fmt.Sprintf("invalid leverage %d", p.Leverage)}, nil
	}
	if err := h.exchange.SetLeverage(ctx, p.Symbol, p.Leverage); err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{Success: true, Result: map[string]any{"symbol": p.Symbol, "leverage": p.Leverage}}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Engine control
// ————————————————————————————————————————————————————————————————————————

type engineControlHandler struct {
	kind    types.CommandType
	setMode ModeSetter
}

func (h *engineControlHandler) CommandType() types.CommandType { return h.kind }

func (h *engineControlHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var (
		mode      types.EngineMode
		eventType types.EventType
	)
	switch h.kind {
	case types.CmdPauseEngine:
		mode, eventType = types.EnginePaused, types.EventEnginePaused
	case types.CmdResumeEngine:
		mode, eventType = types.EngineRunning, types.EventEngineResumed
	case types.CmdSetEngineMode:
		var p types.SetEngineModePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("decode set-engine-mode payload: %w", err)
		}
		switch p.Mode {
		case types.EngineRunning, types.EnginePaused, types.EngineSafe:
			mode = p.Mode
		default:
			return &Outcome{Err: fmt.Sprintf("unknown engine mode %q", p.Mode)}, nil
		}
		eventType = types.EventEngineModeChanged
	}

	if err := h.setMode(ctx, mode, cmd); err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{
		Success: true,
		Result:  map[string]any{"mode": mode},
		Events: []*types.Event{{
			EventType:  eventType,
			Source:     types.SourceBot,
			EntityKind: types.EntityEngine,
			EntityID:   "engine",
			Scope:      cmd.Scope,
			DedupKey:   types.EngineDedupKey(string(eventType), time.Now().UnixMilli()),
			Payload:    mustMarshal(map[string]any{"mode": mode}),
		}},
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Maintenance commands
// ————————————————————————————————————————————————————————————————————————

type runReconcileHandler struct {
	reconciler Reconciler
}

func (h *runReconcileHandler) CommandType() types.CommandType { return types.CmdRunReconcile }

func (h *runReconcileHandler) Execute(ctx context.Context, _ *types.Command) (*Outcome, error) {
	adjusted, skipped, err := h.reconciler.Reconcile(ctx)
	if err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{Success: true, Result: map[string]any{
		"adjusted_count": adjusted,
		"skipped_count":  skipped,
	}}, nil
}

type rebuildProjectionHandler struct {
	rebuilder Rebuilder
}

func (h *rebuildProjectionHandler) CommandType() types.CommandType {
	return types.CmdRebuildProjection
}

func (h *rebuildProjectionHandler) Execute(ctx context.Context, _ *types.Command) (*Outcome, error) {
	if err := h.rebuilder.Rebuild(ctx); err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{Success: true, Result: map[string]any{"rebuilt": true}}, nil
}

type updateConfigHandler struct {
	config *store.ConfigStore
}

func (h *updateConfigHandler) CommandType() types.CommandType { return types.CmdUpdateConfig }

func (h *updateConfigHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.UpdateConfigPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode update-config payload: %w", err)
	}

	var (
		version int
		err     error
	)
	if p.ExpectedVersion > 0 {
		version, err = h.config.SetCAS(ctx, p.Key, p.Value, cmd.Actor, p.ExpectedVersion)
	} else {
		version, err = h.config.Set(ctx, p.Key, p.Value, cmd.Actor)
	}
	if err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{Success: true, Result: map[string]any{"key": p.Key, "version": version}}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fund movement
// ————————————————————————————————————————————————————————————————————————

type internalTransferHandler struct {
	exchange Exchange
}

func (h *internalTransferHandler) CommandType() types.CommandType {
	return types.CmdInternalTransfer
}

func (h *internalTransferHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.InternalTransferPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode internal-transfer payload: %w", err)
	}

	var direction string
	switch {
	case p.FromVenue == types.VenueSpot && p.ToVenue == types.VenueFutures:
		direction = exchange.TransferSpotToFutures
	case p.FromVenue == types.VenueFutures && p.ToVenue == types.VenueSpot:
		direction = exchange.TransferFuturesToSpot
	default:
		return &Outcome{Err: fmt.Sprintf("unsupported transfer %s -> %s", p.FromVenue, p.ToVenue)}, nil
	}

	tranID, err := h.exchange.InternalTransfer(ctx, p.Asset, p.Amount, direction)
	if err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{
		Success: true,
		Result:  map[string]any{"tran_id": tranID},
		Events: []*types.Event{{
			EventType:  types.EventInternalTransferCompleted,
			Source:     types.SourceBot,
			EntityKind: types.EntityTransfer,
			EntityID:   strconv.FormatInt(tranID, 10),
			Scope:      cmd.Scope,
			DedupKey:   types.MovementDedupKey(cmd.Scope, "transfer", strconv.FormatInt(tranID, 10)),
			Payload: mustMarshal(types.TransferPayloadEvent{
				TranID:    tranID,
				Asset:     p.Asset,
				Amount:    p.Amount,
				FromVenue: p.FromVenue,
				ToVenue:   p.ToVenue,
				Timestamp: time.Now().UnixMilli(),
			}),
		}},
	}, nil
}

type withdrawHandler struct {
	exchange Exchange
}

func (h *withdrawHandler) CommandType() types.CommandType { return types.CmdWithdraw }

func (h *withdrawHandler) Execute(ctx context.Context, cmd *types.Command) (*Outcome, error) {
	var p types.WithdrawPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decode withdraw payload: %w", err)
	}

	id, err := h.exchange.Withdraw(ctx, p.Asset, p.Amount, p.Address, p.Network)
	if err != nil {
		return &Outcome{Err: err.Error()}, nil
	}
	return &Outcome{
		Success: true,
		Result:  map[string]any{"withdraw_id": id},
		Events: []*types.Event{{
			EventType:  types.EventWithdrawCompleted,
			Source:     types.SourceBot,
			EntityKind: types.EntityWithdraw,
			EntityID:   id,
			Scope:      cmd.Scope,
			DedupKey:   types.MovementDedupKey(cmd.Scope, "withdraw", id),
			Payload: mustMarshal(types.MovementPayloadEvent{
				ID:        id,
				Asset:     p.Asset,
				Amount:    p.Amount,
				Address:   p.Address,
				Network:   p.Network,
				ApplyTime: time.Now().UnixMilli(),
			}),
		}},
	}, nil
}

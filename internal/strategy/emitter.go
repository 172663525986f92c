package strategy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"alpha-engine/internal/risk"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// Emitter is the strategy's only write path. Every emission is risk-checked
// up front; a rejected emission returns the empty string and inserts
// nothing. Accepted commands enter the store at strategy priority and are
// executed by the main loop, not here.
type Emitter struct {
	store  *store.Store
	guard  *risk.Guard
	actor  types.Actor
	scope  types.Scope
	logger *slog.Logger
}

func NewEmitter(st *store.Store, guard *risk.Guard, strategyName string, scope types.Scope, logger *slog.Logger) *Emitter {
	return &Emitter{
		store:  st,
		guard:  guard,
		actor:  types.Actor{Kind: types.ActorStrategy, ID: strategyName},
		scope:  scope,
		logger: logger.With("component", "emitter", "strategy", strategyName),
	}
}

// PlaceOrder emits a PlaceOrder command and returns its command id, or ""
// when the guard rejected it.
func (e *Emitter) PlaceOrder(ctx context.Context, p types.PlaceOrderPayload) string {
	return e.emit(ctx, types.CmdPlaceOrder, e.scope.WithSymbol(p.Symbol), p)
}

// CancelOrder emits a CancelOrder command.
func (e *Emitter) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64, clientOrderID string) string {
	return e.emit(ctx, types.CmdCancelOrder, e.scope.WithSymbol(symbol), types.CancelOrderPayload{
		Symbol:          symbol,
		ExchangeOrderID: exchangeOrderID,
		ClientOrderID:   clientOrderID,
	})
}

// ClosePosition emits a ClosePosition command.
func (e *Emitter) ClosePosition(ctx context.Context, symbol string) string {
	return e.emit(ctx, types.CmdClosePosition, e.scope.WithSymbol(symbol), types.ClosePositionPayload{Symbol: symbol})
}

// CancelAllOrders emits a CancelAll command.
func (e *Emitter) CancelAllOrders(ctx context.Context, symbol string) string {
	return e.emit(ctx, types.CmdCancelAll, e.scope.WithSymbol(symbol), types.CancelAllPayload{Symbol: symbol})
}

func (e *Emitter) emit(ctx context.Context, ct types.CommandType, scope types.Scope, payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("encode payload", "command_type", ct, "error", err)
		return ""
	}

	cmd := &types.Command{
		CommandID:      uuid.NewString(),
		CommandType:    ct,
		Actor:          e.actor,
		Scope:          scope,
		IdempotencyKey: uuid.NewString(),
		Priority:       types.PriorityStrategy,
		Payload:        raw,
	}

	if err := e.guard.Check(ctx, cmd); err != nil {
		var rej *risk.RejectionError
		if errors.As(err, &rej) {
			e.logger.Info("emission rejected",
				"command_type", ct, "rule", rej.Rule, "reason", rej.Reason)
		} else {
			e.logger.Error("risk check failed", "command_type", ct, "error", err)
		}
		return ""
	}

	if _, err := e.store.Commands.Insert(ctx, cmd); err != nil {
		e.logger.Error("insert command", "command_type", ct, "error", err)
		return ""
	}
	e.logger.Info("command emitted", "command_type", ct, "command_id", cmd.CommandID)
	return cmd.CommandID
}

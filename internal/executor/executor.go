// Package executor drives claimed commands to completion: risk-check,
// dispatch to the type's handler, append the result events, then transition
// the command to ACK or FAILED.
//
// Ordering matters: result events are appended BEFORE the status update, so
// any observer reacting to a terminal status can assume the events are
// already readable. Unknown command types fail closed.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/exchange"
	"alpha-engine/internal/risk"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// Exchange is the slice of the REST adapter the handlers call.
type Exchange interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*exchange.OrderResult, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	InternalTransfer(ctx context.Context, asset, amount, direction string) (int64, error)
	Withdraw(ctx context.Context, asset, amount, address, network string) (string, error)
}

// PositionSource is the projection slice used by ClosePosition.
type PositionSource interface {
	PositionAmount(symbol string) (qty string, open bool)
}

// Reconciler runs the ledger-vs-exchange alignment on demand.
type Reconciler interface {
	Reconcile(ctx context.Context) (adjusted, skipped int, err error)
}

// Rebuilder refolds the projection from seq 0.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// ModeSetter applies an engine-mode change. The engine supplies it at
// construction time; it persists the mode and adjusts the live loop.
type ModeSetter func(ctx context.Context, mode types.EngineMode, cmd *types.Command) error

// Outcome is what a handler reports back to the executor.
type Outcome struct {
	Success bool
	Result  any    // marshalled into the command's result_json
	Err     string // last_error on failure
	Events  []*types.Event
}

// Handler executes one command type.
type Handler interface {
	CommandType() types.CommandType
	Execute(ctx context.Context, cmd *types.Command) (*Outcome, error)
}

// Deps collects the executor's collaborators.
type Deps struct {
	Store      *store.Store
	Guard      *risk.Guard
	Exchange   Exchange
	Positions  PositionSource
	Reconciler Reconciler
	Rebuilder  Rebuilder
	SetMode    ModeSetter
	Logger     *slog.Logger
}

// Executor owns the handler registry.
type Executor struct {
	store    *store.Store
	guard    *risk.Guard
	logger   *slog.Logger
	handlers map[types.CommandType]Handler
}

// New builds the executor with the full handler set registered.
func New(d Deps) *Executor {
	e := &Executor{
		store:    d.Store,
		guard:    d.Guard,
		logger:   d.Logger.With("component", "executor"),
		handlers: make(map[types.CommandType]Handler),
	}
	for _, h := range []Handler{
		&placeOrderHandler{exchange: d.Exchange},
		&cancelOrderHandler{exchange: d.Exchange},
		&closePositionHandler{exchange: d.Exchange, positions: d.Positions},
		&cancelAllHandler{exchange: d.Exchange},
		&setLeverageHandler{exchange: d.Exchange},
		&engineControlHandler{kind: types.CmdPauseEngine, setMode: d.SetMode},
		&engineControlHandler{kind: types.CmdResumeEngine, setMode: d.SetMode},
		&engineControlHandler{kind: types.CmdSetEngineMode, setMode: d.SetMode},
		&runReconcileHandler{reconciler: d.Reconciler},
		&rebuildProjectionHandler{rebuilder: d.Rebuilder},
		&updateConfigHandler{config: d.Store.Config},
		&internalTransferHandler{exchange: d.Exchange},
		&withdrawHandler{exchange: d.Exchange},
	} {
		e.Register(h)
	}
	return e
}

// Register adds (or replaces) the handler for one command type.
func (e *Executor) Register(h Handler) {
	e.handlers[h.CommandType()] = h
}

// Execute runs one claimed (SENT) command to a terminal status. The error
// return reports executor-level failures only; a command failing is a
// normal outcome, recorded on the command row.
func (e *Executor) Execute(ctx context.Context, cmd *types.Command) error {
	// Rules re-check at execution time: the projection may have moved since
	// the command was inserted.
	if err := e.guard.Check(ctx, cmd); err != nil {
		return e.fail(ctx, cmd, err.Error())
	}

	handler, ok := e.handlers[cmd.CommandType]
	if !ok {
		e.logger.Error("no handler registered", "command_type", cmd.CommandType)
		return e.fail(ctx, cmd, fmt.Sprintf("unknown command type %s", cmd.CommandType))
	}

	started := time.Now()
	outcome, err := handler.Execute(ctx, cmd)
	if err != nil {
		return e.fail(ctx, cmd, err.Error())
	}

	for _, ev := range outcome.Events {
		ev.CommandID = cmd.CommandID
		ev.CorrelationID = cmd.CorrelationID
		ev.CausationID = cmd.CommandID
		if _, err := e.store.Events.Append(ctx, ev); err != nil {
			return e.fail(ctx, cmd, fmt.Sprintf("append result event: %v", err))
		}
	}

	if !outcome.Success {
		return e.fail(ctx, cmd, outcome.Err)
	}

	var result json.RawMessage
	if outcome.Result != nil {
		raw, err := json.Marshal(outcome.Result)
		if err != nil {
			return e.fail(ctx, cmd, fmt.Sprintf("encode result: %v", err))
		}
		result = raw
	}
	if err := e.store.Commands.UpdateStatus(ctx, cmd.CommandID, types.StatusAck, result, ""); err != nil {
		return fmt.Errorf("ack command %s: %w", cmd.CommandID, err)
	}
	e.logger.Info("command executed",
		"command_id", cmd.CommandID, "command_type", cmd.CommandType,
		"elapsed", time.Since(started))
	return nil
}

// mustMarshal encodes an internally constructed payload. The inputs are
// plain structs and maps, so a failure is a programming error.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func (e *Executor) fail(ctx context.Context, cmd *types.Command, reason string) error {
	if err := e.store.Commands.UpdateStatus(ctx, cmd.CommandID, types.StatusFailed, nil, reason); err != nil {
		return fmt.Errorf("fail command %s: %w", cmd.CommandID, err)
	}
	e.logger.Warn("command failed",
		"command_id", cmd.CommandID, "command_type", cmd.CommandType, "error", reason)
	return nil
}

// Package risk validates commands before they reach the command store or
// the exchange. The guard builds a context from the engine mode, the risk
// limits, and the current projection, then runs the rule pipeline; the
// first failing rule short-circuits. A rule panic counts as a rejection
// (fail-closed). Every rejection is recorded as a RiskGuardRejected event.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"alpha-engine/internal/projection"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// pnlCacheTTL bounds how often the daily-PnL scan hits the event log.
const pnlCacheTTL = 5 * time.Second

// RejectionError is returned when a rule fails. Its message is the
// command's last_error, so it starts with "RiskGuard rejected".
type RejectionError struct {
	Rule   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("RiskGuard rejected: %s: %s", e.Rule, e.Reason)
}

// Guard runs the rule pipeline over incoming commands.
type Guard struct {
	store  *store.Store
	view   *projection.View
	logger *slog.Logger
	rules  []Rule

	mu      sync.Mutex
	pnl     decimal.Decimal
	pnlAsOf time.Time
	now     func() time.Time // test hook
}

// New creates a guard with the default rule pipeline.
func New(st *store.Store, view *projection.View, logger *slog.Logger) *Guard {
	return &Guard{
		store:  st,
		view:   view,
		logger: logger.With("component", "risk"),
		rules:  defaultRules(),
		now:    time.Now,
	}
}

// Check evaluates the command against every applicable rule. On rejection
// it appends the RiskGuardRejected event and returns a *RejectionError; a
// nil return means the command may proceed. Non-rejection errors indicate
// the guard itself could not run.
func (g *Guard) Check(ctx context.Context, cmd *types.Command) error {
	rc, err := g.buildContext(ctx, cmd)
	if err != nil {
		return fmt.Errorf("risk context: %w", err)
	}

	for _, rule := range g.rules {
		if !rule.AppliesTo(cmd.CommandType) {
			continue
		}
		result := g.safeCheck(rule, cmd, rc)
		if result.OK {
			continue
		}
		rej := &RejectionError{Rule: rule.Name(), Reason: result.Reason}
		g.logger.Warn("command rejected",
			"command_id", cmd.CommandID, "command_type", cmd.CommandType,
			"rule", rej.Rule, "reason", rej.Reason)
		if err := g.recordRejection(ctx, cmd, rej); err != nil {
			g.logger.Error("failed to record rejection", "command_id", cmd.CommandID, "error", err)
		}
		return rej
	}
	return nil
}

// safeCheck runs one rule, converting a panic into a rejection.
func (g *Guard) safeCheck(rule Rule, cmd *types.Command, rc *Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("risk rule panicked", "rule", rule.Name(), "panic", r)
			result = Result{Reason: fmt.Sprintf("rule %s panicked: %v", rule.Name(), r)}
		}
	}()
	return rule.Check(cmd, rc)
}

// buildContext assembles the state snapshot the rules evaluate against.
func (g *Guard) buildContext(ctx context.Context, cmd *types.Command) (*Context, error) {
	rc := &Context{Mode: types.EngineRunning}

	var engine types.EngineSettings
	if _, err := g.store.Config.Get(ctx, store.KeyEngine, &engine); err == nil {
		rc.Mode = engine.Mode
	} else if err != store.ErrNotFound {
		return nil, err
	}

	if _, err := g.store.Config.Get(ctx, store.KeyRisk, &rc.Limits); err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if cmd.CommandType == types.CmdPlaceOrder {
		var order types.PlaceOrderPayload
		if err := cmd.DecodePayload(&order); err != nil {
			return nil, fmt.Errorf("decode place-order payload: %w", err)
		}
		rc.Order = &order

		if pos, ok := g.view.Position(order.Symbol); ok {
			rc.PositionQty = pos.Amount
		}
		rc.OpenOrders = g.view.OpenOrderCount(order.Symbol)
		rc.FreeBalance = g.view.Balance(types.VenueFutures, "USDT")

		pnl, err := g.dailyPnL(ctx)
		if err != nil {
			return nil, err
		}
		rc.DailyPnL = pnl
	}
	return rc, nil
}

// dailyPnL sums realized_pnl over TradeExecuted events since UTC midnight,
// with a short TTL cache so every PlaceOrder does not rescan the log.
func (g *Guard) dailyPnL(ctx context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	if g.now().Sub(g.pnlAsOf) < pnlCacheTTL {
		pnl := g.pnl
		g.mu.Unlock()
		return pnl, nil
	}
	g.mu.Unlock()

	now := g.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	events, err := g.store.Events.GetByTypeSinceTS(ctx, types.EventTradeExecuted, midnight)
	if err != nil {
		return decimal.Zero, fmt.Errorf("daily pnl scan: %w", err)
	}

	total := decimal.Zero
	for i := range events {
		var trade types.TradePayloadEvent
		if err := events[i].DecodePayload(&trade); err != nil || trade.RealizedPnL == "" {
			continue
		}
		pnl, err := decimal.NewFromString(trade.RealizedPnL)
		if err != nil {
			continue
		}
		total = total.Add(pnl)
	}

	g.mu.Lock()
	g.pnl = total
	g.pnlAsOf = g.now()
	g.mu.Unlock()
	return total, nil
}

// recordRejection appends the RiskGuardRejected event for a failed check.
func (g *Guard) recordRejection(ctx context.Context, cmd *types.Command, rej *RejectionError) error {
	payload, err := json.Marshal(types.RiskRejectionPayload{
		Rule:        rej.Rule,
		Reason:      rej.Reason,
		CommandType: cmd.CommandType,
	})
	if err != nil {
		return err
	}
	_, err = g.store.Events.Append(ctx, &types.Event{
		EventType:     types.EventRiskGuardRejected,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CommandID,
		CommandID:     cmd.CommandID,
		Source:        types.SourceBot,
		EntityKind:    types.EntityEngine,
		EntityID:      cmd.CommandID,
		Scope:         cmd.Scope,
		DedupKey:      types.RiskRejectionDedupKey(cmd.CommandID),
		Payload:       payload,
	})
	return err
}

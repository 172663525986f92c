package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/projection"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

func testScope() types.Scope {
	return types.Scope{
		Exchange: "BINANCE",
		Venue:    types.VenueFutures,
		Account:  "main",
		Symbol:   "XRPUSDT",
		Mode:     types.ModeTestnet,
	}
}

type guardFixture struct {
	store *store.Store
	view  *projection.View
	guard *Guard
}

func newFixture(t *testing.T) *guardFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "ae.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	view := projection.New(st, logger)
	return &guardFixture{store: st, view: view, guard: New(st, view, logger)}
}

func (f *guardFixture) setMode(t *testing.T, mode types.EngineMode) {
	t.Helper()
	_, err := f.store.Config.Set(context.Background(), store.KeyEngine,
		types.EngineSettings{Mode: mode}, types.SystemActor)
	if err != nil {
		t.Fatal(err)
	}
}

func (f *guardFixture) setLimits(t *testing.T, limits types.RiskSettings) {
	t.Helper()
	_, err := f.store.Config.Set(context.Background(), store.KeyRisk, limits, types.SystemActor)
	if err != nil {
		t.Fatal(err)
	}
}

func (f *guardFixture) appendEvent(t *testing.T, et types.EventType, kind types.EntityKind, entityID, dedupKey string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.store.Events.Append(context.Background(), &types.Event{
		EventType:  et,
		Source:     types.SourceBot,
		EntityKind: kind,
		EntityID:   entityID,
		Scope:      testScope(),
		DedupKey:   dedupKey,
		Payload:    body,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func placeOrderCommand(t *testing.T, qty string, reduceOnly bool) *types.Command {
	t.Helper()
	payload, err := json.Marshal(types.PlaceOrderPayload{
		Symbol:     "XRPUSDT",
		Side:       types.SideBuy,
		OrderType:  types.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &types.Command{
		CommandID:     "cmd-1",
		CommandType:   types.CmdPlaceOrder,
		CorrelationID: "corr-1",
		Actor:         types.Actor{Kind: types.ActorStrategy, ID: "atr_breakout"},
		Scope:         testScope(),
		Payload:       payload,
	}
}

func assertRejected(t *testing.T, err error, wantRule string) *RejectionError {
	t.Helper()
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rej.Rule != wantRule {
		t.Fatalf("rule = %s, want %s", rej.Rule, wantRule)
	}
	if !strings.HasPrefix(rej.Error(), "RiskGuard rejected") {
		t.Errorf("error message = %q, want RiskGuard rejected prefix", rej.Error())
	}
	return rej
}

func TestPausedEngineRejectsTrading(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setMode(t, types.EnginePaused)

	cmd := placeOrderCommand(t, "10", false)
	err := f.guard.Check(context.Background(), cmd)
	assertRejected(t, err, "EngineMode")

	// The rejection is recorded as an event carrying the rule name.
	events, err2 := f.store.Events.GetByType(context.Background(), types.EventRiskGuardRejected, 0)
	if err2 != nil {
		t.Fatal(err2)
	}
	if len(events) != 1 {
		t.Fatalf("rejection events = %d, want 1", len(events))
	}
	var payload types.RiskRejectionPayload
	if err := events[0].DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Rule != "EngineMode" {
		t.Errorf("event rule = %s", payload.Rule)
	}
	if events[0].CommandID != cmd.CommandID {
		t.Errorf("event command_id = %s", events[0].CommandID)
	}
}

func TestPausedEngineAllowsNonTrading(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setMode(t, types.EnginePaused)

	cmd := &types.Command{
		CommandID:   "cmd-mode",
		CommandType: types.CmdSetEngineMode,
		Actor:       types.SystemActor,
		Scope:       testScope(),
	}
	if err := f.guard.Check(context.Background(), cmd); err != nil {
		t.Fatalf("non-trading command should pass while paused: %v", err)
	}
}

func TestSafeModeBlocksOnlyNewExposure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setMode(t, types.EngineSafe)

	if err := f.guard.Check(context.Background(), placeOrderCommand(t, "10", false)); err == nil {
		t.Fatal("non-reduce-only order should be rejected in SAFE mode")
	}
	reduce := placeOrderCommand(t, "10", true)
	reduce.CommandID = "cmd-2"
	if err := f.guard.Check(context.Background(), reduce); err != nil {
		t.Fatalf("reduce-only order should pass in SAFE mode: %v", err)
	}
}

func TestMaxPositionSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setLimits(t, types.RiskSettings{MaxPositionSize: "100"})

	f.appendEvent(t, types.EventPositionChanged, types.EntityPosition, "XRPUSDT",
		"BINANCE:FUTURES:XRPUSDT:position:1", types.PositionPayloadEvent{
			Symbol: "XRPUSDT", PositionAmt: "90", EntryPrice: "0.60", TransactionTime: 1,
		})
	if err := f.view.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := f.guard.Check(context.Background(), placeOrderCommand(t, "20", false))
	assertRejected(t, err, "MaxPositionSize")

	within := placeOrderCommand(t, "5", false)
	within.CommandID = "cmd-2"
	if err := f.guard.Check(context.Background(), within); err != nil {
		t.Fatalf("order within limit should pass: %v", err)
	}

	reduce := placeOrderCommand(t, "200", true)
	reduce.CommandID = "cmd-3"
	if err := f.guard.Check(context.Background(), reduce); err != nil {
		t.Fatalf("reduce-only is exempt from sizing: %v", err)
	}
}

func TestMaxOpenOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setLimits(t, types.RiskSettings{MaxOpenOrders: 2})

	for i, id := range []int64{101, 102} {
		f.appendEvent(t, types.EventOrderPlaced, types.EntityOrder, "o",
			types.OrderDedupKey(testScope(), "XRPUSDT", id), types.OrderPayloadEvent{
				Symbol: "XRPUSDT", ExchangeOrderID: id,
				ClientOrderID: "ae-" + string(rune('a'+i)),
				Status:        "NEW", Quantity: "10",
			})
	}
	if err := f.view.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := f.guard.Check(context.Background(), placeOrderCommand(t, "10", false))
	assertRejected(t, err, "MaxOpenOrders")
}

func TestMinBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setLimits(t, types.RiskSettings{MinBalance: "100"})

	f.appendEvent(t, types.EventBalanceChanged, types.EntityBalance, "USDT",
		"BINANCE:FUTURES:USDT:balance:1", types.BalancePayloadEvent{
			Asset: "USDT", WalletBalance: "50", TransactionTime: 1,
		})
	if err := f.view.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := f.guard.Check(context.Background(), placeOrderCommand(t, "10", false))
	assertRejected(t, err, "MinBalance")
}

func TestDailyLossLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.setLimits(t, types.RiskSettings{DailyLossLimit: "100"})

	f.appendEvent(t, types.EventTradeExecuted, types.EntityTrade, "777",
		types.TradeDedupKey(testScope(), "XRPUSDT", 777), types.TradePayloadEvent{
			Symbol: "XRPUSDT", ExchangeTradeID: 777, Side: types.SideSell,
			Quantity: "100", Price: "0.58", RealizedPnL: "-150",
			TradeTime: time.Now().UnixMilli(),
		})

	err := f.guard.Check(context.Background(), placeOrderCommand(t, "10", false))
	assertRejected(t, err, "DailyLossLimit")
}

type panickyRule struct{}

func (panickyRule) Name() string                     { return "Panicky" }
func (panickyRule) AppliesTo(types.CommandType) bool { return true }
func (panickyRule) Check(*types.Command, *Context) Result {
	panic("rule bug")
}

func TestRulePanicFailsClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.guard.rules = []Rule{panickyRule{}}

	err := f.guard.Check(context.Background(), placeOrderCommand(t, "10", false))
	rej := assertRejected(t, err, "Panicky")
	if !strings.Contains(rej.Reason, "panicked") {
		t.Errorf("reason = %q", rej.Reason)
	}
}

package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"alpha-engine/internal/projection"
	"alpha-engine/internal/risk"
	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

func testScope() types.Scope {
	return types.Scope{
		Exchange: "BINANCE",
		Venue:    types.VenueFutures,
		Account:  "main",
		Mode:     types.ModeTestnet,
	}
}

type fixture struct {
	store *store.Store
	view  *projection.View
	guard *risk.Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "ae.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	view := projection.New(st, logger)
	return &fixture{store: st, view: view, guard: risk.New(st, view, logger)}
}

func (f *fixture) runner(t *testing.T, strat Strategy) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder := NewBuilder(f.view, nil, f.store.Config, testScope(), "XRPUSDT", "15m", 50)
	emitter := NewEmitter(f.store, f.guard, strat.Name(), testScope(), logger)
	return NewRunner(strat, builder, emitter, f.store, logger, nil)
}

// stubStrategy lets each test hook exactly the callbacks it cares about.
type stubStrategy struct {
	onStart func(tc *TickContext) error
	onTick  func(ctx context.Context, tc *TickContext, emit *Emitter) error
	onTrade func(ctx context.Context, tc *TickContext, emit *Emitter, tr types.TradeEvent) error
	onError func(err error) bool
	stopped bool
}

func (s *stubStrategy) Name() string          { return "stub" }
func (s *stubStrategy) DefaultParams() Params { return Params{"lookback": 20} }

func (s *stubStrategy) OnInit(context.Context, *TickContext, Params) error { return nil }

func (s *stubStrategy) OnStart(ctx context.Context, tc *TickContext) error {
	if s.onStart != nil {
		return s.onStart(tc)
	}
	return nil
}

func (s *stubStrategy) OnTick(ctx context.Context, tc *TickContext, emit *Emitter) error {
	if s.onTick != nil {
		return s.onTick(ctx, tc, emit)
	}
	return nil
}

func (s *stubStrategy) OnTrade(ctx context.Context, tc *TickContext, emit *Emitter, tr types.TradeEvent) error {
	if s.onTrade != nil {
		return s.onTrade(ctx, tc, emit, tr)
	}
	return nil
}

func (s *stubStrategy) OnOrderUpdate(context.Context, *TickContext, *Emitter, types.OrderEvent) error {
	return nil
}

func (s *stubStrategy) OnStop(context.Context, *TickContext) error {
	s.stopped = true
	return nil
}

func (s *stubStrategy) OnError(err error, tc *TickContext) bool {
	if s.onError != nil {
		return s.onError(err)
	}
	return false
}

func TestRunnerRestoresPersistedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Config.Set(ctx, store.KeyStrategyState, types.StrategyState{
		AccountEquity:        "512.75",
		TradeCountSinceReset: 7,
		TotalTradeCount:      107,
	}, types.SystemActor)
	if err != nil {
		t.Fatal(err)
	}

	var observed types.StrategyState
	strat := &stubStrategy{
		onStart: func(tc *TickContext) error {
			observed = types.StrategyState{
				AccountEquity:        tc.State[StateAccountEquity].(string),
				TradeCountSinceReset: stateInt(tc.State, StateTradeCountSinceReset),
				TotalTradeCount:      stateInt(tc.State, StateTotalTradeCount),
			}
			return nil
		},
	}
	r := f.runner(t, strat)
	if err := r.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}

	if observed.AccountEquity != "512.75" || observed.TradeCountSinceReset != 7 || observed.TotalTradeCount != 107 {
		t.Errorf("restored state = %+v", observed)
	}
}

func TestRunnerPersistsTripleAfterTradeCountChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	strat := &stubStrategy{
		onTrade: func(ctx context.Context, tc *TickContext, emit *Emitter, tr types.TradeEvent) error {
			tc.State[StateAccountEquity] = "601.10"
			tc.State[StateTotalTradeCount] = stateInt(tc.State, StateTotalTradeCount) + 1
			return nil
		},
	}
	r := f.runner(t, strat)
	if err := r.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.HandleTrade(ctx, types.TradeEvent{Symbol: "XRPUSDT", TradeID: 1}); err != nil {
		t.Fatal(err)
	}

	var ss types.StrategyState
	if _, err := f.store.Config.Get(ctx, store.KeyStrategyState, &ss); err != nil {
		t.Fatal(err)
	}
	if ss.AccountEquity != "601.10" || ss.TotalTradeCount != 1 {
		t.Errorf("persisted state = %+v", ss)
	}
}

func TestRunnerStopsStrategyWhenOnErrorDeclines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	strat := &stubStrategy{
		onTick: func(context.Context, *TickContext, *Emitter) error {
			return errors.New("indicator blew up")
		},
	}
	r := f.runner(t, strat)
	if err := r.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}

	r.Tick(ctx)
	if r.Running() {
		t.Fatal("strategy still running after fatal error")
	}

	var status types.BotStatus
	if _, err := f.store.Config.Get(ctx, store.KeyBotStatus, &status); err != nil {
		t.Fatal(err)
	}
	if status.StrategyRunning {
		t.Error("bot_status still reports strategy running")
	}
}

func TestRunnerContinuesWhenOnErrorVotesYes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	strat := &stubStrategy{
		onTick: func(context.Context, *TickContext, *Emitter) error {
			return errors.New("transient")
		},
		onError: func(error) bool { return true },
	}
	r := f.runner(t, strat)
	if err := r.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}

	r.Tick(ctx)
	if !r.Running() {
		t.Fatal("strategy stopped despite OnError voting to continue")
	}
}

func TestRunnerConvertsCallbackPanicToError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	strat := &stubStrategy{
		onTick: func(context.Context, *TickContext, *Emitter) error {
			panic("nil map write")
		},
	}
	r := f.runner(t, strat)
	if err := r.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}

	r.Tick(ctx)
	if r.Running() {
		t.Fatal("strategy still running after panic")
	}
}

func TestRunnerWritesBotStatusOnLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	r := f.runner(t, &stubStrategy{})
	if err := r.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}

	var status types.BotStatus
	if _, err := f.store.Config.Get(ctx, store.KeyBotStatus, &status); err != nil {
		t.Fatal(err)
	}
	if !status.IsRunning || status.StrategyName != "stub" || status.StartedAt == "" {
		t.Errorf("status after start = %+v", status)
	}

	r.Tick(ctx)
	if _, err := f.store.Config.Get(ctx, store.KeyBotStatus, &status); err != nil {
		t.Fatal(err)
	}
	if status.TickCount != 1 || status.LastHeartbeat == "" {
		t.Errorf("status after tick = %+v", status)
	}

	r.Stop(ctx)
	if _, err := f.store.Config.Get(ctx, store.KeyBotStatus, &status); err != nil {
		t.Fatal(err)
	}
	if status.IsRunning || status.StrategyRunning {
		t.Errorf("status after stop = %+v", status)
	}

	loaded, err := f.store.Events.GetByType(ctx, types.EventStrategyLoaded, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Errorf("got %d StrategyLoaded events, want 1", len(loaded))
	}
}

func TestEmitterInsertsAcceptedCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := NewEmitter(f.store, f.guard, "stub", testScope(), logger)

	id := emitter.PlaceOrder(ctx, types.PlaceOrderPayload{
		Symbol:    "XRPUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderTypeMarket,
		Quantity:  "10",
	})
	if id == "" {
		t.Fatal("emission rejected unexpectedly")
	}

	cmd, err := f.store.Commands.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Actor.Kind != types.ActorStrategy || cmd.Actor.ID != "stub" {
		t.Errorf("actor = %+v", cmd.Actor)
	}
	if cmd.Priority != types.PriorityStrategy {
		t.Errorf("priority = %d", cmd.Priority)
	}
	if cmd.Status != types.StatusNew {
		t.Errorf("status = %s", cmd.Status)
	}
	if cmd.Scope.Symbol != "XRPUSDT" {
		t.Errorf("scope symbol = %q", cmd.Scope.Symbol)
	}
}

func TestEmitterRejectedEmissionReturnsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Config.Set(ctx, store.KeyEngine,
		types.EngineSettings{Mode: types.EnginePaused}, types.SystemActor)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := NewEmitter(f.store, f.guard, "stub", testScope(), logger)

	id := emitter.PlaceOrder(ctx, types.PlaceOrderPayload{
		Symbol:    "XRPUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderTypeMarket,
		Quantity:  "10",
	})
	if id != "" {
		t.Fatalf("paused engine accepted emission, command id %s", id)
	}

	n, err := f.store.Commands.CountByStatus(ctx, types.StatusNew)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d commands inserted despite rejection", n)
	}

	rejections, err := f.store.Events.GetByType(ctx, types.EventRiskGuardRejected, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rejections) != 1 {
		t.Errorf("got %d rejection events, want 1", len(rejections))
	}
}

func TestParamsMergeAndGetters(t *testing.T) {
	t.Parallel()
	base := Params{"timeframe": "15m", "atr_period": 14, "atr_multiplier": "2"}
	merged := base.Merge(map[string]any{"atr_period": float64(21), "extra": true})

	if got := merged.String("timeframe", ""); got != "15m" {
		t.Errorf("timeframe = %q", got)
	}
	if got := merged.Int("atr_period", 0); got != 21 {
		t.Errorf("atr_period = %d", got)
	}
	if got := merged.Bool("extra", false); !got {
		t.Error("extra not merged")
	}
	if got := merged.Decimal("atr_multiplier", decimal.Zero); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("atr_multiplier = %s", got)
	}
	if got := base.Int("atr_period", 0); got != 14 {
		t.Errorf("merge mutated the receiver: %d", got)
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	s, err := NewByName("atr_breakout")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "atr_breakout" {
		t.Errorf("name = %q", s.Name())
	}
	if _, err := NewByName("no_such_strategy"); err == nil {
		t.Error("unknown strategy did not error")
	}
}

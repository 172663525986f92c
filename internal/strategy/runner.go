package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/store"
	"alpha-engine/pkg/types"
)

// StatusFunc observes bot_status writes, e.g. to push them somewhere
// beyond the config store. Optional.
type StatusFunc func(types.BotStatus)

// Runner owns one strategy instance: lifecycle, state persistence, and the
// two entry points (wall-clock tick, stream callback). A mutex serializes
// all strategy callbacks, so the strategy itself never needs locking.
type Runner struct {
	strat    Strategy
	builder  *Builder
	emitter  *Emitter
	store    *store.Store
	logger   *slog.Logger
	onStatus StatusFunc

	mu        sync.Mutex
	state     map[string]any
	running   bool
	tickCount int64
	startedAt time.Time
}

func NewRunner(strat Strategy, builder *Builder, emitter *Emitter, st *store.Store, logger *slog.Logger, onStatus StatusFunc) *Runner {
	return &Runner{
		strat:    strat,
		builder:  builder,
		emitter:  emitter,
		store:    st,
		logger:   logger.With("component", "runner", "strategy", strat.Name()),
		onStatus: onStatus,
		state:    make(map[string]any),
	}
}

// Running reports whether the strategy accepts callbacks.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start restores persisted state, initializes the strategy with merged
// parameters, and marks it running. The accounting triple written by a
// previous run is visible to OnStart through the context's state map.
func (r *Runner) Start(ctx context.Context, overrides map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restoreState(ctx)
	params := r.strat.DefaultParams().Merge(overrides)

	tc := r.builder.Build(ctx, r.state, false)
	if err := r.invoke("OnInit", func() error { return r.strat.OnInit(ctx, tc, params) }); err != nil {
		return fmt.Errorf("init strategy %s: %w", r.strat.Name(), err)
	}
	r.recordLoaded(ctx, params)

	if err := r.invoke("OnStart", func() error { return r.strat.OnStart(ctx, tc) }); err != nil {
		return fmt.Errorf("start strategy %s: %w", r.strat.Name(), err)
	}

	r.running = true
	r.startedAt = time.Now().UTC()
	r.writeStatus(ctx)
	r.logger.Info("strategy started")
	return nil
}

// Tick drives the strategy once from the main loop and refreshes the
// heartbeat.
func (r *Runner) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}

	r.tickCount++
	tc := r.builder.Build(ctx, r.state, true)
	if err := r.invoke("OnTick", func() error { return r.strat.OnTick(ctx, tc, r.emitter) }); err != nil {
		r.handleError(ctx, tc, err)
	}
	r.writeStatus(ctx)
}

// HandleTrade delivers a fill to the strategy. Called synchronously by the
// stream listener; the accounting triple is persisted when the callback
// changed it.
func (r *Runner) HandleTrade(ctx context.Context, trade types.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}

	tc := r.builder.Build(ctx, r.state, false)
	before := tripleFromState(r.state)
	err := r.invoke("OnTrade", func() error { return r.strat.OnTrade(ctx, tc, r.emitter, trade) })
	if after := tripleFromState(r.state); after != before {
		r.persistState(ctx)
	}
	if err != nil {
		r.handleError(ctx, tc, err)
	}
	return nil
}

// HandleOrder delivers an order-status change to the strategy.
func (r *Runner) HandleOrder(ctx context.Context, order types.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}

	tc := r.builder.Build(ctx, r.state, false)
	if err := r.invoke("OnOrderUpdate", func() error { return r.strat.OnOrderUpdate(ctx, tc, r.emitter, order) }); err != nil {
		r.handleError(ctx, tc, err)
	}
	return nil
}

// Stop shuts the strategy down and persists its state.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		tc := r.builder.Build(ctx, r.state, false)
		if err := r.invoke("OnStop", func() error { return r.strat.OnStop(ctx, tc) }); err != nil {
			r.logger.Error("strategy stop failed", "error", err)
		}
		r.running = false
	}
	r.persistState(ctx)
	r.writeStatus(ctx)
	r.logger.Info("strategy stopped")
}

// handleError applies the onError policy. The default is fail-closed: a
// callback that errors stops the strategy unless OnError votes to continue.
func (r *Runner) handleError(ctx context.Context, tc *TickContext, err error) {
	r.logger.Error("strategy callback failed", "error", err)

	shouldContinue := false
	if e := r.invoke("OnError", func() error {
		shouldContinue = r.strat.OnError(err, tc)
		return nil
	}); e != nil {
		shouldContinue = false
	}

	if !shouldContinue {
		r.logger.Warn("stopping strategy after error")
		r.running = false
		r.persistState(ctx)
		r.writeStatus(ctx)
	}
}

// invoke runs one strategy callback, converting a panic into an error.
func (r *Runner) invoke(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", name, p)
		}
	}()
	return fn()
}

func (r *Runner) restoreState(ctx context.Context) {
	var ss types.StrategyState
	if _, err := r.store.Config.Get(ctx, store.KeyStrategyState, &ss); err != nil {
		if err != store.ErrNotFound {
			r.logger.Warn("restore strategy state", "error", err)
		}
		return
	}
	if ss.AccountEquity != "" {
		r.state[StateAccountEquity] = ss.AccountEquity
	}
	r.state[StateTradeCountSinceReset] = ss.TradeCountSinceReset
	r.state[StateTotalTradeCount] = ss.TotalTradeCount
	r.logger.Info("strategy state restored",
		"account_equity", ss.AccountEquity, "total_trade_count", ss.TotalTradeCount)
}

func (r *Runner) persistState(ctx context.Context) {
	ss := tripleFromState(r.state)
	if _, err := r.store.Config.Set(ctx, store.KeyStrategyState, ss, types.SystemActor); err != nil {
		r.logger.Error("persist strategy state", "error", err)
	}
}

func (r *Runner) writeStatus(ctx context.Context) {
	status := types.BotStatus{
		IsRunning:       r.running,
		StrategyName:    r.strat.Name(),
		StrategyRunning: r.running,
		LastHeartbeat:   time.Now().UTC().Format(time.RFC3339),
		TickCount:       r.tickCount,
	}
	if !r.startedAt.IsZero() {
		status.StartedAt = r.startedAt.Format(time.RFC3339)
	}
	if _, err := r.store.Config.Set(ctx, store.KeyBotStatus, status, types.SystemActor); err != nil {
		r.logger.Error("write bot status", "error", err)
	}
	if r.onStatus != nil {
		r.onStatus(status)
	}
}

func (r *Runner) recordLoaded(ctx context.Context, params Params) {
	payload, err := json.Marshal(map[string]any{
		"strategy": r.strat.Name(),
		"params":   params,
	})
	if err != nil {
		return
	}
	_, err = r.store.Events.Append(ctx, &types.Event{
		EventType:  types.EventStrategyLoaded,
		Source:     types.SourceBot,
		EntityKind: types.EntityEngine,
		EntityID:   r.strat.Name(),
		Scope:      r.builder.scope.WithSymbol(r.builder.symbol),
		DedupKey:   types.EngineDedupKey("strategy_loaded", time.Now().UnixMilli()),
		Payload:    payload,
	})
	if err != nil {
		r.logger.Error("record strategy load", "error", err)
	}
}

// tripleFromState extracts the persisted accounting triple from the state
// map, tolerating JSON-decoded numeric types.
func tripleFromState(state map[string]any) types.StrategyState {
	ss := types.StrategyState{}
	if v, ok := state[StateAccountEquity].(string); ok {
		ss.AccountEquity = v
	}
	ss.TradeCountSinceReset = stateInt(state, StateTradeCountSinceReset)
	ss.TotalTradeCount = stateInt(state, StateTotalTradeCount)
	return ss
}

func stateInt(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

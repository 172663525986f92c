// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Store opens the durable log (events, commands, config) and the
//     projection folds it into current balances/positions/orders.
//  2. The WebSocket listener feeds user-data frames through the mapper
//     into the event store and forwards fills to the strategy runner.
//  3. Pollers scrape the REST history endpoints the stream doesn't cover.
//  4. Recovery establishes initial capital, backfills history, and
//     reconciles opening balances on first run.
//  5. The main loop ticks the strategy and drains claimed commands
//     through the executor.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"alpha-engine/internal/config"
	"alpha-engine/internal/exchange"
	"alpha-engine/internal/executor"
	"alpha-engine/internal/marketdata"
	"alpha-engine/internal/poller"
	"alpha-engine/internal/projection"
	"alpha-engine/internal/recovery"
	"alpha-engine/internal/risk"
	"alpha-engine/internal/store"
	"alpha-engine/internal/strategy"
	"alpha-engine/internal/ws"
	"alpha-engine/pkg/types"
)

// minTickInterval floors the main loop cadence.
const minTickInterval = 100 * time.Millisecond

// pruneInterval is how often terminal commands are swept.
const pruneInterval = 24 * time.Hour

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    config.Config
	scope  types.Scope
	logger *slog.Logger

	store      *store.Store
	view       *projection.View
	client     *exchange.Client
	guard      *risk.Guard
	market     *marketdata.Provider
	exec       *executor.Executor
	runner     *strategy.Runner
	listener   *ws.Listener
	scheduler  *poller.Scheduler
	capital    *recovery.CapitalRecorder
	backfiller *recovery.Backfiller
	reconciler *recovery.OpeningReconciler

	tickInterval time.Duration
	lastPrune    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	scope := cfg.Scope()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}
	view := projection.New(st, logger)

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	guard := risk.New(st, view, logger)
	market := marketdata.New(client, cfg.Market.DefaultTimeframe, cfg.Market.CacheTTL, logger)
	reconciler := recovery.NewOpeningReconciler(client, view, st.Events, scope, logger)
	capital := recovery.NewCapitalRecorder(client, st, scope, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		scope:      scope,
		logger:     logger.With("component", "engine"),
		store:      st,
		view:       view,
		client:     client,
		guard:      guard,
		market:     market,
		capital:    capital,
		reconciler: reconciler,
		ctx:        ctx,
		cancel:     cancel,
	}

	e.exec = executor.New(executor.Deps{
		Store:      st,
		Guard:      guard,
		Exchange:   client,
		Positions:  view,
		Reconciler: reconciler,
		Rebuilder:  view,
		SetMode:    e.setMode,
		Logger:     logger,
	})

	strat, err := strategy.NewByName(cfg.Strategy.Name)
	if err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("strategy %q: %w (registered: %v)", cfg.Strategy.Name, err, strategy.Names())
	}
	builder := strategy.NewBuilder(view, market, st.Config, scope,
		cfg.Account.Symbol, cfg.Market.PrimaryTimeframe, cfg.Market.KlineLimit)
	emitter := strategy.NewEmitter(st, guard, strat.Name(), scope, logger)
	e.runner = strategy.NewRunner(strat, builder, emitter, st, logger, nil)

	mapper := ws.NewMapper(st.Events, scope, cfg.Account.Symbol, ws.Callbacks{
		OnTrade: func(t types.TradeEvent) error { return e.runner.HandleTrade(e.ctx, t) },
		OnOrder: func(o types.OrderEvent) error { return e.runner.HandleOrder(e.ctx, o) },
	}, logger)
	e.listener = ws.NewListener(client, mapper, st.Events, scope, cfg.Exchange.WSBaseURL, logger)

	income := poller.NewIncomePoller(client, st.Events, scope, logger)
	transfers := poller.NewTransferPoller(client, st.Events, scope, logger)
	converts := poller.NewConvertPoller(client, st.Events, scope, logger)
	depwd := poller.NewDepositWithdrawPoller(client, st.Events, scope, logger)
	prices := poller.NewPricePoller(client, st.Config, cfg.Account.Symbols, logger)
	dailyRec := poller.NewReconcilePoller(reconciler, view, logger)
	e.scheduler = poller.NewScheduler(st.Config, logger,
		income, transfers, converts, depwd, prices, dailyRec)

	e.backfiller = recovery.NewBackfiller(
		[]recovery.HistoryPoller{income, transfers, converts, depwd},
		client, st, scope, logger)

	return e, nil
}

// Start syncs clocks, seeds runtime config, runs first-run recovery, then
// launches the stream listener, the pollers, and the main loop.
func (e *Engine) Start() error {
	if err := e.client.SyncServerTime(e.ctx); err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	if err := e.view.CatchUp(e.ctx); err != nil {
		return fmt.Errorf("initial catch-up: %w", err)
	}
	if err := e.seedRuntimeConfig(e.ctx); err != nil {
		return err
	}
	if err := e.runRecovery(e.ctx); err != nil {
		return err
	}

	e.appendLifecycle(e.ctx, types.EventEngineStarted)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.listener.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("listener stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(e.ctx)
	}()

	// The stored strategy settings win over the YAML once seeded.
	settings := types.StrategySettings{
		Params:    e.cfg.Strategy.Params,
		AutoStart: e.cfg.Strategy.AutoStart,
	}
	if _, err := e.store.Config.Get(e.ctx, store.KeyStrategy, &settings); err != nil && err != store.ErrNotFound {
		return err
	}
	if settings.AutoStart {
		if err := e.runner.Start(e.ctx, settings.Params); err != nil {
			e.logger.Error("strategy auto-start failed", "strategy", e.cfg.Strategy.Name, "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	e.logger.Info("engine started",
		"symbol", e.cfg.Account.Symbol,
		"strategy", e.cfg.Strategy.Name,
		"tick_interval", e.tickInterval,
		"mode", e.scope.Mode,
	)
	return nil
}

// Stop shuts down within the configured budget: the strategy persists its
// state first, then everything else is cancelled and awaited.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	budget := e.cfg.Engine.ShutdownTimeout
	if budget <= 0 {
		budget = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if e.runner.Running() {
		e.runner.Stop(stopCtx)
	}

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		e.logger.Warn("shutdown budget exceeded, abandoning goroutines")
	}

	e.appendLifecycle(stopCtx, types.EventEngineStopped)
	if err := e.view.SaveCheckpoint(stopCtx); err != nil {
		e.logger.Error("final checkpoint failed", "error", err)
	}
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// run is the main loop: fold new events, tick the strategy, execute
// claimed commands, and occasionally prune terminal command rows.
func (e *Engine) run() {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.view.CatchUp(e.ctx); err != nil {
				e.logger.Error("catch-up failed", "error", err)
				continue
			}
			if e.runner.Running() {
				e.runner.Tick(e.ctx)
			}
			e.drainCommands()
			e.maybePrune()
		}
	}
}

// drainCommands claims and executes up to the batch size per tick. A nil
// claim means the queue is empty.
func (e *Engine) drainCommands() {
	batch := e.cfg.Engine.ClaimBatch
	if batch <= 0 {
		batch = 10
	}
	for i := 0; i < batch; i++ {
		cmd, err := e.store.Commands.ClaimOne(e.ctx)
		if err != nil {
			e.logger.Error("claim failed", "error", err)
			return
		}
		if cmd == nil {
			return
		}
		if err := e.exec.Execute(e.ctx, cmd); err != nil {
			e.logger.Error("command execution failed",
				"command_id", cmd.CommandID, "type", cmd.CommandType, "error", err)
		}
	}
}

func (e *Engine) maybePrune() {
	if time.Since(e.lastPrune) < pruneInterval {
		return
	}
	e.lastPrune = time.Now()
	retention := e.cfg.Engine.CommandRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	n, err := e.store.Commands.PruneTerminal(e.ctx, time.Now().Add(-retention))
	if err != nil {
		e.logger.Error("prune failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("pruned terminal commands", "count", n)
	}
}

// seedRuntimeConfig writes the runtime-tunable settings on first run only;
// after that the config store is authoritative and the YAML values are
// ignored.
func (e *Engine) seedRuntimeConfig(ctx context.Context) error {
	var engine types.EngineSettings
	if _, err := e.store.Config.Get(ctx, store.KeyEngine, &engine); err == store.ErrNotFound {
		engine = types.EngineSettings{
			Mode:            types.EngineRunning,
			PollIntervalSec: e.cfg.Engine.TickInterval.Seconds(),
		}
		if _, err := e.store.Config.Set(ctx, store.KeyEngine, engine, types.SystemActor); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	e.tickInterval = time.Duration(engine.PollIntervalSec * float64(time.Second))
	if e.tickInterval < minTickInterval {
		e.tickInterval = minTickInterval
	}

	if _, err := e.store.Config.Get(ctx, store.KeyRisk, nil); err == store.ErrNotFound {
		seed := types.RiskSettings{
			MaxPositionSize:   e.cfg.Risk.MaxPositionSize,
			DailyLossLimit:    e.cfg.Risk.DailyLossLimit,
			MaxOpenOrders:     e.cfg.Risk.MaxOpenOrders,
			MinBalance:        e.cfg.Risk.MinBalance,
			RiskPerTrade:      e.cfg.Risk.RiskPerTrade,
			RewardRatio:       e.cfg.Risk.RewardRatio,
			PartialTPRatio:    e.cfg.Risk.PartialTPRatio,
			EquityResetTrades: e.cfg.Risk.EquityResetTrades,
		}
		if _, err := e.store.Config.Set(ctx, store.KeyRisk, seed, types.SystemActor); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := e.store.Config.Get(ctx, store.KeyStrategy, nil); err == store.ErrNotFound {
		seed := types.StrategySettings{
			Name:      e.cfg.Strategy.Name,
			Params:    e.cfg.Strategy.Params,
			AutoStart: e.cfg.Strategy.AutoStart,
		}
		if _, err := e.store.Config.Set(ctx, store.KeyStrategy, seed, types.SystemActor); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nil
}

// runRecovery performs the first-run sequence: capital baseline, historical
// backfill, then opening reconcile. Each step is idempotent, so a crash
// mid-sequence just resumes on the next boot.
func (e *Engine) runRecovery(ctx context.Context) error {
	capital, err := e.capital.Record(ctx)
	if err != nil {
		return fmt.Errorf("initial capital: %w", err)
	}

	epoch := e.cfg.Recovery.EpochDate
	if epoch == "" {
		epoch = capital.EpochDate
	}
	if _, err := e.backfiller.Run(ctx, epoch); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	if err := e.view.CatchUp(ctx); err != nil {
		return err
	}

	// Reconciling mid-position would fold unrealized PnL into the ledger;
	// the daily poller picks it up once flat.
	if e.view.HasOpenPosition() {
		e.logger.Info("opening reconcile deferred, position open")
		return nil
	}
	adjusted, skipped, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("opening reconcile: %w", err)
	}
	e.logger.Info("opening reconcile done", "adjusted", adjusted, "skipped", skipped)
	return nil
}

// setMode persists an engine-mode change. The executor's control handlers
// call this; the guard reads the stored mode on every check, so the change
// takes effect on the next command.
func (e *Engine) setMode(ctx context.Context, mode types.EngineMode, cmd *types.Command) error {
	var settings types.EngineSettings
	if _, err := e.store.Config.Get(ctx, store.KeyEngine, &settings); err != nil && err != store.ErrNotFound {
		return err
	}
	settings.Mode = mode
	if settings.PollIntervalSec == 0 {
		settings.PollIntervalSec = e.tickInterval.Seconds()
	}
	actor := types.SystemActor
	if cmd != nil && cmd.Actor.Kind != "" {
		actor = cmd.Actor
	}
	if _, err := e.store.Config.Set(ctx, store.KeyEngine, settings, actor); err != nil {
		return err
	}
	e.logger.Info("engine mode changed", "mode", mode, "actor", actor.ID)
	return nil
}

func (e *Engine) appendLifecycle(ctx context.Context, eventType types.EventType) {
	payload, err := json.Marshal(map[string]any{
		"symbol":   e.cfg.Account.Symbol,
		"strategy": e.cfg.Strategy.Name,
	})
	if err != nil {
		return
	}
	now := time.Now().UTC()
	_, err = e.store.Events.Append(ctx, &types.Event{
		EventType:  eventType,
		TS:         now,
		Source:     types.SourceBot,
		EntityKind: types.EntityEngine,
		EntityID:   "engine",
		Scope:      e.scope,
		DedupKey:   types.EngineDedupKey(string(eventType), now.UnixMilli()),
		Payload:    payload,
	})
	if err != nil {
		e.logger.Error("lifecycle event failed", "type", eventType, "error", err)
	}
}

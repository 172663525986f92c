// settings.go defines the value bodies of the runtime config-store keys.
// Unlike static process config (internal/config), these are tunable while
// the bot runs: the web process writes them, the bot reads them each tick.
package types

// EngineSettings is the value of the "engine" config key.
type EngineSettings struct {
	Mode            EngineMode `json:"mode"`
	PollIntervalSec float64    `json:"poll_interval_sec"`
}

// RiskSettings is the value of the "risk" config key. Amounts are decimal
// strings.
type RiskSettings struct {
	MaxPositionSize   string `json:"max_position_size"`
	DailyLossLimit    string `json:"daily_loss_limit"`
	MaxOpenOrders     int    `json:"max_open_orders"`
	MinBalance        string `json:"min_balance"`
	RiskPerTrade      string `json:"risk_per_trade"`
	RewardRatio       string `json:"reward_ratio"`
	PartialTPRatio    string `json:"partial_tp_ratio"`
	EquityResetTrades int    `json:"equity_reset_trades"`
}

// StrategySettings is the value of the "strategy" config key. Module and
// Class survive from deployments that loaded strategies dynamically; the
// engine resolves Name against the compile-time registry.
type StrategySettings struct {
	Name      string         `json:"name"`
	Module    string         `json:"module,omitempty"`
	Class     string         `json:"class,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	AutoStart bool           `json:"auto_start"`
}

// StrategyState is the persisted accounting triple under "strategy_state".
// Everything else a strategy keeps in its state is in-process only.
type StrategyState struct {
	AccountEquity        string `json:"account_equity"`
	TradeCountSinceReset int    `json:"trade_count_since_reset"`
	TotalTradeCount      int    `json:"total_trade_count"`
}

// BotStatus is the engine-owned heartbeat under the read-only "bot_status"
// key. Timestamps are RFC3339 strings for the web layer's convenience.
type BotStatus struct {
	IsRunning       bool   `json:"is_running"`
	StrategyName    string `json:"strategy_name"`
	StrategyRunning bool   `json:"strategy_running"`
	LastHeartbeat   string `json:"last_heartbeat"`
	TickCount       int64  `json:"tick_count"`
	StartedAt       string `json:"started_at"`
}

// InitialCapital is the "initial_capital" key, written once on first run.
type InitialCapital struct {
	USDT        string `json:"USDT"`
	SpotUSDT    string `json:"SPOT_USDT"`
	FuturesUSDT string `json:"FUTURES_USDT"`
	EpochDate   string `json:"epoch_date"`
	Initialized bool   `json:"initialized"`
	RecordedAt  string `json:"recorded_at"`
}

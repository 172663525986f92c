// Package config defines the static process configuration for the bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via AE_* environment variables.
//
// Static config covers what cannot change while the process runs: exchange
// credentials and endpoints, the database path, the traded symbol, and
// startup defaults. Runtime-tunable settings (engine mode, risk limits,
// strategy parameters) live in the config store inside the durable log and
// are only seeded from here on first run.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"alpha-engine/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Account  AccountConfig  `mapstructure:"account"`
	Store    StoreConfig    `mapstructure:"store"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Market   MarketConfig   `mapstructure:"market"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds Binance endpoints and API credentials.
// Secrets come from AE_API_KEY / AE_API_SECRET rather than the YAML file.
type ExchangeConfig struct {
	Name         string `mapstructure:"name"`          // "BINANCE"
	RESTBaseURL  string `mapstructure:"rest_base_url"` // futures REST (fapi)
	SpotBaseURL  string `mapstructure:"spot_base_url"` // spot REST (api) — transfers, converts, snapshots
	WSBaseURL    string `mapstructure:"ws_base_url"`   // user-data stream base
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	Testnet      bool   `mapstructure:"testnet"`
	RecvWindowMS int    `mapstructure:"recv_window_ms"` // default 5000
	WeightPerMin int    `mapstructure:"weight_per_min"` // request-weight budget, default 2000
}

// AccountConfig identifies the traded account and symbol.
type AccountConfig struct {
	Name    string   `mapstructure:"name"`    // account label used in scopes
	Symbol  string   `mapstructure:"symbol"`  // primary traded symbol, e.g. XRPUSDT
	Symbols []string `mapstructure:"symbols"` // watched symbols for the price cache
}

// StoreConfig sets where the durable log lives.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite file, ":memory:" for tests
}

// EngineConfig tunes the main loop.
type EngineConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`     // main loop cadence, floor 100ms
	ClaimBatch       int           `mapstructure:"claim_batch"`       // commands executed per tick
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`  // graceful stop budget
	CommandRetention time.Duration `mapstructure:"command_retention"` // terminal command prune window
}

// RiskConfig seeds the config store's risk limits on first run.
// All amounts are decimal strings.
type RiskConfig struct {
	MaxPositionSize   string `mapstructure:"max_position_size"`
	DailyLossLimit    string `mapstructure:"daily_loss_limit"`
	MaxOpenOrders     int    `mapstructure:"max_open_orders"`
	MinBalance        string `mapstructure:"min_balance"`
	RiskPerTrade      string `mapstructure:"risk_per_trade"`
	RewardRatio       string `mapstructure:"reward_ratio"`
	PartialTPRatio    string `mapstructure:"partial_tp_ratio"`
	EquityResetTrades int    `mapstructure:"equity_reset_trades"`
}

// StrategyConfig selects which registered strategy to run and its overrides.
type StrategyConfig struct {
	Name      string         `mapstructure:"name"`
	AutoStart bool           `mapstructure:"auto_start"`
	Params    map[string]any `mapstructure:"params"`
}

// MarketConfig tunes the market-data provider.
type MarketConfig struct {
	PrimaryTimeframe string        `mapstructure:"primary_timeframe"` // e.g. "5m"
	DefaultTimeframe string        `mapstructure:"default_timeframe"` // fallback for invalid requests
	KlineLimit       int           `mapstructure:"kline_limit"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// RecoveryConfig controls first-run historical ingest.
type RecoveryConfig struct {
	BackfillDays int    `mapstructure:"backfill_days"` // default 20
	EpochDate    string `mapstructure:"epoch_date"`    // YYYY-MM-DD, overrides BackfillDays
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Mode derives the scope mode from the testnet flag.
func (c *Config) Mode() types.Mode {
	if c.Exchange.Testnet {
		return types.ModeTestnet
	}
	return types.ModeProduction
}

// Scope builds the engine's base scope: futures venue, symbol unset.
func (c *Config) Scope() types.Scope {
	return types.Scope{
		Exchange: c.Exchange.Name,
		Venue:    types.VenueFutures,
		Account:  c.Account.Name,
		Mode:     c.Mode(),
	}
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: AE_API_KEY, AE_API_SECRET, AE_DB_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("AE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("AE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if p := os.Getenv("AE_DB_PATH"); p != "" {
		cfg.Store.Path = p
	}
	if os.Getenv("AE_TESTNET") == "true" || os.Getenv("AE_TESTNET") == "1" {
		cfg.Exchange.Testnet = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.name", "BINANCE")
	v.SetDefault("exchange.recv_window_ms", 5000)
	v.SetDefault("exchange.weight_per_min", 2000)
	v.SetDefault("account.name", "main")
	v.SetDefault("engine.tick_interval", "100ms")
	v.SetDefault("engine.claim_batch", 10)
	v.SetDefault("engine.shutdown_timeout", "30s")
	v.SetDefault("engine.command_retention", "720h")
	v.SetDefault("risk.equity_reset_trades", 50)
	v.SetDefault("market.primary_timeframe", "5m")
	v.SetDefault("market.default_timeframe", "5m")
	v.SetDefault("market.kline_limit", 200)
	v.SetDefault("market.cache_ttl", "60s")
	v.SetDefault("recovery.backfill_days", 20)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set AE_API_KEY)")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required (set AE_API_SECRET)")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange.ws_base_url is required")
	}
	if c.Account.Symbol == "" {
		return fmt.Errorf("account.symbol is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required (set AE_DB_PATH)")
	}
	if c.Engine.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("engine.tick_interval must be >= 100ms")
	}
	if c.Engine.ClaimBatch <= 0 {
		return fmt.Errorf("engine.claim_batch must be > 0")
	}
	if c.Recovery.EpochDate != "" {
		if _, err := time.Parse("2006-01-02", c.Recovery.EpochDate); err != nil {
			return fmt.Errorf("recovery.epoch_date must be YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

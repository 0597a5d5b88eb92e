// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	Belief      BeliefConfig      `mapstructure:"belief"`
	Trade       TradeConfig       `mapstructure:"trade"`
	Portfolio   PortfolioConfig   `mapstructure:"portfolio"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Paper       PaperConfig       `mapstructure:"paper"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Signals     SignalsConfig     `mapstructure:"signals"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Status      StatusConfig      `mapstructure:"status"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing live orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys. Only required
// when dry_run is false; the paper-trading path never touches it.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty and live trading is on,
// the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// BeliefConfig tunes the belief engine.
//
//   - ImpactCaps: per signal type, the max belief shift in percentage points
//     at full strength. Missing types fall back to the built-in defaults
//     (authoritative 20, procedural 15, quantitative 10, interpretive 7,
//     speculative 3).
//   - NarrowRangesBy: points shaved off each belief bound at update time;
//     normally 0, raised to 2 by calibration when coverage runs too high.
type BeliefConfig struct {
	ImpactCaps     map[string]float64 `mapstructure:"impact_caps"`
	NarrowRangesBy float64            `mapstructure:"narrow_ranges_by"`
}

// TradeConfig tunes the eligibility gates.
//
//   - MinLiquidity: minimum USD book liquidity before a market is tradeable.
//   - MaxBeliefWidth: widest belief range (points) we will still trade on.
//   - MinConfidence: minimum belief confidence to trade.
//   - ConfidenceOffset: global adjustment added to measured confidence
//     before the gate; calibration lowers it to demand more real
//     confidence (normally 0).
//   - CategoryEdgeThresholds: minimum edge as a fraction per category slug;
//     unknown categories fall back to the "other" entry.
type TradeConfig struct {
	MinLiquidity           float64            `mapstructure:"min_liquidity"`
	MaxBeliefWidth         float64            `mapstructure:"max_belief_width"`
	MinConfidence          float64            `mapstructure:"min_confidence"`
	ConfidenceOffset       float64            `mapstructure:"confidence_offset"`
	CategoryEdgeThresholds map[string]float64 `mapstructure:"category_edge_thresholds"`
}

// PortfolioConfig sets position sizing and portfolio-wide risk limits.
//
//   - TotalCapital: bankroll in USD used for sizing.
//   - KellyFraction: fraction of full Kelly to bet (0.25 = quarter Kelly).
//   - MaxRiskPerTrade: hard cap per trade as a fraction of TotalCapital.
//   - CorrelationThreshold: keyword-overlap score above which two markets
//     count as the same bet.
//   - MaxDrawdownPercent: block new trades when drawdown from peak exceeds this.
//   - DailyLossLimit: USD loss in one day that blocks further trading.
//   - KillSwitchEnabled: when true, breaching drawdown or daily-loss limits
//     halts the machine instead of merely blocking new trades.
type PortfolioConfig struct {
	TotalCapital         float64 `mapstructure:"total_capital"`
	KellyFraction        float64 `mapstructure:"kelly_fraction"`
	MaxRiskPerTrade      float64 `mapstructure:"max_risk_per_trade"`
	CorrelationThreshold float64 `mapstructure:"correlation_threshold"`
	MaxDrawdownPercent   float64 `mapstructure:"max_drawdown_percent"`
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	MaxOpenPositions     int     `mapstructure:"max_open_positions"`
	DailyLossLimit       float64 `mapstructure:"daily_loss_limit"`
	KillSwitchEnabled    bool    `mapstructure:"kill_switch_enabled"`
}

// BatchConfig controls the bounded-concurrency batch evaluator used for
// large market sets.
type BatchConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	Size                    int           `mapstructure:"size"`
	MaxConcurrency          int           `mapstructure:"max_concurrency"`
	TaskTimeout             time.Duration `mapstructure:"task_timeout"`
	RetryAttempts           int           `mapstructure:"retry_attempts"`
	MinEdge                 float64       `mapstructure:"min_edge"`
	MaxPortfolioRisk        float64       `mapstructure:"max_portfolio_risk"`
	RequireDiversification  bool          `mapstructure:"require_diversification"`
	MaxPositionsPerCategory int           `mapstructure:"max_positions_per_category"`
	StopLossPercent         float64       `mapstructure:"stop_loss_percent"`
	ProfitTargetPercent     float64       `mapstructure:"profit_target_percent"`
}

// EngineConfig tunes the orchestrator loop.
//
//   - TickInterval: how often the main loop runs.
//   - CleanupEveryTicks: dead-market sweep cadence, in ticks.
//   - SourceTimeout: per signal source per tick.
//   - CycleSoftDeadline: tick overruns past this are logged, not fatal.
//   - MaxMarkets: cap on tracked market states.
//   - MaxSignalHistory: signals retained per market.
//   - AggressiveSignalLimit: history cap during memory pressure.
//   - MemoryCriticalMB: heap size that triggers aggressive cleanup.
type EngineConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	CleanupEveryTicks     int           `mapstructure:"cleanup_every_ticks"`
	SourceTimeout         time.Duration `mapstructure:"source_timeout"`
	CycleSoftDeadline     time.Duration `mapstructure:"cycle_soft_deadline"`
	MaxMarkets            int           `mapstructure:"max_markets"`
	MaxSignalHistory      int           `mapstructure:"max_signal_history"`
	AggressiveSignalLimit int           `mapstructure:"aggressive_signal_limit"`
	MemoryCriticalMB      int           `mapstructure:"memory_critical_mb"`
}

// PaperConfig controls the simulated-position tracker.
type PaperConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	ResolutionCheckInterval time.Duration `mapstructure:"resolution_check_interval"`
}

// CalibrationConfig tunes the calibration tracker.
//
//   - DensityEpsilon: how much the recent mean unknown density must exceed
//     the prior mean before the uptrend halt trigger fires.
type CalibrationConfig struct {
	DensityEpsilon float64 `mapstructure:"density_epsilon"`
}

// FeedConfig is one JSON feed the feed signal source polls.
type FeedConfig struct {
	Name        string        `mapstructure:"name"`
	URL         string        `mapstructure:"url"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// SignalsConfig configures the registered signal sources.
//
//   - Feeds: JSON feed endpoints polled per market.
//   - PriceDriftEnabled: synthesize quantitative signals from 24h price drift.
//   - StreamEnabled: subscribe to the market WebSocket channel and turn
//     streamed price moves into signals (alternative to polled drift).
//   - CleanupTTL: per-key fetch bookkeeping older than this is evicted.
//   - Breaker*: circuit breaker that declares a source-wide outage.
type SignalsConfig struct {
	Feeds               []FeedConfig  `mapstructure:"feeds"`
	PriceDriftEnabled   bool          `mapstructure:"price_drift_enabled"`
	StreamEnabled       bool          `mapstructure:"stream_enabled"`
	CleanupTTL          time.Duration `mapstructure:"cleanup_ttl"`
	BreakerMinRequests  int           `mapstructure:"breaker_min_requests"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
}

// AuditConfig controls the append-only CSV audit log.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// StatusConfig controls the read-only status HTTP server.
type StatusConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE, POLY_SLACK_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
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
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if hook := os.Getenv("POLY_SLACK_WEBHOOK_URL"); hook != "" {
		cfg.Notify.SlackWebhookURL = hook
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults registers the documented default for every tunable, so the
// YAML file only needs to name what it changes.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")

	v.SetDefault("belief.narrow_ranges_by", 0.0)

	v.SetDefault("trade.min_liquidity", 15000.0)
	v.SetDefault("trade.max_belief_width", 25.0)
	v.SetDefault("trade.min_confidence", 65.0)
	v.SetDefault("trade.confidence_offset", 0.0)
	v.SetDefault("trade.category_edge_thresholds", map[string]float64{
		"weather":       0.08,
		"sports":        0.10,
		"politics":      0.12,
		"economics":     0.12,
		"crypto":        0.15,
		"technology":    0.15,
		"entertainment": 0.18,
		"world":         0.20,
		"other":         0.25,
	})

	v.SetDefault("portfolio.total_capital", 10000.0)
	v.SetDefault("portfolio.kelly_fraction", 0.25)
	v.SetDefault("portfolio.max_risk_per_trade", 0.02)
	v.SetDefault("portfolio.correlation_threshold", 0.7)
	v.SetDefault("portfolio.max_drawdown_percent", 10.0)
	v.SetDefault("portfolio.max_position_size", 500.0)
	v.SetDefault("portfolio.max_open_positions", 20)
	v.SetDefault("portfolio.daily_loss_limit", 300.0)
	v.SetDefault("portfolio.kill_switch_enabled", true)

	v.SetDefault("batch.enabled", false)
	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.max_concurrency", 50)
	v.SetDefault("batch.task_timeout", 5*time.Second)
	v.SetDefault("batch.retry_attempts", 2)
	v.SetDefault("batch.min_edge", 15.0)
	v.SetDefault("batch.max_portfolio_risk", 20.0)
	v.SetDefault("batch.require_diversification", true)
	v.SetDefault("batch.max_positions_per_category", 3)
	v.SetDefault("batch.stop_loss_percent", 5.0)
	v.SetDefault("batch.profit_target_percent", 10.0)

	v.SetDefault("engine.tick_interval", time.Minute)
	v.SetDefault("engine.cleanup_every_ticks", 10)
	v.SetDefault("engine.source_timeout", 10*time.Second)
	v.SetDefault("engine.cycle_soft_deadline", 45*time.Second)
	v.SetDefault("engine.max_markets", 500)
	v.SetDefault("engine.max_signal_history", 50)
	v.SetDefault("engine.aggressive_signal_limit", 25)
	v.SetDefault("engine.memory_critical_mb", 180)

	v.SetDefault("paper.enabled", true)
	v.SetDefault("paper.resolution_check_interval", 5*time.Minute)

	v.SetDefault("calibration.density_epsilon", 0.05)

	v.SetDefault("signals.price_drift_enabled", true)
	v.SetDefault("signals.stream_enabled", false)
	v.SetDefault("signals.cleanup_ttl", 30*time.Minute)
	v.SetDefault("signals.breaker_min_requests", 5)
	v.SetDefault("signals.breaker_failure_ratio", 0.6)
	v.SetDefault("signals.breaker_open_timeout", 30*time.Second)

	v.SetDefault("notify.min_interval", time.Second)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", "data/audit")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required for live trading (set POLY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required for live trading (137 for mainnet)")
		}
		switch c.Wallet.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
		if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
			return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
		}
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	for name, cap := range c.Belief.ImpactCaps {
		if cap < 0 || cap > 100 {
			return fmt.Errorf("belief.impact_caps[%s] must be in [0, 100]", name)
		}
	}
	if c.Trade.MinLiquidity < 0 {
		return fmt.Errorf("trade.min_liquidity must be >= 0")
	}
	if c.Trade.MaxBeliefWidth <= 0 || c.Trade.MaxBeliefWidth > 100 {
		return fmt.Errorf("trade.max_belief_width must be in (0, 100]")
	}
	if c.Trade.MinConfidence < 30 || c.Trade.MinConfidence > 95 {
		return fmt.Errorf("trade.min_confidence must be in [30, 95]")
	}
	if _, ok := c.Trade.CategoryEdgeThresholds["other"]; !ok {
		return fmt.Errorf("trade.category_edge_thresholds must include an \"other\" fallback")
	}
	for cat, th := range c.Trade.CategoryEdgeThresholds {
		if th <= 0 || th >= 1 {
			return fmt.Errorf("trade.category_edge_thresholds[%s] must be a fraction in (0, 1)", cat)
		}
	}
	if c.Portfolio.TotalCapital <= 0 {
		return fmt.Errorf("portfolio.total_capital must be > 0")
	}
	if c.Portfolio.KellyFraction <= 0 || c.Portfolio.KellyFraction > 1 {
		return fmt.Errorf("portfolio.kelly_fraction must be in (0, 1]")
	}
	if c.Portfolio.MaxRiskPerTrade <= 0 || c.Portfolio.MaxRiskPerTrade > 1 {
		return fmt.Errorf("portfolio.max_risk_per_trade must be in (0, 1]")
	}
	if c.Portfolio.CorrelationThreshold <= 0 || c.Portfolio.CorrelationThreshold > 1 {
		return fmt.Errorf("portfolio.correlation_threshold must be in (0, 1]")
	}
	if c.Portfolio.MaxDrawdownPercent <= 0 || c.Portfolio.MaxDrawdownPercent > 100 {
		return fmt.Errorf("portfolio.max_drawdown_percent must be in (0, 100]")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be > 0")
	}
	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch.max_concurrency must be > 0")
	}
	if c.Batch.TaskTimeout <= 0 {
		return fmt.Errorf("batch.task_timeout must be > 0")
	}
	if c.Batch.RetryAttempts < 0 {
		return fmt.Errorf("batch.retry_attempts must be >= 0")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be > 0")
	}
	if c.Engine.MaxSignalHistory <= 0 {
		return fmt.Errorf("engine.max_signal_history must be > 0")
	}
	if c.Engine.AggressiveSignalLimit <= 0 || c.Engine.AggressiveSignalLimit > c.Engine.MaxSignalHistory {
		return fmt.Errorf("engine.aggressive_signal_limit must be in (0, max_signal_history]")
	}
	if c.Engine.MaxMarkets <= 0 {
		return fmt.Errorf("engine.max_markets must be > 0")
	}
	if c.Paper.Enabled && c.Paper.ResolutionCheckInterval <= 0 {
		return fmt.Errorf("paper.resolution_check_interval must be > 0")
	}
	if c.Calibration.DensityEpsilon < 0 {
		return fmt.Errorf("calibration.density_epsilon must be >= 0")
	}
	for i, f := range c.Signals.Feeds {
		if f.Name == "" || f.URL == "" {
			return fmt.Errorf("signals.feeds[%d] needs both name and url", i)
		}
	}
	if c.Signals.StreamEnabled && c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required when signals.stream_enabled is true")
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("audit.dir is required when audit is enabled")
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid TCP port")
	}
	return nil
}

// EdgeThreshold returns the minimum edge fraction for a category, falling
// back to the "other" entry for categories without their own threshold.
func (c *Config) EdgeThreshold(category string) float64 {
	if th, ok := c.Trade.CategoryEdgeThresholds[strings.ToLower(category)]; ok {
		return th
	}
	return c.Trade.CategoryEdgeThresholds["other"]
}

// ImpactCap returns the configured impact cap for a signal type name, or -1
// when the type has no override (callers fall back to built-in defaults).
func (c *Config) ImpactCap(signalType string) float64 {
	if cap, ok := c.Belief.ImpactCaps[signalType]; ok {
		return cap
	}
	return -1
}

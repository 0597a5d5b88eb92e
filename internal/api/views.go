package api

import (
	"math"
	"strconv"
	"time"

	"polymarket-edge/internal/batch"
	"polymarket-edge/internal/config"
	"polymarket-edge/internal/paper"
	"polymarket-edge/internal/portfolio"
)

// StatusProvider is the read-only view the server exposes. The engine
// implements it; handlers never mutate anything through it.
type StatusProvider interface {
	MachineStatus() MachineStatus
	MarketViews() []MarketView
	PortfolioSnapshot() portfolio.Snapshot
	PaperReport() PaperReport
	Performance() batch.CycleMetrics
	Events() <-chan Event
}

// MachineStatus is the state-machine summary served at /api/status.
type MachineStatus struct {
	State              string    `json:"state"`
	Halted             bool      `json:"halted"`
	HaltReason         string    `json:"halt_reason,omitempty"`
	TrackedMarkets     int       `json:"tracked_markets"`
	OpenPaperPositions int       `json:"open_paper_positions"`
	StartedAt          time.Time `json:"started_at"`
	Uptime             string    `json:"uptime"`
}

// BeliefView is the belief summary inside a MarketView.
type BeliefView struct {
	Low        float64 `json:"low"`
	High       float64 `json:"high"`
	Confidence float64 `json:"confidence"`
	Unknowns   int     `json:"unknowns"`
}

// MarketView is one tracked market as served at /api/markets.
type MarketView struct {
	ID                  string     `json:"id"`
	Question            string     `json:"question"`
	Category            string     `json:"category"`
	Price               float64    `json:"price"`
	Liquidity           float64    `json:"liquidity"`
	ClosesAt            time.Time  `json:"closes_at"`
	Belief              BeliefView `json:"belief"`
	SignalHistoryLength int        `json:"signal_history_length"`
	LastChecked         time.Time  `json:"last_checked"`
}

// PaperReport bundles the paper tracker's metrics with its calibration
// buckets. ProfitFactor is formatted here because +Inf has no JSON encoding.
type PaperReport struct {
	Metrics      paper.Metrics        `json:"metrics"`
	ProfitFactor string               `json:"profit_factor"`
	Buckets      []paper.BucketReport `json:"buckets"`
	Brier        float64              `json:"brier"`
}

// FormatProfitFactor renders a profit factor for the JSON surface.
func FormatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return strconv.FormatFloat(pf, 'f', 2, 64)
}

// ConfigSummary is the effective configuration served at /api/config.
// Secrets never appear here.
type ConfigSummary struct {
	DryRun bool `json:"dry_run"`

	// Gates
	MinLiquidity   float64 `json:"min_liquidity"`
	MaxBeliefWidth float64 `json:"max_belief_width"`
	MinConfidence  float64 `json:"min_confidence"`

	// Batch evaluation
	BatchEnabled            bool    `json:"batch_enabled"`
	BatchSize               int     `json:"batch_size"`
	BatchMaxConcurrency     int     `json:"batch_max_concurrency"`
	BatchTaskTimeout        string  `json:"batch_task_timeout"`
	BatchMinEdge            float64 `json:"batch_min_edge"`
	BatchMaxPortfolioRisk   float64 `json:"batch_max_portfolio_risk"`
	RequireDiversification  bool    `json:"require_diversification"`
	MaxPositionsPerCategory int     `json:"max_positions_per_category"`

	// Sizing and risk
	KellyFraction      float64 `json:"kelly_fraction"`
	MaxRiskPerTrade    float64 `json:"max_risk_per_trade"`
	MaxPositionSize    float64 `json:"max_position_size"`
	MaxOpenPositions   int     `json:"max_open_positions"`
	DailyLossLimit     float64 `json:"daily_loss_limit"`
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"`
	KillSwitchEnabled  bool    `json:"kill_switch_enabled"`

	// Loop
	TickInterval     string `json:"tick_interval"`
	MaxMarkets       int    `json:"max_markets"`
	PaperEnabled     bool   `json:"paper_enabled"`
	PaperResolveEach string `json:"paper_resolution_check_interval"`
}

// NewConfigSummary builds the summary from the loaded config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun: cfg.DryRun,

		MinLiquidity:   cfg.Trade.MinLiquidity,
		MaxBeliefWidth: cfg.Trade.MaxBeliefWidth,
		MinConfidence:  cfg.Trade.MinConfidence,

		BatchEnabled:            cfg.Batch.Enabled,
		BatchSize:               cfg.Batch.Size,
		BatchMaxConcurrency:     cfg.Batch.MaxConcurrency,
		BatchTaskTimeout:        cfg.Batch.TaskTimeout.String(),
		BatchMinEdge:            cfg.Batch.MinEdge,
		BatchMaxPortfolioRisk:   cfg.Batch.MaxPortfolioRisk,
		RequireDiversification:  cfg.Batch.RequireDiversification,
		MaxPositionsPerCategory: cfg.Batch.MaxPositionsPerCategory,

		KellyFraction:      cfg.Portfolio.KellyFraction,
		MaxRiskPerTrade:    cfg.Portfolio.MaxRiskPerTrade,
		MaxPositionSize:    cfg.Portfolio.MaxPositionSize,
		MaxOpenPositions:   cfg.Portfolio.MaxOpenPositions,
		DailyLossLimit:     cfg.Portfolio.DailyLossLimit,
		MaxDrawdownPercent: cfg.Portfolio.MaxDrawdownPercent,
		KillSwitchEnabled:  cfg.Portfolio.KillSwitchEnabled,

		TickInterval:     cfg.Engine.TickInterval.String(),
		MaxMarkets:       cfg.Engine.MaxMarkets,
		PaperEnabled:     cfg.Paper.Enabled,
		PaperResolveEach: cfg.Paper.ResolutionCheckInterval.String(),
	}
}

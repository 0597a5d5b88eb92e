// Package portfolio sizes approved trades and enforces portfolio-wide risk
// limits: fractional-Kelly sizing, category and keyword diversification, a
// drawdown guard, and a daily loss limit.
package portfolio

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"polymarket-edge/internal/config"
)

// kellyCap bounds the recommended capital fraction no matter how large the
// edge looks. Half the bankroll on one binary outcome is already generous.
const kellyCap = 0.5

// concentrationLimit is the share of open positions in one category above
// which a candidate in that category counts as non-diversified.
const concentrationLimit = 0.5

// stopwords are dropped before keyword overlap so that market questions
// sharing only scaffolding ("will", "the", "by") do not look correlated.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "at": true, "be": true, "before": true,
	"by": true, "for": true, "in": true, "is": true, "of": true, "on": true,
	"or": true, "the": true, "to": true, "vs": true, "will": true,
}

// Holding is the slice of an open position the manager needs for
// diversification checks: where the money is and what the market asks.
type Holding struct {
	MarketID string
	Category string
	Question string
	SizeUSD  float64
}

// Manager tracks portfolio value and applies the risk rules. All methods
// are safe for concurrent use.
type Manager struct {
	cfg config.PortfolioConfig

	mu        sync.Mutex
	peakValue float64
	value     float64
	dailyPnL  float64
	day       time.Time // UTC midnight of the day dailyPnL covers
}

// New builds a manager with the portfolio at its configured starting
// capital.
func New(cfg config.PortfolioConfig) *Manager {
	return &Manager{
		cfg:       cfg,
		peakValue: cfg.TotalCapital,
		value:     cfg.TotalCapital,
	}
}

// Size converts an edge fraction into a USD position size using fractional
// Kelly: clamp(edge * kellyFraction, 0, 0.5) of capital, capped by the
// per-trade risk limit and the absolute position cap. Negative edge sizes
// to zero.
func (m *Manager) Size(edgeFraction float64) float64 {
	if edgeFraction <= 0 {
		return 0
	}
	fraction := edgeFraction * m.cfg.KellyFraction
	if fraction > kellyCap {
		fraction = kellyCap
	}
	size := fraction * m.cfg.TotalCapital
	if limit := m.cfg.MaxRiskPerTrade * m.cfg.TotalCapital; size > limit {
		size = limit
	}
	if m.cfg.MaxPositionSize > 0 && size > m.cfg.MaxPositionSize {
		size = m.cfg.MaxPositionSize
	}
	return size
}

// CheckDiversification decides whether a candidate market is too close to
// the existing holdings: too much capital in its category, or a question
// wording too similar to one already held. The returned reason is empty
// when the candidate is acceptable.
func (m *Manager) CheckDiversification(category, question string, open []Holding) (bool, string) {
	if len(open) == 0 {
		return true, ""
	}

	same := 0
	for _, h := range open {
		if strings.EqualFold(h.Category, category) {
			same++
		}
	}
	if conc := float64(same) / float64(len(open)); conc >= concentrationLimit {
		return false, fmt.Sprintf("category %q holds %.0f%% of open positions", category, conc*100)
	}

	candidate := keywords(question)
	for _, h := range open {
		if overlap := jaccard(candidate, keywords(h.Question)); overlap >= m.cfg.CorrelationThreshold {
			return false, fmt.Sprintf("question overlaps %.0f%% with open market %s", overlap*100, h.MarketID)
		}
	}
	return true, ""
}

// UpdateValue records the current portfolio value and advances the running
// peak used by the drawdown guard.
func (m *Manager) UpdateValue(total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = total
	if total > m.peakValue {
		m.peakValue = total
	}
}

// RecordPnL adds realized profit or loss to the daily ledger, rolling the
// ledger over at UTC midnight.
func (m *Manager) RecordPnL(pnl float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(m.day) {
		m.day = day
		m.dailyPnL = 0
	}
	m.dailyPnL += pnl
}

// Drawdown returns the current drawdown from peak as a fraction.
func (m *Manager) Drawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked()
}

func (m *Manager) drawdownLocked() float64 {
	if m.peakValue <= 0 {
		return 0
	}
	return (m.peakValue - m.value) / m.peakValue
}

// TradingBlocked reports whether new positions are currently forbidden by
// the drawdown guard, the daily loss limit, or the open-position cap. The
// reason names the tripped rule.
func (m *Manager) TradingBlocked(openPositions int, now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dd := m.drawdownLocked(); dd > m.cfg.MaxDrawdownPercent/100 {
		return true, fmt.Sprintf("drawdown %.1f%% exceeds %.1f%% limit", dd*100, m.cfg.MaxDrawdownPercent)
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if day.Equal(m.day) && m.cfg.DailyLossLimit > 0 && -m.dailyPnL > m.cfg.DailyLossLimit {
		return true, fmt.Sprintf("daily loss %.2f exceeds %.2f limit", -m.dailyPnL, m.cfg.DailyLossLimit)
	}
	if m.cfg.MaxOpenPositions > 0 && openPositions >= m.cfg.MaxOpenPositions {
		return true, fmt.Sprintf("open positions %d at the %d cap", openPositions, m.cfg.MaxOpenPositions)
	}
	return false, ""
}

// Snapshot reports the manager's view for the status surface.
type Snapshot struct {
	TotalValue float64 `json:"totalValue"`
	PeakValue  float64 `json:"peakValue"`
	Drawdown   float64 `json:"drawdown"`
	DailyPnL   float64 `json:"dailyPnl"`
}

// GetSnapshot returns the current portfolio snapshot.
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TotalValue: m.value,
		PeakValue:  m.peakValue,
		Drawdown:   m.drawdownLocked(),
		DailyPnL:   m.dailyPnL,
	}
}

// keywords tokenizes a market question into a lowercase keyword set.
func keywords(question string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if !stopwords[w] {
			set[w] = true
		}
	}
	return set
}

// jaccard is |intersection| / |union| over two keyword sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

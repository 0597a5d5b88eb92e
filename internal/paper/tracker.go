// Package paper tracks simulated positions so the strategy can be validated
// without touching the exchange.
//
// Positions live in memory only and die with the process; anyone who wants
// persistence listens on the lifecycle hooks. P&L is kept in decimals so
// ledger totals stay exact over thousands of positions.
package paper

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-edge/pkg/types"
)

// Hooks are the optional lifecycle callbacks. Implementations must be quick
// and must never fail loudly; the tracker calls them synchronously after the
// state change commits.
type Hooks struct {
	Opened   func(types.PaperPosition)
	Resolved func(types.PaperPosition)
	Expired  func(types.PaperPosition)
}

// ErrNotFound is returned for operations on unknown position ids.
var ErrNotFound = fmt.Errorf("paper position not found")

// Tracker is the in-memory paper position book.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*types.PaperPosition
	hooks     Hooks
}

// NewTracker builds an empty tracker with the given hooks. Zero-value hooks
// are fine.
func NewTracker(hooks Hooks) *Tracker {
	return &Tracker{
		positions: make(map[string]*types.PaperPosition),
		hooks:     hooks,
	}
}

// Open records a simulated position for an approved, sized decision.
// The entry price is converted to the position's own side: a no position
// bought at yes-price 60 costs 40.
func (t *Tracker) Open(d *types.TradeDecision, market types.Market, now time.Time) (types.PaperPosition, error) {
	if d.Side != types.SideYes && d.Side != types.SideNo {
		return types.PaperPosition{}, fmt.Errorf("open paper position: side %q", d.Side)
	}
	entry := d.EntryPrice
	if d.Side == types.SideNo {
		entry = 100 - d.EntryPrice
	}

	pos := types.PaperPosition{
		ID:         uuid.NewString(),
		MarketID:   market.ID,
		Question:   market.Question,
		Category:   market.Category,
		Side:       d.Side,
		EntryPrice: entry,
		SizeUSD:    d.SizeUSD,
		BeliefLow:  d.BeliefLow,
		BeliefHigh: d.BeliefHigh,
		Confidence: d.Confidence,
		Edge:       d.Edge,
		Status:     types.PaperOpen,
		EnteredAt:  now,
	}

	t.mu.Lock()
	t.positions[pos.ID] = &pos
	t.mu.Unlock()

	if t.hooks.Opened != nil {
		t.hooks.Opened(pos)
	}
	return pos, nil
}

// Resolve settles an open position against the market's actual outcome.
// Settling a position that is not open is a no-op (second return false), so
// repeated resolution polling is harmless.
func (t *Tracker) Resolve(id string, outcome types.Outcome, now time.Time) (types.PaperPosition, bool, error) {
	t.mu.Lock()
	pos, ok := t.positions[id]
	if !ok {
		t.mu.Unlock()
		return types.PaperPosition{}, false, ErrNotFound
	}
	if pos.Status != types.PaperOpen {
		out := *pos
		t.mu.Unlock()
		return out, false, nil
	}

	won := (pos.Side == types.SideYes && outcome == types.OutcomeYes) ||
		(pos.Side == types.SideNo && outcome == types.OutcomeNo)
	if won {
		pos.ExitPrice = 100
		pos.Status = types.PaperWin
	} else {
		pos.ExitPrice = 0
		pos.Status = types.PaperLoss
	}
	// pnl = (exit - entry) * size / 100 on the position's own price scale.
	pos.PnL = decimal.NewFromFloat(pos.ExitPrice - pos.EntryPrice).
		Mul(decimal.NewFromFloat(pos.SizeUSD)).
		Div(decimal.NewFromInt(100))
	o := outcome
	pos.ActualOutcome = &o
	resolved := now
	pos.ResolvedAt = &resolved

	out := *pos
	t.mu.Unlock()

	if t.hooks.Resolved != nil {
		t.hooks.Resolved(out)
	}
	return out, true, nil
}

// Expire closes an open position whose market ended without resolution
// data. Idempotent like Resolve.
func (t *Tracker) Expire(id string, now time.Time) (types.PaperPosition, bool, error) {
	t.mu.Lock()
	pos, ok := t.positions[id]
	if !ok {
		t.mu.Unlock()
		return types.PaperPosition{}, false, ErrNotFound
	}
	if pos.Status != types.PaperOpen {
		out := *pos
		t.mu.Unlock()
		return out, false, nil
	}

	pos.Status = types.PaperExpired
	resolved := now
	pos.ResolvedAt = &resolved

	out := *pos
	t.mu.Unlock()

	if t.hooks.Expired != nil {
		t.hooks.Expired(out)
	}
	return out, true, nil
}

// Get returns a position by id.
func (t *Tracker) Get(id string) (types.PaperPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[id]
	if !ok {
		return types.PaperPosition{}, false
	}
	return *pos, true
}

// Open positions, oldest first.
func (t *Tracker) OpenPositions() []types.PaperPosition {
	return t.filter(func(p *types.PaperPosition) bool { return p.Status == types.PaperOpen })
}

// ClosedPositions returns settled and expired positions, oldest first.
func (t *Tracker) ClosedPositions() []types.PaperPosition {
	return t.filter(func(p *types.PaperPosition) bool { return p.Status != types.PaperOpen })
}

// AllPositions returns everything, oldest first.
func (t *Tracker) AllPositions() []types.PaperPosition {
	return t.filter(func(p *types.PaperPosition) bool { return true })
}

func (t *Tracker) filter(keep func(*types.PaperPosition) bool) []types.PaperPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.PaperPosition
	for _, p := range t.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out
}

// CategoryStats is the per-category rollup inside Metrics.
type CategoryStats struct {
	Positions int             `json:"positions"`
	Wins      int             `json:"wins"`
	Losses    int             `json:"losses"`
	PnL       decimal.Decimal `json:"pnl"`
}

// Metrics is the aggregate paper-trading report. ProfitFactor is +Inf when
// there are wins and no losses; the status surface formats that case.
type Metrics struct {
	OpenCount     int             `json:"open"`
	ResolvedCount int             `json:"resolved"`
	ExpiredCount  int             `json:"expired"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       float64         `json:"winRate"`
	AvgWin        decimal.Decimal `json:"avgWin"`
	AvgLoss       decimal.Decimal `json:"avgLoss"`
	TotalPnL      decimal.Decimal `json:"totalPnl"`
	ProfitFactor  float64         `json:"-"`
	EdgeAccuracy  float64         `json:"edgeAccuracy"`
	// BeliefCoverage is the fraction of resolved positions whose entry
	// range included the winning side under the midpoint rule: a yes
	// outcome needs beliefHigh >= 50, a no outcome needs beliefLow <= 50.
	BeliefCoverage float64                  `json:"beliefCoverage"`
	Categories     map[string]CategoryStats `json:"categories"`
}

// ComputeMetrics walks the book and aggregates. Expired positions count
// only in ExpiredCount; win/loss math ignores them.
func (t *Tracker) ComputeMetrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := Metrics{Categories: map[string]CategoryStats{}}
	totalWins := decimal.Zero
	totalLosses := decimal.Zero
	covered := 0

	for _, p := range t.positions {
		switch p.Status {
		case types.PaperOpen:
			m.OpenCount++
			continue
		case types.PaperExpired:
			m.ExpiredCount++
			continue
		}

		m.ResolvedCount++
		cat := m.Categories[p.Category]
		cat.Positions++
		cat.PnL = cat.PnL.Add(p.PnL)

		if p.Status == types.PaperWin {
			m.Wins++
			cat.Wins++
			totalWins = totalWins.Add(p.PnL)
		} else {
			m.Losses++
			cat.Losses++
			totalLosses = totalLosses.Add(p.PnL.Neg())
		}
		m.Categories[p.Category] = cat
		m.TotalPnL = m.TotalPnL.Add(p.PnL)

		if p.ActualOutcome != nil {
			if *p.ActualOutcome == types.OutcomeYes && p.BeliefHigh >= 50 {
				covered++
			}
			if *p.ActualOutcome == types.OutcomeNo && p.BeliefLow <= 50 {
				covered++
			}
		}
	}

	if m.ResolvedCount > 0 {
		m.WinRate = float64(m.Wins) / float64(m.ResolvedCount)
		m.EdgeAccuracy = m.WinRate
		m.BeliefCoverage = float64(covered) / float64(m.ResolvedCount)
	}
	if m.Wins > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(m.Wins)))
	}
	if m.Losses > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(m.Losses)))
	}
	switch {
	case totalLosses.IsZero() && totalWins.IsPositive():
		m.ProfitFactor = math.Inf(1)
	case totalLosses.IsZero():
		m.ProfitFactor = 0
	default:
		m.ProfitFactor, _ = totalWins.Div(totalLosses).Float64()
	}
	return m
}

// BucketReport is one belief-midpoint calibration bucket.
type BucketReport struct {
	Range            string  `json:"range"`     // e.g. "[60,70)"
	Predicted        float64 `json:"predicted"` // midpoint of the bucket, pct
	Positions        int     `json:"positions"`
	YesOutcomes      int     `json:"yesOutcomes"`
	ActualWinRate    float64 `json:"actualWinRate"` // fraction resolving yes
	CalibrationError float64 `json:"calibrationError"`
}

// bucketEdges are the fixed belief-midpoint partitions. The last bucket is
// closed at 100.
var bucketEdges = []struct {
	lo, hi    float64
	label     string
	predicted float64
}{
	{0, 60, "[0,60)", 30},
	{60, 70, "[60,70)", 65},
	{70, 80, "[70,80)", 75},
	{80, 90, "[80,90)", 85},
	{90, 100.0001, "[90,100]", 95},
}

// CalibrationBuckets partitions resolved positions by entry belief midpoint
// and compares each bucket's predicted probability with its realized yes
// rate. The second return is the Brier score across all resolved positions.
func (t *Tracker) CalibrationBuckets() ([]BucketReport, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reports := make([]BucketReport, len(bucketEdges))
	for i, b := range bucketEdges {
		reports[i] = BucketReport{Range: b.label, Predicted: b.predicted}
	}

	brierSum := 0.0
	resolved := 0
	for _, p := range t.positions {
		if (p.Status != types.PaperWin && p.Status != types.PaperLoss) || p.ActualOutcome == nil {
			continue
		}
		resolved++
		mid := p.BeliefMidpoint()
		indicator := 0.0
		if *p.ActualOutcome == types.OutcomeYes {
			indicator = 1
		}
		brierSum += (mid/100 - indicator) * (mid/100 - indicator)

		for i, b := range bucketEdges {
			if mid >= b.lo && mid < b.hi {
				reports[i].Positions++
				if indicator == 1 {
					reports[i].YesOutcomes++
				}
				break
			}
		}
	}

	for i := range reports {
		if reports[i].Positions > 0 {
			reports[i].ActualWinRate = float64(reports[i].YesOutcomes) / float64(reports[i].Positions)
			reports[i].CalibrationError = math.Abs(reports[i].Predicted/100 - reports[i].ActualWinRate)
		}
	}

	brier := 0.0
	if resolved > 0 {
		brier = brierSum / float64(resolved)
	}
	return reports, brier
}

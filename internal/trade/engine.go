// Package trade implements the eligibility and edge engine: eight ordered
// gates between a belief and an order.
//
// Evaluation short-circuits on the first failing gate and reports it by
// name, so rejection logs read the same everywhere and tests can pin the
// canonical ordering. Only a market whose price sits strictly outside the
// belief range, with enough edge for its category, survives to a decision,
// and every decision carries a three-part exit plan before anyone is allowed
// to act on it.
package trade

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

// Gate names, in evaluation order. Rejections carry exactly one of these.
const (
	GateAuthority   = "authority_clarity"
	GateObjectivity = "outcome_objectivity"
	GateLiquidity   = "liquidity"
	GateBeliefWidth = "belief_width"
	GateConfidence  = "confidence"
	GatePriceInside = "price_inside_belief"
	GateMinEdge     = "min_edge"
	GateExitPlan    = "exit_plan"
)

// invalidationWidthFraction is how far the belief must move against a
// position, as a fraction of its width at entry, before the position is
// considered invalidated.
const invalidationWidthFraction = 0.5

// Engine runs the gates. Thresholds start from config and can be tightened
// at runtime by calibration adjustments, so they live behind a lock.
type Engine struct {
	mu               sync.RWMutex
	minLiquidity     float64
	maxBeliefWidth   float64
	minConfidence    float64
	confidenceOffset float64 // added to measured confidence before the gate
	thresholds       map[string]float64
}

// New builds a trade engine from config. The thresholds map is copied so
// calibration adjustments never write back into the shared config.
func New(cfg config.TradeConfig) *Engine {
	th := make(map[string]float64, len(cfg.CategoryEdgeThresholds))
	for k, v := range cfg.CategoryEdgeThresholds {
		th[strings.ToLower(k)] = v
	}
	return &Engine{
		minLiquidity:     cfg.MinLiquidity,
		maxBeliefWidth:   cfg.MaxBeliefWidth,
		minConfidence:    cfg.MinConfidence,
		confidenceOffset: cfg.ConfidenceOffset,
		thresholds:       th,
	}
}

// Evaluate runs the eight gates in order against one market. It returns an
// approved decision (SizeUSD still zero, sizing is the portfolio manager's
// job) or the first rejection.
func (e *Engine) Evaluate(belief types.BeliefState, market types.Market, now time.Time) (*types.TradeDecision, *types.Rejection) {
	e.mu.RLock()
	minLiq := e.minLiquidity
	maxWidth := e.maxBeliefWidth
	minConf := e.minConfidence
	confOffset := e.confidenceOffset
	e.mu.RUnlock()

	reject := func(gate, detail string) (*types.TradeDecision, *types.Rejection) {
		return nil, &types.Rejection{MarketID: market.ID, Gate: gate, Detail: detail}
	}

	if !market.Criteria.AuthorityIsClear {
		return reject(GateAuthority, "no clear resolution authority")
	}
	if !market.Criteria.OutcomeIsObjective {
		return reject(GateObjectivity, "outcome is not objectively verifiable")
	}
	if market.Liquidity < minLiq {
		return reject(GateLiquidity, fmt.Sprintf("liquidity %.0f below minimum %.0f", market.Liquidity, minLiq))
	}
	if w := belief.Width(); w > maxWidth {
		return reject(GateBeliefWidth, fmt.Sprintf("belief width %.1f exceeds %.1f", w, maxWidth))
	}
	if c := belief.Confidence + confOffset; c < minConf {
		return reject(GateConfidence, fmt.Sprintf("confidence %.1f below minimum %.1f", c, minConf))
	}
	price := market.CurrentPrice
	if belief.Contains(price) {
		return reject(GatePriceInside, fmt.Sprintf("price %.1f inside belief %.1f-%.1f", price, belief.Low, belief.High))
	}

	side, edge := SideAndEdge(belief, price)
	threshold := e.EdgeThreshold(market.Category)
	if edge/100 < threshold {
		return reject(GateMinEdge, fmt.Sprintf("edge %.1f below %s threshold %.0f", edge, categoryOrOther(market.Category), threshold*100))
	}

	plan := buildExitPlan(side, belief, price)
	if len(plan) < 3 || !hasKind(plan, types.ExitInvalidation) || !hasKind(plan, types.ExitProfit) {
		return reject(GateExitPlan, "incomplete exit plan")
	}

	rationale := fmt.Sprintf("%s at %.1f: edge %.1f points vs belief %.1f-%.1f, confidence %.0f",
		side, price, edge, belief.Low, belief.High, belief.Confidence)

	return &types.TradeDecision{
		MarketID:      market.ID,
		Side:          side,
		EntryPrice:    price,
		Edge:          edge,
		BeliefLow:     belief.Low,
		BeliefHigh:    belief.High,
		Confidence:    belief.Confidence,
		ExitPlan:      plan,
		Rationale:     rationale,
		RationaleHash: HashRationale(rationale),
		Timestamp:     now,
	}, nil
}

// SideAndEdge derives the trade side and its edge in percentage points.
// Price below the belief range argues for yes (the market underprices the
// outcome); above it argues for no. Inside the range there is no trade.
func SideAndEdge(belief types.BeliefState, price float64) (types.Side, float64) {
	switch {
	case price < belief.Low:
		return types.SideYes, belief.Low - price
	case price > belief.High:
		return types.SideNo, price - belief.High
	default:
		return types.SideNone, 0
	}
}

// InvalidationLevel returns the belief bound at which a position's
// invalidation exit fires: half the entry width beyond the entry bound,
// against the position. Position monitoring uses the same level the exit
// plan was written with.
func InvalidationLevel(side types.Side, entryLow, entryHigh float64) float64 {
	width := entryHigh - entryLow
	if side == types.SideYes {
		return entryLow - width*invalidationWidthFraction
	}
	return entryHigh + width*invalidationWidthFraction
}

// buildExitPlan synthesizes the mandatory three-part exit plan for a
// position entered at the given belief.
func buildExitPlan(side types.Side, belief types.BeliefState, price float64) []types.ExitCondition {
	mid := (belief.Low + belief.High) / 2
	level := InvalidationLevel(side, belief.Low, belief.High)

	var invalidation types.ExitCondition
	if side == types.SideYes {
		invalidation = types.ExitCondition{
			Kind:        types.ExitInvalidation,
			Description: fmt.Sprintf("belief low falls to %.1f (half the entry width against a yes)", level),
			Threshold:   level,
		}
	} else {
		invalidation = types.ExitCondition{
			Kind:        types.ExitInvalidation,
			Description: fmt.Sprintf("belief high rises to %.1f (half the entry width against a no)", level),
			Threshold:   level,
		}
	}

	profitDir := "rises to"
	if side == types.SideNo {
		profitDir = "falls to"
	}

	return []types.ExitCondition{
		invalidation,
		{
			Kind:        types.ExitProfit,
			Description: fmt.Sprintf("price %s the entry belief midpoint %.1f", profitDir, mid),
			Threshold:   mid,
		},
		{
			Kind:        types.ExitEmergency,
			Description: "invariant breach or signal-source outage",
		},
	}
}

// ValidateDecision rechecks the trade-bounds and exit-plan rules on an
// approved decision. The evaluation path can only produce valid decisions;
// this catches anything hand-built or mutated along the way.
func ValidateDecision(d *types.TradeDecision) error {
	switch d.Side {
	case types.SideYes:
		if d.EntryPrice >= d.BeliefLow {
			return fmt.Errorf("yes decision with entry %.1f not below belief low %.1f", d.EntryPrice, d.BeliefLow)
		}
	case types.SideNo:
		if d.EntryPrice <= d.BeliefHigh {
			return fmt.Errorf("no decision with entry %.1f not above belief high %.1f", d.EntryPrice, d.BeliefHigh)
		}
	default:
		return fmt.Errorf("decision with side %q", d.Side)
	}
	if !d.HasExit(types.ExitInvalidation) || !d.HasExit(types.ExitProfit) {
		return fmt.Errorf("decision missing invalidation or profit exit")
	}
	return nil
}

// EdgeThreshold returns the current minimum edge fraction for a category,
// falling back to the "other" entry.
func (e *Engine) EdgeThreshold(category string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if th, ok := e.thresholds[strings.ToLower(category)]; ok {
		return th
	}
	return e.thresholds["other"]
}

// RaiseEdgeThresholds bumps every category threshold by delta and lowers the
// confidence offset by confDelta points. Called by the orchestrator when
// calibration reports coverage running too low.
func (e *Engine) RaiseEdgeThresholds(delta, confDelta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.thresholds {
		e.thresholds[k] += delta
	}
	e.confidenceOffset -= confDelta
}

// Snapshot returns the current thresholds and confidence offset for the
// status surface.
func (e *Engine) Snapshot() (map[string]float64, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	th := make(map[string]float64, len(e.thresholds))
	for k, v := range e.thresholds {
		th[k] = v
	}
	return th, e.confidenceOffset
}

// HashRationale returns a stable FNV-1a hash of a rationale sentence, used
// to dedupe repeated identical opportunities in audit logs.
func HashRationale(rationale string) string {
	h := fnv.New64a()
	h.Write([]byte(rationale))
	return fmt.Sprintf("%016x", h.Sum64())
}

func hasKind(plan []types.ExitCondition, kind types.ExitKind) bool {
	for _, e := range plan {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func categoryOrOther(category string) string {
	if category == "" {
		return "other"
	}
	return strings.ToLower(category)
}

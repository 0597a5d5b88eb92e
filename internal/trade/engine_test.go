package trade

import (
	"testing"
	"time"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

func testTradeConfig() config.TradeConfig {
	return config.TradeConfig{
		MinLiquidity:   15000,
		MaxBeliefWidth: 25,
		MinConfidence:  65,
		CategoryEdgeThresholds: map[string]float64{
			"weather":       0.08,
			"sports":        0.10,
			"politics":      0.12,
			"economics":     0.12,
			"crypto":        0.15,
			"technology":    0.15,
			"entertainment": 0.18,
			"world":         0.20,
			"other":         0.25,
		},
	}
}

func testMarket() types.Market {
	return types.Market{
		ID:       "mkt-1",
		Question: "Will the bill pass before March?",
		Category: "politics",
		Criteria: types.ResolutionCriteria{
			AuthorityIsClear:   true,
			OutcomeIsObjective: true,
			Authority:          "congressional record",
		},
		CurrentPrice: 44,
		Liquidity:    50000,
		Volume24h:    120000,
	}
}

func testBelief(low, high, conf float64) types.BeliefState {
	return types.BeliefState{MarketID: "mkt-1", Low: low, High: high, Confidence: conf}
}

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluateApprovesYesWithEdge(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	belief := testBelief(60, 72, 80)
	market := testMarket() // price 44, politics threshold 0.12

	d, rej := e.Evaluate(belief, market, testNow)
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	if d.Side != types.SideYes {
		t.Errorf("side = %v, want yes", d.Side)
	}
	if d.Edge != 16 {
		t.Errorf("edge = %v, want 16", d.Edge)
	}
	if d.EntryPrice >= d.BeliefLow {
		t.Errorf("yes entry %v must be below belief low %v", d.EntryPrice, d.BeliefLow)
	}
	if len(d.ExitPlan) != 3 {
		t.Fatalf("exit plan has %d entries, want 3", len(d.ExitPlan))
	}
	if !d.HasExit(types.ExitInvalidation) || !d.HasExit(types.ExitProfit) || !d.HasExit(types.ExitEmergency) {
		t.Error("exit plan missing a required kind")
	}
	if err := ValidateDecision(d); err != nil {
		t.Errorf("approved decision fails validation: %v", err)
	}
}

func TestEvaluateApprovesNoAboveBelief(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	belief := testBelief(60, 72, 80)
	market := testMarket()
	market.CurrentPrice = 86 // edge 14 over the 0.12 politics threshold

	d, rej := e.Evaluate(belief, market, testNow)
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	if d.Side != types.SideNo {
		t.Errorf("side = %v, want no", d.Side)
	}
	if d.EntryPrice <= d.BeliefHigh {
		t.Errorf("no entry %v must be above belief high %v", d.EntryPrice, d.BeliefHigh)
	}
}

// Gate-order walk: each case fails exactly one gate earlier than the next.
func TestGatesFailInCanonicalOrder(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())

	cases := []struct {
		name    string
		belief  types.BeliefState
		mutate  func(*types.Market)
		gate    string
	}{
		{"authority", testBelief(60, 72, 80), func(m *types.Market) { m.Criteria.AuthorityIsClear = false }, GateAuthority},
		{"objectivity", testBelief(60, 72, 80), func(m *types.Market) { m.Criteria.OutcomeIsObjective = false }, GateObjectivity},
		{"liquidity", testBelief(60, 72, 80), func(m *types.Market) { m.Liquidity = 14999 }, GateLiquidity},
		{"width", testBelief(40, 75, 85), func(m *types.Market) { m.CurrentPrice = 20 }, GateBeliefWidth},
		{"confidence", testBelief(60, 72, 64), func(m *types.Market) {}, GateConfidence},
		{"price inside", testBelief(40, 60, 80), func(m *types.Market) { m.CurrentPrice = 50 }, GatePriceInside},
		{"edge", testBelief(65, 80, 78), func(m *types.Market) { m.CurrentPrice = 52; m.Category = "crypto" }, GateMinEdge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			market := testMarket()
			tc.mutate(&market)
			d, rej := e.Evaluate(tc.belief, market, testNow)
			if d != nil {
				t.Fatalf("expected rejection, got decision %+v", d)
			}
			if rej.Gate != tc.gate {
				t.Errorf("rejected at %q, want %q", rej.Gate, tc.gate)
			}
		})
	}
}

// A market failing several gates reports only the first one.
func TestFirstFailingGateWins(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	market := testMarket()
	market.Criteria.AuthorityIsClear = false
	market.Liquidity = 0

	_, rej := e.Evaluate(testBelief(0, 100, 30), market, testNow)
	if rej == nil || rej.Gate != GateAuthority {
		t.Fatalf("rejection = %v, want %s", rej, GateAuthority)
	}
}

func TestUnknownCategoryUsesMostConservativeThreshold(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	if th := e.EdgeThreshold("numismatics"); th != 0.25 {
		t.Errorf("threshold = %v, want 0.25", th)
	}

	belief := testBelief(60, 72, 80)
	market := testMarket()
	market.Category = "numismatics" // edge 16 < 25 under the fallback
	_, rej := e.Evaluate(belief, market, testNow)
	if rej == nil || rej.Gate != GateMinEdge {
		t.Fatalf("rejection = %v, want %s", rej, GateMinEdge)
	}
}

func TestRaiseEdgeThresholdsTightensGates(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	e.RaiseEdgeThresholds(0.03, 5)

	if th := e.EdgeThreshold("politics"); th != 0.15 {
		t.Errorf("politics threshold = %v, want 0.15", th)
	}

	// Confidence 68 used to pass the 65 gate; the -5 offset now fails it.
	belief := testBelief(60, 72, 68)
	_, rej := e.Evaluate(belief, testMarket(), testNow)
	if rej == nil || rej.Gate != GateConfidence {
		t.Fatalf("rejection = %v, want %s", rej, GateConfidence)
	}
}

func TestRationaleHashIsStable(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	belief := testBelief(60, 72, 80)

	d1, _ := e.Evaluate(belief, testMarket(), testNow)
	d2, _ := e.Evaluate(belief, testMarket(), testNow)
	if d1 == nil || d2 == nil {
		t.Fatal("expected decisions")
	}
	if d1.RationaleHash != d2.RationaleHash {
		t.Errorf("hashes differ for identical rationale: %s vs %s", d1.RationaleHash, d2.RationaleHash)
	}
	if HashRationale("a") == HashRationale("b") {
		t.Error("distinct rationales should not collide trivially")
	}
}

func TestValidateDecisionCatchesBadBounds(t *testing.T) {
	t.Parallel()
	bad := &types.TradeDecision{
		Side: types.SideYes, EntryPrice: 65, BeliefLow: 60, BeliefHigh: 72,
		ExitPlan: []types.ExitCondition{
			{Kind: types.ExitInvalidation}, {Kind: types.ExitProfit}, {Kind: types.ExitEmergency},
		},
	}
	if err := ValidateDecision(bad); err == nil {
		t.Error("yes entry above belief low must fail validation")
	}

	noSide := &types.TradeDecision{Side: types.SideNone}
	if err := ValidateDecision(noSide); err == nil {
		t.Error("side none must fail validation")
	}

	missingExit := &types.TradeDecision{
		Side: types.SideYes, EntryPrice: 40, BeliefLow: 60, BeliefHigh: 72,
		ExitPlan: []types.ExitCondition{{Kind: types.ExitProfit}},
	}
	if err := ValidateDecision(missingExit); err == nil {
		t.Error("missing invalidation exit must fail validation")
	}
}

func TestExitPlanLevels(t *testing.T) {
	t.Parallel()
	e := New(testTradeConfig())
	belief := testBelief(60, 72, 80) // width 12, midpoint 66

	d, rej := e.Evaluate(belief, testMarket(), testNow)
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	for _, exit := range d.ExitPlan {
		switch exit.Kind {
		case types.ExitInvalidation:
			// yes position invalidates when belief low falls half a width: 60 - 6
			if exit.Threshold != 54 {
				t.Errorf("invalidation threshold = %v, want 54", exit.Threshold)
			}
		case types.ExitProfit:
			if exit.Threshold != 66 {
				t.Errorf("profit threshold = %v, want 66", exit.Threshold)
			}
		}
	}
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{
		Size:                    100,
		MaxConcurrency:          50,
		TaskTimeout:             time.Second,
		RetryAttempts:           2,
		MinEdge:                 15,
		MaxPortfolioRisk:        20,
		RequireDiversification:  true,
		MaxPositionsPerCategory: 3,
	}
}

func makeMarkets(n int) []types.Market {
	markets := make([]types.Market, n)
	for i := range markets {
		markets[i] = types.Market{
			ID:       fmt.Sprintf("mkt-%03d", i),
			Category: "politics",
		}
	}
	return markets
}

func TestRunEvaluatesAllMarkets(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(testBatchConfig(), testLogger())
	markets := makeMarkets(207) // forces three batches

	fn := func(_ context.Context, m types.Market) (types.TradeDecision, error) {
		d := types.TradeDecision{MarketID: m.ID, Side: types.SideNone}
		if m.ID == "mkt-005" || m.ID == "mkt-150" {
			d.Side = types.SideYes
			d.Edge = 20
		}
		return d, nil
	}

	results, metrics := ev.Run(context.Background(), markets, fn)
	if len(results) != 207 {
		t.Fatalf("results = %d, want 207", len(results))
	}
	if metrics.MarketsProcessed != 207 {
		t.Errorf("MarketsProcessed = %d", metrics.MarketsProcessed)
	}
	if metrics.Opportunities != 2 {
		t.Errorf("Opportunities = %d, want 2", metrics.Opportunities)
	}
	if metrics.Errors != 0 {
		t.Errorf("Errors = %d, want 0", metrics.Errors)
	}
	if metrics.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1", metrics.SuccessRate)
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].Market.ID >= results[i].Market.ID {
			t.Fatalf("results not sorted at %d: %q >= %q", i, results[i-1].Market.ID, results[i].Market.ID)
		}
	}
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(testBatchConfig(), testLogger())
	results, metrics := ev.Run(context.Background(), nil, func(context.Context, types.Market) (types.TradeDecision, error) {
		t.Error("eval called for empty input")
		return types.TradeDecision{}, nil
	})
	if len(results) != 0 || metrics.MarketsProcessed != 0 {
		t.Errorf("got %d results, processed %d", len(results), metrics.MarketsProcessed)
	}
	if metrics.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1 for empty cycle", metrics.SuccessRate)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(testBatchConfig(), testLogger())
	markets := makeMarkets(3)

	var flakyCalls atomic.Int32
	fn := func(_ context.Context, m types.Market) (types.TradeDecision, error) {
		switch m.ID {
		case "mkt-000": // fails once, then succeeds
			if flakyCalls.Add(1) == 1 {
				return types.TradeDecision{}, errors.New("transient")
			}
		case "mkt-001": // always fails
			return types.TradeDecision{}, errors.New("permanent")
		}
		return types.TradeDecision{MarketID: m.ID, Side: types.SideNone}, nil
	}

	results, metrics := ev.Run(context.Background(), markets, fn)
	if metrics.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", metrics.Errors)
	}
	byID := map[string]Result{}
	for _, r := range results {
		byID[r.Market.ID] = r
	}
	if byID["mkt-000"].Err != nil {
		t.Errorf("retried market still failed: %v", byID["mkt-000"].Err)
	}
	if byID["mkt-001"].Err == nil {
		t.Error("permanently failing market reported no error")
	}
	if got := metrics.SuccessRate; got < 0.66 || got > 0.67 {
		t.Errorf("SuccessRate = %v, want 2/3", got)
	}
}

func TestRunTaskTimeoutCountsAsError(t *testing.T) {
	t.Parallel()

	cfg := testBatchConfig()
	cfg.TaskTimeout = 10 * time.Millisecond
	cfg.RetryAttempts = 1
	ev := NewEvaluator(cfg, testLogger())

	fn := func(ctx context.Context, _ types.Market) (types.TradeDecision, error) {
		<-ctx.Done()
		return types.TradeDecision{}, ctx.Err()
	}

	results, metrics := ev.Run(context.Background(), makeMarkets(1), fn)
	if metrics.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", metrics.Errors)
	}
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", results[0].Err)
	}
}

func TestRunConcurrencyDoesNotChangeSelection(t *testing.T) {
	t.Parallel()

	markets := makeMarkets(40)
	fn := func(_ context.Context, m types.Market) (types.TradeDecision, error) {
		// Deterministic edge derived from the market ID digits.
		var n int
		fmt.Sscanf(m.ID, "mkt-%d", &n)
		d := types.TradeDecision{MarketID: m.ID, Side: types.SideNone}
		if n%3 == 0 {
			d.Side = types.SideYes
			d.Edge = 15 + float64(n%7)
			d.SizeUSD = 50
		}
		return d, nil
	}
	ledger := Ledger{PortfolioValue: 10000}

	var selections [][]string
	for _, conc := range []int{1, 50} {
		cfg := testBatchConfig()
		cfg.MaxConcurrency = conc
		ev := NewEvaluator(cfg, testLogger())
		results, _ := ev.Run(context.Background(), markets, fn)
		var ids []string
		for _, d := range ev.SelectPositive(results, ledger) {
			ids = append(ids, d.MarketID)
		}
		sort.Strings(ids)
		selections = append(selections, ids)
	}

	if len(selections[0]) == 0 {
		t.Fatal("no selections made, test is vacuous")
	}
	if fmt.Sprint(selections[0]) != fmt.Sprint(selections[1]) {
		t.Errorf("selected sets differ by concurrency:\n  conc 1:  %v\n  conc 50: %v",
			selections[0], selections[1])
	}
}

func result(id, category string, side types.Side, edge, size float64) Result {
	return Result{
		Market: types.Market{ID: id, Category: category},
		Decision: types.TradeDecision{
			MarketID: id,
			Side:     side,
			Edge:     edge,
			SizeUSD:  size,
		},
	}
}

func selectedIDs(decisions []types.TradeDecision) []string {
	ids := make([]string, len(decisions))
	for i, d := range decisions {
		ids[i] = d.MarketID
	}
	return ids
}

func TestSelectPositiveFiltersAndOrders(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(testBatchConfig(), testLogger())
	results := []Result{
		result("a", "politics", types.SideNone, 50, 100),   // no side
		result("b", "politics", types.SideYes, 10, 100),    // edge below floor
		result("c", "politics", types.SideYes, 18, 100),
		result("d", "weather", types.SideNo, 25, 100),
		{Market: types.Market{ID: "e"}, Err: errors.New("failed")}, // errored
	}

	got := selectedIDs(ev.SelectPositive(results, Ledger{PortfolioValue: 10000}))
	want := []string{"d", "c"} // edge descending
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("selected = %v, want %v", got, want)
	}
}

func TestSelectPositiveTieBreaksByMarketID(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(testBatchConfig(), testLogger())
	results := []Result{
		result("zz", "politics", types.SideYes, 20, 100),
		result("aa", "weather", types.SideYes, 20, 100),
	}

	got := selectedIDs(ev.SelectPositive(results, Ledger{PortfolioValue: 10000}))
	want := []string{"aa", "zz"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("selected = %v, want %v", got, want)
	}
}

func TestSelectPositiveRespectsRiskBudget(t *testing.T) {
	t.Parallel()

	// Budget: 20% of 10000 = 2000, with 1500 already in use.
	ev := NewEvaluator(testBatchConfig(), testLogger())
	ledger := Ledger{PortfolioValue: 10000, RiskInUse: 1500}
	results := []Result{
		result("a", "politics", types.SideYes, 30, 400), // fits: 1900
		result("b", "weather", types.SideYes, 25, 300),  // 2200 > 2000, skipped
		result("c", "crypto", types.SideYes, 20, 100),   // fits exactly: 2000
	}

	got := selectedIDs(ev.SelectPositive(results, ledger))
	want := []string{"a", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("selected = %v, want %v", got, want)
	}
}

func TestSelectPositiveCategoryCap(t *testing.T) {
	t.Parallel()

	cfg := testBatchConfig()
	cfg.MaxPositionsPerCategory = 1
	ev := NewEvaluator(cfg, testLogger())
	ledger := Ledger{
		PortfolioValue: 10000,
		CategoryCounts: map[string]int{"politics": 1},
	}
	results := []Result{
		result("a", "politics", types.SideYes, 30, 100), // category already full
		result("b", "weather", types.SideYes, 20, 100),
	}

	got := selectedIDs(ev.SelectPositive(results, ledger))
	want := []string{"b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("selected = %v, want %v", got, want)
	}

	// Without the diversification requirement the cap is ignored.
	cfg.RequireDiversification = false
	ev = NewEvaluator(cfg, testLogger())
	got = selectedIDs(ev.SelectPositive(results, ledger))
	want = []string{"a", "b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("without diversification selected = %v, want %v", got, want)
	}
}

func TestSelectPositiveZeroPortfolioSelectsNothing(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(testBatchConfig(), testLogger())
	results := []Result{result("a", "politics", types.SideYes, 30, 100)}

	if got := ev.SelectPositive(results, Ledger{}); len(got) != 0 {
		t.Errorf("selected %d decisions with zero portfolio value", len(got))
	}
}

// Package batch evaluates large market sets under a concurrency cap and
// selects which positive decisions to act on.
//
// The evaluator is mechanism only: it fans evaluation out, retries failures,
// and reports cycle metrics. What "evaluating a market" means is the
// caller's function, so the package stays decoupled from belief and trade
// internals.
package batch

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

// EvalFunc evaluates one market. A decision with side none means no trade;
// an error means the market could not be evaluated this cycle.
type EvalFunc func(ctx context.Context, market types.Market) (types.TradeDecision, error)

// Result pairs a market with its evaluation outcome. Err is non-nil when
// every attempt failed.
type Result struct {
	Market   types.Market
	Decision types.TradeDecision
	Err      error
}

// CycleMetrics summarizes one evaluator run.
type CycleMetrics struct {
	MarketsProcessed int           `json:"marketsProcessed"`
	Duration         time.Duration `json:"duration"`
	Throughput       float64       `json:"throughput"` // markets per second
	MemoryDeltaBytes int64         `json:"memoryDeltaBytes"`
	SuccessRate      float64       `json:"successRate"`
	Opportunities    int           `json:"opportunities"`
	Errors           int           `json:"errors"`
}

// Ledger is the existing-exposure snapshot selection runs against.
type Ledger struct {
	PortfolioValue float64
	RiskInUse      float64        // USD already committed to open positions
	CategoryCounts map[string]int // open positions per category
}

// Evaluator runs bounded-concurrency market evaluation.
type Evaluator struct {
	size           int
	concurrency    int
	taskTimeout    time.Duration
	retries        int
	minEdge        float64
	maxRisk        float64 // percent of portfolio value
	diversify      bool
	maxPerCategory int
	logger         *slog.Logger
}

func NewEvaluator(cfg config.BatchConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		size:           cfg.Size,
		concurrency:    cfg.MaxConcurrency,
		taskTimeout:    cfg.TaskTimeout,
		retries:        cfg.RetryAttempts,
		minEdge:        cfg.MinEdge,
		maxRisk:        cfg.MaxPortfolioRisk,
		diversify:      cfg.RequireDiversification,
		maxPerCategory: cfg.MaxPositionsPerCategory,
		logger:         logger.With("component", "batch"),
	}
}

// Run evaluates every market and returns per-market results sorted by market
// ID alongside cycle metrics. Markets are processed in fixed-size batches
// with at most the configured number of evaluations in flight.
func (e *Evaluator) Run(ctx context.Context, markets []types.Market, fn EvalFunc) ([]Result, CycleMetrics) {
	start := time.Now()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	results := make([]Result, 0, len(markets))
	for lo := 0; lo < len(markets); lo += e.size {
		hi := lo + e.size
		if hi > len(markets) {
			hi = len(markets)
		}
		results = append(results, e.runBatch(ctx, markets[lo:hi], fn)...)
		if ctx.Err() != nil {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Market.ID < results[j].Market.ID
	})

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	metrics := CycleMetrics{
		MarketsProcessed: len(results),
		Duration:         time.Since(start),
		MemoryDeltaBytes: int64(after.HeapAlloc) - int64(before.HeapAlloc),
		SuccessRate:      1,
	}
	if secs := metrics.Duration.Seconds(); secs > 0 {
		metrics.Throughput = float64(len(results)) / secs
	}
	for _, r := range results {
		if r.Err != nil {
			metrics.Errors++
			continue
		}
		if r.Decision.Side != types.SideNone {
			metrics.Opportunities++
		}
	}
	if len(results) > 0 {
		metrics.SuccessRate = float64(len(results)-metrics.Errors) / float64(len(results))
	}

	e.logger.Info("batch cycle complete",
		"markets", metrics.MarketsProcessed,
		"opportunities", metrics.Opportunities,
		"errors", metrics.Errors,
		"duration", metrics.Duration)
	return results, metrics
}

func (e *Evaluator) runBatch(ctx context.Context, markets []types.Market, fn EvalFunc) []Result {
	sem := make(chan struct{}, e.concurrency)
	out := make(chan Result, len(markets))

	var wg sync.WaitGroup
	for _, market := range markets {
		wg.Add(1)
		go func(m types.Market) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				out <- Result{Market: m, Err: ctx.Err()}
				return
			}

			decision, err := e.evalWithRetry(ctx, m, fn)
			out <- Result{Market: m, Decision: decision, Err: err}
		}(market)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]Result, 0, len(markets))
	for r := range out {
		results = append(results, r)
	}
	return results
}

// evalWithRetry gives each attempt its own timeout. Parent cancellation
// stops the retry loop immediately.
func (e *Evaluator) evalWithRetry(ctx context.Context, m types.Market, fn EvalFunc) (types.TradeDecision, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
		decision, err := fn(taskCtx, m)
		cancel()
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		e.logger.Debug("market evaluation retry",
			"market", m.ID, "attempt", attempt+1, "error", err)
	}
	e.logger.Warn("market evaluation failed",
		"market", m.ID, "attempts", e.retries+1, "error", lastErr)
	return types.TradeDecision{MarketID: m.ID, Side: types.SideNone}, lastErr
}

// SelectPositive picks which sized decisions to act on: failed and no-trade
// results are dropped, the rest are taken in edge order (ties broken by
// market ID so equal inputs always yield the same set) while total risk
// stays inside the portfolio budget and, when diversification is required,
// no category exceeds its position cap.
func (e *Evaluator) SelectPositive(results []Result, ledger Ledger) []types.TradeDecision {
	candidates := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Err != nil || r.Decision.Side == types.SideNone {
			continue
		}
		if r.Decision.Edge < e.minEdge {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Decision.Edge != candidates[j].Decision.Edge {
			return candidates[i].Decision.Edge > candidates[j].Decision.Edge
		}
		return candidates[i].Market.ID < candidates[j].Market.ID
	})

	budget := e.maxRisk / 100 * ledger.PortfolioValue
	risk := ledger.RiskInUse
	perCategory := make(map[string]int, len(ledger.CategoryCounts))
	for cat, n := range ledger.CategoryCounts {
		perCategory[cat] = n
	}

	selected := make([]types.TradeDecision, 0, len(candidates))
	for _, c := range candidates {
		if risk+c.Decision.SizeUSD > budget {
			continue
		}
		if e.diversify && perCategory[c.Market.Category] >= e.maxPerCategory {
			continue
		}
		selected = append(selected, c.Decision)
		risk += c.Decision.SizeUSD
		perCategory[c.Market.Category]++
	}
	return selected
}

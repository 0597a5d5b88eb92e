// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The exchange client supplies the active market list each tick; every
//     market gets a lazily created state holding its belief range and a
//     bounded signal history.
//  2. Signal sources produce evidence per market; the belief engine folds
//     each tick's batch into the market's belief, with the
//     confidence-vs-unknowns invariant checked on every update.
//  3. The trade engine runs the eligibility gates over updated beliefs;
//     approved decisions are sized by the portfolio manager, optionally
//     through the bounded batch evaluator and its risk-budget selector.
//  4. Sized decisions route to the execution adapter (live) or the paper
//     tracker (dry run); resolutions flow back into the calibration
//     tracker, which can tighten thresholds or halt the machine.
//  5. The state machine supervises the tick phases; any invariant breach
//     collapses it to a sticky HALT that only an operator reset clears.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"polymarket-edge/internal/api"
	"polymarket-edge/internal/audit"
	"polymarket-edge/internal/batch"
	"polymarket-edge/internal/belief"
	"polymarket-edge/internal/calibration"
	"polymarket-edge/internal/config"
	"polymarket-edge/internal/exchange"
	"polymarket-edge/internal/execution"
	"polymarket-edge/internal/fsm"
	"polymarket-edge/internal/metrics"
	"polymarket-edge/internal/notify"
	"polymarket-edge/internal/paper"
	"polymarket-edge/internal/portfolio"
	"polymarket-edge/internal/signal"
	"polymarket-edge/internal/trade"
	"polymarket-edge/pkg/types"
)

// marketState is one tracked market: the latest exchange view, the belief
// built from its signals, and the bounded history behind that belief.
// pending holds the current tick's signals between collection and the
// belief update.
type marketState struct {
	market      types.Market
	belief      types.BeliefState
	history     []types.Signal
	pending     []types.Signal
	lastChecked time.Time

	// liveDecision backs the active live order for this market, nil
	// otherwise. Paper positions carry their own entry snapshot.
	liveDecision *types.TradeDecision
}

// Engine orchestrates all components of the trading system. It owns the
// market state table and the lifecycle of every background goroutine.
type Engine struct {
	cfg       config.Config
	client    *exchange.Client
	auth      *exchange.Auth
	machine   *fsm.Machine
	beliefs   *belief.Engine
	trader    *trade.Engine
	folio     *portfolio.Manager
	tracker   *paper.Tracker
	exec      *execution.Adapter
	calib     *calibration.Tracker
	evaluator *batch.Evaluator
	sources   []signal.Source
	notifier  notify.Notifier
	auditLog  *audit.Writer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// states maps market ID → tracked state. The tick loop is the only
	// writer; status readers copy what they need under the read lock and
	// never hold it across I/O.
	states   map[string]*marketState
	statesMu sync.RWMutex

	// bookMu guards the exit-monitoring ledger: unknown counts captured at
	// paper entry, which exits have already fired, and the
	// consecutive-invalidation streak. The tick loop and the resolution
	// poller both touch it.
	bookMu        sync.Mutex
	entryUnknowns map[string]int
	firedExits    map[string]bool
	invalidations int

	// sourceDown remembers which sources are in a declared outage so the
	// emergency pass fires once per outage. Tick goroutine only.
	sourceDown map[string]bool

	// appliedAdjustments dedupes calibration recommendations so thresholds
	// move when a recommendation first appears, not again on every
	// resolution while it persists. Resolution goroutine only.
	appliedAdjustments map[calibration.AdjustmentKind]bool

	tick int // tick goroutine only

	lastCycle   batch.CycleMetrics
	lastCycleMu sync.Mutex

	// events feeds the status WebSocket stream. Nil when the status server
	// is disabled; emits never block the tick.
	events chan api.Event

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Dry run needs no wallet; in
// live mode missing L2 API credentials are derived via L1 (EIP-712) auth.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var (
		auth      *exchange.Auth
		connector execution.OrderConnector
	)
	if !cfg.DryRun {
		a, err := exchange.NewAuth(cfg)
		if err != nil {
			return nil, fmt.Errorf("wallet auth: %w", err)
		}
		auth = a
	}

	client := exchange.NewClient(cfg, auth, logger)

	if !cfg.DryRun {
		if !auth.HasL2Credentials() {
			logger.Info("no L2 credentials, deriving API key via L1...")
			creds, err := client.DeriveAPIKey(context.Background())
			if err != nil {
				return nil, fmt.Errorf("derive api key: %w", err)
			}
			auth.SetCredentials(*creds)
		}
		connector = client
	}

	sinks := make([]notify.Notifier, 0, 2)
	if cfg.Notify.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlack(cfg.Notify.SlackWebhookURL, cfg.Notify.MinInterval, logger))
	}
	var auditLog *audit.Writer
	if cfg.Audit.Enabled {
		w, err := audit.Open(cfg.Audit.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
		auditLog = w
		sinks = append(sinks, w)
	}

	sources := make([]signal.Source, 0, len(cfg.Signals.Feeds)+2)
	for _, feed := range cfg.Signals.Feeds {
		sources = append(sources, signal.NewFeedSource(feed, cfg.Signals, logger))
	}
	if cfg.Signals.PriceDriftEnabled {
		sources = append(sources, signal.NewPriceDriftSource(cfg.Signals.CleanupTTL))
	}
	if cfg.Signals.StreamEnabled {
		sources = append(sources, signal.NewStreamSource(cfg.API.WSMarketURL, cfg.Signals.CleanupTTL, logger))
	}

	var events chan api.Event
	if cfg.Status.Enabled {
		events = make(chan api.Event, 100)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:                cfg,
		client:             client,
		auth:               auth,
		machine:            fsm.New(),
		beliefs:            belief.New(cfg.Belief),
		trader:             trade.New(cfg.Trade),
		folio:              portfolio.New(cfg.Portfolio),
		exec:               execution.NewAdapter(connector, logger),
		calib:              calibration.NewTracker(cfg.Calibration.DensityEpsilon),
		evaluator:          batch.NewEvaluator(cfg.Batch, logger),
		sources:            sources,
		notifier:           notify.NewMulti(sinks...),
		auditLog:           auditLog,
		metrics:            metrics.New(),
		logger:             logger.With("component", "engine"),
		states:             make(map[string]*marketState),
		entryUnknowns:      make(map[string]int),
		firedExits:         make(map[string]bool),
		sourceDown:         make(map[string]bool),
		appliedAdjustments: make(map[calibration.AdjustmentKind]bool),
		events:             events,
		ctx:                ctx,
		cancel:             cancel,
	}
	e.tracker = paper.NewTracker(paper.Hooks{
		Opened:   e.onPaperOpened,
		Resolved: e.onPaperResolved,
		Expired:  e.onPaperExpired,
	})
	return e, nil
}

// Start launches the background loops: the main tick loop and, when paper
// trading is on, the resolution poller. It returns immediately.
func (e *Engine) Start() error {
	e.startedAt = time.Now()
	e.logger.Info("engine starting",
		"dry_run", e.cfg.DryRun,
		"sources", len(e.sources),
		"tick_interval", e.cfg.Engine.TickInterval,
		"batch_mode", e.cfg.Batch.Enabled,
	)
	e.notifier.Notify(e.ctx, notify.Event{
		Type:    notify.EventSystemStart,
		Details: fmt.Sprintf("dry_run=%t sources=%d batch=%t", e.cfg.DryRun, len(e.sources), e.cfg.Batch.Enabled),
		At:      e.startedAt,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tickLoop()
	}()

	if e.cfg.Paper.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.resolutionLoop()
		}()
	}

	// Sources with a background connection (the WS stream) run until Stop.
	for _, src := range e.sources {
		runner, ok := src.(signal.Runner)
		if !ok {
			continue
		}
		e.wg.Add(1)
		go func(name string, r signal.Runner) {
			defer e.wg.Done()
			if err := r.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("signal source stopped", "source", name, "error", err)
			}
		}(src.Name(), runner)
	}

	return nil
}

// Stop shuts down gracefully: stops the loops, cancels any open orders on
// the exchange as a safety net, waits for goroutines, and closes sinks.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	if e.exec.Live() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n, err := e.client.CancelAll(ctx); err != nil {
			e.logger.Error("cancel-all on shutdown failed", "error", err)
		} else if n > 0 {
			e.logger.Info("open orders cancelled on shutdown", "count", n)
		}
		cancel()
	}

	e.wg.Wait()

	if e.auditLog != nil {
		if err := e.auditLog.Close(); err != nil {
			e.logger.Error("audit close failed", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// Reset is the operator's exit from HALT. The invalidation streak restarts
// at zero; thresholds and beliefs stay as they were at halt time.
func (e *Engine) Reset(operator string) error {
	if err := e.machine.Reset(operator); err != nil {
		return err
	}
	e.bookMu.Lock()
	e.invalidations = 0
	e.bookMu.Unlock()
	e.metrics.SetHalted(false)
	e.logger.Warn("machine reset", "operator", operator)
	return nil
}

// forceHalt collapses the machine and fans the reason out to metrics, the
// notifier, and the event stream.
func (e *Engine) forceHalt(reason string) {
	e.machine.ForceHalt(reason)
	e.metrics.SetHalted(true)
	e.logger.Error("HALT", "reason", reason)
	now := time.Now()
	e.notifier.Notify(e.ctx, notify.Event{Type: notify.EventSystemHalt, Details: reason, At: now})
	e.emitEvent(api.NewHaltEvent(reason, now))
}

// step submits one advisory transition. A refusal means the machine has
// already recorded the attempt and collapsed, so the tick stops here.
func (e *Engine) step(to fsm.State, reason string) bool {
	if err := e.machine.Transition(to, reason); err != nil {
		e.metrics.SetHalted(true)
		e.logger.Error("state transition refused", "to", to, "error", err)
		return false
	}
	return true
}

// emitEvent pushes to the status stream without blocking the tick.
func (e *Engine) emitEvent(evt api.Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- evt:
	default:
		// stream consumer can't keep up, drop
	}
}

// snapshot returns copies of the market and belief for one tracked id.
func (e *Engine) snapshot(id string) (types.Market, types.BeliefState, bool) {
	e.statesMu.RLock()
	defer e.statesMu.RUnlock()
	st, ok := e.states[id]
	if !ok {
		return types.Market{}, types.BeliefState{}, false
	}
	return st.market, st.belief.Clone(), true
}

// mutate runs fn on the state for id under the write lock. fn must not do
// I/O.
func (e *Engine) mutate(id string, fn func(*marketState)) bool {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return false
	}
	fn(st)
	return true
}

func (e *Engine) trackedCount() int {
	e.statesMu.RLock()
	defer e.statesMu.RUnlock()
	return len(e.states)
}

// openPositionCount is total open exposure across live orders and paper
// positions.
func (e *Engine) openPositionCount() int {
	return e.exec.OpenPositionCount() + len(e.tracker.OpenPositions())
}

// openHoldings summarizes open exposure for diversification checks and the
// batch selection ledger.
func (e *Engine) openHoldings() []portfolio.Holding {
	var out []portfolio.Holding
	for _, p := range e.tracker.OpenPositions() {
		out = append(out, portfolio.Holding{
			MarketID: p.MarketID,
			Category: p.Category,
			Question: p.Question,
			SizeUSD:  p.SizeUSD,
		})
	}

	type meta struct{ category, question string }
	e.statesMu.RLock()
	withOrders := make(map[string]meta)
	for id, st := range e.states {
		if st.liveDecision != nil {
			withOrders[id] = meta{st.market.Category, st.market.Question}
		}
	}
	e.statesMu.RUnlock()

	for id, m := range withOrders {
		order, ok := e.exec.ActiveOrder(id)
		if !ok {
			continue
		}
		out = append(out, portfolio.Holding{
			MarketID: id,
			Category: m.category,
			Question: m.question,
			SizeUSD:  order.SizeUSD,
		})
	}
	return out
}

// ledger snapshots current exposure for the batch selector.
func (e *Engine) ledger() batch.Ledger {
	counts := make(map[string]int)
	risk := 0.0
	for _, h := range e.openHoldings() {
		counts[h.Category]++
		risk += h.SizeUSD
	}
	return batch.Ledger{
		PortfolioValue: e.folio.GetSnapshot().TotalValue,
		RiskInUse:      risk,
		CategoryCounts: counts,
	}
}

func (e *Engine) onPaperOpened(p types.PaperPosition) {
	e.notifier.Notify(e.ctx, notify.Event{
		Type:           notify.EventPaperOpened,
		MarketID:       p.MarketID,
		MarketQuestion: p.Question,
		Action:         fmt.Sprintf("buy %s @ %.1f", p.Side, p.EntryPrice),
		Belief:         formatBelief(p.BeliefLow, p.BeliefHigh, p.Confidence),
		Edge:           p.Edge,
		Amount:         p.SizeUSD,
		At:             p.EnteredAt,
	})
	e.emitEvent(api.NewPositionEvent(p, p.EnteredAt))
}

// onPaperResolved settles bookkeeping for one resolved simulation: realized
// P&L into the portfolio ledger, a calibration record, and whatever
// threshold adjustment or halt that record tips.
func (e *Engine) onPaperResolved(p types.PaperPosition) {
	at := time.Now()
	if p.ResolvedAt != nil {
		at = *p.ResolvedAt
	}
	pnl, _ := p.PnL.Float64()
	e.folio.RecordPnL(pnl, at)

	e.notifier.Notify(e.ctx, notify.Event{
		Type:           notify.EventPaperResolved,
		MarketID:       p.MarketID,
		MarketQuestion: p.Question,
		Action:         fmt.Sprintf("%s position settled %s", p.Side, p.Status),
		Belief:         formatBelief(p.BeliefLow, p.BeliefHigh, p.Confidence),
		Edge:           p.Edge,
		Amount:         p.SizeUSD,
		PnL:            &pnl,
		At:             at,
	})
	e.emitEvent(api.NewPositionEvent(p, at))

	if p.ActualOutcome == nil {
		return
	}

	e.bookMu.Lock()
	unknowns := e.entryUnknowns[p.ID]
	delete(e.entryUnknowns, p.ID)
	e.bookMu.Unlock()

	e.calib.Add(types.CalibrationRecord{
		MarketID:          p.MarketID,
		BeliefLowAtEntry:  p.BeliefLow,
		BeliefHighAtEntry: p.BeliefHigh,
		ConfidenceAtEntry: p.Confidence,
		UnknownsAtEntry:   unknowns,
		EdgeAtEntry:       p.Edge,
		Outcome:           *p.ActualOutcome,
		ResolvedAt:        at,
	})
	e.applyCalibration()
}

func (e *Engine) onPaperExpired(p types.PaperPosition) {
	at := time.Now()
	if p.ResolvedAt != nil {
		at = *p.ResolvedAt
	}
	e.bookMu.Lock()
	delete(e.entryUnknowns, p.ID)
	e.bookMu.Unlock()

	e.notifier.Notify(e.ctx, notify.Event{
		Type:           notify.EventPaperExpired,
		MarketID:       p.MarketID,
		MarketQuestion: p.Question,
		Details:        "market ended without resolution data",
		Amount:         p.SizeUSD,
		At:             at,
	})
	e.emitEvent(api.NewPositionEvent(p, at))
}

// applyCalibration applies newly surfaced auto-adjustments and checks the
// halt triggers. Each adjustment kind fires once and re-arms only after it
// drops out of the recommendation set, so thresholds do not ratchet on
// every resolution. Narrowing switches off when its recommendation clears;
// raised edge thresholds stay raised.
func (e *Engine) applyCalibration() {
	recs := e.calib.Recommendations()
	current := make(map[calibration.AdjustmentKind]bool, len(recs))
	for _, adj := range recs {
		current[adj.Kind] = true
		if e.appliedAdjustments[adj.Kind] {
			continue
		}
		e.appliedAdjustments[adj.Kind] = true
		switch adj.Kind {
		case calibration.RaiseEdgeThresholds:
			e.trader.RaiseEdgeThresholds(adj.EdgeDelta, adj.ConfidenceDelta)
			e.logger.Warn("calibration adjustment: edge thresholds raised",
				"edge_delta", adj.EdgeDelta,
				"confidence_delta", adj.ConfidenceDelta,
				"reason", adj.Reason)
		case calibration.NarrowBeliefRanges:
			e.beliefs.SetNarrowing(adj.NarrowBy)
			e.logger.Warn("calibration adjustment: belief narrowing on",
				"narrow_by", adj.NarrowBy,
				"reason", adj.Reason)
		}
	}
	for kind := range e.appliedAdjustments {
		if current[kind] {
			continue
		}
		delete(e.appliedAdjustments, kind)
		if kind == calibration.NarrowBeliefRanges {
			e.beliefs.SetNarrowing(0)
			e.logger.Info("calibration adjustment cleared: belief narrowing off")
		}
	}

	if reason, halt := e.calib.HaltReason(); halt {
		e.forceHalt(reason)
	}
}

func formatBelief(low, high, conf float64) string {
	return fmt.Sprintf("%.1f-%.1f @ %.0f", low, high, conf)
}

// MachineStatus summarizes the state machine for the status surface.
func (e *Engine) MachineStatus() api.MachineStatus {
	halted, reason := e.machine.Halted()
	return api.MachineStatus{
		State:              string(e.machine.State()),
		Halted:             halted,
		HaltReason:         reason,
		TrackedMarkets:     e.trackedCount(),
		OpenPaperPositions: len(e.tracker.OpenPositions()),
		StartedAt:          e.startedAt,
		Uptime:             time.Since(e.startedAt).Truncate(time.Second).String(),
	}
}

// MarketViews snapshots every tracked market, sorted by id for stable
// output.
func (e *Engine) MarketViews() []api.MarketView {
	e.statesMu.RLock()
	views := make([]api.MarketView, 0, len(e.states))
	for _, st := range e.states {
		views = append(views, api.MarketView{
			ID:        st.market.ID,
			Question:  st.market.Question,
			Category:  st.market.Category,
			Price:     st.market.CurrentPrice,
			Liquidity: st.market.Liquidity,
			ClosesAt:  st.market.ClosesAt,
			Belief: api.BeliefView{
				Low:        st.belief.Low,
				High:       st.belief.High,
				Confidence: st.belief.Confidence,
				Unknowns:   len(st.belief.Unknowns),
			},
			SignalHistoryLength: len(st.history),
			LastChecked:         st.lastChecked,
		})
	}
	e.statesMu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// PortfolioSnapshot reports value, peak, drawdown, and daily P&L.
func (e *Engine) PortfolioSnapshot() portfolio.Snapshot {
	return e.folio.GetSnapshot()
}

// PaperReport bundles paper metrics with the calibration buckets.
func (e *Engine) PaperReport() api.PaperReport {
	m := e.tracker.ComputeMetrics()
	buckets, brier := e.tracker.CalibrationBuckets()
	return api.PaperReport{
		Metrics:      m,
		ProfitFactor: api.FormatProfitFactor(m.ProfitFactor),
		Buckets:      buckets,
		Brier:        brier,
	}
}

// Performance returns the most recent batch cycle metrics.
func (e *Engine) Performance() batch.CycleMetrics {
	e.lastCycleMu.Lock()
	defer e.lastCycleMu.Unlock()
	return e.lastCycle
}

// Events returns the status event stream. Nil when the status server is
// disabled.
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// Registry exposes the engine's metric collectors for the /metrics
// endpoint.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.Registry()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"polymarket-edge/internal/api"
	"polymarket-edge/internal/belief"
	"polymarket-edge/internal/execution"
	"polymarket-edge/internal/fsm"
	"polymarket-edge/internal/notify"
	"polymarket-edge/internal/trade"
	"polymarket-edge/pkg/types"
)

// invalidationHaltStreak is how many consecutive invalidation exits halt
// the machine. A profit exit resets the streak.
const invalidationHaltStreak = 3

// tickLoop drives the observe → evaluate → monitor cycle on a fixed
// interval. The first tick runs immediately.
func (e *Engine) tickLoop() {
	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	e.runTick(time.Now())
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runTick(time.Now())
		}
	}
}

// runTick walks the machine through one full cycle. While halted only the
// deferred accounting runs; signal collection, belief updates, and trading
// all wait for an operator reset.
func (e *Engine) runTick(now time.Time) {
	e.tick++
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		e.metrics.RecordTick(elapsed)
		if soft := e.cfg.Engine.CycleSoftDeadline; soft > 0 && elapsed > soft {
			e.logger.Warn("tick exceeded soft deadline", "elapsed", elapsed, "deadline", soft)
		}
	}()

	if halted, reason := e.machine.Halted(); halted {
		e.logger.Debug("halted, skipping tick", "reason", reason)
		return
	}

	markets, err := e.client.ListActiveMarkets(e.ctx)
	if err != nil {
		e.metrics.RecordError("fetch")
		e.logger.Error("market fetch failed", "error", err)
		return
	}
	live := e.observeMarkets(markets, now)

	if !e.step(fsm.StateIngestSignal, fmt.Sprintf("%d markets tracked", len(live))) {
		return
	}
	e.collectSignals(live, now)

	if !e.step(fsm.StateUpdateBelief, "fold signal batches") {
		return
	}
	if !e.updateBeliefs(now) {
		return
	}

	if !e.step(fsm.StateEvaluateTrade, "run eligibility gates") {
		return
	}

	var decisions []types.TradeDecision
	blocked, why := e.folio.TradingBlocked(e.openPositionCount(), now)
	switch {
	case blocked && e.cfg.Portfolio.KillSwitchEnabled:
		e.forceHalt("kill switch: " + why)
		return
	case blocked:
		e.logger.Warn("trading blocked, skipping evaluation", "reason", why)
	default:
		decisions = e.evaluateMarkets(now)
	}

	if len(decisions) > 0 {
		if !e.step(fsm.StateExecuteTrade, fmt.Sprintf("%d approved decisions", len(decisions))) {
			return
		}
		e.routeDecisions(decisions, now)
		if !e.step(fsm.StateMonitor, "watch exit conditions") {
			return
		}
		e.monitorExits(now)
		if halted, _ := e.machine.Halted(); !halted {
			e.step(fsm.StateObserve, "cycle complete")
		}
	} else {
		if !e.step(fsm.StateObserve, "no eligible trade") {
			return
		}
		e.monitorExits(now)
	}

	if every := e.cfg.Engine.CleanupEveryTicks; every > 0 && e.tick%every == 0 {
		e.sweep(now)
	}
	e.relieveMemoryPressure()

	e.metrics.TrackedMarkets.Set(float64(e.trackedCount()))
	e.metrics.OpenPaperPositions.Set(float64(len(e.tracker.OpenPositions())))
}

// observeMarkets refreshes tracked market data and lazily creates state for
// markets seen for the first time. Dead markets get no state and are left
// out of the tick's working set, but a tracked market that died still has
// its record refreshed so the sweep sees the death. New markets past the
// tracking cap wait for a later tick. Returns the ids live this tick.
func (e *Engine) observeMarkets(markets []types.Market, now time.Time) []string {
	ids := make([]string, 0, len(markets))
	e.statesMu.Lock()
	for _, m := range markets {
		if m.IsDead(now) {
			if st, ok := e.states[m.ID]; ok {
				st.market = m
			}
			continue
		}
		st, ok := e.states[m.ID]
		if !ok {
			if limit := e.cfg.Engine.MaxMarkets; limit > 0 && len(e.states) >= limit {
				continue
			}
			st = &marketState{
				market:      m,
				belief:      types.NewBeliefState(m.ID, now),
				lastChecked: now,
			}
			e.states[m.ID] = st
		} else {
			st.market = m
		}
		ids = append(ids, m.ID)
	}
	e.statesMu.Unlock()
	return ids
}

// collectSignals queries every source for every live market. Source order
// is fixed, so each market's batch lists one source's evidence before the
// next's. A source whose circuit breaker is open skips its remaining
// markets and, on the first tick of the outage, triggers an emergency exit
// pass; other errors are logged and isolated to their market.
func (e *Engine) collectSignals(ids []string, now time.Time) {
	for _, src := range e.sources {
		name := src.Name()
		down := false
		for _, id := range ids {
			market, _, ok := e.snapshot(id)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Engine.SourceTimeout)
			sigs, err := src.SignalsFor(ctx, market)
			cancel()
			if err != nil {
				if errors.Is(err, gobreaker.ErrOpenState) {
					down = true
					break
				}
				e.metrics.RecordError("signals")
				e.logger.Warn("signal source error", "source", name, "market", id, "error", err)
				continue
			}
			e.appendSignals(id, sigs)
		}
		if down {
			if !e.sourceDown[name] {
				e.sourceDown[name] = true
				e.logger.Error("signal source outage", "source", name)
				e.emergencyExitPass("source outage: "+name, now)
			}
		} else if e.sourceDown[name] {
			delete(e.sourceDown, name)
			e.logger.Info("signal source recovered", "source", name)
		}
	}
}

// appendSignals records a batch into the market's pending set and bounded
// history. Truncation copies into a fresh slice so the oversized backing
// array is released.
func (e *Engine) appendSignals(id string, sigs []types.Signal) {
	if len(sigs) == 0 {
		return
	}
	e.mutate(id, func(st *marketState) {
		st.pending = append(st.pending, sigs...)
		st.history = append(st.history, sigs...)
		if max := e.cfg.Engine.MaxSignalHistory; max > 0 && len(st.history) > max {
			trimmed := make([]types.Signal, max)
			copy(trimmed, st.history[len(st.history)-max:])
			st.history = trimmed
		}
	})
	for _, sig := range sigs {
		e.metrics.RecordSignal(string(sig.Type))
	}
}

// updateBeliefs folds each market's pending batch into its belief. A batch
// the belief engine declines (speculative evidence only) decays the belief
// instead, as does an empty batch. Returns false when a confidence
// invariant breach halted the machine.
func (e *Engine) updateBeliefs(now time.Time) bool {
	var breach string

	e.statesMu.Lock()
	for id, st := range e.states {
		if len(st.pending) == 0 {
			st.belief = e.beliefs.Decay(st.belief, now)
			st.lastChecked = now
			continue
		}
		batch := st.pending
		st.pending = nil
		next, applied := e.beliefs.ApplyBatch(st.belief, batch, now)
		if !applied {
			st.belief = e.beliefs.Decay(st.belief, now)
			st.lastChecked = now
			continue
		}
		if err := belief.ValidateConfidenceInvariant(st.belief, next); err != nil {
			breach = fmt.Sprintf("confidence invariant breach on %s: %v", id, err)
			break
		}
		st.belief = next
		st.lastChecked = now
	}
	e.statesMu.Unlock()

	if breach != "" {
		e.forceHalt(breach)
		return false
	}
	return true
}

// evaluateMarkets runs the gates over every tracked market, batched when
// batch mode is on, sequentially otherwise. Markets are evaluated in id
// order so repeated runs over the same state agree.
func (e *Engine) evaluateMarkets(now time.Time) []types.TradeDecision {
	e.statesMu.RLock()
	markets := make([]types.Market, 0, len(e.states))
	for _, st := range e.states {
		markets = append(markets, st.market)
	}
	e.statesMu.RUnlock()
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	if e.cfg.Batch.Enabled {
		results, cycle := e.evaluator.Run(e.ctx, markets, e.evalOne)
		e.metrics.RecordBatchCycle(cycle.Duration)
		e.lastCycleMu.Lock()
		e.lastCycle = cycle
		e.lastCycleMu.Unlock()
		e.emitEvent(api.NewCycleEvent(cycle, now))
		return e.evaluator.SelectPositive(results, e.ledger())
	}

	var decisions []types.TradeDecision
	for _, m := range markets {
		d, err := e.evalOne(e.ctx, m)
		if err != nil || d.Side == types.SideNone {
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// evalOne runs the gates plus portfolio checks for a single market. Gate
// rejections are not errors; they come back as a no-trade decision so
// batch cycles count only real faults against their success rate.
func (e *Engine) evalOne(_ context.Context, market types.Market) (types.TradeDecision, error) {
	noTrade := types.TradeDecision{MarketID: market.ID, Side: types.SideNone}

	_, bel, ok := e.snapshot(market.ID)
	if !ok {
		return noTrade, nil
	}

	d, rej := e.trader.Evaluate(bel, market, time.Now())
	if rej != nil {
		e.metrics.RecordDecision("rejected")
		e.logger.Debug("decision rejected", "market", market.ID, "gate", rej.Gate, "detail", rej.Detail)
		return noTrade, nil
	}

	if ok, why := e.folio.CheckDiversification(market.Category, market.Question, e.openHoldings()); !ok {
		e.metrics.RecordDecision("rejected")
		e.logger.Debug("decision rejected", "market", market.ID, "gate", "diversification", "detail", why)
		return noTrade, nil
	}

	d.SizeUSD = e.folio.Size(d.Edge / 100)
	if d.SizeUSD <= 0 {
		e.metrics.RecordDecision("rejected")
		e.logger.Debug("decision rejected", "market", market.ID, "gate", "sizing", "detail", "no capital allocated")
		return noTrade, nil
	}

	e.metrics.RecordDecision("approved")
	return *d, nil
}

// routeDecisions sends approved decisions to the live adapter or the paper
// tracker. Each selected decision also produces an opportunity
// notification; candidates dropped by batch selection never reach here.
func (e *Engine) routeDecisions(decisions []types.TradeDecision, now time.Time) {
	for i := range decisions {
		d := decisions[i]
		market, bel, ok := e.snapshot(d.MarketID)
		if !ok {
			continue
		}

		e.notifier.Notify(e.ctx, notify.Event{
			Type:           notify.EventTradeOpportunity,
			MarketID:       d.MarketID,
			MarketQuestion: market.Question,
			Action:         fmt.Sprintf("buy %s @ %.1f", d.Side, d.EntryPrice),
			Details:        d.Rationale,
			Belief:         formatBelief(d.BeliefLow, d.BeliefHigh, d.Confidence),
			Edge:           d.Edge,
			Amount:         d.SizeUSD,
			At:             now,
		})

		if e.exec.Live() {
			order, err := e.exec.Place(e.ctx, &d, market, now)
			if err != nil {
				if errors.Is(err, execution.ErrPositionExists) {
					e.logger.Debug("position already open", "market", d.MarketID)
					continue
				}
				e.metrics.RecordError("execute")
				e.logger.Error("order placement failed", "market", d.MarketID, "error", err)
				continue
			}
			stash := d
			e.mutate(d.MarketID, func(st *marketState) { st.liveDecision = &stash })
			e.notifier.Notify(e.ctx, notify.Event{
				Type:           notify.EventTradeExecuted,
				MarketID:       d.MarketID,
				MarketQuestion: market.Question,
				Action:         fmt.Sprintf("order %s: buy %s @ %.1f", order.ID, d.Side, order.LimitPrice),
				Edge:           d.Edge,
				Amount:         d.SizeUSD,
				At:             now,
			})
			e.emitEvent(api.NewDecisionEvent(d, market.Question, false, now))
			continue
		}

		if !e.cfg.Paper.Enabled {
			e.logger.Info("paper trading disabled, decision logged only",
				"market", d.MarketID, "side", d.Side, "size_usd", d.SizeUSD)
			continue
		}
		if e.hasOpenPaper(d.MarketID) {
			e.logger.Debug("paper position already open", "market", d.MarketID)
			continue
		}
		pos, err := e.tracker.Open(&d, market, now)
		if err != nil {
			e.metrics.RecordError("execute")
			e.logger.Error("paper open failed", "market", d.MarketID, "error", err)
			continue
		}
		e.bookMu.Lock()
		e.entryUnknowns[pos.ID] = len(bel.Unknowns)
		e.bookMu.Unlock()
		e.emitEvent(api.NewDecisionEvent(d, market.Question, true, now))
	}
}

func (e *Engine) hasOpenPaper(marketID string) bool {
	for _, p := range e.tracker.OpenPositions() {
		if p.MarketID == marketID {
			return true
		}
	}
	return false
}

// monitorExits checks exit conditions for every open position against the
// entry-time plan. Paper positions are held to resolution, so a trigger is
// recorded and counted without closing them; live positions are closed at
// market. In batch mode live positions also close at the configured
// stop-loss and profit-target distances from entry. Each trigger counts
// once per position, and three invalidations in a row without an
// intervening profit exit halt the machine.
func (e *Engine) monitorExits(now time.Time) {
	streakHit := false

	for _, p := range e.tracker.OpenPositions() {
		market, bel, ok := e.snapshot(p.MarketID)
		if !ok {
			continue
		}
		level := trade.InvalidationLevel(p.Side, p.BeliefLow, p.BeliefHigh)
		invalidated := (p.Side == types.SideYes && bel.Low <= level) ||
			(p.Side == types.SideNo && bel.High >= level)
		if invalidated {
			if e.markFired(p.ID + "/invalidation") {
				e.logger.Warn("invalidation exit triggered, paper position held to resolution",
					"position", p.ID, "market", p.MarketID,
					"level", level, "belief_low", bel.Low, "belief_high", bel.High)
				if e.bumpInvalidations() >= invalidationHaltStreak {
					streakHit = true
				}
			}
			continue
		}
		mid := (p.BeliefLow + p.BeliefHigh) / 2
		profitHit := (p.Side == types.SideYes && market.CurrentPrice >= mid) ||
			(p.Side == types.SideNo && market.CurrentPrice <= mid)
		if profitHit && e.markFired(p.ID+"/profit") {
			e.resetInvalidations()
			e.logger.Info("profit target reached, paper position held to resolution",
				"position", p.ID, "market", p.MarketID,
				"price", market.CurrentPrice, "target", mid)
		}
	}

	type liveCheck struct {
		marketID  string
		d         types.TradeDecision
		price     float64
		low, high float64
	}
	var checks []liveCheck
	e.statesMu.RLock()
	for id, st := range e.states {
		if st.liveDecision == nil {
			continue
		}
		checks = append(checks, liveCheck{
			marketID: id,
			d:        *st.liveDecision,
			price:    st.market.CurrentPrice,
			low:      st.belief.Low,
			high:     st.belief.High,
		})
	}
	e.statesMu.RUnlock()

	type liveExit struct{ marketID, reason string }
	var toClose []liveExit
	for _, c := range checks {
		if order, ok := e.exec.ActiveOrder(c.marketID); ok &&
			(order.Status == types.OrderPending || order.Status == types.OrderPartial) {
			if _, err := e.exec.SyncOrderStatus(e.ctx, order.ID, now); err != nil {
				e.metrics.RecordError("execute")
				e.logger.Warn("order status sync failed", "order", order.ID, "error", err)
			}
		}

		level := trade.InvalidationLevel(c.d.Side, c.d.BeliefLow, c.d.BeliefHigh)
		invalidated := (c.d.Side == types.SideYes && c.low <= level) ||
			(c.d.Side == types.SideNo && c.high >= level)
		if invalidated {
			if e.markFired("order/" + c.marketID + "/invalidation") {
				if e.bumpInvalidations() >= invalidationHaltStreak {
					streakHit = true
				}
			}
			toClose = append(toClose, liveExit{c.marketID, fmt.Sprintf("invalidation: belief crossed %.1f", level)})
			continue
		}
		mid := (c.d.BeliefLow + c.d.BeliefHigh) / 2
		profitHit := (c.d.Side == types.SideYes && c.price >= mid) ||
			(c.d.Side == types.SideNo && c.price <= mid)
		if profitHit {
			if e.markFired("order/" + c.marketID + "/profit") {
				e.resetInvalidations()
			}
			toClose = append(toClose, liveExit{c.marketID, fmt.Sprintf("profit target: price reached %.1f", mid)})
			continue
		}

		if !e.cfg.Batch.Enabled {
			continue
		}
		// Price-relative exits against the entry fill, on the position's own
		// price scale.
		entry, cur := c.d.EntryPrice, c.price
		if c.d.Side == types.SideNo {
			entry, cur = 100-entry, 100-cur
		}
		if entry <= 0 {
			continue
		}
		if sl := e.cfg.Batch.StopLossPercent; sl > 0 && cur <= entry*(1-sl/100) {
			toClose = append(toClose, liveExit{c.marketID, fmt.Sprintf("stop loss: price %.1f below %.1f", cur, entry*(1-sl/100))})
			continue
		}
		if pt := e.cfg.Batch.ProfitTargetPercent; pt > 0 && cur >= entry*(1+pt/100) {
			if e.markFired("order/" + c.marketID + "/profit") {
				e.resetInvalidations()
			}
			toClose = append(toClose, liveExit{c.marketID, fmt.Sprintf("profit target: price %.1f above %.1f", cur, entry*(1+pt/100))})
		}
	}

	// Close I/O happens outside the state lock. A failed close keeps the
	// live decision in place, so the trigger re-fires next tick and the
	// close retries without recounting the streak.
	for _, x := range toClose {
		if err := e.exec.ClosePosition(e.ctx, x.marketID, now); err != nil {
			e.metrics.RecordError("execute")
			e.logger.Error("position close failed", "market", x.marketID, "error", err)
			continue
		}
		e.mutate(x.marketID, func(st *marketState) { st.liveDecision = nil })
		e.logger.Info("live position closed", "market", x.marketID, "reason", x.reason)
		e.notifier.Notify(e.ctx, notify.Event{
			Type:     notify.EventPositionClosed,
			MarketID: x.marketID,
			Details:  x.reason,
			At:       now,
		})
	}

	if streakHit {
		e.forceHalt(fmt.Sprintf("%d consecutive invalidation exits", invalidationHaltStreak))
	}
}

// markFired records an exit trigger, returning true only the first time
// the key fires.
func (e *Engine) markFired(key string) bool {
	e.bookMu.Lock()
	defer e.bookMu.Unlock()
	if e.firedExits[key] {
		return false
	}
	e.firedExits[key] = true
	return true
}

func (e *Engine) bumpInvalidations() int {
	e.bookMu.Lock()
	defer e.bookMu.Unlock()
	e.invalidations++
	return e.invalidations
}

func (e *Engine) resetInvalidations() {
	e.bookMu.Lock()
	defer e.bookMu.Unlock()
	e.invalidations = 0
}

// emergencyExitPass closes every live position at market after a systemic
// fault. Paper positions ride to resolution; live exposure is what has to
// go when the evidence feed goes dark.
func (e *Engine) emergencyExitPass(reason string, now time.Time) {
	e.notifier.Notify(e.ctx, notify.Event{
		Type:    notify.EventError,
		Details: "emergency exit pass: " + reason,
		At:      now,
	})

	var withOrders []string
	e.statesMu.RLock()
	for id, st := range e.states {
		if st.liveDecision != nil {
			withOrders = append(withOrders, id)
		}
	}
	e.statesMu.RUnlock()

	for _, id := range withOrders {
		if err := e.exec.ClosePosition(e.ctx, id, now); err != nil {
			e.metrics.RecordError("execute")
			e.logger.Error("emergency close failed", "market", id, "error", err)
			continue
		}
		e.mutate(id, func(st *marketState) { st.liveDecision = nil })
		e.notifier.Notify(e.ctx, notify.Event{
			Type:     notify.EventPositionClosed,
			MarketID: id,
			Details:  "emergency exit: " + reason,
			At:       now,
		})
	}

	if open := len(e.tracker.OpenPositions()); open > 0 {
		e.logger.Warn("emergency exit pass complete, paper positions held to resolution",
			"reason", reason, "open_paper", open)
	}
}

// sweep evicts dead markets from the state table, lets sources drop their
// per-market caches, and prunes exit records whose positions are gone.
func (e *Engine) sweep(now time.Time) {
	var evicted int
	e.statesMu.Lock()
	for id, st := range e.states {
		if st.market.IsDead(now) {
			delete(e.states, id)
			evicted++
		}
	}
	e.statesMu.Unlock()

	if evicted > 0 {
		e.logger.Info("dead markets evicted", "count", evicted)
	}
	for _, src := range e.sources {
		src.Cleanup(now)
	}
	e.pruneFiredExits()
}

// pruneFiredExits drops fired-exit records whose owning position no longer
// exists. Keys are <owner>/<kind>, where owner is a paper position id or
// order/<marketID>.
func (e *Engine) pruneFiredExits() {
	alive := make(map[string]bool)
	for _, p := range e.tracker.OpenPositions() {
		alive[p.ID] = true
	}
	e.statesMu.RLock()
	for id, st := range e.states {
		if st.liveDecision != nil {
			alive["order/"+id] = true
		}
	}
	e.statesMu.RUnlock()

	e.bookMu.Lock()
	for key := range e.firedExits {
		owner := key
		if i := strings.LastIndex(key, "/"); i >= 0 {
			owner = key[:i]
		}
		if !alive[owner] {
			delete(e.firedExits, key)
		}
	}
	e.bookMu.Unlock()
}

// relieveMemoryPressure trims signal histories and evicts the stalest
// markets when heap use crosses the configured ceiling. Belief states
// survive; only the evidence record shrinks.
func (e *Engine) relieveMemoryPressure() {
	if e.cfg.Engine.MemoryCriticalMB <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := int(ms.HeapAlloc >> 20)
	if heapMB < e.cfg.Engine.MemoryCriticalMB {
		return
	}

	limit := e.cfg.Engine.AggressiveSignalLimit
	trimmed := 0
	var dropped int

	e.statesMu.Lock()
	for _, st := range e.states {
		if limit > 0 && len(st.history) > limit {
			keep := make([]types.Signal, limit)
			copy(keep, st.history[len(st.history)-limit:])
			st.history = keep
			trimmed++
		}
	}
	// Evict the stalest 2% of tracked markets.
	if drop := len(e.states) / 50; drop > 0 {
		type staleness struct {
			id string
			at time.Time
		}
		stale := make([]staleness, 0, len(e.states))
		for id, st := range e.states {
			stale = append(stale, staleness{id, st.lastChecked})
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i].at.Before(stale[j].at) })
		for i := 0; i < drop; i++ {
			delete(e.states, stale[i].id)
		}
		dropped = drop
	}
	e.statesMu.Unlock()

	e.logger.Warn("memory pressure relief",
		"heap_mb", heapMB,
		"limit_mb", e.cfg.Engine.MemoryCriticalMB,
		"histories_trimmed", trimmed,
		"markets_evicted", dropped)
}

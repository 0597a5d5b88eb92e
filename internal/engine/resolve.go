package engine

import (
	"time"
)

// resolutionLoop polls open paper positions for market resolution. It runs
// independently of the tick loop and keeps running while the machine is
// halted: resolutions are facts about the world, not trading decisions,
// and the calibration record should not stall because the machine did.
func (e *Engine) resolutionLoop() {
	interval := e.cfg.Paper.ResolutionCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollResolutions(time.Now())
		}
	}
}

// pollResolutions refreshes each open position's market and settles the
// ones that resolved. Markets that ended without resolution data expire
// instead; fetch failures leave the position open for the next poll.
func (e *Engine) pollResolutions(now time.Time) {
	for _, p := range e.tracker.OpenPositions() {
		m, err := e.client.GetMarket(e.ctx, p.MarketID)
		if err != nil {
			e.metrics.RecordError("resolve")
			e.logger.Warn("resolution check failed", "market", p.MarketID, "error", err)
			continue
		}
		switch {
		case m.IsResolved():
			pos, settled, err := e.tracker.Resolve(p.ID, *m.ResolutionOutcome, now)
			if err != nil {
				e.metrics.RecordError("resolve")
				e.logger.Warn("paper resolve failed", "position", p.ID, "error", err)
				continue
			}
			if settled {
				pnl, _ := pos.PnL.Float64()
				e.logger.Info("paper position resolved",
					"position", p.ID, "market", p.MarketID,
					"outcome", *m.ResolutionOutcome, "pnl", pnl)
			}
		case m.IsDead(now):
			_, expired, err := e.tracker.Expire(p.ID, now)
			if err != nil {
				e.metrics.RecordError("resolve")
				e.logger.Warn("paper expire failed", "position", p.ID, "error", err)
				continue
			}
			if expired {
				e.logger.Info("paper position expired",
					"position", p.ID, "market", p.MarketID)
			}
		}
	}
}

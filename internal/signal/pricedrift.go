package signal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"polymarket-edge/pkg/types"
)

// Price moves below this many points since the last observation produce no
// signal at all.
const driftMinPoints = 5.0

// PriceDriftSource derives quantitative signals from the market's own price
// action. When the price has moved materially since the last tick, that
// move is itself evidence the crowd learned something, delivered at the
// bounded impact of a quantitative signal rather than trusted outright.
//
// State is one price mark per market under a mutex, evicted by Cleanup once
// a market has not been observed for the TTL.
type PriceDriftSource struct {
	mu   sync.Mutex
	last map[string]priceMark
	ttl  time.Duration
}

type priceMark struct {
	price  float64
	seenAt time.Time
}

// NewPriceDriftSource builds the drift source with the given eviction TTL.
func NewPriceDriftSource(ttl time.Duration) *PriceDriftSource {
	return &PriceDriftSource{
		last: make(map[string]priceMark),
		ttl:  ttl,
	}
}

// Name identifies the source in logs and audit entries.
func (p *PriceDriftSource) Name() string { return "price-drift" }

// SignalsFor compares the market's current price to its previous mark and
// emits at most one quantitative signal. The first observation of a market
// only records the mark.
func (p *PriceDriftSource) SignalsFor(_ context.Context, market types.Market) ([]types.Signal, error) {
	if market.CurrentPrice <= 0 {
		return nil, nil
	}
	now := time.Now()

	p.mu.Lock()
	prev, ok := p.last[market.ID]
	p.last[market.ID] = priceMark{price: market.CurrentPrice, seenAt: now}
	p.mu.Unlock()

	if !ok {
		return nil, nil
	}

	delta := market.CurrentPrice - prev.price
	if math.Abs(delta) < driftMinPoints {
		return nil, nil
	}

	direction := types.DirectionUp
	if delta < 0 {
		direction = types.DirectionDown
	}

	return []types.Signal{{
		MarketID:    market.ID,
		Type:        types.SignalQuantitative,
		Direction:   direction,
		Strength:    driftStrength(delta),
		Source:      p.Name(),
		Description: fmt.Sprintf("price moved %+.1f points since last observation", delta),
		ObservedAt:  now,
	}}, nil
}

// driftStrength maps move size onto the 1..5 scale: roughly one step per
// five points of drift.
func driftStrength(delta float64) int {
	return clampStrength(int(math.Round(math.Abs(delta) / 5)))
}

// Cleanup evicts price marks for markets not observed within the TTL.
func (p *PriceDriftSource) Cleanup(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, mark := range p.last {
		if now.Sub(mark.seenAt) > p.ttl {
			delete(p.last, id)
		}
	}
}

package api

import (
	"time"

	"polymarket-edge/internal/batch"
	"polymarket-edge/pkg/types"
)

// Event is the wrapper for everything streamed over /ws.
type Event struct {
	Type      string    `json:"type"` // "decision", "halt", "position", "cycle"
	Timestamp time.Time `json:"timestamp"`
	MarketID  string    `json:"market_id,omitempty"`
	Data      any       `json:"data"`
}

// DecisionEvent is emitted when the gates approve a trade.
type DecisionEvent struct {
	Question   string  `json:"question"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Edge       float64 `json:"edge"`
	SizeUSD    float64 `json:"size_usd"`
	BeliefLow  float64 `json:"belief_low"`
	BeliefHigh float64 `json:"belief_high"`
	Paper      bool    `json:"paper"`
}

// HaltEvent is emitted when the state machine enters HALT.
type HaltEvent struct {
	Reason string `json:"reason"`
}

// PositionEvent is emitted when a paper position opens or closes.
type PositionEvent struct {
	PositionID string   `json:"position_id"`
	Question   string   `json:"question"`
	Side       string   `json:"side"`
	EntryPrice float64  `json:"entry_price"`
	Status     string   `json:"status"`
	PnL        *float64 `json:"pnl,omitempty"`
}

// NewDecisionEvent wraps an approved decision for the stream.
func NewDecisionEvent(d types.TradeDecision, question string, paperMode bool, at time.Time) Event {
	return Event{
		Type:      "decision",
		Timestamp: at,
		MarketID:  d.MarketID,
		Data: DecisionEvent{
			Question:   question,
			Side:       string(d.Side),
			EntryPrice: d.EntryPrice,
			Edge:       d.Edge,
			SizeUSD:    d.SizeUSD,
			BeliefLow:  d.BeliefLow,
			BeliefHigh: d.BeliefHigh,
			Paper:      paperMode,
		},
	}
}

// NewHaltEvent wraps a halt for the stream.
func NewHaltEvent(reason string, at time.Time) Event {
	return Event{
		Type:      "halt",
		Timestamp: at,
		Data:      HaltEvent{Reason: reason},
	}
}

// NewPositionEvent wraps a paper-position lifecycle change for the stream.
func NewPositionEvent(p types.PaperPosition, at time.Time) Event {
	evt := Event{
		Type:      "position",
		Timestamp: at,
		MarketID:  p.MarketID,
		Data: PositionEvent{
			PositionID: p.ID,
			Question:   p.Question,
			Side:       string(p.Side),
			EntryPrice: p.EntryPrice,
			Status:     string(p.Status),
		},
	}
	if p.Status != types.PaperOpen {
		pnl, _ := p.PnL.Float64()
		data := evt.Data.(PositionEvent)
		data.PnL = &pnl
		evt.Data = data
	}
	return evt
}

// NewCycleEvent wraps batch cycle metrics for the stream.
func NewCycleEvent(m batch.CycleMetrics, at time.Time) Event {
	return Event{
		Type:      "cycle",
		Timestamp: at,
		Data:      m,
	}
}

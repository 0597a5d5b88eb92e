// Package notify delivers bot lifecycle events to external sinks.
//
// The core fires events through the Notifier interface and never learns
// whether delivery worked: sinks log their own failures. This keeps trading
// decisions independent of Slack outages and lets the audit writer hang off
// the same hook as human-facing notifications.
package notify

import (
	"context"
	"fmt"
	"time"
)

// EventType is the audit/notification event code.
type EventType string

const (
	EventTradeOpportunity EventType = "TRADE_OPPORTUNITY" // gates passed, decision approved
	EventTradeExecuted    EventType = "TRADE_EXECUTED"    // order placed (live or simulated)
	EventPositionClosed   EventType = "POSITION_CLOSED"   // execution slot released
	EventPaperOpened      EventType = "PAPER_OPENED"      // paper position created
	EventPaperResolved    EventType = "PAPER_RESOLVED"    // paper position hit resolution
	EventPaperExpired     EventType = "PAPER_EXPIRED"     // market died without resolving
	EventSystemStart      EventType = "SYSTEM_START"
	EventSystemHalt       EventType = "SYSTEM_HALT"
	EventError            EventType = "ERROR"
	EventDailySummary     EventType = "DAILY_SUMMARY"
)

// Event is one notification. Fields beyond Type are optional and left zero
// when they do not apply.
type Event struct {
	Type           EventType
	MarketID       string
	MarketQuestion string
	Action         string   // e.g. "buy yes @ 44.0"
	Details        string   // free text
	Belief         string   // formatted range, e.g. "60.0-72.0 @ 74"
	Edge           float64  // pct points
	Amount         float64  // USD
	PnL            *float64 // set on resolution events
	At             time.Time
}

// Notifier receives events. Implementations must not block the caller for
// long and must swallow their own delivery failures.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Format renders the event as a single human-readable line.
func (e Event) Format() string {
	msg := "[" + string(e.Type) + "]"
	if e.MarketQuestion != "" {
		msg += " " + e.MarketQuestion
	}
	if e.Action != "" {
		msg += " — " + e.Action
	}
	if e.Belief != "" {
		msg += fmt.Sprintf(" (edge %.1f, belief %s)", e.Edge, e.Belief)
	}
	if e.Amount != 0 {
		msg += fmt.Sprintf(" $%.2f", e.Amount)
	}
	if e.PnL != nil {
		msg += fmt.Sprintf(" pnl %+.2f", *e.PnL)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Multi fans an event out to several sinks in order.
type Multi struct {
	sinks []Notifier
}

// NewMulti builds a fan-out notifier. Nil sinks are skipped.
func NewMulti(sinks ...Notifier) *Multi {
	kept := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept}
}

// Notify delivers to every sink.
func (m *Multi) Notify(ctx context.Context, event Event) {
	for _, s := range m.sinks {
		s.Notify(ctx, event)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: signals, belief states,
// markets, trade decisions, orders, paper positions, and calibration records.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position in a binary market.
type Side string

const (
	SideYes  Side = "yes"
	SideNo   Side = "no"
	SideNone Side = "none" // no trade
)

// Outcome is the resolved result of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Indicator maps an outcome onto the percentage scale: yes = 100, no = 0.
func (o Outcome) Indicator() float64 {
	if o == OutcomeYes {
		return 100
	}
	return 0
}

// SignalType classifies a piece of evidence by the reliability of its source.
// The type bounds how far a single signal may move a belief range.
type SignalType string

const (
	SignalAuthoritative SignalType = "authoritative" // primary source: official rulings, filings, on-chain facts
	SignalProcedural    SignalType = "procedural"    // scheduled process steps: votes, hearings, launches
	SignalQuantitative  SignalType = "quantitative"  // measured data: polls, prices, on-chain metrics
	SignalInterpretive  SignalType = "interpretive"  // expert analysis and commentary
	SignalSpeculative   SignalType = "speculative"   // rumor, social chatter
)

// DefaultImpactCap returns the default maximum belief shift (in percentage
// points of outcome space) a signal of this type can cause at full strength.
// Callers may override caps via configuration.
func (t SignalType) DefaultImpactCap() float64 {
	switch t {
	case SignalAuthoritative:
		return 20
	case SignalProcedural:
		return 15
	case SignalQuantitative:
		return 10
	case SignalInterpretive:
		return 7
	case SignalSpeculative:
		return 3
	default:
		return 0
	}
}

// SignalDirection says which way a signal pushes the belief range.
type SignalDirection string

const (
	DirectionUp      SignalDirection = "up"
	DirectionDown    SignalDirection = "down"
	DirectionNeutral SignalDirection = "neutral"
)

// Factor returns the shift multiplier: +1 for up, -1 for down, 0 for neutral.
func (d SignalDirection) Factor() float64 {
	switch d {
	case DirectionUp:
		return 1
	case DirectionDown:
		return -1
	default:
		return 0
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals and beliefs
// ————————————————————————————————————————————————————————————————————————

// Signal is one discrete piece of evidence about a market outcome.
type Signal struct {
	MarketID    string          // market this evidence concerns
	Type        SignalType      // reliability class, bounds the impact
	Direction   SignalDirection // up / down / neutral
	Strength    int             // 1 (weak) to 5 (strong)
	Conflicts   bool            // contradicts evidence already incorporated
	Source      string          // producing source name, e.g. "feed:reuters"
	Description string          // free-text summary
	ObservedAt  time.Time
}

// Unknown is an open question that weakens confidence until resolved.
// Identity (ID) only matters for add/remove; the count is what drives
// confidence accounting.
type Unknown struct {
	ID          string
	Description string
	AddedAt     time.Time
}

// BeliefState is the per-market probabilistic view: a range of plausible
// yes-probabilities rather than a point estimate. Bounds are percentages in
// [0, 100] with Low <= High; Confidence is clamped to [30, 95].
type BeliefState struct {
	MarketID    string
	Low         float64   // lower bound of the plausible yes-probability, pct
	High        float64   // upper bound, pct
	Confidence  float64   // reliability of the range itself, 30..95
	Unknowns    []Unknown // open questions counted against confidence
	LastUpdated time.Time // last signal-driven revision
}

// Belief bounds and confidence for a freshly observed market.
const (
	DefaultBeliefLow  = 40.0
	DefaultBeliefHigh = 60.0
	DefaultConfidence = 50.0

	ConfidenceMin = 30.0
	ConfidenceMax = 95.0
)

// NewBeliefState returns the neutral starting belief for a market: a wide
// 40-60 range at confidence 50 with no recorded unknowns.
func NewBeliefState(marketID string, now time.Time) BeliefState {
	return BeliefState{
		MarketID:    marketID,
		Low:         DefaultBeliefLow,
		High:        DefaultBeliefHigh,
		Confidence:  DefaultConfidence,
		LastUpdated: now,
	}
}

// Width returns beliefHigh - beliefLow in percentage points.
func (b BeliefState) Width() float64 {
	return b.High - b.Low
}

// Contains reports whether price (pct) lies inside the closed belief range.
func (b BeliefState) Contains(price float64) bool {
	return price >= b.Low && price <= b.High
}

// Clone returns a deep copy; the unknowns slice is not shared.
func (b BeliefState) Clone() BeliefState {
	out := b
	if len(b.Unknowns) > 0 {
		out.Unknowns = make([]Unknown, len(b.Unknowns))
		copy(out.Unknowns, b.Unknowns)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// ResolutionCriteria describes how a market resolves. Both flags must be
// true before the trade engine will consider the market at all.
type ResolutionCriteria struct {
	AuthorityIsClear   bool   // a named authority decides the outcome
	OutcomeIsObjective bool   // the outcome is a verifiable fact, not a judgment call
	Authority          string // resolving authority, informational
	Description        string // resolution text, informational
}

// Market is the bot's view of one binary prediction market. Identity fields
// are immutable; price/liquidity fields refresh every tick from the exchange.
type Market struct {
	ID       string // exchange market ID
	Question string // the prediction question, e.g. "Will X happen by Y?"
	Category string // lowercase category slug, e.g. "politics"
	Criteria ResolutionCriteria

	YesTokenID string // CLOB token ID for the YES outcome (live execution)
	NoTokenID  string // CLOB token ID for the NO outcome
	NegRisk    bool   // market settles through the negative-risk adapter

	CurrentPrice float64 // last yes-price as a percentage, 0..100
	Liquidity    float64 // total USD liquidity on the book
	Volume24h    float64 // trailing 24-hour volume in USD

	CreatedAt time.Time
	ClosesAt  time.Time // scheduled close; past this the market is dead to us
	Closed    bool      // exchange reports the market closed

	ResolvedAt        *time.Time // set once the market resolved
	ResolutionOutcome *Outcome   // yes/no, set with ResolvedAt
}

// IsResolved reports whether the market has a recorded resolution.
func (m Market) IsResolved() bool {
	return m.ResolvedAt != nil && m.ResolutionOutcome != nil
}

// IsDead reports whether the market should no longer be tracked: closed,
// resolved, or past its scheduled close.
func (m Market) IsDead(now time.Time) bool {
	if m.Closed || m.IsResolved() {
		return true
	}
	return !m.ClosesAt.IsZero() && now.After(m.ClosesAt)
}

// ————————————————————————————————————————————————————————————————————————
// Trade decisions
// ————————————————————————————————————————————————————————————————————————

// ExitKind classifies an exit-plan entry.
type ExitKind string

const (
	ExitInvalidation ExitKind = "invalidation" // belief moved against the position
	ExitProfit       ExitKind = "profit"       // price crossed the entry belief midpoint
	ExitEmergency    ExitKind = "emergency"    // invariant breach or source outage
)

// ExitCondition is one entry of a decision's exit plan.
type ExitCondition struct {
	Kind        ExitKind
	Description string
	Threshold   float64 // trigger level in the units the description names
}

// TradeDecision is an approved trade from the eligibility gates. SizeUSD is
// zero until the portfolio manager fills it in.
type TradeDecision struct {
	MarketID      string
	Side          Side
	EntryPrice    float64 // market price at decision time, pct
	Edge          float64 // gap to the nearer belief bound, pct points
	SizeUSD       float64 // filled in by position sizing
	BeliefLow     float64 // belief bounds at decision time
	BeliefHigh    float64
	Confidence    float64
	ExitPlan      []ExitCondition // always >= 3 entries
	Rationale     string          // one-sentence human summary
	RationaleHash string          // stable hash of Rationale for audit dedupe
	Timestamp     time.Time
}

// HasExit reports whether the exit plan contains an entry of the given kind.
func (d TradeDecision) HasExit(kind ExitKind) bool {
	for _, e := range d.ExitPlan {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Rejection is the normal negative outcome of trade evaluation: the name of
// the first gate that failed plus a human-readable detail.
type Rejection struct {
	MarketID string
	Gate     string
	Detail   string
}

func (r Rejection) String() string {
	return r.Gate + ": " + r.Detail
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderStatus is the lifecycle state of an order held by the execution
// adapter.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is the execution adapter's record of one limit order. Limit orders
// only; the bot never sends market orders.
type Order struct {
	ID         string // internal order id
	ExternalID string // exchange order id, empty in simulation
	MarketID   string
	Side       Side
	SizeUSD    float64
	LimitPrice float64 // pct, 0..100
	Status     OrderStatus
	FilledSize float64 // USD filled so far
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LiveOrderRequest is what the execution adapter hands the exchange
// connector: a limit order on one CLOB token, price on the exchange's 0..1
// scale.
type LiveOrderRequest struct {
	TokenID string
	Price   float64 // 0..1
	SizeUSD float64
	Side    string // "BUY" or "SELL"
	NegRisk bool   // selects the exchange contract the order is signed for
}

// LiveOrderStatus is the exchange's view of a submitted order.
type LiveOrderStatus struct {
	Status       string  // "live", "matched", "cancelled"
	FilledAmount float64 // USD filled
}

// OrderBookLevel is one price level of an order book.
type OrderBookLevel struct {
	Price float64 // pct, 0..100
	Size  float64 // tokens available
}

// OrderBook is a point-in-time book snapshot from the exchange adapter.
// Books are keyed by token: each side of a binary market has its own.
type OrderBook struct {
	MarketID  string
	TokenID   string
	Bids      []OrderBookLevel // sorted best (highest) first
	Asks      []OrderBookLevel // sorted best (lowest) first
	FetchedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Paper trading
// ————————————————————————————————————————————————————————————————————————

// PaperStatus is the lifecycle state of a simulated position.
type PaperStatus string

const (
	PaperOpen    PaperStatus = "open"
	PaperWin     PaperStatus = "win"
	PaperLoss    PaperStatus = "loss"
	PaperExpired PaperStatus = "expired" // market closed without resolution data
)

// PaperPosition is one simulated position. Money amounts are tracked as
// decimals so ledger totals stay exact over long runs.
type PaperPosition struct {
	ID         string
	MarketID   string
	Question   string
	Category   string
	Side       Side
	EntryPrice float64 // pct at entry
	SizeUSD    float64
	BeliefLow  float64 // belief bounds at entry
	BeliefHigh float64
	Confidence float64
	Edge       float64 // pct points at entry
	Status     PaperStatus
	EnteredAt  time.Time

	ActualOutcome *Outcome        // set at resolution
	ExitPrice     float64         // pct: 100 or 0 at resolution
	PnL           decimal.Decimal // (exit - entry) * size / 100
	ResolvedAt    *time.Time
}

// BeliefMidpoint returns the midpoint of the entry belief range, used for
// calibration bucketing.
func (p PaperPosition) BeliefMidpoint() float64 {
	return (p.BeliefLow + p.BeliefHigh) / 2
}

// ————————————————————————————————————————————————————————————————————————
// Calibration
// ————————————————————————————————————————————————————————————————————————

// CalibrationRecord snapshots what the bot believed when it entered a
// position, paired with how the market actually resolved.
type CalibrationRecord struct {
	MarketID          string
	BeliefLowAtEntry  float64
	BeliefHighAtEntry float64
	ConfidenceAtEntry float64
	UnknownsAtEntry   int
	EdgeAtEntry       float64 // pct points
	Outcome           Outcome
	ResolvedAt        time.Time
}

// Covered reports whether the resolved outcome landed inside the entry
// belief range (yes maps to 100, no maps to 0).
func (r CalibrationRecord) Covered() bool {
	v := r.Outcome.Indicator()
	return v >= r.BeliefLowAtEntry && v <= r.BeliefHighAtEntry
}

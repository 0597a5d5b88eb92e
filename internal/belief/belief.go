// Package belief implements the belief engine: pure revision of per-market
// belief ranges from typed signals.
//
// A belief is a range [low, high] of plausible yes-probabilities plus a
// confidence scalar and a ledger of open unknowns. Signals move the range by
// at most an impact cap scaled by strength; conflicting signals widen rather
// than translate it. Confidence is recomputed from evidence counts and is
// never allowed to rise while the unknown count grows.
package belief

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-edge/internal/config"
	"polymarket-edge/pkg/types"
)

// Shift and widening constants. A signal can move the range by at most 60%
// of its current width no matter how strong; conflicting evidence widens
// each end by 25% of the pre-shift width.
const (
	maxShiftWidthFraction = 0.6
	conflictWidenFraction = 0.25

	confidenceBase      = 50.0
	authoritativeBonus  = 10.0
	proceduralBonus     = 5.0
	unknownPenalty      = 7.0
	conflictPenalty     = 10.0
	stalenessPerDay     = 0.5
	maxTrackedUnknowns  = 10
	resolveMinStrength  = 4 // authoritative strength needed to settle an unknown
)

// InvariantError reports a violated belief invariant. The orchestrator
// treats any InvariantError as fatal and halts the machine.
type InvariantError struct {
	Invariant string // short name, e.g. "unknowns-vs-confidence"
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("belief invariant %s violated: %s", e.Invariant, e.Detail)
}

// Engine applies signals to belief states. All state transitions are value
// in, value out; the only mutable field is the calibration-driven range
// narrowing, guarded by its own lock.
type Engine struct {
	caps map[types.SignalType]float64

	mu       sync.RWMutex
	narrowBy float64 // points shaved off each bound at update time
}

// New builds an engine from config. Impact caps missing from the config fall
// back to the built-in per-type defaults.
func New(cfg config.BeliefConfig) *Engine {
	caps := make(map[types.SignalType]float64, 5)
	for _, st := range []types.SignalType{
		types.SignalAuthoritative,
		types.SignalProcedural,
		types.SignalQuantitative,
		types.SignalInterpretive,
		types.SignalSpeculative,
	} {
		caps[st] = st.DefaultImpactCap()
		if override, ok := cfg.ImpactCaps[string(st)]; ok {
			caps[st] = override
		}
	}
	return &Engine{caps: caps, narrowBy: cfg.NarrowRangesBy}
}

// SetNarrowing adjusts the per-update range narrowing. Calibration raises it
// to 2 when coverage runs persistently high.
func (e *Engine) SetNarrowing(points float64) {
	e.mu.Lock()
	e.narrowBy = points
	e.mu.Unlock()
}

// Narrowing returns the current per-update narrowing in points.
func (e *Engine) Narrowing() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.narrowBy
}

// ApplySignal applies a single signal. Equivalent to ApplyBatch with a
// one-element batch, so a lone speculative signal is a no-op.
func (e *Engine) ApplySignal(state types.BeliefState, sig types.Signal, now time.Time) (types.BeliefState, bool) {
	return e.ApplyBatch(state, []types.Signal{sig}, now)
}

// ApplyBatch applies one tick's signals to a belief state, in order, and
// returns the revised state. The second return is false when the batch was
// speculative-only: rumor alone never moves a belief, so the input state is
// returned untouched and the caller should decay instead of refresh.
//
// Batch application also maintains the unknowns ledger: a conflicting signal
// raises an open question, and a strong authoritative signal without
// conflict settles the oldest one. If the ledger grew across the update the
// recomputed confidence is capped at the prior confidence.
func (e *Engine) ApplyBatch(state types.BeliefState, batch []types.Signal, now time.Time) (types.BeliefState, bool) {
	if !hasNonSpeculative(batch) {
		return state, false
	}

	next := state.Clone()
	hasConflict := false
	nAuth, nProc := 0, 0

	for _, sig := range batch {
		next = e.shift(next, sig)

		switch sig.Type {
		case types.SignalAuthoritative:
			nAuth++
		case types.SignalProcedural:
			nProc++
		}
		if sig.Conflicts {
			hasConflict = true
			next = AddUnknown(next, "conflicting evidence: "+sig.Description, now)
		} else if sig.Type == types.SignalAuthoritative && sig.Strength >= resolveMinStrength {
			next = resolveOldestUnknown(next)
		}
	}

	next = e.narrow(next)

	days := daysBetween(state.LastUpdated, now)
	next.Confidence = FreshConfidence(nAuth, nProc, len(next.Unknowns), hasConflict, days)
	if len(next.Unknowns) > len(state.Unknowns) && next.Confidence > state.Confidence {
		next.Confidence = state.Confidence
	}
	next.LastUpdated = now

	return next, true
}

// shift moves the belief bounds for one signal. A clean signal translates
// the whole range toward its direction. A conflicting signal never drags the
// far bound along: only the leading bound advances, and both ends then widen
// by a quarter of the pre-shift width.
func (e *Engine) shift(state types.BeliefState, sig types.Signal) types.BeliefState {
	width := state.Width()
	maxShift := e.caps[sig.Type] * float64(clampStrength(sig.Strength)) / 5
	shift := math.Min(maxShift, width*maxShiftWidthFraction)
	dir := sig.Direction.Factor()

	low, high := state.Low, state.High
	if sig.Conflicts {
		switch {
		case dir > 0:
			high += shift
		case dir < 0:
			low -= shift
		}
		low -= width * conflictWidenFraction
		high += width * conflictWidenFraction
	} else {
		low += shift * dir
		high += shift * dir
	}

	state.Low, state.High = clampRange(low, high)
	return state
}

// narrow applies the calibration-driven range narrowing, collapsing to the
// midpoint if the range is narrower than twice the adjustment.
func (e *Engine) narrow(state types.BeliefState) types.BeliefState {
	n := e.Narrowing()
	if n <= 0 {
		return state
	}
	if state.Width() <= 2*n {
		mid := (state.Low + state.High) / 2
		state.Low, state.High = mid, mid
		return state
	}
	state.Low, state.High = clampRange(state.Low+n, state.High-n)
	return state
}

// FreshConfidence recomputes confidence from scratch after a signal-driven
// update: a base of 50 plus evidence bonuses, minus penalties for open
// unknowns, conflicting evidence, and staleness. Clamped to [30, 95].
func FreshConfidence(nAuthoritative, nProcedural, nUnknowns int, hasConflicts bool, daysSinceLastSignal float64) float64 {
	conf := confidenceBase +
		authoritativeBonus*float64(nAuthoritative) +
		proceduralBonus*float64(nProcedural) -
		unknownPenalty*float64(nUnknowns) -
		stalenessPerDay*daysSinceLastSignal
	if hasConflicts {
		conf -= conflictPenalty
	}
	return clampConfidence(conf)
}

// DecayConfidence lowers confidence on a market that saw no meaningful
// update: the prior confidence minus penalties for open unknowns and days
// without a signal. Clamped to [30, 95].
func DecayConfidence(prior float64, nUnknowns int, daysSinceLastSignal float64) float64 {
	return clampConfidence(prior - unknownPenalty*float64(nUnknowns) - stalenessPerDay*daysSinceLastSignal)
}

// Decay returns the state with confidence decayed as of now. Bounds and
// unknowns are untouched.
func (e *Engine) Decay(state types.BeliefState, now time.Time) types.BeliefState {
	next := state.Clone()
	next.Confidence = DecayConfidence(state.Confidence, len(state.Unknowns), daysBetween(state.LastUpdated, now))
	return next
}

// ValidateConfidenceInvariant checks that confidence did not rise while the
// unknown count grew across an update. Returns an *InvariantError on
// violation; the caller halts on it.
func ValidateConfidenceInvariant(old, new types.BeliefState) error {
	if len(new.Unknowns) > len(old.Unknowns) && new.Confidence > old.Confidence {
		return &InvariantError{
			Invariant: "unknowns-vs-confidence",
			Detail: fmt.Sprintf("unknowns %d -> %d but confidence %.1f -> %.1f",
				len(old.Unknowns), len(new.Unknowns), old.Confidence, new.Confidence),
		}
	}
	return nil
}

// AddUnknown appends an open question to the ledger, capped at
// maxTrackedUnknowns (oldest evicted first). Confidence is not touched here;
// the next recomputation accounts for the new count.
func AddUnknown(state types.BeliefState, description string, now time.Time) types.BeliefState {
	next := state.Clone()
	next.Unknowns = append(next.Unknowns, types.Unknown{
		ID:          uuid.NewString(),
		Description: description,
		AddedAt:     now,
	})
	if len(next.Unknowns) > maxTrackedUnknowns {
		next.Unknowns = next.Unknowns[len(next.Unknowns)-maxTrackedUnknowns:]
	}
	return next
}

// ResolveUnknown removes the unknown with the given id. Unknown ids that are
// not present are ignored.
func ResolveUnknown(state types.BeliefState, id string) types.BeliefState {
	next := state.Clone()
	for i, u := range next.Unknowns {
		if u.ID == id {
			next.Unknowns = append(next.Unknowns[:i], next.Unknowns[i+1:]...)
			break
		}
	}
	return next
}

func resolveOldestUnknown(state types.BeliefState) types.BeliefState {
	if len(state.Unknowns) == 0 {
		return state
	}
	return ResolveUnknown(state, state.Unknowns[0].ID)
}

func hasNonSpeculative(batch []types.Signal) bool {
	for _, sig := range batch {
		if sig.Type != types.SignalSpeculative {
			return true
		}
	}
	return false
}

func clampStrength(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

func clampRange(low, high float64) (float64, float64) {
	low = math.Max(0, math.Min(100, low))
	high = math.Max(0, math.Min(100, high))
	if high < low {
		high = low
	}
	return low, high
}

func clampConfidence(c float64) float64 {
	return math.Max(types.ConfidenceMin, math.Min(types.ConfidenceMax, c))
}

func daysBetween(from, to time.Time) float64 {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return to.Sub(from).Hours() / 24
}

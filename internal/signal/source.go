// Package signal provides the evidence producers the belief engine consumes.
//
// Sources conform to one narrow interface so the orchestrator can poll a
// mixed set (external feeds, derived price signals) without caring what is
// behind each one. A failing source returns an error and is skipped for the
// tick; it never stops the loop.
package signal

import (
	"context"
	"time"

	"polymarket-edge/pkg/types"
)

// Source produces signals for one market on demand.
type Source interface {
	// Name identifies the source in logs and audit entries.
	Name() string
	// SignalsFor returns new signals concerning the market. Empty results
	// are normal; errors mean the source is unavailable this tick.
	SignalsFor(ctx context.Context, market types.Market) ([]types.Signal, error)
	// Cleanup drops per-market bookkeeping that has gone stale.
	Cleanup(now time.Time)
}

// validType reports whether the wire value names a known signal type.
func validType(t types.SignalType) bool {
	switch t {
	case types.SignalAuthoritative, types.SignalProcedural, types.SignalQuantitative,
		types.SignalInterpretive, types.SignalSpeculative:
		return true
	}
	return false
}

// validDirection reports whether the wire value names a known direction.
func validDirection(d types.SignalDirection) bool {
	switch d {
	case types.DirectionUp, types.DirectionDown, types.DirectionNeutral:
		return true
	}
	return false
}

// clampStrength forces strength into the 1..5 scale.
func clampStrength(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

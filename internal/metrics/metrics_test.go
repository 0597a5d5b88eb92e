package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordTick(50 * time.Millisecond)
	m.RecordTick(50 * time.Millisecond)
	m.RecordDecision("approved")
	m.RecordDecision("rejected")
	m.RecordDecision("rejected")
	m.RecordSignal("authoritative")
	m.RecordError("fetch")
	m.TrackedMarkets.Set(42)
	m.SetHalted(true)

	if got := testutil.ToFloat64(m.TicksTotal); got != 2 {
		t.Errorf("ticks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("rejected")); got != 2 {
		t.Errorf("rejected decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SignalsTotal.WithLabelValues("authoritative")); got != 1 {
		t.Errorf("authoritative signals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TrackedMarkets); got != 42 {
		t.Errorf("tracked markets = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.Halted); got != 1 {
		t.Errorf("halted = %v, want 1", got)
	}

	m.SetHalted(false)
	if got := testutil.ToFloat64(m.Halted); got != 0 {
		t.Errorf("halted after clear = %v, want 0", got)
	}
}

func TestIndependentInstancesDoNotCollide(t *testing.T) {
	t.Parallel()

	// Private registries mean a second instance must not panic on
	// duplicate registration.
	a := New()
	b := New()
	a.RecordTick(time.Millisecond)

	if got := testutil.ToFloat64(b.TicksTotal); got != 0 {
		t.Errorf("second instance ticks = %v, want 0", got)
	}
	if a.Registry() == b.Registry() {
		t.Error("instances share a registry")
	}
}

package fsm

import (
	"errors"
	"testing"
)

func TestFullCycleThroughExecute(t *testing.T) {
	t.Parallel()
	m := New()

	steps := []State{
		StateIngestSignal, StateUpdateBelief, StateEvaluateTrade,
		StateExecuteTrade, StateMonitor, StateObserve,
	}
	for _, s := range steps {
		if err := m.Transition(s, "tick"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if got := m.State(); got != StateObserve {
		t.Errorf("state = %s, want OBSERVE", got)
	}
}

func TestEvaluateCanReturnToObserveWithoutTrade(t *testing.T) {
	t.Parallel()
	m := New()
	for _, s := range []State{StateIngestSignal, StateUpdateBelief, StateEvaluateTrade} {
		if err := m.Transition(s, "tick"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := m.Transition(StateObserve, "no trade"); err != nil {
		t.Fatalf("evaluate -> observe: %v", err)
	}
}

func TestIllegalTransitionCollapsesToHalt(t *testing.T) {
	t.Parallel()
	m := New()

	err := m.Transition(StateExecuteTrade, "skipping ahead")
	if err == nil {
		t.Fatal("expected an error")
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if te.From != StateObserve || te.To != StateExecuteTrade {
		t.Errorf("error records %s -> %s", te.From, te.To)
	}

	halted, reason := m.Halted()
	if !halted {
		t.Fatal("machine should be halted")
	}
	if reason == "" {
		t.Error("halt reason should explain the rejected transition")
	}
}

func TestHaltIsAbsorbing(t *testing.T) {
	t.Parallel()
	m := New()
	m.ForceHalt("calibration coverage out of band")

	for _, to := range []State{StateObserve, StateIngestSignal, StateMonitor, StateHalt} {
		if err := m.Transition(to, "should not move"); !errors.Is(err, ErrHalted) {
			t.Errorf("transition to %s while halted: err = %v, want ErrHalted", to, err)
		}
	}
	if got := m.State(); got != StateHalt {
		t.Errorf("state = %s, want HALT", got)
	}
}

func TestResetRestoresObserveOnlyFromHalt(t *testing.T) {
	t.Parallel()
	m := New()

	if err := m.Reset("ops"); err == nil {
		t.Error("reset should fail while not halted")
	}

	m.ForceHalt("drill")
	if err := m.Reset("ops"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := m.State(); got != StateObserve {
		t.Errorf("state after reset = %s, want OBSERVE", got)
	}
	if halted, _ := m.Halted(); halted {
		t.Error("halted flag should clear on reset")
	}
}

func TestForceHaltFromAnyState(t *testing.T) {
	t.Parallel()
	m := New()
	if err := m.Transition(StateIngestSignal, "tick"); err != nil {
		t.Fatal(err)
	}
	m.ForceHalt("invariant breach")
	if got := m.State(); got != StateHalt {
		t.Errorf("state = %s, want HALT", got)
	}
	if _, reason := m.Halted(); reason != "invariant breach" {
		t.Errorf("reason = %q", reason)
	}
}

func TestHistoryRecordsRejectedAttempts(t *testing.T) {
	t.Parallel()
	m := New()
	_ = m.Transition(StateMonitor, "bad hop") // illegal, collapses to HALT
	_ = m.Transition(StateObserve, "while halted")

	hist := m.History()
	if len(hist) < 2 {
		t.Fatalf("history has %d records, want >= 2", len(hist))
	}

	var sawRejected bool
	for _, r := range hist {
		if !r.Accepted && r.To == StateMonitor {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Error("history should record the rejected attempt")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	m := New()
	for i := 0; i < historyLimit+50; i++ {
		_ = m.Transition(StateIngestSignal, "loop")
		_ = m.Transition(StateUpdateBelief, "loop")
		_ = m.Transition(StateEvaluateTrade, "loop")
		_ = m.Transition(StateObserve, "loop")
	}
	if got := len(m.History()); got != historyLimit {
		t.Errorf("history length = %d, want %d", got, historyLimit)
	}
}

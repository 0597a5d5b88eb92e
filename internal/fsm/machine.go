// Package fsm implements the trading state machine.
//
// The machine is advisory: belief and trade computations are plain function
// calls, but the orchestrator drives them in machine order and submits every
// transition here. An illegal transition is itself treated as a fault: the
// attempt is recorded and the machine collapses to HALT. HALT is absorbing;
// nothing but an explicit operator reset leaves it.
package fsm

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of the seven trading states.
type State string

const (
	StateObserve       State = "OBSERVE"
	StateIngestSignal  State = "INGEST_SIGNAL"
	StateUpdateBelief  State = "UPDATE_BELIEF"
	StateEvaluateTrade State = "EVALUATE_TRADE"
	StateExecuteTrade  State = "EXECUTE_TRADE"
	StateMonitor       State = "MONITOR"
	StateHalt          State = "HALT"
)

// legal maps each state to the set of states it may move to. HALT is legal
// from every non-HALT state and is deliberately absent as a source.
var legal = map[State][]State{
	StateObserve:       {StateIngestSignal, StateHalt},
	StateIngestSignal:  {StateUpdateBelief, StateHalt},
	StateUpdateBelief:  {StateEvaluateTrade, StateHalt},
	StateEvaluateTrade: {StateExecuteTrade, StateObserve, StateHalt},
	StateExecuteTrade:  {StateMonitor, StateHalt},
	StateMonitor:       {StateObserve, StateHalt},
}

// historyLimit bounds the retained transition records. Old entries fall off
// the front; audit files keep the full record.
const historyLimit = 200

// ErrHalted is returned for any transition attempted while the machine is
// halted.
var ErrHalted = errors.New("state machine is halted")

// TransitionError reports an illegal transition. By the time the caller
// sees it the machine has already collapsed to HALT.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Record is one entry of the transition history, including rejected
// attempts.
type Record struct {
	From     State
	To       State
	Reason   string
	Accepted bool
	At       time.Time
}

// Machine is the single-writer trading state machine. All methods are safe
// for concurrent use; transitions acquire and release the lock within one
// call.
type Machine struct {
	mu         sync.Mutex
	state      State
	haltReason string
	history    []Record
}

// New returns a machine in OBSERVE.
func New() *Machine {
	return &Machine{state: StateObserve}
}

// Transition moves the machine to the target state. While halted it returns
// ErrHalted without recording a state change. An illegal transition is
// recorded as rejected, collapses the machine to HALT, and returns a
// *TransitionError.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateHalt {
		m.record(m.state, to, reason, false)
		return ErrHalted
	}
	if !legalFrom(m.state, to) {
		m.record(m.state, to, reason, false)
		from := m.state
		m.haltTo(fmt.Sprintf("illegal transition %s -> %s (%s)", from, to, reason))
		return &TransitionError{From: from, To: to}
	}

	m.record(m.state, to, reason, true)
	m.state = to
	if to == StateHalt {
		m.haltReason = reason
	}
	return nil
}

// ForceHalt collapses the machine to HALT with the given reason, from any
// state. Idempotent: a second call while halted only appends to history.
func (m *Machine) ForceHalt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateHalt {
		m.record(StateHalt, StateHalt, reason, false)
		return
	}
	m.record(m.state, StateHalt, reason, true)
	m.haltTo(reason)
}

// Reset is the operator's exit from HALT, restoring OBSERVE. It fails when
// the machine is not halted.
func (m *Machine) Reset(operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHalt {
		return fmt.Errorf("reset from %s: machine is not halted", m.state)
	}
	m.record(StateHalt, StateObserve, "operator reset: "+operator, true)
	m.state = StateObserve
	m.haltReason = ""
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Halted reports whether the machine is halted and, if so, why.
func (m *Machine) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateHalt, m.haltReason
}

// History returns a copy of the retained transition records, oldest first.
func (m *Machine) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

// haltTo sets HALT and its reason. Callers hold the lock.
func (m *Machine) haltTo(reason string) {
	m.state = StateHalt
	m.haltReason = reason
}

// record appends a history entry. Callers hold the lock.
func (m *Machine) record(from, to State, reason string, accepted bool) {
	m.history = append(m.history, Record{
		From:     from,
		To:       to,
		Reason:   reason,
		Accepted: accepted,
		At:       time.Now(),
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func legalFrom(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

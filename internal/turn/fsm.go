// Package turn implements the per-call turn-taking state machine.
//
// A call is always in exactly one of three states: listening (caller
// audio is acted on), thinking (a reply pipeline is in flight), or
// speaking (synthesized audio is streaming to the caller). Transitions
// are serialized per machine, never per process.
package turn

import (
	"fmt"
	"sync"
)

// State is the authoritative turn-taking state of one call.
type State string

const (
	Listening State = "listening"
	Thinking  State = "thinking"
	Speaking  State = "speaking"
)

// Trigger names the event that causes a state transition.
type Trigger string

const (
	// TriggerFinalUtterance fires when the recognizer asserts an
	// utterance will not change further. Partials never fire it.
	TriggerFinalUtterance Trigger = "final_utterance"
	// TriggerReplyReady fires on the first audio-ready reply chunk.
	TriggerReplyReady Trigger = "reply_ready"
	// TriggerSynthesisComplete fires at the normal end of a reply.
	TriggerSynthesisComplete Trigger = "synthesis_complete"
	// TriggerBargeIn fires when a new final utterance arrives while
	// the agent is still speaking.
	TriggerBargeIn Trigger = "barge_in"
)

// transitions is the complete legal transition table. A generation
// failure is not an edge of its own: the apology utterance routes
// through reply_ready and synthesis_complete like any other reply.
var transitions = map[State]map[Trigger]State{
	Listening: {
		TriggerFinalUtterance: Thinking,
	},
	Thinking: {
		TriggerReplyReady: Speaking,
	},
	Speaking: {
		TriggerSynthesisComplete: Listening,
		TriggerBargeIn:           Listening,
	},
}

// Observer is invoked after every successful transition, while the
// transition lock is held, so observations arrive in transition order.
// Observers must not call back into the machine.
type Observer func(from, to State, trigger Trigger)

// Machine serializes turn-state transitions for a single call.
type Machine struct {
	mu       sync.Mutex
	state    State
	observer Observer
}

// NewMachine creates a machine in the listening state.
func NewMachine(observer Observer) *Machine {
	return &Machine{state: Listening, observer: observer}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire attempts the transition for the given trigger. It returns the
// states before and after; an illegal trigger for the current state
// leaves the machine unchanged and returns an error.
func (m *Machine) Fire(trigger Trigger) (from, to State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from = m.state
	to, ok := transitions[from][trigger]
	if !ok {
		return from, from, fmt.Errorf("turn: illegal trigger %q in state %q", trigger, from)
	}

	m.state = to
	if m.observer != nil {
		m.observer(from, to, trigger)
	}
	return from, to, nil
}

// Is reports whether the machine is currently in the given state.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

package fsm

import (
	"github.com/librescoot/librefsm"
)

// NewDefinition creates the chord window FSM definition.
//
// The window deadline is deliberately not a librefsm timeout: the engine
// evaluates the deadline only when a sample arrives, so the sampling loop
// sends EvWindowExpired itself. That keeps transitions strictly
// synchronous with the bitmask stream.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateIdle,
			librefsm.WithOnEnter(actions.EnterIdle),
		).
		State(StateAccumulating,
			librefsm.WithOnEnter(actions.EnterAccumulating),
		).
		State(StateMatched,
			librefsm.WithOnEnter(actions.EnterMatched),
		).
		State(StateCancelled,
			librefsm.WithOnEnter(actions.EnterCancelled),
		).

		// A window opens when the first non-modifier switch goes down.
		Transition(StateIdle, EvComboBegin, StateAccumulating).

		// While accumulating, each sample resolves to exactly one of:
		// match, provable mismatch, deadline expiry, or full release
		// (a release without a match is a cancellation).
		Transition(StateAccumulating, EvChordMatch, StateMatched).
		Transition(StateAccumulating, EvNoMatch, StateCancelled).
		Transition(StateAccumulating, EvWindowExpired, StateCancelled).
		Transition(StateAccumulating, EvComboReleased, StateCancelled).

		// Matched and cancelled windows only close once every
		// non-modifier switch is back up.
		Transition(StateMatched, EvComboReleased, StateIdle).
		Transition(StateCancelled, EvComboReleased, StateIdle).
		Initial(StateIdle)
}

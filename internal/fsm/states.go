package fsm

import "github.com/librescoot/librefsm"

// Chord window states
const (
	StateIdle         librefsm.StateID = "idle"
	StateAccumulating librefsm.StateID = "accumulating"
	StateMatched      librefsm.StateID = "matched"
	StateCancelled    librefsm.StateID = "cancelled"
)

// Chord window events. All are sent synchronously from the sampling loop;
// the window deadline is evaluated per sample, so there are no timer
// events here.
const (
	// A non-modifier switch went down while idle.
	EvComboBegin librefsm.EventID = "combo-begin"

	// The accumulated combination exactly matches a stored chord whose
	// required modifiers are held.
	EvChordMatch librefsm.EventID = "chord-match"

	// The combination can no longer be extended into any stored chord.
	EvNoMatch librefsm.EventID = "no-match"

	// The execution window deadline elapsed without a match.
	EvWindowExpired librefsm.EventID = "window-expired"

	// Every non-modifier switch has been released.
	EvComboReleased librefsm.EventID = "combo-released"
)

package fsm

import "github.com/librescoot/librefsm"

// Actions is implemented by the chord engine to handle window state
// entry effects.
type Actions interface {
	// EnterAccumulating arms the execution window deadline.
	EnterAccumulating(c *librefsm.Context) error

	// EnterMatched dispatches the matched chord's macro exactly once.
	EnterMatched(c *librefsm.Context) error

	// EnterCancelled replays the suppressed individual down macros for
	// the combination's participants.
	EnterCancelled(c *librefsm.Context) error

	// EnterIdle resets per-window bookkeeping.
	EnterIdle(c *librefsm.Context) error
}

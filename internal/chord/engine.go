package chord

import (
	"context"
	"fmt"
	"time"

	"github.com/librescoot/librefsm"

	"macropad-service/internal/fsm"
	"macropad-service/internal/logger"
	"macropad-service/internal/macro"
	"macropad-service/internal/types"
)

// DefaultWindow is the execution window for an in-progress combination.
// It must be several multiples of the sampling interval: the deadline is
// only evaluated when a sample arrives.
const DefaultWindow = 100 * time.Millisecond

// Engine consumes the debounced switch-bitmask stream, owns the chord
// table and modifier mask, and dispatches matched macros through the
// execution engine. It is single-owner: Sample and every table operation
// must run on the sampling goroutine.
type Engine struct {
	logger  *logger.Logger
	macros  *macro.Table
	sink    macro.Sink
	machine *librefsm.Machine
	clock   func() time.Time

	window   time.Duration
	deadline time.Time

	chords  []Record
	modMask uint32

	lastMask     uint32 // previous raw sample
	sampleMask   uint32 // raw sample being processed
	combo        uint32 // current non-modifier combination
	participants uint32 // non-modifier switches seen during this window
	dispatched   uint32 // participants whose replayed down macro awaits its up
	matched      *Record
}

var _ fsm.Actions = (*Engine)(nil)

// NewEngine builds the engine and its window state machine. Start must be
// called before the first Sample.
func NewEngine(macros *macro.Table, sink macro.Sink, window time.Duration, l *logger.Logger) (*Engine, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	e := &Engine{
		logger: l.WithTag("chord"),
		macros: macros,
		sink:   sink,
		clock:  time.Now,
		window: window,
	}

	machine, err := fsm.NewDefinition(e).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build chord FSM: %w", err)
	}
	e.machine = machine
	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.machine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start chord FSM: %w", err)
	}
	return nil
}

// OnStateChange registers a callback for window state transitions,
// invoked synchronously from the sampling goroutine.
func (e *Engine) OnStateChange(cb func(from, to types.WindowState)) {
	e.machine.OnStateChange(func(from, to librefsm.StateID) {
		cb(stateIDToWindowState(from), stateIDToWindowState(to))
	})
}

// State returns the current window state.
func (e *Engine) State() types.WindowState {
	return stateIDToWindowState(e.machine.CurrentState())
}

// SetWindow changes the execution window for subsequent combinations.
func (e *Engine) SetWindow(d time.Duration) {
	if d > 0 {
		e.window = d
	}
}

func stateIDToWindowState(id librefsm.StateID) types.WindowState {
	switch id {
	case fsm.StateIdle:
		return types.WindowIdle
	case fsm.StateAccumulating:
		return types.WindowAccumulating
	case fsm.StateMatched:
		return types.WindowMatched
	case fsm.StateCancelled:
		return types.WindowCancelled
	default:
		return types.WindowState(string(id))
	}
}

func (e *Engine) send(event librefsm.EventID) error {
	return e.machine.SendSync(librefsm.Event{ID: event})
}

// Sample feeds one debounced bitmask (bit i = switch i down) through the
// window state machine. Modifier switch edges dispatch their own macros
// on every sample regardless of window state; they never start, extend,
// or cancel a window.
func (e *Engine) Sample(mask uint32) error {
	e.sampleMask = mask
	defer func() { e.lastMask = mask }()

	e.dispatchModifierEdges(mask)

	combo := mask &^ e.modMask

	switch e.machine.CurrentState() {
	case fsm.StateIdle:
		if combo == 0 {
			return nil
		}
		e.combo = combo
		e.participants = combo
		e.dispatched = 0
		e.matched = nil
		if err := e.send(fsm.EvComboBegin); err != nil {
			return err
		}
		return e.evaluate(mask, combo)

	case fsm.StateAccumulating:
		e.combo = combo
		e.participants |= combo
		if combo == 0 {
			// Full release with no match: cancel (replaying the
			// suppressed macros) and close the window in one step.
			if err := e.send(fsm.EvComboReleased); err != nil {
				return err
			}
			return e.send(fsm.EvComboReleased)
		}
		return e.evaluate(mask, combo)

	case fsm.StateMatched:
		// Switches joining a consumed window are suppressed outright.
		e.combo = combo
		e.participants |= combo
		if combo == 0 {
			return e.send(fsm.EvComboReleased)
		}
		return nil

	case fsm.StateCancelled:
		return e.sampleCancelled(combo)
	}

	return nil
}

// evaluate resolves an accumulating combination against the chord table:
// exact match wins, a provable mismatch cancels immediately, and the
// deadline cancels last.
func (e *Engine) evaluate(mask, combo uint32) error {
	if rec := e.matchEntry(mask, combo); rec != nil {
		e.matched = rec
		return e.send(fsm.EvChordMatch)
	}
	if !e.extendable(combo) {
		return e.send(fsm.EvNoMatch)
	}
	if !e.clock().Before(e.deadline) {
		return e.send(fsm.EvWindowExpired)
	}
	return nil
}

// matchEntry returns the first chord whose non-modifier keys exactly equal
// the combination and whose modifier-bit keys are all held right now.
func (e *Engine) matchEntry(mask, combo uint32) *Record {
	for i := range e.chords {
		rec := &e.chords[i]
		if rec.KeyMask&^e.modMask != combo {
			continue
		}
		required := rec.KeyMask & e.modMask
		if mask&required != required {
			continue
		}
		return rec
	}
	return nil
}

// extendable reports whether the combination is still a subset of some
// stored chord's non-modifier keys.
func (e *Engine) extendable(combo uint32) bool {
	for i := range e.chords {
		if combo&^(e.chords[i].KeyMask&^e.modMask) == 0 {
			return true
		}
	}
	return false
}

// sampleCancelled handles a closed-but-held window: releases of replayed
// participants dispatch their up macros, and fresh presses behave as
// plain individual keys until the combination empties.
func (e *Engine) sampleCancelled(combo uint32) error {
	lastCombo := e.lastMask &^ e.modMask

	released := lastCombo &^ combo
	pressed := combo &^ lastCombo

	for id := 0; id < e.macros.Len(); id++ {
		bit := uint32(1) << id
		if released&bit != 0 && e.dispatched&bit != 0 {
			e.dispatched &^= bit
			e.runMacro(e.macros.Up(id), "up", id)
		}
		if pressed&bit != 0 {
			e.participants |= bit
			e.dispatched |= bit
			e.runMacro(e.macros.Down(id), "down", id)
		}
	}

	if combo == 0 {
		return e.send(fsm.EvComboReleased)
	}
	return nil
}

// dispatchModifierEdges runs the individual macros of modifier switches on
// their own edges; these are invisible to the window machine.
func (e *Engine) dispatchModifierEdges(mask uint32) {
	changed := (mask ^ e.lastMask) & e.modMask
	if changed == 0 {
		return
	}
	for id := 0; id < e.macros.Len(); id++ {
		bit := uint32(1) << id
		if changed&bit == 0 {
			continue
		}
		if mask&bit != 0 {
			e.runMacro(e.macros.Down(id), "down", id)
		} else {
			e.runMacro(e.macros.Up(id), "up", id)
		}
	}
}

func (e *Engine) runMacro(seq []byte, direction string, id int) {
	if len(seq) == 0 {
		return
	}
	if err := macro.Execute(seq, e.sink); err != nil {
		e.logger.Errorf("Failed to run %s macro for switch %d: %v", direction, id, err)
	}
}

// === fsm.Actions ===

func (e *Engine) EnterIdle(c *librefsm.Context) error {
	e.participants = 0
	e.dispatched = 0
	e.matched = nil
	e.deadline = time.Time{}
	return nil
}

func (e *Engine) EnterAccumulating(c *librefsm.Context) error {
	e.deadline = e.clock().Add(e.window)
	e.logger.Debugf("Window opened: combo=%#x deadline in %v", e.combo, e.window)
	return nil
}

// EnterMatched fires the matched chord exactly once. The modifier state
// was read against the same sample that produced the match, so held
// modifier switches combine with the chord output naturally.
func (e *Engine) EnterMatched(c *librefsm.Context) error {
	rec := e.matched
	if rec == nil {
		return nil
	}
	e.logger.Infof("Chord fired: keymask=%#x modifiers=%#x", rec.KeyMask, e.sampleMask&e.modMask)
	if err := macro.Execute(rec.Sequence, e.sink); err != nil {
		return fmt.Errorf("failed to dispatch chord %#x: %w", rec.KeyMask, err)
	}
	return nil
}

// EnterCancelled replays the suppressed individual macros: every
// participant's down macro runs in switch order; participants already
// released get their up macro immediately, the rest on their release
// edges while the window stays cancelled.
func (e *Engine) EnterCancelled(c *librefsm.Context) error {
	e.logger.Debugf("Window cancelled: participants=%#x held=%#x", e.participants, e.combo)
	for id := 0; id < e.macros.Len(); id++ {
		bit := uint32(1) << id
		if e.participants&bit == 0 {
			continue
		}
		e.runMacro(e.macros.Down(id), "down", id)
		if e.combo&bit != 0 {
			e.dispatched |= bit
		} else {
			e.runMacro(e.macros.Up(id), "up", id)
		}
	}
	return nil
}

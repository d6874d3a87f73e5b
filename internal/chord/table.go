package chord

import (
	"errors"
	"iter"
)

// MaxChords bounds the chord table. The storage layer also uses it to cap
// a corrupt count field read back from the store.
const MaxChords = 64

var (
	// ErrInvalidMask rejects a zero keymask or one with no non-modifier key.
	ErrInvalidMask = errors.New("chord: invalid key mask")

	// ErrInvalidIndex rejects an out-of-range switch id.
	ErrInvalidIndex = errors.New("chord: switch id out of range")

	// ErrTableFull rejects additions past MaxChords.
	ErrTableFull = errors.New("chord: table full")
)

// Record is one stored chord: the switch combination and the encoded
// macro it fires. Modifier bits inside KeyMask are excluded from the
// combination comparison but must be physically held at fire time.
type Record struct {
	KeyMask  uint32
	Sequence []byte
}

// AddChord stores or overwrites the chord for mask. The mask must name at
// least one switch that is not a modifier under the current modifier mask.
func (e *Engine) AddChord(mask uint32, seq []byte) error {
	if mask == 0 || mask&^e.modMask == 0 {
		return ErrInvalidMask
	}
	for i := range e.chords {
		if e.chords[i].KeyMask == mask {
			e.chords[i].Sequence = cloneSeq(seq)
			return nil
		}
	}
	if len(e.chords) >= MaxChords {
		return ErrTableFull
	}
	e.chords = append(e.chords, Record{KeyMask: mask, Sequence: cloneSeq(seq)})
	return nil
}

// RemoveChord deletes the chord for mask, reporting whether it existed.
// Insertion order of the remaining chords is preserved.
func (e *Engine) RemoveChord(mask uint32) bool {
	for i := range e.chords {
		if e.chords[i].KeyMask == mask {
			e.chords = append(e.chords[:i], e.chords[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) ClearChords() {
	e.chords = nil
}

func (e *Engine) ChordCount() int {
	return len(e.chords)
}

// Chords yields the stored chords in insertion order. The sequence is
// restartable; callers must not mutate the yielded records.
func (e *Engine) Chords() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, rec := range e.chords {
			if !yield(rec) {
				return
			}
		}
	}
}

// SetModifier marks or unmarks a switch as a sustained modifier. Stored
// chords whose keymask becomes a pure subset of the modifier mask can
// never fire again; they are kept (the change may be reverted) but
// warned about.
func (e *Engine) SetModifier(id int, isModifier bool) error {
	if id < 0 || id >= e.macros.Len() {
		return ErrInvalidIndex
	}
	if isModifier {
		e.modMask |= 1 << id
	} else {
		e.modMask &^= 1 << id
	}
	for i := range e.chords {
		if e.chords[i].KeyMask&^e.modMask == 0 {
			e.logger.Warnf("Chord %#x has no non-modifier switch left and cannot fire", e.chords[i].KeyMask)
		}
	}
	return nil
}

func (e *Engine) ClearModifiers() {
	e.modMask = 0
}

func (e *Engine) ModifierMask() uint32 {
	return e.modMask
}

// SetModifierMask replaces the whole modifier mask; used when restoring
// persisted configuration before the chord records are re-inserted.
func (e *Engine) SetModifierMask(mask uint32) {
	e.modMask = mask
}

func cloneSeq(seq []byte) []byte {
	if len(seq) == 0 {
		return nil
	}
	out := make([]byte, len(seq))
	copy(out, seq)
	return out
}

package macro

import "errors"

// ErrInvalidIndex is returned for switch ids outside the table.
var ErrInvalidIndex = errors.New("macro: switch id out of range")

// Table holds the per-switch down/up macro sequences. Each slot owns its
// buffers exclusively; Set copies so no buffer is ever aliased by two
// slots or by the caller.
type Table struct {
	slots []slot
}

type slot struct {
	down []byte
	up   []byte
}

func NewTable(n int) *Table {
	return &Table{slots: make([]slot, n)}
}

func (t *Table) Len() int { return len(t.slots) }

// Set replaces both sequences for a switch. A nil or empty sequence
// clears that direction; the prior buffers are released on reassignment.
func (t *Table) Set(id int, down, up []byte) error {
	if id < 0 || id >= len(t.slots) {
		return ErrInvalidIndex
	}
	t.slots[id] = slot{down: cloneSeq(down), up: cloneSeq(up)}
	return nil
}

// SetDown replaces only the down sequence.
func (t *Table) SetDown(id int, seq []byte) error {
	if id < 0 || id >= len(t.slots) {
		return ErrInvalidIndex
	}
	t.slots[id].down = cloneSeq(seq)
	return nil
}

// SetUp replaces only the up sequence.
func (t *Table) SetUp(id int, seq []byte) error {
	if id < 0 || id >= len(t.slots) {
		return ErrInvalidIndex
	}
	t.slots[id].up = cloneSeq(seq)
	return nil
}

// Down returns the down sequence for a switch, nil if unset or out of
// range. Callers must not mutate the returned slice.
func (t *Table) Down(id int) []byte {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id].down
}

// Up returns the up sequence for a switch, nil if unset or out of range.
func (t *Table) Up(id int) []byte {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id].up
}

func (t *Table) Clear(id int) error {
	if id < 0 || id >= len(t.slots) {
		return ErrInvalidIndex
	}
	t.slots[id] = slot{}
	return nil
}

func (t *Table) ClearAll() {
	for i := range t.slots {
		t.slots[i] = slot{}
	}
}

func cloneSeq(seq []byte) []byte {
	if len(seq) == 0 {
		return nil
	}
	out := make([]byte, len(seq))
	copy(out, seq)
	return out
}

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"macropad-service/internal/chord"
	"macropad-service/internal/logger"
	"macropad-service/internal/macro"
)

// Persisted image layout: a macro region immediately followed by a chord
// region. All numeric fields are 32-bit little-endian (the native order
// of every target this service ships on; the image is not portable
// across word orders and does not need to be).
//
//	macro region:  per switch id, down then up as null-terminated strings
//	chord region:  "CHRD" | u32 modifier mask | u32 count |
//	               count x (u32 keymask | null-terminated sequence) |
//	               u16 zero terminator
//
// The terminator is authoritative on load: record parsing stops at the
// first record slot starting with a zero half-word, so a corrupt count
// cannot pull stale bytes from an earlier, longer save back in as
// records.

var chordMagic = [4]byte{'C', 'H', 'R', 'D'}

// SaveFailed is the next-offset value reported by failed saves; it is
// never a valid offset.
const SaveFailed int64 = -1

// Persister serializes the macro table and chord table to a Store.
type Persister struct {
	store  Store
	logger *logger.Logger
}

func NewPersister(store Store, l *logger.Logger) *Persister {
	return &Persister{store: store, logger: l.WithTag("storage")}
}

// SaveMacroRegion writes the macro table at off and returns the next free
// offset, or SaveFailed. An absent macro is stored as an empty string;
// the two are indistinguishable on purpose.
func (p *Persister) SaveMacroRegion(off int64, macros *macro.Table) (int64, error) {
	var buf bytes.Buffer
	for id := 0; id < macros.Len(); id++ {
		buf.Write(macros.Down(id))
		buf.WriteByte(0)
		buf.Write(macros.Up(id))
		buf.WriteByte(0)
	}
	next, err := p.writeRegion(off, buf.Bytes())
	if err != nil {
		return SaveFailed, fmt.Errorf("failed to save macro region: %w", err)
	}
	return next, nil
}

// LoadMacroRegion reads the macro table at off. The table is cleared
// before loading; a truncated region stops after the last complete slot
// and keeps the remaining slots empty.
func (p *Persister) LoadMacroRegion(off int64, macros *macro.Table) (int64, error) {
	buf, err := p.readToEnd(off)
	if err != nil {
		return off, fmt.Errorf("failed to read macro region: %w", err)
	}

	macros.ClearAll()
	pos := 0
	for id := 0; id < macros.Len(); id++ {
		down, n1, ok := nextString(buf[pos:])
		if !ok {
			p.logger.Warnf("Macro region truncated at switch %d, keeping %d slots", id, id)
			return off + int64(pos), nil
		}
		up, n2, ok := nextString(buf[pos+n1:])
		if !ok {
			p.logger.Warnf("Macro region truncated at switch %d, keeping %d slots", id, id)
			return off + int64(pos), nil
		}
		if err := macros.Set(id, down, up); err != nil {
			return off + int64(pos), err
		}
		pos += n1 + n2
	}
	return off + int64(pos), nil
}

// SaveChordRegion writes the chord table and modifier mask at off and
// returns the next free offset, or SaveFailed.
func (p *Persister) SaveChordRegion(off int64, eng *chord.Engine) (int64, error) {
	var buf bytes.Buffer
	buf.Write(chordMagic[:])
	buf.Write(binary.LittleEndian.AppendUint32(nil, eng.ModifierMask()))
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(eng.ChordCount())))
	for rec := range eng.Chords() {
		buf.Write(binary.LittleEndian.AppendUint32(nil, rec.KeyMask))
		buf.Write(rec.Sequence)
		buf.WriteByte(0)
	}
	buf.Write([]byte{0, 0})

	next, err := p.writeRegion(off, buf.Bytes())
	if err != nil {
		return SaveFailed, fmt.Errorf("failed to save chord region: %w", err)
	}
	return next, nil
}

// LoadChordRegion restores the chord table and modifier mask from off.
// The in-memory chord table is always cleared first, even when no valid
// data is found. Missing magic means "no chord data" (mask 0, count 0),
// not an error; truncated records stop after the last complete one; a
// corrupt count field is capped at chord.MaxChords. The returned mask is
// whatever was actually read, including a legitimate 0.
func (p *Persister) LoadChordRegion(off int64, eng *chord.Engine) (uint32, error) {
	eng.ClearChords()

	buf, err := p.readToEnd(off)
	if err != nil {
		return 0, fmt.Errorf("failed to read chord region: %w", err)
	}

	if len(buf) < 12 || !bytes.Equal(buf[:4], chordMagic[:]) {
		p.logger.Infof("No chord data in store")
		eng.SetModifierMask(0)
		return 0, nil
	}

	modMask := binary.LittleEndian.Uint32(buf[4:8])
	count := binary.LittleEndian.Uint32(buf[8:12])
	if count > chord.MaxChords {
		p.logger.Warnf("Chord count %d exceeds limit, capping at %d", count, chord.MaxChords)
		count = chord.MaxChords
	}

	eng.SetModifierMask(modMask)

	pos := 12
	loaded := 0
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			p.logger.Warnf("Chord region truncated after %d of %d records", loaded, count)
			break
		}
		if buf[pos] == 0 && buf[pos+1] == 0 {
			// Zero terminator before the count ran out: the count field is
			// stale or corrupt, and whatever follows is leftover from an
			// earlier, longer save. Stop here rather than re-parse it.
			p.logger.Warnf("Chord region ends after %d of %d records", loaded, count)
			break
		}
		if pos+4 > len(buf) {
			p.logger.Warnf("Chord region truncated after %d of %d records", loaded, count)
			break
		}
		keyMask := binary.LittleEndian.Uint32(buf[pos : pos+4])
		seq, n, ok := nextString(buf[pos+4:])
		if !ok {
			p.logger.Warnf("Chord region truncated after %d of %d records", loaded, count)
			break
		}
		pos += 4 + n

		if err := eng.AddChord(keyMask, seq); err != nil {
			p.logger.Warnf("Skipping stored chord %#x: %v", keyMask, err)
			continue
		}
		loaded++
	}

	p.logger.Infof("Loaded %d chords, modifier mask %#x", loaded, modMask)
	return modMask, nil
}

// SaveAll writes both regions starting at offset 0 and returns the next
// free offset. A chord-region failure leaves the already-committed macro
// region intact: each region is written with a single WriteAt.
func (p *Persister) SaveAll(macros *macro.Table, eng *chord.Engine) (int64, error) {
	next, err := p.SaveMacroRegion(0, macros)
	if err != nil {
		return SaveFailed, err
	}
	return p.SaveChordRegion(next, eng)
}

// LoadAll restores both regions from offset 0, returning the modifier
// mask read from the chord region.
func (p *Persister) LoadAll(macros *macro.Table, eng *chord.Engine) (uint32, error) {
	next, err := p.LoadMacroRegion(0, macros)
	if err != nil {
		return 0, err
	}
	return p.LoadChordRegion(next, eng)
}

func (p *Persister) writeRegion(off int64, data []byte) (int64, error) {
	if off < 0 || off+int64(len(data)) > p.store.Capacity() {
		return SaveFailed, ErrCapacity
	}
	if _, err := p.store.WriteAt(data, off); err != nil {
		return SaveFailed, err
	}
	return off + int64(len(data)), nil
}

// readToEnd reads from off to the end of the store, tolerating short
// reads from stores whose backing is smaller than the capacity.
func (p *Persister) readToEnd(off int64) ([]byte, error) {
	capacity := p.store.Capacity()
	if off < 0 || off >= capacity {
		return nil, nil
	}
	buf := make([]byte, capacity-off)
	n, err := p.store.ReadAt(buf, off)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:0], nil
}

// nextString returns the bytes before the next null terminator and the
// total bytes consumed including it. ok is false when no terminator
// exists before the end of the buffer.
func nextString(buf []byte) ([]byte, int, bool) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return nil, 0, false
	}
	return buf[:i], i + 1, true
}

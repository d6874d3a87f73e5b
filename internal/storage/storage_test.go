package storage

import (
	"bytes"
	"encoding/binary"
	"log"
	"strings"
	"testing"

	"macropad-service/internal/chord"
	"macropad-service/internal/logger"
	"macropad-service/internal/macro"
)

type discardSink struct{}

func (discardSink) Press(byte) error   { return nil }
func (discardSink) Release(byte) error { return nil }
func (discardSink) Write(byte) error   { return nil }

func newFixtures(t *testing.T, switches int) (*macro.Table, *chord.Engine) {
	t.Helper()
	macros := macro.NewTable(switches)
	eng, err := chord.NewEngine(macros, discardSink{}, 0, logger.NewLogger(nil, logger.LogLevelNone))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return macros, eng
}

func testLogger() *logger.Logger {
	return logger.NewLogger(nil, logger.LogLevelNone)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	macros, eng := newFixtures(t, 4)
	macros.Set(0, []byte("hold"), []byte("free"))
	macros.Set(2, []byte{0x01, 'c', 0x11}, nil)
	eng.SetModifier(3, true)
	eng.AddChord(0b0011, []byte("copy"))
	eng.AddChord(0b1001, []byte("paste"))

	store := NewMemStore(4096)
	p := NewPersister(store, testLogger())

	next, err := p.SaveAll(macros, eng)
	if err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}
	if next <= 0 {
		t.Fatalf("SaveAll returned offset %d", next)
	}

	loadedMacros, loadedEng := newFixtures(t, 4)
	mask, err := NewPersister(store, testLogger()).LoadAll(loadedMacros, loadedEng)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if mask != 0b1000 {
		t.Errorf("modifier mask = %#b, want 0b1000", mask)
	}
	if loadedEng.ModifierMask() != 0b1000 {
		t.Errorf("engine modifier mask = %#b, want 0b1000", loadedEng.ModifierMask())
	}
	if !bytes.Equal(loadedMacros.Down(0), []byte("hold")) || !bytes.Equal(loadedMacros.Up(0), []byte("free")) {
		t.Errorf("switch 0 macros = %q/%q", loadedMacros.Down(0), loadedMacros.Up(0))
	}
	if !bytes.Equal(loadedMacros.Down(2), []byte{0x01, 'c', 0x11}) {
		t.Errorf("switch 2 down macro = %#v", loadedMacros.Down(2))
	}
	if loadedMacros.Up(2) != nil {
		t.Errorf("switch 2 up macro = %#v, want nil", loadedMacros.Up(2))
	}
	if loadedEng.ChordCount() != 2 {
		t.Fatalf("ChordCount = %d, want 2", loadedEng.ChordCount())
	}
	got := map[uint32]string{}
	for rec := range loadedEng.Chords() {
		got[rec.KeyMask] = string(rec.Sequence)
	}
	if got[0b0011] != "copy" || got[0b1001] != "paste" {
		t.Errorf("loaded chords = %v", got)
	}
}

func TestLoadClearsExistingState(t *testing.T) {
	macros, eng := newFixtures(t, 4)
	macros.Set(1, []byte("stale"), nil)
	eng.AddChord(0b11, []byte("stale"))
	eng.SetModifier(0, true)

	// Store is empty: all-zero bytes parse as empty macros and no chord
	// magic.
	store := NewMemStore(1024)
	p := NewPersister(store, testLogger())

	mask, err := p.LoadAll(macros, eng)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if mask != 0 {
		t.Errorf("mask = %#b, want 0", mask)
	}
	if macros.Down(1) != nil {
		t.Errorf("stale macro survived load: %q", macros.Down(1))
	}
	if eng.ChordCount() != 0 {
		t.Errorf("stale chords survived load: %d", eng.ChordCount())
	}
	if eng.ModifierMask() != 0 {
		t.Errorf("stale modifier mask survived load: %#b", eng.ModifierMask())
	}
}

// findChordRegion locates the chord magic inside a MemStore image.
func findChordRegion(t *testing.T, store *MemStore) int {
	t.Helper()
	i := bytes.Index(store.Bytes(), []byte("CHRD"))
	if i < 0 {
		t.Fatal("no chord magic in store image")
	}
	return i
}

func TestLoadCapsCorruptCount(t *testing.T) {
	macros, eng := newFixtures(t, 4)
	eng.AddChord(0b011, []byte("one"))
	eng.AddChord(0b110, []byte("two"))
	eng.AddChord(0b101, []byte("three"))

	store := NewMemStore(4096)
	p := NewPersister(store, testLogger())
	if _, err := p.SaveAll(macros, eng); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	// Corrupt the count field to a huge value; the loader must cap it and
	// stop at the record terminator, keeping the three real records.
	region := findChordRegion(t, store)
	binary.LittleEndian.PutUint32(store.Bytes()[region+8:], 0xFFFFFFFF)

	loadedMacros, loadedEng := newFixtures(t, 4)
	if _, err := p.LoadAll(loadedMacros, loadedEng); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if loadedEng.ChordCount() != 3 {
		t.Errorf("ChordCount = %d after corrupt count, want 3", loadedEng.ChordCount())
	}
}

func TestLoadTruncatedRecords(t *testing.T) {
	// Hand-built image for a 2-switch table: empty macros, then a chord
	// region claiming 3 records but containing only 2 complete ones.
	var img bytes.Buffer
	img.Write([]byte{0, 0, 0, 0}) // 2 switches, down+up empty
	img.Write([]byte("CHRD"))
	img.Write(binary.LittleEndian.AppendUint32(nil, 0))
	img.Write(binary.LittleEndian.AppendUint32(nil, 3))
	img.Write(binary.LittleEndian.AppendUint32(nil, 0b01))
	img.WriteString("one\x00")
	img.Write(binary.LittleEndian.AppendUint32(nil, 0b10))
	img.WriteString("two\x00")
	img.Write(binary.LittleEndian.AppendUint32(nil, 0b11))
	img.WriteString("truncated") // no terminator before end of store

	store := NewMemStore(img.Len())
	copy(store.Bytes(), img.Bytes())

	macros, eng := newFixtures(t, 2)
	mask, err := NewPersister(store, testLogger()).LoadAll(macros, eng)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if mask != 0 {
		t.Errorf("mask = %#b, want 0", mask)
	}
	if eng.ChordCount() != 2 {
		t.Errorf("ChordCount = %d, want 2", eng.ChordCount())
	}
}

func TestLoadSkipsInvalidRecords(t *testing.T) {
	// A stored record whose mask degraded to modifier-only bits is
	// skipped; later records still load.
	macros, eng := newFixtures(t, 4)
	eng.SetModifier(3, true)
	eng.AddChord(0b0011, []byte("one"))
	eng.AddChord(0b0110, []byte("two"))

	store := NewMemStore(4096)
	p := NewPersister(store, testLogger())
	if _, err := p.SaveAll(macros, eng); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	region := findChordRegion(t, store)
	binary.LittleEndian.PutUint32(store.Bytes()[region+12:], 0b1000)

	loadedMacros, loadedEng := newFixtures(t, 4)
	if _, err := p.LoadAll(loadedMacros, loadedEng); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if loadedEng.ChordCount() != 1 {
		t.Fatalf("ChordCount = %d, want 1", loadedEng.ChordCount())
	}
	for rec := range loadedEng.Chords() {
		if rec.KeyMask != 0b0110 {
			t.Errorf("surviving chord mask = %#b, want 0b110", rec.KeyMask)
		}
	}
}

func TestLoadStopsAtTerminatorWithStaleRecords(t *testing.T) {
	// A longer save leaves stale record bytes past the terminator of a
	// later, shorter save. A corrupt count must not pull them back in:
	// loading stops at the zero terminator.
	macros, eng := newFixtures(t, 4)
	eng.AddChord(0b011, []byte("one"))
	eng.AddChord(0b101, []byte("two"))
	eng.AddChord(0b110, []byte("three"))

	store := NewMemStore(4096)
	p := NewPersister(store, testLogger())
	if _, err := p.SaveAll(macros, eng); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	shortMacros, shortEng := newFixtures(t, 4)
	shortEng.AddChord(0b011, []byte("one"))
	if _, err := p.SaveAll(shortMacros, shortEng); err != nil {
		t.Fatalf("second SaveAll failed: %v", err)
	}

	region := findChordRegion(t, store)
	binary.LittleEndian.PutUint32(store.Bytes()[region+8:], 50)

	var logged bytes.Buffer
	l := logger.NewLogger(log.New(&logged, "", 0), logger.LogLevelWarning)
	loadedMacros, loadedEng := newFixtures(t, 4)
	if _, err := NewPersister(store, l).LoadAll(loadedMacros, loadedEng); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if loadedEng.ChordCount() != 1 {
		t.Fatalf("ChordCount = %d, want 1", loadedEng.ChordCount())
	}
	for rec := range loadedEng.Chords() {
		if rec.KeyMask != 0b011 || string(rec.Sequence) != "one" {
			t.Errorf("loaded chord = %#x %q, want 0x3 %q", rec.KeyMask, rec.Sequence, "one")
		}
	}
	// Stopping at the terminator means no per-record skip warnings for
	// the stale tail.
	if strings.Contains(logged.String(), "Skipping") {
		t.Errorf("stale tail was parsed as records:\n%s", logged.String())
	}
}

func TestSaveCapacityExceeded(t *testing.T) {
	macros, eng := newFixtures(t, 8)
	macros.Set(0, bytes.Repeat([]byte("x"), 64), nil)

	store := NewMemStore(32)
	next, err := NewPersister(store, testLogger()).SaveAll(macros, eng)
	if err == nil {
		t.Fatal("SaveAll on undersized store succeeded")
	}
	if next != SaveFailed {
		t.Errorf("next offset = %d, want SaveFailed", next)
	}
}

func TestFileStoreBounds(t *testing.T) {
	path := t.TempDir() + "/config.bin"
	store, err := OpenFileStore(path, 64)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	defer store.Close()

	if store.Capacity() != 64 {
		t.Fatalf("Capacity = %d, want 64", store.Capacity())
	}
	if _, err := store.WriteAt(make([]byte, 65), 0); err != ErrCapacity {
		t.Errorf("oversized WriteAt = %v, want ErrCapacity", err)
	}
	if _, err := store.WriteAt([]byte("data"), 60); err != nil {
		t.Errorf("in-bounds WriteAt failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := store.ReadAt(buf, 60); err != nil {
		t.Errorf("ReadAt failed: %v", err)
	}
	if string(buf) != "data" {
		t.Errorf("ReadAt = %q, want %q", buf, "data")
	}
}

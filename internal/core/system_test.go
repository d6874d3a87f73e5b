package core

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"macropad-service/internal/logger"
	"macropad-service/internal/messaging"
	"macropad-service/internal/storage"
	"macropad-service/internal/types"
)

type mockScanner struct {
	mu   sync.Mutex
	mask uint32
}

func (s *mockScanner) Set(mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mask = mask
}

func (s *mockScanner) CurrentBitmask() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask, nil
}

func (s *mockScanner) Close() {}

type mockSink struct {
	mu  sync.Mutex
	out []byte
}

func (s *mockSink) Press(code byte) error   { return nil }
func (s *mockSink) Release(code byte) error { return nil }

func (s *mockSink) Write(b byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, b)
	return nil
}

func (s *mockSink) Out() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out...)
}

type mockMessaging struct {
	mu        sync.Mutex
	callbacks messaging.Callbacks
	states    []types.WindowState
	masks     []uint32
	counts    []int
	lists     []map[uint32]string
	saves     []bool
	settings  map[string]string
}

func (m *mockMessaging) SetCallbacks(callbacks messaging.Callbacks) { m.callbacks = callbacks }
func (m *mockMessaging) Connect() error                             { return nil }
func (m *mockMessaging) StartListening() error                      { return nil }
func (m *mockMessaging) Close() error                               { return nil }

func (m *mockMessaging) PublishWindowState(state types.WindowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	return nil
}

func (m *mockMessaging) PublishModifierMask(mask uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masks = append(m.masks, mask)
	return nil
}

func (m *mockMessaging) PublishChordCount(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, count)
	return nil
}

func (m *mockMessaging) PublishChordList(entries map[uint32]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = append(m.lists, entries)
	return nil
}

func (m *mockMessaging) PublishSaveResult(ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, ok)
	return nil
}

func (m *mockMessaging) GetSetting(key string) (string, error) {
	if m.settings == nil {
		return "", nil
	}
	return m.settings[key], nil
}

func newTestSystem(t *testing.T) (*MacropadSystem, *mockScanner, *mockSink, *mockMessaging, *storage.MemStore) {
	t.Helper()
	scanner := &mockScanner{}
	sink := &mockSink{}
	redis := &mockMessaging{}
	store := storage.NewMemStore(4096)

	system, err := NewMacropadSystem(Config{
		SwitchCount:      4,
		SamplingInterval: 5 * time.Millisecond,
		ChordWindow:      100 * time.Millisecond,
	}, scanner, sink, store, redis, logger.NewLogger(nil, logger.LogLevelNone))
	if err != nil {
		t.Fatalf("NewMacropadSystem failed: %v", err)
	}
	return system, scanner, sink, redis, store
}

// drain executes one queued command on the test goroutine, standing in
// for the sampling loop.
func drain(t *testing.T, m *MacropadSystem) {
	t.Helper()
	select {
	case cmd := <-m.commands:
		cmd()
	default:
		t.Fatal("no command queued")
	}
}

func TestNewMacropadSystemValidation(t *testing.T) {
	scanner := &mockScanner{}
	sink := &mockSink{}
	redis := &mockMessaging{}
	store := storage.NewMemStore(64)
	l := logger.NewLogger(nil, logger.LogLevelNone)

	if _, err := NewMacropadSystem(Config{SwitchCount: 0, SamplingInterval: time.Millisecond}, scanner, sink, store, redis, l); err == nil {
		t.Error("zero switch count accepted")
	}
	if _, err := NewMacropadSystem(Config{SwitchCount: 64, SamplingInterval: time.Millisecond}, scanner, sink, store, redis, l); err == nil {
		t.Error("oversized switch count accepted")
	}
	if _, err := NewMacropadSystem(Config{SwitchCount: 4}, scanner, sink, store, redis, l); err == nil {
		t.Error("zero sampling interval accepted")
	}
}

func TestHandleMacroSet(t *testing.T) {
	m, _, _, _, _ := newTestSystem(t)

	if err := m.handleMacroSet(1, "down", `"hi"`); err != nil {
		t.Fatalf("handleMacroSet failed: %v", err)
	}
	drain(t, m)
	if !bytes.Equal(m.macros.Down(1), []byte("hi")) {
		t.Errorf("down macro = %q, want %q", m.macros.Down(1), "hi")
	}

	if err := m.handleMacroSet(1, "up", "enter"); err != nil {
		t.Fatalf("handleMacroSet failed: %v", err)
	}
	drain(t, m)
	if !bytes.Equal(m.macros.Up(1), []byte{0x0A}) {
		t.Errorf("up macro = %#v, want enter", m.macros.Up(1))
	}
}

func TestHandleMacroSetRejectsBadText(t *testing.T) {
	m, _, _, _, _ := newTestSystem(t)

	if err := m.handleMacroSet(0, "down", "banana"); err == nil {
		t.Fatal("malformed macro text accepted")
	}
	select {
	case <-m.commands:
		t.Fatal("command queued despite encode error")
	default:
	}
}

func TestHandleMacroClear(t *testing.T) {
	m, _, _, _, _ := newTestSystem(t)
	m.macros.Set(2, []byte("x"), []byte("y"))

	if err := m.handleMacroClear(2); err != nil {
		t.Fatalf("handleMacroClear failed: %v", err)
	}
	drain(t, m)
	if m.macros.Down(2) != nil || m.macros.Up(2) != nil {
		t.Error("macros survived clear")
	}

	if err := m.handleMacroClearAll(); err != nil {
		t.Fatalf("handleMacroClearAll failed: %v", err)
	}
	drain(t, m)
}

func TestHandleChordCommands(t *testing.T) {
	m, _, _, redis, _ := newTestSystem(t)

	if err := m.handleChordAdd(0b11, `"X"`); err != nil {
		t.Fatalf("handleChordAdd failed: %v", err)
	}
	drain(t, m)
	if m.engine.ChordCount() != 1 {
		t.Fatalf("ChordCount = %d, want 1", m.engine.ChordCount())
	}
	if len(redis.counts) != 1 || redis.counts[0] != 1 {
		t.Errorf("published counts = %v, want [1]", redis.counts)
	}

	if err := m.handleChordAdd(0b11, "banana"); err == nil {
		t.Fatal("malformed chord text accepted")
	}

	if err := m.handleChordList(); err != nil {
		t.Fatalf("handleChordList failed: %v", err)
	}
	drain(t, m)
	if len(redis.lists) != 1 || redis.lists[0][0b11] != `"X"` {
		t.Errorf("published list = %v", redis.lists)
	}

	if err := m.handleChordRemove(0b11); err != nil {
		t.Fatalf("handleChordRemove failed: %v", err)
	}
	drain(t, m)
	if m.engine.ChordCount() != 0 {
		t.Errorf("ChordCount = %d after remove, want 0", m.engine.ChordCount())
	}
}

func TestHandleModifierCommands(t *testing.T) {
	m, _, _, redis, _ := newTestSystem(t)

	if err := m.handleModifierSet(2, true); err != nil {
		t.Fatalf("handleModifierSet failed: %v", err)
	}
	drain(t, m)
	if m.engine.ModifierMask() != 0b100 {
		t.Errorf("modifier mask = %#b, want 0b100", m.engine.ModifierMask())
	}
	if len(redis.masks) != 1 || redis.masks[0] != 0b100 {
		t.Errorf("published masks = %v, want [4]", redis.masks)
	}

	if err := m.handleModifierClear(); err != nil {
		t.Fatalf("handleModifierClear failed: %v", err)
	}
	drain(t, m)
	if m.engine.ModifierMask() != 0 {
		t.Errorf("modifier mask = %#b after clear, want 0", m.engine.ModifierMask())
	}
}

func TestHandleSaveLoad(t *testing.T) {
	m, _, _, redis, store := newTestSystem(t)
	m.macros.Set(0, []byte("hi"), nil)
	m.engine.AddChord(0b11, []byte("X"))

	if err := m.handleSave(); err != nil {
		t.Fatalf("handleSave failed: %v", err)
	}
	drain(t, m)
	if len(redis.saves) != 1 || !redis.saves[0] {
		t.Fatalf("published save results = %v, want [true]", redis.saves)
	}
	if !bytes.Contains(store.Bytes(), []byte("CHRD")) {
		t.Error("store image missing chord region")
	}

	// Wipe in-memory state, then load it back.
	m.macros.ClearAll()
	m.engine.ClearChords()
	if err := m.handleLoad(); err != nil {
		t.Fatalf("handleLoad failed: %v", err)
	}
	drain(t, m)
	if !bytes.Equal(m.macros.Down(0), []byte("hi")) {
		t.Errorf("down macro after load = %q, want %q", m.macros.Down(0), "hi")
	}
	if m.engine.ChordCount() != 1 {
		t.Errorf("ChordCount after load = %d, want 1", m.engine.ChordCount())
	}
}

func TestHandleSettingsUpdate(t *testing.T) {
	m, _, _, redis, _ := newTestSystem(t)
	redis.settings = map[string]string{chordWindowSetting: "250"}

	if err := m.handleSettingsUpdate("some.other.key"); err != nil {
		t.Fatalf("handleSettingsUpdate failed: %v", err)
	}
	select {
	case <-m.commands:
		t.Fatal("command queued for unrelated setting")
	default:
	}

	if err := m.handleSettingsUpdate(chordWindowSetting); err != nil {
		t.Fatalf("handleSettingsUpdate failed: %v", err)
	}
	drain(t, m)

	redis.settings[chordWindowSetting] = "bogus"
	if err := m.handleSettingsUpdate(chordWindowSetting); err != nil {
		t.Fatalf("handleSettingsUpdate failed: %v", err)
	}
	select {
	case <-m.commands:
		t.Fatal("command queued for invalid window value")
	default:
	}
}

func TestSystemEndToEnd(t *testing.T) {
	m, scanner, sink, redis, store := newTestSystem(t)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := redis.callbacks.ChordAddCallback(0b11, `"X"`); err != nil {
		t.Fatalf("chord add failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	scanner.Set(0b11)
	time.Sleep(100 * time.Millisecond)
	scanner.Set(0)
	time.Sleep(50 * time.Millisecond)

	if !bytes.Equal(sink.Out(), []byte("X")) {
		t.Errorf("sink output = %q, want %q", sink.Out(), "X")
	}

	m.Shutdown()

	if !bytes.Contains(store.Bytes(), []byte("CHRD")) {
		t.Error("configuration not persisted on shutdown")
	}

	redis.mu.Lock()
	defer redis.mu.Unlock()
	if len(redis.states) == 0 {
		t.Error("no window states published")
	}
}

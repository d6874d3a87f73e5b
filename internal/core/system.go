package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"macropad-service/internal/chord"
	"macropad-service/internal/logger"
	"macropad-service/internal/macro"
	"macropad-service/internal/messaging"
	"macropad-service/internal/storage"
	"macropad-service/internal/types"
)

const chordWindowSetting = "macropad.chord-window"

// Config carries the runtime parameters of the macropad system.
type Config struct {
	SwitchCount      int
	SamplingInterval time.Duration
	ChordWindow      time.Duration
}

// MacropadSystem wires the switch scanner, chord engine, macro table and
// persistence together. All table state is owned by the sampling
// goroutine; Redis command callbacks are enqueued onto it so mutations
// never race with sampling.
type MacropadSystem struct {
	config    Config
	logger    *logger.Logger
	macros    *macro.Table
	engine    *chord.Engine
	persister *storage.Persister
	scanner   Scanner
	redis     MessagingClient

	commands chan func()
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewMacropadSystem(config Config, scanner Scanner, sink macro.Sink, store storage.Store, redis MessagingClient, l *logger.Logger) (*MacropadSystem, error) {
	if config.SwitchCount <= 0 || config.SwitchCount > types.MaxSwitches {
		return nil, fmt.Errorf("invalid switch count %d", config.SwitchCount)
	}
	if config.SamplingInterval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %v", config.SamplingInterval)
	}

	macros := macro.NewTable(config.SwitchCount)
	engine, err := chord.NewEngine(macros, sink, config.ChordWindow, l)
	if err != nil {
		return nil, err
	}

	return &MacropadSystem{
		config:    config,
		logger:    l.WithTag("system"),
		macros:    macros,
		engine:    engine,
		persister: storage.NewPersister(store, l),
		scanner:   scanner,
		redis:     redis,
		commands:  make(chan func(), 16),
	}, nil
}

func (m *MacropadSystem) Start(ctx context.Context) error {
	m.logger.Infof("Starting macropad system")

	m.redis.SetCallbacks(messaging.Callbacks{
		MacroSetCallback:      m.handleMacroSet,
		MacroClearCallback:    m.handleMacroClear,
		MacroClearAllCallback: m.handleMacroClearAll,
		ChordAddCallback:      m.handleChordAdd,
		ChordRemoveCallback:   m.handleChordRemove,
		ChordClearCallback:    m.handleChordClear,
		ChordListCallback:     m.handleChordList,
		ModifierSetCallback:   m.handleModifierSet,
		ModifierClearCallback: m.handleModifierClear,
		SaveCallback:          m.handleSave,
		LoadCallback:          m.handleLoad,
		SettingsCallback:      m.handleSettingsUpdate,
	})

	if err := m.redis.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	if err := m.engine.Start(ctx); err != nil {
		return err
	}
	m.engine.OnStateChange(func(from, to types.WindowState) {
		m.logger.Debugf("Window state: %s -> %s", from, to)
		if err := m.redis.PublishWindowState(to); err != nil {
			m.logger.Warnf("Failed to publish window state: %v", err)
		}
	})

	// Restore tables from the persistent store. A corrupt or empty store
	// is not fatal: the persister keeps whatever prefix was readable.
	if _, err := m.persister.LoadAll(m.macros, m.engine); err != nil {
		m.logger.Warnf("Failed to load stored configuration: %v", err)
	}
	m.publishTableState()

	m.applyChordWindowSetting()

	// Start Redis listeners now that everything is initialized
	if err := m.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	m.wg.Add(1)
	go m.samplingLoop(ctx)

	m.logger.Infof("System started: %d switches, sampling every %v", m.config.SwitchCount, m.config.SamplingInterval)
	return nil
}

// Shutdown stops sampling, persists the tables and releases the scanner.
func (m *MacropadSystem) Shutdown() {
	m.logger.Infof("Shutting down macropad system")
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if _, err := m.persister.SaveAll(m.macros, m.engine); err != nil {
		m.logger.Errorf("Failed to persist configuration on shutdown: %v", err)
	}

	m.scanner.Close()
	if err := m.redis.Close(); err != nil {
		m.logger.Warnf("Failed to close Redis client: %v", err)
	}
}

// samplingLoop owns the macro and chord tables. Queued commands run
// between samples on the same goroutine.
func (m *MacropadSystem) samplingLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Infof("Sampling loop stopped")
			return
		case cmd := <-m.commands:
			cmd()
		case <-ticker.C:
			mask, err := m.scanner.CurrentBitmask()
			if err != nil {
				m.logger.Errorf("Failed to read switch state: %v", err)
				continue
			}
			if err := m.engine.Sample(mask); err != nil {
				m.logger.Errorf("Failed to process sample %#x: %v", mask, err)
			}
		}
	}
}

// enqueue hands a mutation to the sampling goroutine. Errors inside the
// command are logged there; only a full queue is reported to the caller.
func (m *MacropadSystem) enqueue(name string, cmd func()) error {
	select {
	case m.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("command queue full, dropping %s", name)
	}
}

func (m *MacropadSystem) publishTableState() {
	if err := m.redis.PublishModifierMask(m.engine.ModifierMask()); err != nil {
		m.logger.Warnf("Failed to publish modifier mask: %v", err)
	}
	if err := m.redis.PublishChordCount(m.engine.ChordCount()); err != nil {
		m.logger.Warnf("Failed to publish chord count: %v", err)
	}
}

// === Redis command callbacks ===

// handleMacroSet encodes the macro text synchronously, so syntax errors
// reach the command sender's log, then applies it on the sampling
// goroutine.
func (m *MacropadSystem) handleMacroSet(id int, direction string, text string) error {
	seq, err := macro.Encode(text)
	if err != nil {
		return fmt.Errorf("failed to encode macro for switch %d: %w", id, err)
	}
	return m.enqueue("macro set", func() {
		var err error
		if direction == "down" {
			err = m.macros.SetDown(id, seq)
		} else {
			err = m.macros.SetUp(id, seq)
		}
		if err != nil {
			m.logger.Warnf("Failed to set %s macro for switch %d: %v", direction, id, err)
			return
		}
		m.logger.Infof("Set %s macro for switch %d (%d bytes)", direction, id, len(seq))
	})
}

func (m *MacropadSystem) handleMacroClear(id int) error {
	return m.enqueue("macro clear", func() {
		if err := m.macros.Clear(id); err != nil {
			m.logger.Warnf("Failed to clear macros for switch %d: %v", id, err)
			return
		}
		m.logger.Infof("Cleared macros for switch %d", id)
	})
}

func (m *MacropadSystem) handleMacroClearAll() error {
	return m.enqueue("macro clear-all", func() {
		m.macros.ClearAll()
		m.logger.Infof("Cleared all macros")
	})
}

func (m *MacropadSystem) handleChordAdd(keyMask uint32, text string) error {
	seq, err := macro.Encode(text)
	if err != nil {
		return fmt.Errorf("failed to encode chord %#x: %w", keyMask, err)
	}
	return m.enqueue("chord add", func() {
		if err := m.engine.AddChord(keyMask, seq); err != nil {
			m.logger.Warnf("Failed to add chord %#x: %v", keyMask, err)
			return
		}
		m.logger.Infof("Added chord %#x (%d bytes)", keyMask, len(seq))
		if err := m.redis.PublishChordCount(m.engine.ChordCount()); err != nil {
			m.logger.Warnf("Failed to publish chord count: %v", err)
		}
	})
}

func (m *MacropadSystem) handleChordRemove(keyMask uint32) error {
	return m.enqueue("chord remove", func() {
		if !m.engine.RemoveChord(keyMask) {
			m.logger.Infof("No chord %#x to remove", keyMask)
			return
		}
		m.logger.Infof("Removed chord %#x", keyMask)
		if err := m.redis.PublishChordCount(m.engine.ChordCount()); err != nil {
			m.logger.Warnf("Failed to publish chord count: %v", err)
		}
	})
}

func (m *MacropadSystem) handleChordClear() error {
	return m.enqueue("chord clear", func() {
		m.engine.ClearChords()
		m.logger.Infof("Cleared chord table")
		if err := m.redis.PublishChordCount(0); err != nil {
			m.logger.Warnf("Failed to publish chord count: %v", err)
		}
	})
}

func (m *MacropadSystem) handleChordList() error {
	return m.enqueue("chord list", func() {
		entries := make(map[uint32]string, m.engine.ChordCount())
		for rec := range m.engine.Chords() {
			entries[rec.KeyMask] = macro.Decode(rec.Sequence)
		}
		if err := m.redis.PublishChordList(entries); err != nil {
			m.logger.Warnf("Failed to publish chord list: %v", err)
		}
	})
}

func (m *MacropadSystem) handleModifierSet(id int, isModifier bool) error {
	return m.enqueue("modifier set", func() {
		if err := m.engine.SetModifier(id, isModifier); err != nil {
			m.logger.Warnf("Failed to update modifier switch %d: %v", id, err)
			return
		}
		m.logger.Infof("Modifier switch %d: %v, mask now %#x", id, isModifier, m.engine.ModifierMask())
		if err := m.redis.PublishModifierMask(m.engine.ModifierMask()); err != nil {
			m.logger.Warnf("Failed to publish modifier mask: %v", err)
		}
	})
}

func (m *MacropadSystem) handleModifierClear() error {
	return m.enqueue("modifier clear", func() {
		m.engine.ClearModifiers()
		m.logger.Infof("Cleared modifier mask")
		if err := m.redis.PublishModifierMask(0); err != nil {
			m.logger.Warnf("Failed to publish modifier mask: %v", err)
		}
	})
}

func (m *MacropadSystem) handleSave() error {
	return m.enqueue("config save", func() {
		next, err := m.persister.SaveAll(m.macros, m.engine)
		if err != nil {
			m.logger.Errorf("Failed to save configuration: %v", err)
		} else {
			m.logger.Infof("Saved configuration, %d bytes", next)
		}
		if err := m.redis.PublishSaveResult(next != storage.SaveFailed); err != nil {
			m.logger.Warnf("Failed to publish save result: %v", err)
		}
	})
}

func (m *MacropadSystem) handleLoad() error {
	return m.enqueue("config load", func() {
		if _, err := m.persister.LoadAll(m.macros, m.engine); err != nil {
			m.logger.Errorf("Failed to load configuration: %v", err)
		}
		m.publishTableState()
	})
}

func (m *MacropadSystem) handleSettingsUpdate(key string) error {
	if key != chordWindowSetting {
		return nil
	}
	m.applyChordWindowSetting()
	return nil
}

// applyChordWindowSetting reads the chord window from the settings hash
// (milliseconds) and applies it; absent or invalid values keep the
// current window.
func (m *MacropadSystem) applyChordWindowSetting() {
	value, err := m.redis.GetSetting(chordWindowSetting)
	if err != nil {
		m.logger.Warnf("Failed to read %s: %v", chordWindowSetting, err)
		return
	}
	if value == "" {
		return
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		m.logger.Warnf("Ignoring invalid %s value %q", chordWindowSetting, value)
		return
	}
	window := time.Duration(ms) * time.Millisecond
	if err := m.enqueue("window update", func() {
		m.engine.SetWindow(window)
		m.logger.Infof("Chord window set to %v", window)
	}); err != nil {
		m.logger.Warnf("Failed to apply chord window: %v", err)
	}
}

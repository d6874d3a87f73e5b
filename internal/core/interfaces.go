package core

import (
	"macropad-service/internal/messaging"
	"macropad-service/internal/types"
)

// MessagingClient defines the interface for Redis messaging operations needed by MacropadSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// State publishing
	PublishWindowState(state types.WindowState) error
	PublishModifierMask(mask uint32) error
	PublishChordCount(count int) error
	PublishChordList(entries map[uint32]string) error
	PublishSaveResult(ok bool) error

	// Settings
	GetSetting(key string) (string, error)
}

// Scanner defines the interface for the debounced switch bank.
type Scanner interface {
	CurrentBitmask() (uint32, error)
	Close()
}

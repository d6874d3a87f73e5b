package types

// WindowState is the externally visible chord window state, published to
// the command layer whenever it changes.
type WindowState string

const (
	WindowIdle         WindowState = "idle"
	WindowAccumulating WindowState = "accumulating"
	WindowMatched      WindowState = "matched"
	WindowCancelled    WindowState = "cancelled"
)

// MaxSwitches is the widest switch bank the engine supports; switch
// bitmasks and chord keymasks are 32-bit.
const MaxSwitches = 32

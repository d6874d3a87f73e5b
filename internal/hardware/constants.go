package hardware

import "time"

const (
	DefaultChip      = "gpiochip0"
	DefaultHidDevice = "/dev/hidg0"

	// DebouncePeriod is applied in the kernel via the line request; the
	// sampling interval must not be shorter than this.
	DebouncePeriod = 5 * time.Millisecond
)

// SwitchLines maps switch ids (bit positions in the scanner bitmask) to
// GPIO line offsets on the switch chip. Inputs are pulled up and wired
// active low.
var SwitchLines = []int{4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

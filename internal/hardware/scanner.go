package hardware

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"macropad-service/internal/logger"
)

// GpioScanner reads a bank of switch lines into a bitmask. Lines are
// requested as debounced pull-up inputs; a pressed switch pulls its line
// low, so values are inverted into the mask.
type GpioScanner struct {
	logger *logger.Logger
	lines  *gpiocdev.Lines
	vals   []int
}

func NewGpioScanner(chipName string, offsets []int, l *logger.Logger) (*GpioScanner, error) {
	lines, err := gpiocdev.RequestLines(chipName, offsets,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithDebounce(DebouncePeriod),
		gpiocdev.WithConsumer("macropad-service"))
	if err != nil {
		return nil, fmt.Errorf("failed to request switch lines on %s: %w", chipName, err)
	}

	s := &GpioScanner{
		logger: l.WithTag("scanner"),
		lines:  lines,
		vals:   make([]int, len(offsets)),
	}
	s.logger.Infof("Requested %d switch lines on %s", len(offsets), chipName)
	return s, nil
}

// CurrentBitmask returns the debounced switch state, bit i = switch i down.
func (s *GpioScanner) CurrentBitmask() (uint32, error) {
	if err := s.lines.Values(s.vals); err != nil {
		return 0, fmt.Errorf("failed to read switch lines: %w", err)
	}
	var mask uint32
	for i, v := range s.vals {
		if v == 0 {
			mask |= 1 << i
		}
	}
	return mask, nil
}

func (s *GpioScanner) Close() {
	if err := s.lines.Close(); err != nil {
		s.logger.Warnf("Failed to close switch lines: %v", err)
	}
}

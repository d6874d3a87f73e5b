package hardware

import (
	"fmt"

	"golang.org/x/sys/unix"

	"macropad-service/internal/logger"
)

const (
	reportSize    = 8
	keySlots      = 6
	leftShiftMask = 0x02
)

// GadgetSink types keystrokes through a USB HID keyboard gadget
// (/dev/hidgN). It maintains a boot-protocol report: modifier byte,
// reserved byte, six key slots. Press/Release adjust held state; Write
// taps one character, temporarily adding left shift when the character
// needs it.
type GadgetSink struct {
	logger *logger.Logger
	fd     int

	mods byte
	keys [keySlots]byte
}

func NewGadgetSink(device string, l *logger.Logger) (*GadgetSink, error) {
	fd, err := unix.Open(device, unix.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open HID gadget %s: %w", device, err)
	}
	s := &GadgetSink{
		logger: l.WithTag("hid"),
		fd:     fd,
	}
	s.logger.Infof("Opened HID gadget %s", device)
	return s, nil
}

// Press holds a key down. Modifier usages (0xE0..0xE7) set their bit in
// the modifier byte; other usages take a free key slot.
func (s *GadgetSink) Press(code byte) error {
	if code >= 0xE0 && code < 0xE8 {
		s.mods |= 1 << (code - 0xE0)
		return s.sendReport(s.mods, s.keys)
	}
	for i, k := range s.keys {
		if k == code {
			return nil
		}
		if k == 0 {
			s.keys[i] = code
			return s.sendReport(s.mods, s.keys)
		}
	}
	s.logger.Warnf("No free key slot for usage %#x", code)
	return nil
}

// Release lets a held key go. Releasing a key that was never pressed is
// a no-op.
func (s *GadgetSink) Release(code byte) error {
	if code >= 0xE0 && code < 0xE8 {
		s.mods &^= 1 << (code - 0xE0)
		return s.sendReport(s.mods, s.keys)
	}
	for i, k := range s.keys {
		if k == code {
			s.keys[i] = 0
			return s.sendReport(s.mods, s.keys)
		}
	}
	return nil
}

// Write taps the key for one sequence byte on top of the currently held
// modifiers, then restores the held report. Bytes with no boot-keyboard
// key are skipped.
func (s *GadgetSink) Write(b byte) error {
	entry, ok := byteUsage[b]
	if !ok {
		s.logger.Debugf("No keyboard mapping for byte %#x, skipping", b)
		return nil
	}

	mods := s.mods
	if entry.shift {
		mods |= leftShiftMask
	}
	keys := s.keys
	placed := false
	for i, k := range keys {
		if k == 0 {
			keys[i] = entry.usage
			placed = true
			break
		}
	}
	if !placed {
		s.logger.Warnf("No free key slot for byte %#x", b)
		return nil
	}

	if err := s.sendReport(mods, keys); err != nil {
		return err
	}
	return s.sendReport(s.mods, s.keys)
}

func (s *GadgetSink) sendReport(mods byte, keys [keySlots]byte) error {
	report := [reportSize]byte{0: mods}
	copy(report[2:], keys[:])
	if _, err := unix.Write(s.fd, report[:]); err != nil {
		return fmt.Errorf("failed to write HID report: %w", err)
	}
	return nil
}

// Close releases everything still held and closes the gadget.
func (s *GadgetSink) Close() {
	s.mods = 0
	s.keys = [keySlots]byte{}
	if err := s.sendReport(0, s.keys); err != nil {
		s.logger.Warnf("Failed to send release report: %v", err)
	}
	if err := unix.Close(s.fd); err != nil {
		s.logger.Warnf("Failed to close HID gadget: %v", err)
	}
}

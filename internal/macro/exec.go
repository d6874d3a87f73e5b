package macro

// Sink is the boundary receiving keystroke output. Press and Release take
// HID usage codes; Write takes a pass-through byte from the encoded
// sequence (literal UTF-8 text or a named-key code).
type Sink interface {
	Press(code byte) error
	Release(code byte) error
	Write(b byte) error
}

// Execute interprets an encoded sequence against a sink in a single
// left-to-right pass. Malformed input never aborts execution: a group
// opcode truncated at the end of the buffer is a silent no-op. A sink
// error stops the pass and is returned.
func Execute(seq []byte, sink Sink) error {
	for i := 0; i < len(seq); i++ {
		b := seq[i]
		switch {
		case b >= opPressBase && b < opPressBase+modifierCount:
			if err := sink.Press(ModifierUsageBase + b - opPressBase); err != nil {
				return err
			}
		case b >= opReleaseBase && b < opReleaseBase+modifierCount:
			if err := sink.Release(ModifierUsageBase + b - opReleaseBase); err != nil {
				return err
			}
		case b == OpGroupPress || b == OpGroupRelease:
			if i+1 >= len(seq) {
				return nil
			}
			i++
			mask := seq[i]
			for bit := byte(0); bit < modifierCount; bit++ {
				if mask&(1<<bit) == 0 {
					continue
				}
				var err error
				if b == OpGroupPress {
					err = sink.Press(ModifierUsageBase + bit)
				} else {
					err = sink.Release(ModifierUsageBase + bit)
				}
				if err != nil {
					return err
				}
			}
		default:
			if err := sink.Write(b); err != nil {
				return err
			}
		}
	}
	return nil
}

package macro

// The wire encoding mixes literal UTF-8 text with private control opcodes
// in the C0 range. 0x00 is reserved as the storage string terminator and
// never appears in an encoded sequence.
const (
	opPressBase   = 0x01 // 0x01..0x08: press modifier 0..7
	opReleaseBase = 0x11 // 0x11..0x18: release modifier 0..7

	OpGroupPress   = 0x19 // followed by a modifier bitmask byte
	OpGroupRelease = 0x1A

	modifierCount = 8
)

// ModifierUsageBase is the HID usage of the first keyboard modifier
// (Left Control); modifier i maps to usage ModifierUsageBase+i.
const ModifierUsageBase = 0xE0

// modifierNames is ordered by HID modifier bit.
var modifierNames = [modifierCount]string{
	"lctrl", "lshift", "lalt", "lgui",
	"rctrl", "rshift", "ralt", "rgui",
}

func modifierIndex(name string) (byte, bool) {
	for i, n := range modifierNames {
		if n == name {
			return byte(i), true
		}
	}
	return 0, false
}

// Named keys occupy the C0 bytes not claimed by opcodes, plus DEL. Tab and
// enter double as their ASCII control characters so literal "\t"/"\n" text
// and the named keys encode identically.
var keyNames = map[string]byte{
	"tab":   0x09,
	"enter": 0x0A,
	"home":  0x0B,
	"end":   0x0C,
	"pgup":  0x0E,
	"pgdn":  0x0F,
	"del":   0x10,
	"esc":   0x1B,
	"left":  0x1C,
	"right": 0x1D,
	"up":    0x1E,
	"down":  0x1F,
	"bksp":  0x7F,
}

var keyCodeNames = func() map[byte]string {
	m := make(map[byte]string, len(keyNames))
	for name, code := range keyNames {
		m[code] = name
	}
	return m
}()

package macro

import (
	"bytes"
	"fmt"
	"strings"
)

// EncodeError reports a malformed macro text. Nothing is allocated into
// the caller's tables when encoding fails.
type EncodeError struct {
	Token  string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("macro: %s: %q", e.Reason, e.Token)
}

func encodeErr(token, reason string) error {
	return &EncodeError{Token: token, Reason: reason}
}

// Encode converts human-readable macro text into an encoded sequence.
//
// Tokens are separated by whitespace or '+':
//
//	"literal text"          quoted UTF-8 with \" \\ \n \t \r \xHH escapes
//	enter, esc, pgup, ...   named keys (single byte)
//	press:lshift            single-modifier press (one-byte opcode)
//	release:lshift          single-modifier release
//	press:(lctrl,lshift)    grouped press (opcode + bitmask byte)
//	release:(...)           grouped release
//	\xHH                    raw byte
//
// The encoded form never contains 0x00.
func Encode(text string) ([]byte, error) {
	var out bytes.Buffer

	i := 0
	for i < len(text) {
		c := text[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '+' {
			i++
			continue
		}
		if c == '"' {
			n, err := encodeQuoted(text[i:], &out)
			if err != nil {
				return nil, err
			}
			i += n
			continue
		}

		end := i
		for end < len(text) {
			c := text[end]
			if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '+' {
				break
			}
			end++
		}
		if err := encodeToken(text[i:end], &out); err != nil {
			return nil, err
		}
		i = end
	}

	return out.Bytes(), nil
}

// encodeQuoted consumes a quoted literal starting at text[0] == '"' and
// returns the number of input bytes consumed.
func encodeQuoted(text string, out *bytes.Buffer) (int, error) {
	i := 1
	for i < len(text) {
		c := text[i]
		switch {
		case c == '"':
			return i + 1, nil
		case c == '\\':
			if i+1 >= len(text) {
				return 0, encodeErr(text, "unterminated escape")
			}
			i++
			switch text[i] {
			case '"':
				out.WriteByte('"')
			case '\\':
				out.WriteByte('\\')
			case 'n':
				out.WriteByte(0x0A)
			case 't':
				out.WriteByte(0x09)
			case 'r':
				out.WriteByte(0x0D)
			case 'x':
				if i+2 >= len(text) {
					return 0, encodeErr(text, "truncated hex escape")
				}
				b, ok := hexByte(text[i+1], text[i+2])
				if !ok {
					return 0, encodeErr(text[i-1:i+3], "invalid hex escape")
				}
				if b == 0 {
					return 0, encodeErr(text[i-1:i+3], "null byte not encodable")
				}
				out.WriteByte(b)
				i += 2
			default:
				return 0, encodeErr(text[i-1:i+1], "unknown escape")
			}
			i++
		case c < 0x20:
			return 0, encodeErr(text, "raw control character in literal")
		default:
			out.WriteByte(c)
			i++
		}
	}
	return 0, encodeErr(text, "unterminated quote")
}

func encodeToken(token string, out *bytes.Buffer) error {
	if code, ok := keyNames[token]; ok {
		out.WriteByte(code)
		return nil
	}

	if rest, ok := strings.CutPrefix(token, "press:"); ok {
		return encodeModifiers(token, rest, opPressBase, OpGroupPress, out)
	}
	if rest, ok := strings.CutPrefix(token, "release:"); ok {
		return encodeModifiers(token, rest, opReleaseBase, OpGroupRelease, out)
	}

	if rest, ok := strings.CutPrefix(token, `\x`); ok {
		if len(rest) != 2 {
			return encodeErr(token, "invalid hex token")
		}
		b, ok := hexByte(rest[0], rest[1])
		if !ok {
			return encodeErr(token, "invalid hex token")
		}
		if b == 0 {
			return encodeErr(token, "null byte not encodable")
		}
		out.WriteByte(b)
		return nil
	}

	return encodeErr(token, "unknown key name")
}

// encodeModifiers emits either the one-byte single-modifier opcode or the
// grouped opcode+bitmask form, depending on whether the directive is
// parenthesized.
func encodeModifiers(token, body string, singleBase, groupOp byte, out *bytes.Buffer) error {
	grouped := false
	if strings.HasPrefix(body, "(") {
		if !strings.HasSuffix(body, ")") {
			return encodeErr(token, "unterminated modifier group")
		}
		body = body[1 : len(body)-1]
		grouped = true
	}
	if body == "" {
		return encodeErr(token, "empty modifier directive")
	}

	var mask byte
	names := strings.Split(body, ",")
	for _, name := range names {
		idx, ok := modifierIndex(name)
		if !ok {
			return encodeErr(token, "unknown modifier")
		}
		mask |= 1 << idx
	}

	if !grouped {
		if len(names) != 1 {
			return encodeErr(token, "multiple modifiers need group syntax")
		}
		idx, _ := modifierIndex(names[0])
		out.WriteByte(singleBase + idx)
		return nil
	}

	out.WriteByte(groupOp)
	out.WriteByte(mask)
	return nil
}

func hexByte(hi, lo byte) (byte, bool) {
	h, ok1 := hexNibble(hi)
	l, ok2 := hexNibble(lo)
	return h<<4 | l, ok1 && ok2
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Decode renders an encoded sequence back into macro text. It is total:
// bytes with no mapping come out as \xHH tokens. For any sequence the
// encoder can produce, Encode(Decode(seq)) reproduces seq exactly.
func Decode(seq []byte) string {
	var tokens []string
	var run bytes.Buffer

	flush := func() {
		if run.Len() > 0 {
			tokens = append(tokens, `"`+run.String()+`"`)
			run.Reset()
		}
	}

	for i := 0; i < len(seq); i++ {
		b := seq[i]
		switch {
		case b >= opPressBase && b < opPressBase+modifierCount:
			flush()
			tokens = append(tokens, "press:"+modifierNames[b-opPressBase])
		case b >= opReleaseBase && b < opReleaseBase+modifierCount:
			flush()
			tokens = append(tokens, "release:"+modifierNames[b-opReleaseBase])
		case b == OpGroupPress || b == OpGroupRelease:
			flush()
			verb := "press"
			if b == OpGroupRelease {
				verb = "release"
			}
			if i+1 >= len(seq) || seq[i+1] == 0 {
				// Truncated or empty group: not encoder output, hex-escape
				// the opcode and let the next byte decode on its own.
				tokens = append(tokens, fmt.Sprintf(`\x%02x`, b))
				continue
			}
			i++
			tokens = append(tokens, verb+":("+maskNames(seq[i])+")")
		case b == 0x0D:
			run.WriteString(`\r`)
		case b == '"':
			run.WriteString(`\"`)
		case b == '\\':
			run.WriteString(`\\`)
		case b >= 0x20 && b != 0x7F || b >= 0x80:
			run.WriteByte(b)
		default:
			if name, ok := keyCodeNames[b]; ok {
				flush()
				tokens = append(tokens, name)
			} else {
				flush()
				tokens = append(tokens, fmt.Sprintf(`\x%02x`, b))
			}
		}
	}
	flush()

	return strings.Join(tokens, " ")
}

func maskNames(mask byte) string {
	var names []string
	for i := 0; i < modifierCount; i++ {
		if mask&(1<<i) != 0 {
			names = append(names, modifierNames[i])
		}
	}
	return strings.Join(names, ",")
}

package decoder

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Placeholder replaces bytes with no Thai table mapping in lenient mode.
const Placeholder = utf8.RuneError

// ErrUnmappedByte is returned in strict mode for a byte outside the table.
var ErrUnmappedByte = errors.New("byte has no TIS-620 mapping")

// The card stores text in TIS-620. Windows-874 is a strict superset (it adds
// a handful of punctuation marks in 0x80-0x9F), so it decodes every valid
// card byte identically.
var thaiTable = charmap.Windows874

// DecodeTIS620 maps each byte through the Thai table. ASCII passes through.
// In strict mode the first unmapped byte aborts decoding.
func DecodeTIS620(b []byte, strict bool) (string, error) {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, c := range b {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
			continue
		}
		r := thaiTable.DecodeByte(c)
		if r == utf8.RuneError {
			if strict {
				return "", fmt.Errorf("%w: 0x%02X at offset %d", ErrUnmappedByte, c, i)
			}
			r = Placeholder
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// EncodeTIS620 is the inverse of DecodeTIS620 for mapped runes.
func EncodeTIS620(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		b, ok := thaiTable.EncodeRune(r)
		if !ok {
			return nil, fmt.Errorf("rune %U has no TIS-620 mapping", r)
		}
		out = append(out, b)
	}
	return out, nil
}

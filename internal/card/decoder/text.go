package decoder

import (
	"bytes"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// trimFill drops the NUL and space padding the card appends to fixed-size fields.
func trimFill(b []byte) []byte {
	return bytes.TrimRight(b, "\x00 ")
}

// normalize collapses runs of whitespace and applies NFC so combining Thai
// vowels and tone marks compare equal regardless of input order.
func normalize(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// splitDelimited splits a '#'-separated value into exactly n normalized parts.
// Missing parts are empty; anything past the n-th delimiter stays in the last part.
func splitDelimited(s string, n int) []string {
	parts := strings.SplitN(s, "#", n)
	out := make([]string, n)
	for i := range out {
		if i < len(parts) {
			out[i] = normalize(parts[i])
		}
	}
	return out
}

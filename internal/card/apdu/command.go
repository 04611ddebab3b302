package apdu

import (
	"encoding/hex"
	"fmt"
	"strings"

	"cardreader/internal/card/models"
)

// ParseHex decodes a configured command such as "80B0000402000D". Spaces are
// ignored so "80 B0 00 04 02 00 0D" is accepted as well.
func ParseHex(s string) ([]byte, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", s, err)
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("invalid command %q: need at least CLA INS P1 P2", s)
	}
	return b, nil
}

// GetResponse builds the T=0 GET RESPONSE command for n pending bytes.
func GetResponse(n byte) []byte {
	return []byte{0x00, 0xC0, 0x00, 0x00, n}
}

// WithLength returns a copy of cmd whose trailing length byte is n. Both the
// plain case-2 form (CLA INS P1 P2 Le) and the card's read form
// (CLA INS P1 P2 02 00 LEN) carry the expected length last.
func WithLength(cmd []byte, n byte) []byte {
	out := append([]byte(nil), cmd...)
	if len(out) > 4 {
		out[len(out)-1] = n
	} else {
		out = append(out, n)
	}
	return out
}

// PhotoChunk builds the read command for length bytes at offset.
func PhotoChunk(spec models.PhotoSpec, offset, length int) []byte {
	cmd := make([]byte, 0, len(spec.Command)+5)
	cmd = append(cmd, spec.Command...)
	return append(cmd, byte(offset>>8), byte(offset), 0x02, 0x00, byte(length))
}

// Hex renders a command for logs.
func Hex(cmd []byte) string {
	return strings.ToUpper(hex.EncodeToString(cmd))
}

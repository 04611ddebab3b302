package decoder

import (
	"strings"
	"unicode/utf8"

	"cardreader/internal/card/models"
)

// isAddressRune reports whether r may appear at the end of a real address:
// Thai consonants, vowels and tone marks, Thai or ASCII digits, or space.
func isAddressRune(r rune) bool {
	switch {
	case r == ' ':
		return true
	case r >= '0' && r <= '9':
		return true
	case r >= 0x0E01 && r <= 0x0E2E: // consonants
		return true
	case r >= 0x0E30 && r <= 0x0E3A: // vowels
		return true
	case r >= 0x0E40 && r <= 0x0E4E: // leading vowels, tone and diacritic marks
		return true
	case r >= 0x0E50 && r <= 0x0E59: // Thai digits
		return true
	}
	return false
}

// TruncateAddressBytes cuts raw address bytes at the first byte that is
// neither printable ASCII nor in the Thai block of the legacy table. The card
// pads the field after the last component with such bytes.
func TruncateAddressBytes(b []byte) []byte {
	for i, c := range b {
		if (c < 0x20 || c > 0x7E) && (c < 0xA1 || c > 0xFB) {
			return b[:i]
		}
	}
	return b
}

// isPlaceRune reports whether r may appear in a sub-district, district or
// province name.
func isPlaceRune(r rune) bool {
	switch {
	case r == ' ':
		return true
	case r >= 0x0E01 && r <= 0x0E2E, r >= 0x0E30 && r <= 0x0E3A, r >= 0x0E40 && r <= 0x0E4E:
		return true
	}
	return false
}

// cleanPlaceName keeps Thai letters and spaces and drops one-letter words.
// Thai place names have none, so a lone letter is a stray padding byte.
func cleanPlaceName(s string) string {
	s = strings.Map(func(r rune) rune {
		if isPlaceRune(r) {
			return r
		}
		return -1
	}, s)
	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if utf8.RuneCountInString(w) >= 2 {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// TrimAddressGarbage removes the padding that follows the last address
// component. Runes are dropped from the end until the string is empty or ends
// in an address rune.
func TrimAddressGarbage(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool { return !isAddressRune(r) })
}

// ParseAddress decomposes a decoded '#'-delimited address. The card layout is
// house#village#lane#road#sub-district#district#province; some cards carry an
// extra empty slot before the sub-district, detected when that slot is empty
// and an eighth component follows. Place name components keep only Thai
// letters.
func ParseAddress(s string) models.Address {
	parts := strings.Split(TrimAddressGarbage(s), "#")
	for i := range parts {
		parts[i] = normalize(parts[i])
	}
	at := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	sub, district, province := 4, 5, 6
	if len(parts) >= 8 && cleanPlaceName(at(4)) == "" && cleanPlaceName(at(7)) != "" {
		sub, district, province = 5, 6, 7
	}

	return models.Address{
		HouseNo:     at(0),
		VillageNo:   at(1),
		Lane:        at(2),
		Road:        at(3),
		SubDistrict: cleanPlaceName(at(sub)),
		District:    cleanPlaceName(at(district)),
		Province:    cleanPlaceName(at(province)),
	}
}

// Package privacy reduces identifying values to forms that are safe to log.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// MaskCitizenID keeps the last four digits of a citizen ID and masks the rest.
func MaskCitizenID(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// MaskAddress hides everything but the province.
func MaskAddress(address string, province string) string {
	if province != "" {
		return "*** " + province
	}
	if address == "" {
		return ""
	}
	return "***"
}

// AnonymizeIP keeps the network prefix of an address: /24 for IPv4, /48 for IPv6.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}

// HashIdentifier returns a hex SHA-256 digest for correlating records in audit
// storage without keeping the raw identifier.
func HashIdentifier(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

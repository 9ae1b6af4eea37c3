// Package anonymize masks client addresses before they reach the access log.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

const (
	ModeNone     = "none"
	ModeHash     = "hash"
	ModeTruncate = "truncate"
)

// IP masks ip according to mode: "hash" returns a 16-hex-digit SHA-256
// prefix, "truncate" keeps the IPv4 /24 or IPv6 /64 network. Any other
// mode returns ip unchanged.
func IP(ip, mode string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ip
	}
	switch mode {
	case ModeHash:
		sum := sha256.Sum256([]byte(ip))
		return hex.EncodeToString(sum[:8])
	case ModeTruncate:
		return truncate(ip)
	default:
		return ip
	}
}

func truncate(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	addr = addr.Unmap()
	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return ip
	}
	return prefix.Addr().String()
}

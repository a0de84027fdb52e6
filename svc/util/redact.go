package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var (
	tokenPattern  = regexp.MustCompile(`[A-Za-z0-9_-]{40,}`)
	secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|pepper)=([^\s&]+)`)
)

// RedactToken keeps only enough of a capability token to correlate log lines.
func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:] + "[REDACTED]"
}

// RedactIP zeroes the host part of an address (/24 for IPv4, /32 for IPv6).
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

func RedactLogLine(line string) string {
	line = tokenPattern.ReplaceAllString(line, "[TOKEN-REDACTED]")
	line = secretPattern.ReplaceAllString(line, "$1=[REDACTED]")
	return line
}

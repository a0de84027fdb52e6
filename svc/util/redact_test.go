package util

import (
	"strings"
	"testing"
)

func TestRedactIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.77":       "192.168.1.0",
		"192.168.1.77:54321": "192.168.1.0",
		"2001:db8:1:2::1":    "2001:db8::",
	}
	for in, want := range tests {
		if got := RedactIP(in); got != want {
			t.Errorf("RedactIP(%q) = %q, want %q", in, got, want)
		}
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP(garbage) = %q, want hash prefix", got)
	}
}

func TestRedactToken(t *testing.T) {
	tok := "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"
	got := RedactToken(tok)
	if strings.Contains(got, "mnop") {
		t.Errorf("RedactToken leaked middle of token: %q", got)
	}
	if RedactToken("short") != "[TOKEN-REDACTED]" {
		t.Error("short tokens must be fully redacted")
	}
}

func TestRedactLogLine(t *testing.T) {
	line := "delete failed token=abc123 for XyZ0123456789012345678901234567890123456789"
	got := RedactLogLine(line)
	if strings.Contains(got, "abc123") || strings.Contains(got, "XyZ01234") {
		t.Errorf("RedactLogLine left secrets: %q", got)
	}
}

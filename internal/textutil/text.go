// Package textutil holds small text helpers shared by the pipeline.
package textutil

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// HasCJK reports whether s contains a Han ideograph (CJK Unified
// Ideographs or Extension A).
func HasCJK(s string) bool {
	for _, r := range s {
		if (r >= 0x4e00 && r <= 0x9fff) || (r >= 0x3400 && r <= 0x4dbf) {
			return true
		}
	}
	return false
}

const maxFilename = 200

// SafeFilename replaces path separators, reserved characters and control
// characters with '_', trims whitespace, and caps the length while keeping the
// extension. An empty result becomes "unnamed_file".
func SafeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20, strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	safe := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(safe) > maxFilename {
		ext := filepath.Ext(safe)
		if utf8.RuneCountInString(ext) >= maxFilename {
			ext = ""
		}
		stem := []rune(strings.TrimSuffix(safe, ext))
		safe = string(stem[:maxFilename-utf8.RuneCountInString(ext)]) + ext
	}
	if safe == "" {
		return "unnamed_file"
	}
	return safe
}

// Truncate cuts s to at most max runes, ending with suffix when cut.
func Truncate(s string, max int, suffix string) string {
	if max <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	sr := []rune(suffix)
	if len(sr) >= max {
		return string(rs[:max])
	}
	return strings.TrimRightFunc(string(rs[:max-len(sr)]), unicode.IsSpace) + suffix
}

// OneLine collapses whitespace runs (including newlines) into single spaces.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

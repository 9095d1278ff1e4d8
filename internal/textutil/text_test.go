package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestHasCJK(t *testing.T) {
	assert.True(t, HasCJK("BTC 突破 10 万美元"))
	assert.True(t, HasCJK("㐀"))
	assert.False(t, HasCJK("Bitcoin crosses $100k"))
	assert.False(t, HasCJK("ビットコイン"), "kana alone is not Han")
	assert.False(t, HasCJK(""))
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":         "report.pdf",
		"../../etc/passwd":   ".._.._etc_passwd",
		`Q3: "outlook"?.pdf`: "Q3_ _outlook__.pdf",
		"  spaced.pdf  ":     "spaced.pdf",
		"":                   "unnamed_file",
		"tab\there.pdf":      "tab_here.pdf",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafeFilename(in), "input %q", in)
	}
}

func TestSafeFilenameKeepsExtensionWhenCapping(t *testing.T) {
	got := SafeFilename(strings.Repeat("a", 500) + ".pdf")
	assert.Equal(t, maxFilename, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10, "..."))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10, "..."))
	assert.Equal(t, "比特币比特...", Truncate("比特币比特币比特币", 8, "..."))
	assert.Equal(t, "ab", Truncate("abcdef", 2, "..."))
	assert.Equal(t, "", Truncate("abc", 0, "..."))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", OneLine("  a\n\n b\t c "))
}

package telegram

import (
	"html"
	"regexp"
	"strings"
)

var tagRe = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)

const (
	textLimit    = 4000
	captionLimit = 1024
)

// splitText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when parseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			end = newlineCut(rs, start, end, limit)
		}
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			end = tagSafeCut(rs, start, end)
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// newlineCut moves end back to just after the last newline in the window,
// unless that would leave a chunk shorter than a third of the limit.
func newlineCut(rs []rune, start, end, limit int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] != '\n' {
			continue
		}
		if i-start >= limit/3 {
			return i + 1
		}
		break
	}
	return end
}

func tagSafeCut(rs []rune, start, end int) int {
	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose && lastOpen > start+1 {
		return lastOpen
	}
	return end
}

// stripTags turns Telegram HTML into plain text.
func stripTags(s string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(s, ""))
}

package telegram

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"intelrelay/internal/retry"
)

// telebot reports API failures it has no sentinel for as
// "telegram: <description> (<code>)".
var apiCodeRe = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps Bot API failures onto the retry taxonomy:
//
//   - flood control (429) carries retry_after and is honored exactly
//   - 400/401/403/404 will not change on retry
//   - 409 (another getUpdates session) and 5xx are transient
//   - everything else (network, timeouts) is transient
func classify(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := floodWait(err); ok {
		return retry.RateLimited(err, wait)
	}
	switch code := apiCode(err); {
	case code == http.StatusUnauthorized,
		code == http.StatusBadRequest,
		code == http.StatusForbidden,
		code == http.StatusNotFound:
		return retry.Permanent(err)
	default:
		return err
	}
}

// IsAuthError reports whether err means the token was rejected.
func IsAuthError(err error) bool {
	return apiCode(err) == http.StatusUnauthorized
}

func floodWait(err error) (time.Duration, bool) {
	// telebot has returned FloodError both by value and by pointer.
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch fe := any(e).(type) {
		case tele.FloodError:
			return time.Duration(fe.RetryAfter) * time.Second, true
		case *tele.FloodError:
			if fe != nil {
				return time.Duration(fe.RetryAfter) * time.Second, true
			}
		}
	}
	return 0, false
}

func apiCode(err error) int {
	if err == nil {
		return 0
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		return te.Code
	}
	if m := apiCodeRe.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// isMarkupError reports whether Telegram rejected the parse-mode markup.
func isMarkupError(err error) bool {
	return err != nil && apiCode(err) == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

// Package notifier delivers operator messages (startup notice, periodic
// status, error alerts) off the processing hot path.
//
// Notify only enqueues. A small worker pool drains the queue through a token
// bucket and retries failed sends with backoff. Identical notifications to
// the same destination are suppressed for a dedup window, optionally
// persisted to storage so a crash loop does not repeat the same alert. The
// next delivery after a window reports how many repeats were suppressed.
package notifier

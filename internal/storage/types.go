package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines history plus a dedup snapshot and journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// ReadOnly opens for inspection next to a running relay: nothing is
	// migrated, compacted or written.
	ReadOnly bool
}

// HistoryEntry records one finished processing unit.
type HistoryEntry struct {
	At        time.Time `json:"at"`
	EventID   string    `json:"event_id"`
	Source    string    `json:"source"`
	MessageID int       `json:"message_id"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// HistoryQuery filters RecentHistory. Zero values mean "any".
type HistoryQuery struct {
	Limit   int
	Source  string
	Outcome string
}

func (q HistoryQuery) match(e HistoryEntry) bool {
	return (q.Source == "" || e.Source == q.Source) && (q.Outcome == "" || e.Outcome == q.Outcome)
}

func (q HistoryQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

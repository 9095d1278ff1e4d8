package notifier

import (
	"context"
	"time"

	"intelrelay/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Priority tags a notification; alerts get a leading marker.
type Priority int

const (
	PriorityInfo  Priority = 0
	PriorityWarn  Priority = 7
	PriorityAlert Priority = 9
)

// Notification is one operator message.
type Notification struct {
	// Kind groups notifications for dedup and logs ("startup", "status", "alert").
	Kind      string
	To        transport.Destination
	Priority  Priority
	Text      string
	ParseMode string
}

// Sender is the outbound path (the connection supervisor).
type Sender interface {
	Send(ctx context.Context, to transport.Destination, out transport.Outbound) (transport.MessageRef, error)
}

type HistoryItem struct {
	At   time.Time
	Kind string
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind  string    `json:"kind"`
	To    string    `json:"to"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "intelrelay/pkg/logx"
)

// Store is the persistence API shared by the history recorder, the notifier
// and the history command.
type Store interface {
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// RecentHistory returns matching entries, newest first.
	RecentHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the configured store, or (nil, nil) when the driver is empty
// or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}

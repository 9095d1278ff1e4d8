package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "intelrelay/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

const (
	defaultBusyTimeout = 5 * time.Second
	// pruneInterval is the number of dedup writes between expiry sweeps.
	pruneInterval = 500
)

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	writes atomic.Uint64
}

func sqliteDSN(path string, busy time.Duration, readOnly bool) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if readOnly {
		q.Add("_pragma", "query_only(1)")
		return "file:" + path + "?" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout, cfg.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; pragmas are per connection.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, log: log}
	if cfg.ReadOnly {
		return s, nil
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("sqlite schema migrated", logx.Int("from", v), logx.Int("to", schemaVersion))
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var errText sql.NullString
	if msg := strings.TrimSpace(e.Error); msg != "" {
		errText = sql.NullString{String: msg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(at, event_id, source, message_id, outcome, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.EventID, e.Source, e.MessageID, e.Outcome, errText, e.TookMS)
	return err
}

func (s *sqliteStore) RecentHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	var (
		conds []string
		args  []any
	)
	for col, val := range map[string]string{"source": q.Source, "outcome": q.Outcome} {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	stmt := `SELECT at, event_id, source, message_id, outcome, COALESCE(err, ''), took_ms FROM history`
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var at string
		if err := rows.Scan(&at, &e.EventID, &e.Source, &e.MessageID, &e.Outcome, &e.Error, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli())
	if err != nil {
		return err
	}
	if s.writes.Add(1)%pruneInterval == 0 {
		if n, err := s.pruneDedup(ctx, time.Now()); err != nil {
			s.log.Warn("dedup prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("dedup pruned", logx.Int("rows", int(n)))
		}
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

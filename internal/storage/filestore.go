package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "intelrelay/pkg/logx"
)

var errClosed = errors.New("storage closed")

// fileStore keeps everything next to the configured path, named after its
// stem:
//
//	<stem>.history.jsonl   append-only history
//	<stem>.dedup.json      dedup snapshot
//	<stem>.dedup.jsonl     dedup journal since the snapshot
type fileStore struct {
	history *historyLog
	dedup   *dedupJournal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	if cfg.ReadOnly {
		d := &dedupJournal{snapshot: stem + ".dedup.json", log: log, until: map[string]time.Time{}}
		if err := d.load(stem + ".dedup.jsonl"); err != nil {
			return nil, err
		}
		return &fileStore{history: &historyLog{path: stem + ".history.jsonl"}, dedup: d}, nil
	}

	h, err := openHistoryLog(stem + ".history.jsonl")
	if err != nil {
		return nil, err
	}
	d, err := openDedupJournal(stem+".dedup.json", stem+".dedup.jsonl", log)
	if err != nil {
		_ = h.close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("stem", stem), logx.Int("dedup_keys", len(d.until)))
	return &fileStore{history: h, dedup: d}, nil
}

func (s *fileStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	return s.history.append(e)
}

func (s *fileStore) RecentHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	return s.history.recent(ctx, q)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	return s.dedup.put(key, until)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	t, ok := s.dedup.get(key)
	return t, ok, nil
}

func (s *fileStore) Close() error {
	return errors.Join(s.dedup.close(), s.history.close())
}

type historyLog struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func openHistoryLog(path string) (*historyLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &historyLog{path: path, f: f}, nil
}

func (h *historyLog) append(e HistoryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return errClosed
	}
	_, err = h.f.Write(append(line, '\n'))
	return err
}

// recent scans the whole log keeping the last matches in a ring. History
// files stay small enough for an operator command.
func (h *historyLog) recent(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]HistoryEntry, q.limit())
	n := 0
	err = eachLine(f, func(b []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e HistoryEntry
		if json.Unmarshal(b, &e) == nil && q.match(e) {
			ring[n%len(ring)] = e
			n++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	count := min(n, len(ring))
	out := make([]HistoryEntry, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, ring[(n-i)%len(ring)])
	}
	return out, nil
}

func (h *historyLog) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// compactEvery is the number of journal appends between compactions.
const compactEvery = 1000

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"` // unix millis
}

// dedupJournal is an in-memory map backed by a snapshot plus an append-only
// journal. Expired keys are dropped whenever the journal is compacted.
type dedupJournal struct {
	snapshot string
	log      logx.Logger

	mu      sync.Mutex
	until   map[string]time.Time
	journal *os.File
	appends int
}

func openDedupJournal(snapshot, journal string, log logx.Logger) (*dedupJournal, error) {
	d := &dedupJournal{snapshot: snapshot, log: log, until: map[string]time.Time{}}
	if err := d.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
	}

	// O_APPEND: a journal truncated by another handle keeps taking whole
	// lines at its new end instead of writes past a hole.
	f, err := os.OpenFile(journal, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if err := eachLine(f, d.replay); err != nil {
		log.Warn("dedup journal replay stopped early", logx.Err(err))
	}
	d.journal = f
	if err := d.compactLocked(time.Now()); err != nil {
		log.Warn("dedup compaction failed", logx.Err(err))
	}
	return d, nil
}

// load reads the snapshot and journal without keeping a handle.
func (d *dedupJournal) load(journal string) error {
	if err := d.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f, err := os.Open(journal)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return eachLine(f, d.replay)
}

func (d *dedupJournal) loadSnapshot() error {
	b, err := os.ReadFile(d.snapshot)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%s: %w", d.snapshot, err)
	}
	for k, ms := range m {
		d.until[k] = time.UnixMilli(ms)
	}
	return nil
}

func (d *dedupJournal) replay(b []byte) error {
	var r dedupRecord
	if json.Unmarshal(b, &r) == nil && r.Key != "" {
		d.until[r.Key] = time.UnixMilli(r.Until)
	}
	return nil
}

func (d *dedupJournal) put(key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	line, err := json.Marshal(dedupRecord{Key: key, Until: until.UnixMilli()})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal == nil {
		return errClosed
	}
	d.until[key] = time.UnixMilli(until.UnixMilli())
	if _, err := d.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	if d.appends++; d.appends >= compactEvery {
		if err := d.compactLocked(time.Now()); err != nil {
			d.log.Warn("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (d *dedupJournal) get(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.until[strings.TrimSpace(key)]
	return t, ok
}

// compactLocked writes live keys to the snapshot and empties the journal.
func (d *dedupJournal) compactLocked(now time.Time) error {
	live := make(map[string]int64, len(d.until))
	for k, t := range d.until {
		if t.Before(now) {
			delete(d.until, k)
			continue
		}
		live[k] = t.UnixMilli()
	}
	b, err := json.Marshal(live)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(d.snapshot, b); err != nil {
		return err
	}
	d.appends = 0
	return d.journal.Truncate(0)
}

func (d *dedupJournal) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal == nil {
		return nil
	}
	err := d.compactLocked(time.Now())
	err = errors.Join(err, d.journal.Close())
	d.journal = nil
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func eachLine(r io.Reader, fn func([]byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

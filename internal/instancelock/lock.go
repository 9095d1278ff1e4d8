// Package instancelock guards an identity against concurrent use by two
// processes with a sentinel file at <dir>/<identity>.lock.
//
// Telegram terminates one of two pollers sharing a bot token (409 Conflict)
// and repeated conflicts can get the token flagged, so the process must hold
// the lock before it opens its session.
package instancelock

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	logx "intelrelay/pkg/logx"
)

// DefaultStaleAfter is the age after which a record is considered abandoned
// even if its pid is alive (pid reuse after power loss).
const DefaultStaleAfter = 6 * time.Hour

// ErrLockHeld is matched (errors.Is) by *HeldError.
var ErrLockHeld = errors.New("instance lock held")

// Record is the on-disk content of a lock file.
type Record struct {
	PID       int       `yaml:"pid"`
	Identity  string    `yaml:"identity"`
	Host      string    `yaml:"host,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// HeldError reports a live owner of the lock.
type HeldError struct {
	Path   string
	Record Record
}

func (e *HeldError) Error() string {
	return fmt.Sprintf(
		"session %q is already in use by pid %d on %s since %s (lock %s): stop the other instance first; delete the lock file only if you are sure it is gone",
		e.Record.Identity, e.Record.PID, hostOrUnknown(e.Record.Host), e.Record.CreatedAt.Format(time.RFC3339), e.Path,
	)
}

func (e *HeldError) Is(target error) bool { return target == ErrLockHeld }

type options struct {
	dir        string
	staleAfter time.Duration
	log        logx.Logger

	pid   int
	now   func() time.Time
	alive func(pid int) bool
}

// Option configures Acquire.
type Option func(*options)

// WithDir sets the directory that holds lock files (default: working dir).
func WithDir(dir string) Option { return func(o *options) { o.dir = dir } }

// WithStaleAfter sets the staleness threshold. <= 0 disables age-based reclaim.
func WithStaleAfter(d time.Duration) Option { return func(o *options) { o.staleAfter = d } }

// WithLogger sets the logger used for reclaim warnings.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func withPID(pid int) Option { return func(o *options) { o.pid = pid } }

func withNow(now func() time.Time) Option { return func(o *options) { o.now = now } }

func withAlive(fn func(pid int) bool) Option { return func(o *options) { o.alive = fn } }

// held counts the live *Lock values this process has per path. A record
// carrying our own pid with no count here was left by an earlier run that
// got the same pid, typically PID 1 in a restarted container.
var held = struct {
	sync.Mutex
	paths map[string]int
}{paths: map[string]int{}}

func heldKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func markHeld(path string) {
	held.Lock()
	held.paths[heldKey(path)]++
	held.Unlock()
}

func unmarkHeld(path string) {
	held.Lock()
	defer held.Unlock()
	k := heldKey(path)
	if held.paths[k]--; held.paths[k] <= 0 {
		delete(held.paths, k)
	}
}

func heldHere(path string) bool {
	held.Lock()
	defer held.Unlock()
	return held.paths[heldKey(path)] > 0
}

// Lock is a held instance lock.
type Lock struct {
	path string
	rec  Record
	log  logx.Logger

	once sync.Once
	err  error
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Record returns what was written to disk.
func (l *Lock) Record() Record { return l.rec }

// Acquire takes the lock for identity.
//
// If a record exists and its owner is dead, older than the staleness
// threshold, unreadable or this very pid without a live *Lock here, it is
// removed and acquisition is retried once.
// A live owner yields *HeldError.
func Acquire(identity string, opts ...Option) (*Lock, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || strings.ContainsAny(identity, `/\`) || identity == "." || identity == ".." {
		return nil, fmt.Errorf("invalid lock identity %q", identity)
	}

	o := newOptions(opts)
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	path := filepath.Join(o.dir, identity+".lock")
	host, _ := os.Hostname()

	for attempt := 0; attempt < 2; attempt++ {
		rec := Record{PID: o.pid, Identity: identity, Host: host, CreatedAt: o.now().UTC()}
		err := create(path, rec)
		if err == nil {
			o.log.Debug("instance lock acquired", logx.String("path", path), logx.Int("pid", rec.PID))
			markHeld(path)
			return &Lock{path: path, rec: rec, log: o.log}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		existing, rerr := readRecord(path)
		var reason string
		switch {
		case errors.Is(rerr, fs.ErrNotExist):
			// Released between our create and read.
			continue
		case rerr != nil:
			reason = "malformed lock file: " + rerr.Error()
		case existing.PID == o.pid && !heldHere(path):
			reason = "record left by an earlier run with this pid"
		case !o.alive(existing.PID):
			reason = "owner process is not running"
		case o.staleAfter > 0 && o.now().Sub(existing.CreatedAt) > o.staleAfter:
			reason = fmt.Sprintf("lock older than %s", o.staleAfter)
		default:
			return nil, &HeldError{Path: path, Record: existing}
		}

		if attempt > 0 {
			break
		}
		if err := removeStale(o.log, path, existing, reason); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("acquire lock %s: could not reclaim stale record", path)
}

// Inspect reports the current record for identity and whether Acquire would
// see it as held by a live owner. It never modifies the lock.
func Inspect(identity string, opts ...Option) (Record, bool, error) {
	o := newOptions(opts)
	rec, err := readRecord(filepath.Join(o.dir, strings.TrimSpace(identity)+".lock"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Record{}, false, nil
	case err != nil:
		return Record{}, false, err
	}
	own := rec.PID == o.pid && !heldHere(filepath.Join(o.dir, strings.TrimSpace(identity)+".lock"))
	live := !own && o.alive(rec.PID) && (o.staleAfter <= 0 || o.now().Sub(rec.CreatedAt) <= o.staleAfter)
	return rec, live, nil
}

func newOptions(opts []Option) options {
	o := options{
		dir:        ".",
		staleAfter: DefaultStaleAfter,
		pid:        os.Getpid(),
		now:        time.Now,
		alive:      processAlive,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if strings.TrimSpace(o.dir) == "" {
		o.dir = "."
	}
	return o
}

// Release removes the lock file if it still belongs to this holder.
// It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		defer unmarkHeld(l.path)
		cur, err := readRecord(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err == nil && (cur.PID != l.rec.PID || !cur.CreatedAt.Equal(l.rec.CreatedAt)) {
			l.log.Warn("instance lock was taken over; leaving it in place", logx.String("path", l.path), logx.Int("owner_pid", cur.PID))
			return
		}
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			l.err = fmt.Errorf("release lock %s: %w", l.path, rmErr)
			return
		}
		l.log.Debug("instance lock released", logx.String("path", l.path))
	})
	return l.err
}

// removeStale is the single removal path for reclaimed records.
func removeStale(log logx.Logger, path string, rec Record, reason string) error {
	log.Warn("reclaiming stale instance lock",
		logx.String("path", path),
		logx.Int("owner_pid", rec.PID),
		logx.Time("created_at", rec.CreatedAt),
		logx.String("reason", reason),
	)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	return nil
}

func create(path string, rec Record) error {
	b, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func readRecord(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if len(bytes.TrimSpace(b)) == 0 {
		return Record{}, errors.New("empty")
	}
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	if rec.PID <= 0 {
		return Record{}, fmt.Errorf("invalid pid %d", rec.PID)
	}
	return rec, nil
}

func hostOrUnknown(h string) string {
	if strings.TrimSpace(h) == "" {
		return "unknown host"
	}
	return h
}

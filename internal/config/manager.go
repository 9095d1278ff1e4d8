package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"intelrelay/internal/retry"
	logx "intelrelay/pkg/logx"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 250 * time.Millisecond

// watchRestart paces re-creating a broken fsnotify watcher.
var watchRestart = retry.Policy{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}

// ConfigManager owns the config file. Load reads it once; Watch keeps the
// committed config current and publishes every effective change.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu     sync.RWMutex
	cfg    *Config
	digest [32]byte
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

func (m *ConfigManager) Path() string { return m.path }

// Load decodes and validates the file and commits it.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, digest, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.digest = cfg, digest
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// read returns the decoded file and a digest of the effective config
// (environment overrides included).
func (m *ConfigManager) read() (*Config, [32]byte, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, [32]byte{}, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, [32]byte{}, err
	}
	norm, err := json.Marshal(cfg)
	if err != nil {
		return nil, [32]byte{}, err
	}
	return cfg, sha256.Sum256(norm), nil
}

// Subscribe returns a channel that receives each newly committed config.
// A slow subscriber only ever misses older configs, never the latest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// commit installs cfg and fans it out. It reports false when nothing
// effective changed.
func (m *ConfigManager) commit(cfg *Config, digest [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if digest == m.digest {
		return false
	}
	m.cfg, m.digest = cfg, digest
	for ch := range m.subs {
		for sent := false; !sent; {
			select {
			case ch <- cfg:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
	return true
}

func (m *ConfigManager) reload() {
	cfg, digest, err := m.read()
	if err != nil {
		m.log.Warn("config reload rejected; keeping current config", logx.String("path", m.path), logx.Err(err))
		return
	}
	if !m.commit(cfg, digest) {
		m.log.Debug("config file touched without effective change", logx.String("path", m.path))
		return
	}
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// Watch follows the config file's directory until ctx ends, re-creating the
// watcher with backoff when it breaks. It always returns nil.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	for attempt := 0; ctx.Err() == nil; {
		err := m.watchOnce(ctx, dir, func() { attempt = 0 })
		if ctx.Err() != nil {
			break
		}
		attempt++
		wait := watchRestart.Delay(attempt)
		m.log.Warn("config watcher failed; restarting", logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
		if retry.Sleep(ctx, wait) != nil {
			break
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher. Changes to the file arm a single
// timer; the reload happens when the timer fires.
func (m *ConfigManager) watchOnce(ctx context.Context, dir string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir))

	name := filepath.Base(m.path)
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading")
				timer.Reset(reloadDelay)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

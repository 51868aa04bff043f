package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "chrono/pkg/logx"
)

const (
	// Reload settles this long after the last file event before reading,
	// so partial writes are not parsed.
	reloadSettle = 250 * time.Millisecond

	validateTimeout = 5 * time.Second

	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Manager loads the config file, hands out the current snapshot, and
// hot-reloads on file changes.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of the committed config, for dedupe

	// subsMu guards the subscriber set and keeps publish from racing a
	// close in Unsubscribe.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		subs: make(map[chan *Config]struct{}),
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the gate Watch consults before committing and
// publishing a reloaded config.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decodeStrict(m.path, b)
}

// Commit makes cfg the current snapshot.
func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = contentHash(cfg)
	m.mu.Unlock()
}

// Load parses and commits in one step.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe registers a channel that receives every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	if m.subs == nil {
		m.subs = make(map[chan *Config]struct{})
	}
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish pushes cfg to every subscriber. A full buffer loses its oldest
// entry first so the newest config always lands; a buffer still full after
// that drops the update.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			if !m.log.IsZero() {
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// Watch blocks, reloading the file on changes, until ctx ends. Reloads
// settle behind a short debounce, dedupe on content hash and pass the
// validator before commit/publish. A broken watcher is rebuilt under a
// jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	rel := newReloader(reloadSettle, func() { m.reload(ctx) })
	defer rel.stop()

	backoff := watchBackoffBase
	retry := func() bool {
		wait := backoff + rand.N(backoff/2+1)
		backoff *= 2
		if backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
		if !m.log.IsZero() {
			m.log.Debug("config watcher backing off", logx.String("dir", dir), logx.Duration("wait", wait))
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config watch unavailable", logx.Err(err), logx.String("dir", dir))
			}
			if !retry() {
				return nil
			}
			continue
		}

		backoff = watchBackoffBase
		if !m.log.IsZero() {
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
		}

		rebuild := m.consumeEvents(ctx, w, file, rel)
		_ = w.Close()
		if !rebuild || ctx.Err() != nil {
			return nil
		}
		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped; rebuilding",
				logx.String("dir", dir), logx.String("file", file))
		}
		if !retry() {
			return nil
		}
	}
	return nil
}

// consumeEvents drains one watcher until it breaks or ctx ends. True means
// the watcher broke and Watch should rebuild it.
func (m *Manager) consumeEvents(ctx context.Context, w *fsnotify.Watcher, file string, rel *reloader) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.Events:
			if !ok {
				return true
			}
			// Basenames compare reliably across absolute and relative
			// event paths.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				if !m.log.IsZero() {
					m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
				}
				rel.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			// An overflow may have swallowed the event that mattered, so
			// reload once and keep draining. Matching on text avoids
			// pinning an fsnotify error constant across versions.
			if strings.Contains(msg, "overflow") {
				if !m.log.IsZero() {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				}
				rel.trigger()
				continue
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Err(err))
			}
			// Some fsnotify backends surface watcher closure as an error.
			if strings.Contains(msg, "closed") {
				return true
			}
		}
	}
}

// reload re-reads the file and, when its content is new and valid, commits
// and publishes it. Runs on the reloader's timer goroutine.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		}
		return
	}

	h := contentHash(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		if !m.log.IsZero() {
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		}
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			}
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	}
}

// reloader coalesces bursts of file events into one deferred reload.
type reloader struct {
	delay time.Duration
	run   func()

	mu    sync.Mutex
	timer *time.Timer
}

func newReloader(delay time.Duration, run func()) *reloader {
	return &reloader{delay: delay, run: run}
}

// trigger arms the timer, pushing out any pending run.
func (r *reloader) trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, r.run)
}

func (r *reloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// Watcher keeps the relay configuration in sync with a YAML file. The file
// is polled for a new modification time or size and can also be re-read on
// demand with [Watcher.Reload], e.g. on SIGHUP. The callback only fires when
// the parsed result differs from the active config, so comment or
// formatting edits are ignored. Environment overrides are applied on every
// read.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onChange func(old, new *Config)

	// reloadMu serialises Reload so callbacks arrive in file order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	done     chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap change indicator checked on every tick.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

func (s fileStamp) equal(o fileStamp) bool {
	return s.size == o.size && s.mtime.Equal(o.mtime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds; zero or
// negative keeps the default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment source applied on top of the file. The
// default is [os.LookupEnv]; nil disables overrides.
func WithLookup(fn LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// NewWatcher loads path once and starts polling it. onChange may be nil. An
// unreadable or invalid file at startup is an error; later failures are
// logged and the active config is kept.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.stamp = stamp

	go w.poll()
	return w, nil
}

// Current returns the active config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload re-reads the file now, regardless of its stamp. It reports whether
// the active config changed; on error the active config is kept.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	next, stamp, err := w.read()
	if err != nil {
		// Remember a broken edit so polling reports it once, not every tick.
		if stamp != (fileStamp{}) {
			w.mu.Lock()
			w.stamp = stamp
			w.mu.Unlock()
		}
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}

	w.mu.Lock()
	prev := w.current
	w.stamp = stamp
	same := reflect.DeepEqual(prev, next)
	if !same {
		w.current = next
	}
	w.mu.Unlock()

	if same {
		return false, nil
	}
	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, next)
	}
	return true, nil
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if !w.stale() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload failed, keeping active config", "err", err)
			}
		}
	}
}

// stale reports whether the file stamp moved since the last read.
func (w *Watcher) stale() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unavailable", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !stampOf(info).equal(w.stamp)
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := Parse(f, w.lookup)
	if err != nil {
		return nil, stampOf(info), err
	}
	return cfg, stampOf(info), nil
}

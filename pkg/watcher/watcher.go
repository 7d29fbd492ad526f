// Package watcher implements the Hot-Reload Watcher (§4.10): a poller that
// tracks mtime+size of the configured rule files and recompiles on change,
// generalizing the teacher's policyloader.Loader directory scan into a
// single-file, interval-driven watch with an explicit on-reload callback.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mishabar410/policyshield/pkg/rules"
)

// LoadFunc compiles a rule-set from a path, matching rules.LoadFile's
// signature. Exposed as a field so tests can substitute a fake compiler
// without touching the filesystem.
type LoadFunc func(path string) (*rules.RuleSet, error)

// ReloadFunc is invoked with a newly compiled rule-set after a successful
// recompile, matching engine.Engine.Reload's signature.
type ReloadFunc func(rs *rules.RuleSet)

// Config configures a Watcher.
type Config struct {
	// Path is the rule file to watch. Only *.yaml/*.yml extensions are
	// polled; any other extension is rejected at New.
	Path string

	// Interval is the poll period. Defaults to 2s.
	Interval time.Duration

	Load   LoadFunc
	Reload ReloadFunc

	Logger *slog.Logger
}

// Watcher polls a single rule file for mtime+size changes and recompiles it
// on the Shield Engine's behalf. It never watches a directory and never
// uses fsnotify: the poll interval is itself a documented operational
// knob (§4.10), not an implementation detail to hide behind an OS-level
// notification API.
type Watcher struct {
	path     string
	interval time.Duration
	load     LoadFunc
	reload   ReloadFunc
	logger   *slog.Logger

	lastMod  time.Time
	lastSize int64
}

// New builds a Watcher. Path must end in .yaml or .yml.
func New(cfg Config) (*Watcher, error) {
	ext := filepath.Ext(cfg.Path)
	if ext != ".yaml" && ext != ".yml" {
		return nil, &UnsupportedExtensionError{Path: cfg.Path}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Load == nil {
		cfg.Load = rules.LoadFile
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		path:     cfg.Path,
		interval: cfg.Interval,
		load:     cfg.Load,
		reload:   cfg.Reload,
		logger:   cfg.Logger,
	}, nil
}

// UnsupportedExtensionError is returned by New for a path that is not a
// *.yaml/*.yml file.
type UnsupportedExtensionError struct {
	Path string
}

func (e *UnsupportedExtensionError) Error() string {
	return "watcher: unsupported rule file extension: " + e.Path
}

// Seed primes the watcher's mtime+size baseline from the file's current
// state without triggering a reload, so the first Run poll only fires on a
// genuine subsequent change rather than re-delivering the file the engine
// was already constructed with.
func (w *Watcher) Seed() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	return nil
}

// Run blocks, polling at the configured interval until stop is closed. Each
// poll that observes a changed mtime or size recompiles the file; a
// successful compile invokes Reload, a failed one is logged and the
// watcher keeps its previous baseline so a still-broken file is retried
// every tick rather than silently adopted.
func (w *Watcher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll checks the file once and recompiles on change, returning whether a
// reload was attempted (used by tests to avoid sleeping through an
// interval).
func (w *Watcher) poll() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("watcher: stat failed, keeping current rule-set", "path", w.path, "error", err)
		return false
	}

	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		return false
	}

	rs, err := w.load(w.path)
	if err != nil {
		w.logger.Warn("watcher: reload failed, keeping current rule-set", "path", w.path, "error", err)
		return true
	}

	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	w.logger.Info("watcher: rule-set reloaded", "path", w.path, "content_hash", rs.ContentHash, "version", rs.Version)
	if w.reload != nil {
		w.reload(rs)
	}
	return true
}

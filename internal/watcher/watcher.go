// Package watcher turns filesystem notifications for a document tree into
// debounced "recompute" signals.
//
// Editors commonly emit several events per save (write, chmod, rename of a
// temporary file). Every relevant event restarts the debounce window; the
// callback fires once the window passes quietly.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrRootRemoved is returned by Run when a watched directory or file
// disappears.
var ErrRootRemoved = errors.New("watch: watched path removed")

const DefaultDebounce = 100 * time.Millisecond

// DefaultIgnore matches VCS metadata and editor scratch files.
var DefaultIgnore = []string{".git", ".pagecast", "*.swp", "*.swx", "*~", "4913", ".#*"}

// Options tunes the watcher.
type Options struct {
	// Debounce is the quiet period before a signal fires. Default: 100ms.
	Debounce time.Duration
	// Ignore holds glob patterns matched against every path element.
	Ignore []string
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Ignore == nil {
		o.Ignore = DefaultIgnore
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Events  int64 `json:"events"`
	Ignored int64 `json:"ignored"`
	Signals int64 `json:"signals"`
	Errors  int64 `json:"errors"`
	Dirs    int   `json:"dirs"`
}

// Watcher observes directory trees and individual files.
type Watcher struct {
	fsw  *fsnotify.Watcher
	opts Options

	// dirs are roots watched recursively; files are watched through their
	// parent directory and matched by exact path.
	dirs  []string
	files map[string]struct{}

	mu      sync.Mutex
	watched map[string]struct{}

	events  atomic.Int64
	ignored atomic.Int64
	signals atomic.Int64
	errors  atomic.Int64
}

// New starts watching paths. Directories are watched recursively.
func New(paths []string, opts Options) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("watch: no paths given")
	}
	opts.defaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	w := &Watcher{
		fsw:     fsw,
		opts:    opts,
		files:   make(map[string]struct{}),
		watched: make(map[string]struct{}),
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: resolve %q: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: %w", err)
		}
		if info.IsDir() {
			w.dirs = append(w.dirs, abs)
			err = w.addTree(abs)
		} else {
			w.files[abs] = struct{}{}
			err = w.add(filepath.Dir(abs))
		}
		if err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	dirs := len(w.watched)
	w.mu.Unlock()
	return Stats{
		Events:  w.events.Load(),
		Ignored: w.ignored.Load(),
		Signals: w.signals.Load(),
		Errors:  w.errors.Load(),
		Dirs:    dirs,
	}
}

// Run blocks until ctx is cancelled or a fatal watch error occurs. onChange
// is called from Run's goroutine once per debounced burst of events.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	log := w.opts.Logger

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	schedule := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(w.opts.Debounce)
		debounceCh = debounce.C
	}

	log.Info("watch: started", "dirs", w.dirs, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.events.Add(1)
			if w.isRoot(ev.Name) && ev.Has(fsnotify.Remove|fsnotify.Rename) {
				w.errors.Add(1)
				return fmt.Errorf("%w: %s", ErrRootRemoved, ev.Name)
			}
			if ev.Has(fsnotify.Remove | fsnotify.Rename) {
				w.forget(ev.Name)
			}
			if !w.relevant(ev) {
				w.ignored.Add(1)
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						log.Warn("watch: add new directory failed", "path", ev.Name, "error", err)
					}
				}
			}
			log.Debug("watch: change", "op", ev.Op.String(), "path", ev.Name)
			schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.errors.Add(1)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("watch: event queue overflowed, forcing recompute")
				schedule()
				continue
			}
			return fmt.Errorf("watch: %w", err)

		case <-debounceCh:
			debounceCh = nil
			if err := w.checkRoots(); err != nil {
				w.errors.Add(1)
				return err
			}
			w.signals.Add(1)
			onChange()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	// Attribute-only changes (touch, chmod) never alter rendered output.
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if w.ignoredPath(ev.Name) {
		return false
	}
	if len(w.files) > 0 && !w.underDir(ev.Name) {
		_, ok := w.files[filepath.Clean(ev.Name)]
		return ok
	}
	return true
}

// ignoredPath matches the ignore globs against the path elements below the
// enclosing root, so a root that itself lives under e.g. ".git" still works.
func (w *Watcher) ignoredPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(w.relative(path)), "/") {
		if part == "" {
			continue
		}
		for _, pattern := range w.opts.Ignore {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) relative(path string) string {
	path = filepath.Clean(path)
	for _, d := range w.dirs {
		if rel, err := filepath.Rel(d, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return rel
		}
	}
	return filepath.Base(path)
}

func (w *Watcher) underDir(path string) bool {
	path = filepath.Clean(path)
	for _, d := range w.dirs {
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) isRoot(path string) bool {
	path = filepath.Clean(path)
	for _, d := range w.dirs {
		if path == d {
			return true
		}
	}
	return false
}

// checkRoots runs once the debounce window is quiet, so a file replaced by
// rename in the meantime is present again.
func (w *Watcher) checkRoots() error {
	for _, d := range w.dirs {
		if _, err := os.Stat(d); err != nil {
			return fmt.Errorf("%w: %s", ErrRootRemoved, d)
		}
	}
	for f := range w.files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: %s", ErrRootRemoved, f)
		}
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished between the event and the walk.
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignoredPath(path) {
			return filepath.SkipDir
		}
		return w.add(path)
	})
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch: add %q: %w", dir, err)
	}
	w.watched[dir] = struct{}{}
	return nil
}

// forget drops a removed directory so a later re-creation is watched again.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.watched, filepath.Clean(path))
	w.mu.Unlock()
}

package server

import (
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changed files under a set of paths. Events are debounced:
// onChange receives every path touched during the quiet period, sorted.
type Watcher struct {
	paths    []string
	onChange func(changed []string)
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher creates a Watcher for paths. Directories are watched
// recursively.
func NewWatcher(paths []string, debounce time.Duration, onChange func(changed []string)) *Watcher {
	return &Watcher{
		paths:    paths,
		onChange: onChange,
		debounce: debounce,
		done:     make(chan struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Start watches until Stop is called.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			log.Printf("warning: not watching %s: %v", p, err)
			continue
		}
		if info.IsDir() {
			err = w.addRecursive(p)
		} else {
			err = fsw.Add(p)
		}
		if err != nil {
			log.Printf("warning: failed to watch %s: %v", p, err)
		}
	}

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if isScratchFile(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(event.Name)
				}
			}
			w.queue(event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher error: %v", err)

		case <-w.done:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return fsw.Close()
		}
	}
}

// Stop ends Start.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) queue(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.Clean(name)] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for name := range w.pending {
		changed = append(changed, name)
	}
	clear(w.pending)
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	slices.Sort(changed)
	w.onChange(changed)
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// isScratchFile matches editor swap and backup files.
func isScratchFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".#") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp")
}

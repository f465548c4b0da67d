// Package workspace exposes the configured project directory to
// clients: a status summary, rooted directory listings with a short
// TTL cache, and change notifications through the event bus.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sschepis/oboto-server/internal/events"
	"github.com/sschepis/oboto-server/internal/logger"
)

const (
	cacheTTL        = 5 * time.Second
	maxCacheEntries = 256
)

// Entry is one file or directory in a listing. Path is relative to
// the workspace root.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
}

// Status summarizes the workspace root for the connection snapshot.
type Status struct {
	Root    string    `json:"root"`
	Exists  bool      `json:"exists"`
	Entries int       `json:"entries"`
	ModTime time.Time `json:"modTime"`
}

// EscapeError reports a listing path that tried to leave the root.
type EscapeError struct {
	Path string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("workspace: path %q escapes the root", e.Path)
}

// Emitter is the event surface the watcher publishes to.
type Emitter interface {
	Emit(event string, payload any)
}

// Workspace serves listings under a fixed root directory.
type Workspace struct {
	root string
	bus  Emitter

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

type cacheEntry struct {
	entries   []Entry
	timestamp time.Time
}

// New opens a workspace rooted at dir. A failed watcher is logged and
// degraded to uncached-by-invalidation behavior; the TTL still bounds
// staleness.
func New(dir string, bus Emitter) (*Workspace, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("workspace: failed to create file watcher: %v", err)
		watcher = nil
	}

	w := &Workspace{
		root:    root,
		bus:     bus,
		cache:   make(map[string]*cacheEntry),
		watcher: watcher,
		stop:    make(chan struct{}),
	}

	if watcher != nil {
		if err := watcher.Add(root); err != nil {
			logger.Warn("workspace: failed to watch %s: %v", root, err)
		}
		go w.watchFiles()
	}
	return w, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Close stops the watcher goroutine.
func (w *Workspace) Close() error {
	close(w.stop)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// watchFiles invalidates the listing cache and republishes filesystem
// mutations as workspace:changed bus events.
func (w *Workspace) watchFiles() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.invalidate(filepath.Dir(event.Name))
			if w.bus != nil {
				rel, err := filepath.Rel(w.root, event.Name)
				if err != nil {
					rel = event.Name
				}
				w.bus.Emit(events.EventWorkspaceChanged, map[string]any{
					"path": rel,
					"op":   event.Op.String(),
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("workspace: watcher error: %v", err)
		}
	}
}

func (w *Workspace) invalidate(absDir string) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	delete(w.cache, absDir)
}

// resolve maps a client-supplied relative path under the root.
func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return w.root, nil
	}
	abs := filepath.Join(w.root, rel)
	back, err := filepath.Rel(w.root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", &EscapeError{Path: rel}
	}
	return abs, nil
}

// Status reports whether the root exists and how much it holds.
func (w *Workspace) Status() Status {
	st := Status{Root: w.root}
	info, err := os.Stat(w.root)
	if err != nil {
		return st
	}
	st.Exists = true
	st.ModTime = info.ModTime()
	if entries, err := os.ReadDir(w.root); err == nil {
		st.Entries = len(entries)
	}
	return st
}

// List returns the entries of a directory relative to the root,
// directories first, each group sorted by name. The .git directory is
// hidden. Listings are cached briefly; the watcher invalidates on
// change.
func (w *Workspace) List(rel string) ([]Entry, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}

	w.cacheMu.RLock()
	if entry, ok := w.cache[abs]; ok && time.Since(entry.timestamp) < cacheTTL {
		w.cacheMu.RUnlock()
		return entry.entries, nil
	}
	w.cacheMu.RUnlock()

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	result := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if d.Name() == ".git" {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		relPath := d.Name()
		if rel != "" && rel != "." {
			relPath = filepath.Join(rel, d.Name())
		}
		result = append(result, Entry{
			Name:    d.Name(),
			Path:    relPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   d.IsDir(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return result[i].Name < result[j].Name
	})

	w.cacheMu.Lock()
	if len(w.cache) >= maxCacheEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range w.cache {
			if oldestKey == "" || v.timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.timestamp
			}
		}
		delete(w.cache, oldestKey)
	}
	w.cache[abs] = &cacheEntry{entries: result, timestamp: time.Now()}
	w.cacheMu.Unlock()

	if w.watcher != nil {
		if err := w.watcher.Add(abs); err != nil {
			logger.Warn("workspace: failed to watch %s: %v", abs, err)
		}
	}
	return result, nil
}

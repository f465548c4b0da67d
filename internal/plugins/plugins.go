// Package plugins discovers installed plugins. The control plane only
// catalogs them: each plugin lives in its own directory under the
// plugins root and describes itself with a plugin.json manifest. A bare
// directory holding a single script still counts; its manifest is
// synthesized from the directory name.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sschepis/oboto-server/internal/logger"
)

// Manifest describes one installed plugin.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Entry       string   `json:"entry"`
	Events      []string `json:"events,omitempty"`
}

// Registry holds the manifests found by the last Load.
type Registry struct {
	mu        sync.RWMutex
	manifests []Manifest
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Load scans dir for plugin directories and replaces the registry
// contents. A missing root means no plugins are installed; malformed
// plugins are logged and skipped, never fatal.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.manifests = nil
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var manifests []Manifest
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		m, ok := loadOne(filepath.Join(dir, ent.Name()), ent.Name())
		if !ok {
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })

	r.mu.Lock()
	r.manifests = manifests
	r.mu.Unlock()

	logger.Info("plugins: loaded %d from %s", len(manifests), dir)
	return nil
}

// Manifests returns a copy of the loaded manifests, ordered by name.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Manifest(nil), r.manifests...)
}

// Count reports how many plugins are loaded.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}

func loadOne(dir, name string) (Manifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "plugin.json"))
	switch {
	case err == nil:
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("plugins: skipping %s: malformed plugin.json: %v", name, err)
			return Manifest{}, false
		}
		if m.Entry == "" {
			logger.Warn("plugins: skipping %s: manifest has no entry", name)
			return Manifest{}, false
		}
		if m.Name == "" {
			m.Name = name
		}
		return m, true
	case os.IsNotExist(err):
		return synthesize(dir, name)
	default:
		logger.Warn("plugins: skipping %s: %v", name, err)
		return Manifest{}, false
	}
}

// synthesize builds a manifest for a manifest-less plugin directory.
// It only succeeds when exactly one script qualifies as the entry.
func synthesize(dir, name string) (Manifest, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("plugins: skipping %s: %v", name, err)
		return Manifest{}, false
	}

	var scripts []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		switch filepath.Ext(ent.Name()) {
		case ".py", ".js", ".sh":
			scripts = append(scripts, ent.Name())
		}
	}
	if len(scripts) != 1 {
		logger.Warn("plugins: skipping %s: no plugin.json and %d candidate entry scripts", name, len(scripts))
		return Manifest{}, false
	}
	return Manifest{Name: name, Entry: scripts[0]}, true
}

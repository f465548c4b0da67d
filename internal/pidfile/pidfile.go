// Package pidfile guards against concurrent server instances. The file
// records the owning PID; Acquire refuses to start while that process
// is still alive and silently replaces a stale file left behind by a
// crash.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Pidfile represents a PID file at a fixed path.
type Pidfile struct {
	path string
}

// New creates a Pidfile handle. Nothing touches the filesystem until
// Acquire or Write.
func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// Acquire claims the pidfile for this process. It fails when the file
// names another live process; a dead owner's file is overwritten.
func (p *Pidfile) Acquire() error {
	if pid, err := p.Read(); err == nil {
		if pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("another instance is running (pid %d, pidfile %s)", pid, p.path)
		}
	}
	return p.Write()
}

// Write records the current PID, creating parent directories as needed.
func (p *Pidfile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read returns the PID recorded in the file.
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *Pidfile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the pidfile path.
func (p *Pidfile) Path() string {
	return p.path
}

// Exists reports whether the file is present.
func (p *Pidfile) Exists() bool {
	_, err := os.Stat(p.path)
	return !os.IsNotExist(err)
}

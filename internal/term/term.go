// Package term provides interactive shell sessions over a three-tier
// spawn cascade: a native pseudo-terminal, a helper process that
// allocates a pseudo-terminal on the backend's behalf, and plain pipes
// as the last resort. Every tier exposes the same session surface; the
// tier only shows up in the ready frame's mode field and in whether
// resize does anything.
package term

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/creack/pty"

	"github.com/sschepis/oboto-server/internal/logger"
)

// Mode identifies the tier serving a session.
type Mode string

const (
	// ModePTY is a native pseudo-terminal owned by this process.
	ModePTY Mode = "pty"
	// ModeBridge is a helper process that owns the pseudo-terminal
	// and relays bytes over pipes.
	ModeBridge Mode = "bridge"
	// ModePipe is plain pipes with interactive flags forced.
	ModePipe Mode = "pipe"
)

// Session is one live shell, independent of the tier that spawned it.
// Kill is idempotent; Write and Resize fail with ErrSessionClosed
// afterwards. Shell and Dir report the resolved spawn values for the
// ready announcement.
type Session interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill()
	Mode() Mode
	Shell() string
	Dir() string
}

// SpawnOpts configures a new session. Zero values fall back to
// DefaultShell and an 80x24 window. OnData receives raw output chunks;
// OnExit fires exactly once when the process ends, with the exit code
// and the signal name when the process was killed by one.
type SpawnOpts struct {
	Shell  string
	Dir    string
	Cols   int
	Rows   int
	Env    []string
	OnData func(data []byte)
	OnExit func(exitCode int, signal string)
}

type spawnFunc func(opts SpawnOpts) (Session, error)

type tier struct {
	mode  Mode
	spawn spawnFunc
}

// Manager probes the available tiers once per process and spawns
// sessions through the first tier that succeeds. The probe order is
// fixed for the manager's lifetime.
type Manager struct {
	tempDir string

	probeOnce sync.Once
	tiers     []tier
}

// NewManager returns a manager that materializes helper assets under
// tempDir.
func NewManager(tempDir string) *Manager {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "oboto")
	}
	return &Manager{tempDir: tempDir}
}

func (m *Manager) ensureProbed() {
	m.probeOnce.Do(func() {
		if m.tiers == nil {
			m.tiers = m.detectTiers()
		}
	})
}

// Modes reports the probed tiers in cascade order.
func (m *Manager) Modes() []Mode {
	m.ensureProbed()
	modes := make([]Mode, 0, len(m.tiers))
	for _, t := range m.tiers {
		modes = append(modes, t.mode)
	}
	return modes
}

// Spawn starts a shell through the first tier that succeeds. When a
// tier fails the next one is tried; the returned SpawnError carries
// every attempt if none succeed.
func (m *Manager) Spawn(opts SpawnOpts) (Session, error) {
	m.ensureProbed()

	if opts.Shell == "" {
		opts.Shell = DefaultShell()
	}
	if opts.Dir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Dir = wd
		}
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}

	var attempts []TierAttempt
	for _, t := range m.tiers {
		sess, err := t.spawn(opts)
		if err != nil {
			logger.Warn("term: %s tier failed to spawn %s: %v", t.mode, opts.Shell, err)
			attempts = append(attempts, TierAttempt{Mode: t.mode, Err: err})
			continue
		}
		logger.Debug("term: spawned %s via %s tier", opts.Shell, t.mode)
		return sess, nil
	}
	return nil, &SpawnError{Attempts: attempts}
}

func (m *Manager) detectTiers() []tier {
	var tiers []tier

	if nativeAvailable() {
		tiers = append(tiers, tier{ModePTY, spawnNative})
	} else {
		logger.Info("term: native pty unavailable on this system")
	}

	if python, script, err := m.helperCommand(); err == nil {
		tiers = append(tiers, tier{ModeBridge, func(opts SpawnOpts) (Session, error) {
			return spawnHelper(python, script, opts)
		}})
	} else {
		logger.Info("term: pty helper unavailable: %v", err)
	}

	tiers = append(tiers, tier{ModePipe, spawnPipe})

	modes := make([]Mode, 0, len(tiers))
	for _, t := range tiers {
		modes = append(modes, t.mode)
	}
	logger.Info("term: terminal tiers: %v", modes)
	return tiers
}

// nativeAvailable probes the kernel pty facility by opening and
// immediately closing a pair.
func nativeAvailable() bool {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return false
	}
	ptmx.Close()
	tty.Close()
	return true
}

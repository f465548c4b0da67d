package term

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

//go:embed pty_bridge.py
var ptyBridgeScript []byte

// helperCommand locates a python3 interpreter and materializes the
// relay script under the temp dir. Both are required for the bridge
// tier; either missing disables it.
func (m *Manager) helperCommand() (python, script string, err error) {
	python, err = exec.LookPath("python3")
	if err != nil {
		return "", "", fmt.Errorf("python3 not found: %w", err)
	}
	if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create temp dir: %w", err)
	}
	script = filepath.Join(m.tempDir, "pty-bridge.py")
	if err := os.WriteFile(script, ptyBridgeScript, 0o644); err != nil {
		return "", "", fmt.Errorf("write helper script: %w", err)
	}
	return python, script, nil
}

// spawnHelper runs the shell under the python relay, which allocates a
// real pseudo-terminal on our behalf and proxies bytes over pipes. The
// script forces interactive flags itself, so only the shell is passed.
func spawnHelper(python, script string, opts SpawnOpts) (Session, error) {
	cmd := exec.Command(python, script, opts.Shell)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)
	return startProc(cmd, ModeBridge, opts)
}

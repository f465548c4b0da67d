package term

import (
	"os"
	"path/filepath"
)

// DefaultShell resolves the login shell for new sessions: $SHELL if
// set, then /bin/bash, then /bin/sh.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// interactiveArgs returns the flags needed to keep the given shell in
// interactive mode when it is not attached to a terminal. Only shells
// known to accept -i are forced; anything else runs with no extra
// arguments.
func interactiveArgs(shell string) []string {
	switch filepath.Base(shell) {
	case "bash", "zsh", "sh":
		return []string{"-i"}
	}
	return nil
}

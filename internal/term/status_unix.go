//go:build !windows

package term

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// exitStatus extracts the exit code and signal name from a finished
// process. A signaled exit reports code -1 and the signal's name, e.g.
// "SIGTERM".
func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(ws.Signal())
	}
	return state.ExitCode(), ""
}

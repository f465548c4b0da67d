//go:build windows

package term

import "os"

// exitStatus extracts the exit code from a finished process. Windows
// has no signal-death notion, so the signal is always empty.
func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}

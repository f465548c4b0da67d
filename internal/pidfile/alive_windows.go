//go:build windows

package pidfile

import "os"

// processAlive reports whether pid names a live process. FindProcess
// only succeeds for existing processes on Windows.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

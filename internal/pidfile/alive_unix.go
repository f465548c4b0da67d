//go:build !windows

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive probes pid with signal 0, which delivers nothing. EPERM
// still proves the process exists under another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

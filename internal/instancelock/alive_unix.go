//go:build !windows

package instancelock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else, which still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

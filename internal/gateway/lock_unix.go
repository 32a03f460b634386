//go:build unix

package gateway

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// KillTree sends SIGKILL to the process group led by pid. A group that has
// already exited is not an error
func KillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

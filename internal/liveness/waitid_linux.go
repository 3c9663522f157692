package liveness

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitProber asks the kernel directly with waitid(2). WNOWAIT leaves the
// child in its waitable state, so the exit status is still there for the
// single reap done by the owner of the process.
//
// Only children of the calling process can be probed this way.
type WaitProber struct{}

func (WaitProber) Probe(pid int) (Status, error) {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return StatusAbsent, nil
		case err != nil:
			return StatusRunning, fmt.Errorf("failed to waitid pid %d: %w", pid, err)
		}
		// With WNOHANG the kernel leaves info zeroed when nothing is waitable.
		if info.Signo == int32(unix.SIGCHLD) {
			return StatusZombie, nil
		}
		return StatusRunning, nil
	}
}

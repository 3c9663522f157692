package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle is one launched interpreter process. After Start returns, the
// Handle belongs to whoever monitors it: nobody else should read Output or
// call Reap.
type Handle struct {
	ID         string
	PID        int
	Output     *os.File // combined stdout and stderr
	ScriptPath string
	WorkDir    string
	Started    time.Time

	cmd      *exec.Cmd
	reapOnce sync.Once
	status   ExitStatus
	reapErr  error
}

// ExitStatus describes how a reaped process ended.
type ExitStatus struct {
	Code   int    // -1 when killed by a signal
	Signal string // empty unless killed by a signal
	Ended  time.Time
}

// Reap waits for the process to exit and releases its process table entry.
// The underlying wait happens exactly once; later calls return the same
// result.
func (h *Handle) Reap() (ExitStatus, error) {
	h.reapOnce.Do(func() {
		err := h.cmd.Wait()
		h.status = exitStatus(h.cmd.ProcessState)
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				h.reapErr = fmt.Errorf("failed to wait for pid %d: %w", h.PID, err)
			}
		}
	})
	return h.status, h.reapErr
}

// Signal delivers sig to the process group of the child.
func (h *Handle) Signal(sig syscall.Signal) error {
	err := syscall.Kill(-h.PID, sig)
	if errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("process has exited: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to send %s to pid %d: %w", sig, h.PID, err)
	}
	return nil
}

func exitStatus(state *os.ProcessState) ExitStatus {
	st := ExitStatus{Code: -1, Ended: time.Now()}
	if state == nil {
		return st
	}
	st.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st
}

package liveness

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

// PsutilProber reads the process table through gopsutil. It works for any
// pid, not only children, at the cost of a table lookup per probe.
type PsutilProber struct{}

func (PsutilProber) Probe(pid int) (Status, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return StatusAbsent, nil
		}
		return StatusRunning, fmt.Errorf("failed to look up pid %d: %w", pid, err)
	}

	status, err := p.Status()
	if err != nil {
		// The process may have been reaped between the two lookups
		if exists, existsErr := process.PidExists(int32(pid)); existsErr == nil && !exists {
			return StatusAbsent, nil
		}
		return StatusRunning, fmt.Errorf("failed to read status of pid %d: %w", pid, err)
	}

	if slices.Contains(status, process.Zombie) {
		return StatusZombie, nil
	}
	return StatusRunning, nil
}

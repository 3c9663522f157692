//go:build !linux

package liveness

import (
	"fmt"
	"runtime"
)

// WaitProber is only available on Linux.
type WaitProber struct{}

func (WaitProber) Probe(pid int) (Status, error) {
	return StatusRunning, fmt.Errorf("waitid probe is not supported on %s", runtime.GOOS)
}

// Package liveness reports whether a child process is still running, has
// exited but not been reaped (zombie), or is gone entirely.
package liveness

import (
	"fmt"
	"runtime"
)

// Status is the observed state of a process identifier.
type Status int

const (
	StatusRunning Status = iota
	StatusZombie
	StatusAbsent
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusZombie:
		return "zombie"
	case StatusAbsent:
		return "absent"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Prober reports the Status of a process identifier. Implementations must not
// reap the process.
type Prober interface {
	Probe(pid int) (Status, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(pid int) (Status, error)

func (f ProberFunc) Probe(pid int) (Status, error) {
	return f(pid)
}

// Probe names accepted by New.
const (
	NameWaitid = "waitid"
	NamePsutil = "psutil"
)

// New returns the prober registered under name. An empty name selects the
// platform default: waitid on Linux, the process table everywhere else.
func New(name string) (Prober, error) {
	switch name {
	case "":
		if runtime.GOOS == "linux" {
			return WaitProber{}, nil
		}
		return PsutilProber{}, nil
	case NameWaitid:
		if runtime.GOOS != "linux" {
			return nil, fmt.Errorf("probe %q is not supported on %s", name, runtime.GOOS)
		}
		return WaitProber{}, nil
	case NamePsutil:
		return PsutilProber{}, nil
	default:
		return nil, fmt.Errorf("unknown probe %q", name)
	}
}

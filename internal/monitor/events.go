package monitor

import (
	"errors"
	"time"
)

var (
	// ErrMonitorFailure is delivered to OnFailure when liveness could not be
	// determined for too many consecutive polls.
	ErrMonitorFailure = errors.New("monitor failure")

	// ErrNotRunning is returned by Cancel once the run has finished.
	ErrNotRunning = errors.New("not running")
)

// LineEvent is one line of combined output with the line ending removed.
type LineEvent struct {
	Seq  int // 1-based position in the run's output
	Text string
	Time time.Time
}

// DoneEvent ends a run. It follows every LineEvent of the run.
type DoneEvent struct {
	RunID    string
	ExitCode int    // -1 when killed by a signal or not collectable
	Signal   string // set when killed by a signal
	Canceled bool
	Lines    int
	Duration time.Duration
}

// Callbacks receive the events of a run from the monitor goroutine. OnLine
// is called zero or more times, then exactly one of OnDone or OnFailure.
type Callbacks struct {
	OnLine    func(LineEvent)
	OnDone    func(DoneEvent)
	OnFailure func(error)
}

// Package monitor follows a launched interpreter process: it turns the
// combined output stream into line events, notices when the process has
// ended, drains what is left, reaps the process and reports the end of the
// run exactly once.
package monitor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"scriptrun/internal/launcher"
	"scriptrun/internal/liveness"
)

const (
	DefaultPollInterval     = time.Millisecond
	DefaultDrainTimeout     = 5 * time.Second
	DefaultMaxProbeFailures = 10
	DefaultCancelGrace      = 2 * time.Second
)

// closeGrace bounds the wait for the reader goroutine after the output
// stream has been closed under it.
const closeGrace = time.Second

type Config struct {
	// PollInterval is how long one cycle waits for output before it checks
	// liveness again.
	PollInterval time.Duration

	// DrainTimeout bounds reading the remaining output once the process
	// has ended. A grandchild holding the stream open cannot stall the run
	// for longer than this.
	DrainTimeout time.Duration

	// MaxProbeFailures consecutive liveness probe errors end the run with
	// ErrMonitorFailure.
	MaxProbeFailures int

	// CancelSignal is sent to the process group by Cancel. SIGKILL follows
	// after CancelGrace.
	CancelSignal syscall.Signal
	CancelGrace  time.Duration

	// KeepEmptyLines emits LineEvents for blank lines, which are skipped
	// otherwise.
	KeepEmptyLines bool

	// Prober defaults to liveness.New("").
	Prober liveness.Prober
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxProbeFailures <= 0 {
		c.MaxProbeFailures = DefaultMaxProbeFailures
	}
	if c.CancelSignal == 0 {
		c.CancelSignal = syscall.SIGTERM
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.Prober == nil {
		// The platform default always exists
		c.Prober, _ = liveness.New("")
	}
	return c
}

// Monitor owns one launcher.Handle for the duration of its run.
type Monitor struct {
	h     *launcher.Handle
	cfg   Config
	lines lineBuffer
	seq   int

	started  atomic.Bool
	canceled atomic.Bool
	done     chan struct{}

	// mu orders signal delivery against the reap so that a pid is never
	// signalled after it could have been reused.
	mu        sync.Mutex
	terminal  bool
	killTimer *time.Timer
	err       error
}

func New(h *launcher.Handle, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		h:     h,
		cfg:   cfg,
		lines: lineBuffer{keepEmpty: cfg.KeepEmptyLines},
		done:  make(chan struct{}),
	}
}

// Run starts following the process and returns immediately. Callbacks are
// invoked from the monitor goroutine. Only the first call has an effect.
func (m *Monitor) Run(cb Callbacks) {
	if !m.started.CompareAndSwap(false, true) {
		slog.Warn("Monitor already running", "run", m.h.ID)
		return
	}
	go m.loop(cb)
}

// Done is closed after the terminal callback has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err returns the error passed to OnFailure, or nil.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Cancel asks the process group to stop with CancelSignal and escalates to
// SIGKILL after CancelGrace. The run then ends through the usual
// drain, reap and OnDone sequence with DoneEvent.Canceled set.
func (m *Monitor) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started.Load() || m.terminal {
		return ErrNotRunning
	}
	if !m.canceled.CompareAndSwap(false, true) {
		return nil
	}

	slog.Info("Canceling run", "run", m.h.ID, "pid", m.h.PID, "signal", m.cfg.CancelSignal)
	if err := m.h.Signal(m.cfg.CancelSignal); err != nil {
		return err
	}
	m.killTimer = time.AfterFunc(m.cfg.CancelGrace, m.kill)
	return nil
}

func (m *Monitor) kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return
	}
	slog.Warn("Run ignored cancel, killing", "run", m.h.ID, "pid", m.h.PID)
	if err := m.h.Signal(syscall.SIGKILL); err != nil {
		slog.Debug("Kill after cancel failed", "run", m.h.ID, "error", err)
	}
}

// markTerminal forbids any further signals. Called right before the reap.
func (m *Monitor) markTerminal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal = true
	if m.killTimer != nil {
		m.killTimer.Stop()
	}
}

func (m *Monitor) loop(cb Callbacks) {
	defer close(m.done)

	chunks := make(chan []byte, 64)
	go pump(m.h.ID, m.h.Output, chunks)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Stream closed; keep probing until the process is gone
				chunks = nil
				continue
			}
			m.emit(cb, m.lines.write(chunk))

		case <-ticker.C:
			status, err := m.cfg.Prober.Probe(m.h.PID)
			if err != nil {
				failures++
				slog.Warn("Liveness probe failed", "run", m.h.ID, "pid", m.h.PID, "failures", failures, "error", err)
				if failures >= m.cfg.MaxProbeFailures {
					m.fail(cb, chunks, fmt.Errorf("%w: liveness probe failed %d times in a row: %w", ErrMonitorFailure, failures, err))
					return
				}
				continue
			}
			failures = 0
			if status == liveness.StatusRunning {
				continue
			}
			slog.Debug("Process ended", "run", m.h.ID, "pid", m.h.PID, "status", status)
			m.finish(cb, chunks)
			return
		}
	}
}

// finish runs once the process is known to have ended. Nothing can be
// written to the stream any more, so the drain is bounded.
func (m *Monitor) finish(cb Callbacks, chunks <-chan []byte) {
	m.drain(cb, chunks)
	m.emit(cb, m.lines.flush())

	m.markTerminal()
	exit, err := m.h.Reap()
	if err != nil {
		slog.Warn("Failed to reap process", "run", m.h.ID, "pid", m.h.PID, "error", err)
	}

	ev := DoneEvent{
		RunID:    m.h.ID,
		ExitCode: exit.Code,
		Signal:   exit.Signal,
		Canceled: m.canceled.Load(),
		Lines:    m.seq,
		Duration: exit.Ended.Sub(m.h.Started),
	}
	slog.Info("Run finished", "run", ev.RunID, "pid", m.h.PID, "exitCode", ev.ExitCode, "signal", ev.Signal, "lines", ev.Lines, "duration", ev.Duration)

	if cb.OnDone != nil {
		cb.OnDone(ev)
	}
}

// fail ends the run without knowing whether the process has exited. The
// process group is killed so the reap cannot block for long.
func (m *Monitor) fail(cb Callbacks, chunks <-chan []byte, err error) {
	m.mu.Lock()
	if sigErr := m.h.Signal(syscall.SIGKILL); sigErr != nil {
		slog.Debug("Kill on monitor failure failed", "run", m.h.ID, "error", sigErr)
	}
	m.mu.Unlock()

	m.drain(cb, chunks)
	m.emit(cb, m.lines.flush())

	m.markTerminal()
	reaped := make(chan struct{})
	go func() {
		defer close(reaped)
		if _, reapErr := m.h.Reap(); reapErr != nil {
			slog.Warn("Failed to reap process", "run", m.h.ID, "pid", m.h.PID, "error", reapErr)
		}
	}()
	select {
	case <-reaped:
	case <-time.After(m.cfg.DrainTimeout):
		slog.Error("Gave up reaping process", "run", m.h.ID, "pid", m.h.PID)
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	slog.Error("Run failed", "run", m.h.ID, "pid", m.h.PID, "error", err)
	if cb.OnFailure != nil {
		cb.OnFailure(err)
	}
}

// drain reads the rest of the stream. If the stream is still open after
// DrainTimeout it is closed to release the reader goroutine.
func (m *Monitor) drain(cb Callbacks, chunks <-chan []byte) {
	defer func() { _ = m.h.Output.Close() }()
	if chunks == nil {
		return
	}

	timeout := time.NewTimer(m.cfg.DrainTimeout)
	defer timeout.Stop()
	closed := false
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			m.emit(cb, m.lines.write(chunk))
		case <-timeout.C:
			if closed {
				slog.Error("Output reader did not stop", "run", m.h.ID)
				return
			}
			slog.Warn("Output still open after process ended, closing it", "run", m.h.ID, "timeout", m.cfg.DrainTimeout)
			_ = m.h.Output.Close()
			closed = true
			timeout.Reset(closeGrace)
		}
	}
}

func (m *Monitor) emit(cb Callbacks, lines []string) {
	now := time.Now()
	for _, line := range lines {
		m.seq++
		if cb.OnLine != nil {
			cb.OnLine(LineEvent{Seq: m.seq, Text: line, Time: now})
		}
	}
}

// pump copies raw output into chunks until the stream ends.
func pump(runID string, r io.Reader, chunks chan<- []byte) {
	defer close(chunks)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunks <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			// A pty master reports EIO once the child side is gone
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				slog.Warn("Reading output failed", "run", runID, "error", err)
			}
			return
		}
	}
}

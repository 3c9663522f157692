// Package runner is the entry point for consumers: it allows one script run
// at a time, launches the interpreter, hands the process to a monitor and
// reports the run's events back to the caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"scriptrun/internal/launcher"
	"scriptrun/internal/monitor"
	"scriptrun/pkg/transcript"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is active, either
	// in this runner or, with a lock file, in another process.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning is returned by Cancel when no run is active.
	ErrNotRunning = monitor.ErrNotRunning
)

// State is the run state of a Runner.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type Config struct {
	Launcher launcher.Config
	Monitor  monitor.Config

	// LockFile, if set, is locked for the duration of each run so that
	// runners in different processes also run one script at a time.
	LockFile string

	// TranscriptDir, if set, receives one <run-id>.log transcript per run.
	TranscriptDir string
}

// Run identifies a started run.
type Run struct {
	ID         string
	PID        int
	ScriptPath string
	WorkDir    string
	Transcript string // empty unless transcripts are enabled
}

type Runner struct {
	cfg      Config
	launcher *launcher.Launcher
	lock     *flock.Flock

	state atomic.Int32

	mu      sync.Mutex
	current *monitor.Monitor
}

func New(cfg Config) *Runner {
	r := &Runner{
		cfg:      cfg,
		launcher: launcher.New(cfg.Launcher),
	}
	if cfg.LockFile != "" {
		r.lock = flock.New(cfg.LockFile)
	}
	return r
}

// State reports whether a run is active.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Start launches scriptPath in workDir and begins streaming its output to
// cb. It returns as soon as the process exists. The runner is back in
// StateIdle before cb.OnDone or cb.OnFailure is called, so those callbacks
// may start the next run.
func (r *Runner) Start(scriptPath, workDir string, cb monitor.Callbacks) (Run, error) {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Run{}, ErrAlreadyRunning
	}

	run, err := r.start(scriptPath, workDir, cb)
	if err != nil {
		r.state.Store(int32(StateIdle))
		return Run{}, err
	}
	return run, nil
}

func (r *Runner) start(scriptPath, workDir string, cb monitor.Callbacks) (Run, error) {
	if r.lock != nil {
		locked, err := r.lock.TryLock()
		if err != nil {
			return Run{}, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		if !locked {
			return Run{}, fmt.Errorf("%w: lock %s held by another process", ErrAlreadyRunning, r.cfg.LockFile)
		}
	}

	h, err := r.launcher.Start(scriptPath, workDir)
	if err != nil {
		r.unlock()
		return Run{}, err
	}

	run := Run{
		ID:         h.ID,
		PID:        h.PID,
		ScriptPath: h.ScriptPath,
		WorkDir:    h.WorkDir,
	}

	rec, path := r.openTranscript(h)
	run.Transcript = path
	if rec != nil {
		_ = rec.w.Start(transcript.StartInfo{RunID: h.ID, PID: h.PID, Script: h.ScriptPath, WorkDir: h.WorkDir})
	}

	m := monitor.New(h, r.cfg.Monitor)
	r.mu.Lock()
	r.current = m
	r.mu.Unlock()

	slog.Info("Run started", "run", run.ID, "pid", run.PID, "script", run.ScriptPath)
	m.Run(r.wrap(cb, rec))
	return run, nil
}

// wrap returns callbacks that record the transcript and release the run
// slot before the consumer hears about the end of the run.
func (r *Runner) wrap(cb monitor.Callbacks, rec *recorder) monitor.Callbacks {
	return monitor.Callbacks{
		OnLine: func(ev monitor.LineEvent) {
			rec.line(ev.Text)
			if cb.OnLine != nil {
				cb.OnLine(ev)
			}
		},
		OnDone: func(ev monitor.DoneEvent) {
			rec.done(transcript.DoneInfo{
				ExitCode:   ev.ExitCode,
				Signal:     ev.Signal,
				Canceled:   ev.Canceled,
				Lines:      ev.Lines,
				DurationMS: ev.Duration.Milliseconds(),
			})
			r.release()
			if cb.OnDone != nil {
				cb.OnDone(ev)
			}
		},
		OnFailure: func(err error) {
			rec.failure(err)
			r.release()
			if cb.OnFailure != nil {
				cb.OnFailure(err)
			}
		},
	}
}

func (r *Runner) release() {
	r.unlock()
	r.state.Store(int32(StateIdle))
}

func (r *Runner) unlock() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Unlock(); err != nil {
		slog.Warn("Failed to release run lock", "path", r.cfg.LockFile, "error", err)
	}
}

// Cancel stops the active run. The run still ends with OnDone.
func (r *Runner) Cancel() error {
	m := r.monitor()
	if m == nil || r.State() != StateRunning {
		return ErrNotRunning
	}
	return m.Cancel()
}

// Wait blocks until the most recent run has delivered its terminal event or
// ctx is done. It returns the run's failure, if any.
func (r *Runner) Wait(ctx context.Context) error {
	m := r.monitor()
	if m == nil {
		return nil
	}
	select {
	case <-m.Done():
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) monitor() *monitor.Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// recorder writes the transcript of one run. A nil recorder records nothing.
type recorder struct {
	f *os.File
	w *transcript.Writer
}

func (r *Runner) openTranscript(h *launcher.Handle) (*recorder, string) {
	if r.cfg.TranscriptDir == "" {
		return nil, ""
	}
	if err := os.MkdirAll(r.cfg.TranscriptDir, 0o700); err != nil {
		slog.Warn("Failed to create transcript directory", "dir", r.cfg.TranscriptDir, "error", err)
		return nil, ""
	}
	path := filepath.Join(r.cfg.TranscriptDir, h.ID+".log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		slog.Warn("Failed to create transcript", "path", path, "error", err)
		return nil, ""
	}
	return &recorder{f: f, w: transcript.NewWriter(f)}, path
}

func (rec *recorder) line(text string) {
	if rec == nil {
		return
	}
	_ = rec.w.Line(text)
}

func (rec *recorder) done(info transcript.DoneInfo) {
	if rec == nil {
		return
	}
	_ = rec.w.Done(info)
	rec.close()
}

func (rec *recorder) failure(err error) {
	if rec == nil {
		return
	}
	_ = rec.w.Failure(err)
	rec.close()
}

func (rec *recorder) close() {
	if err := rec.w.Close(); err != nil {
		slog.Warn("Failed to write transcript", "path", rec.f.Name(), "error", err)
	}
	if err := rec.f.Close(); err != nil {
		slog.Warn("Failed to close transcript", "path", rec.f.Name(), "error", err)
	}
}

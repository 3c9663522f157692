// Package launcher starts an interpreter process for a script and hands back
// a Handle whose Output carries the child's stdout and stderr as one stream.
package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	DefaultInterpreter = "python3"
)

// DefaultArgs keeps the interpreter from block-buffering its output, which
// would otherwise arrive in unpredictable batches instead of line by line.
var DefaultArgs = []string{"-u"}

// Config configures how the interpreter is invoked.
type Config struct {
	// Interpreter is looked up in PATH unless it contains a slash.
	Interpreter string

	// Args are placed between the interpreter and the script path.
	// nil selects DefaultArgs; use an empty slice for no arguments.
	Args []string

	// Env is appended to the current environment.
	Env []string

	// PTY runs the child on a pseudo-terminal instead of a pipe. Both
	// streams still arrive combined on Handle.Output.
	PTY bool
}

type Launcher struct {
	cfg Config
}

// New creates a Launcher, filling in defaults for unset fields.
func New(cfg Config) *Launcher {
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	return &Launcher{cfg: cfg}
}

// Config returns the effective configuration.
func (l *Launcher) Config() Config {
	return l.cfg
}

// Start spawns the interpreter with scriptPath as its last argument. The
// child runs in workDir, or in the script's directory when workDir is empty.
// The launching process keeps its own working directory.
func (l *Launcher) Start(scriptPath, workDir string) (*Handle, error) {
	scriptPath, workDir, err := validate(scriptPath, workDir)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, l.cfg.Args...), scriptPath)
	cmd := exec.Command(l.cfg.Interpreter, args...)
	cmd.Dir = workDir
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), l.cfg.Env...)
	}

	var output *os.File
	if l.cfg.PTY {
		output, err = startPTY(cmd)
	} else {
		output, err = startPipe(cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %w", ErrSpawnFailure, l.cfg.Interpreter, err)
	}

	h := &Handle{
		ID:         uuid.NewString(),
		PID:        cmd.Process.Pid,
		Output:     output,
		ScriptPath: scriptPath,
		WorkDir:    workDir,
		Started:    time.Now(),
		cmd:        cmd,
	}

	slog.Debug("Started interpreter", "run", h.ID, "pid", h.PID, "script", scriptPath, "dir", workDir, "pty", l.cfg.PTY)
	return h, nil
}

// startPipe points stdout and stderr at the write end of one pipe. The
// parent closes its copy of the write end so EOF arrives once every writer
// in the child's process tree is gone.
func startPipe(cmd *exec.Cmd) (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}

	cmd.Stdout = w
	cmd.Stderr = w
	// Own process group so a cancel reaches the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	_ = w.Close()
	return r, nil
}

// startPTY starts cmd with a new session on a pseudo-terminal. The session
// leader's pid doubles as the process group id.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 200})
	return ptmx, nil
}

func validate(scriptPath, workDir string) (string, string, error) {
	if scriptPath == "" {
		return "", "", fmt.Errorf("%w: script path is empty", ErrInvalidInput)
	}
	absScript, err := filepath.Abs(scriptPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to resolve script path: %w", ErrInvalidInput, err)
	}

	info, err := os.Stat(absScript)
	if err != nil {
		return "", "", fmt.Errorf("%w: script %s: %w", ErrInvalidInput, scriptPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", "", fmt.Errorf("%w: script %s is not a regular file", ErrInvalidInput, scriptPath)
	}
	f, err := os.Open(absScript)
	if err != nil {
		return "", "", fmt.Errorf("%w: script %s is not readable: %w", ErrInvalidInput, scriptPath, err)
	}
	_ = f.Close()

	if workDir == "" {
		workDir = filepath.Dir(absScript)
	}
	info, err = os.Stat(workDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: working directory %s: %w", ErrInvalidInput, workDir, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%w: working directory %s is not a directory", ErrInvalidInput, workDir)
	}

	return absScript, workDir, nil
}

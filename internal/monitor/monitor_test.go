package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scriptrun/internal/launcher"
	"scriptrun/internal/liveness"
)

// recorder collects everything a run reports, in order
type recorder struct {
	mu       sync.Mutex
	events   []string
	lines    []LineEvent
	done     []DoneEvent
	failures []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnLine: func(ev LineEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lines = append(r.lines, ev)
			r.events = append(r.events, "line:"+ev.Text)
		},
		OnDone: func(ev DoneEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.done = append(r.done, ev)
			r.events = append(r.events, "done")
		},
		OnFailure: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
			r.events = append(r.events, "failure")
		},
	}
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.lines {
		out = append(out, l.Text)
	}
	return out
}

func startScript(t *testing.T, body string, pty bool) *launcher.Handle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	h, err := launcher.New(launcher.Config{Interpreter: "sh", Args: []string{}, PTY: pty}).Start(path, dir)
	require.NoError(t, err)
	return h
}

func waitDone(t *testing.T, m *Monitor, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(timeout):
		t.Fatalf("run did not finish within %s", timeout)
	}
}

func runScript(t *testing.T, body string, cfg Config) (*recorder, *Monitor, *launcher.Handle) {
	t.Helper()
	h := startScript(t, body, false)
	rec := &recorder{}
	m := New(h, cfg)
	m.Run(rec.callbacks())
	waitDone(t, m, 10*time.Second)
	return rec, m, h
}

func TestLinesInOrderThenDone(t *testing.T) {
	rec, m, _ := runScript(t, `i=1
while [ $i -le 200 ]; do
  echo "line $i"
  i=$((i+1))
done
`, Config{})

	texts := rec.texts()
	require.Len(t, texts, 200)
	for i, text := range texts {
		require.Equal(t, fmt.Sprintf("line %d", i+1), text)
		require.Equal(t, i+1, rec.lines[i].Seq)
	}
	require.Len(t, rec.done, 1)
	require.Equal(t, "done", rec.events[len(rec.events)-1])
	require.Equal(t, 200, rec.done[0].Lines)
	require.Equal(t, 0, rec.done[0].ExitCode)
	require.False(t, rec.done[0].Canceled)
	require.NoError(t, m.Err())
}

func TestTwoLines(t *testing.T) {
	rec, _, _ := runScript(t, "echo a\necho b\n", Config{})
	require.Equal(t, []string{"line:a", "line:b", "done"}, rec.events)
}

func TestPartialTrailingLineIsFlushed(t *testing.T) {
	rec, _, _ := runScript(t, "echo first\nprintf partial\n", Config{})
	require.Equal(t, []string{"line:first", "line:partial", "done"}, rec.events)
}

func TestNoOutput(t *testing.T) {
	rec, _, _ := runScript(t, "exit 0\n", Config{})
	require.Equal(t, []string{"done"}, rec.events)
	require.Equal(t, 0, rec.done[0].Lines)
}

func TestStderrIsCaptured(t *testing.T) {
	rec, _, _ := runScript(t, "echo out\necho err >&2\n", Config{})
	require.Equal(t, []string{"out", "err"}, rec.texts())
}

func TestEmptyLines(t *testing.T) {
	rec, _, _ := runScript(t, `printf 'a\n\n\nb\n'`, Config{})
	require.Equal(t, []string{"a", "b"}, rec.texts())

	rec, _, _ = runScript(t, `printf 'a\n\nb\n'`, Config{KeepEmptyLines: true})
	require.Equal(t, []string{"a", "", "b"}, rec.texts())
}

func TestCarriageReturnIsStripped(t *testing.T) {
	rec, _, _ := runScript(t, `printf 'a\r\nb\r\n'`, Config{})
	require.Equal(t, []string{"a", "b"}, rec.texts())
}

func TestSlowScriptOutlivesPollInterval(t *testing.T) {
	rec, _, _ := runScript(t, "sleep 1\necho done\n", Config{PollInterval: time.Millisecond})
	require.Equal(t, []string{"line:done", "done"}, rec.events)
	require.GreaterOrEqual(t, rec.done[0].Duration, time.Second)
}

func TestExitCode(t *testing.T) {
	rec, _, _ := runScript(t, "echo bye\nexit 4\n", Config{})
	require.Len(t, rec.done, 1)
	require.Equal(t, 4, rec.done[0].ExitCode)
	require.Empty(t, rec.done[0].Signal)
}

func TestReapHappensOnce(t *testing.T) {
	rec, _, h := runScript(t, "exit 2\n", Config{})
	require.Len(t, rec.done, 1)

	// A second wait returns the recorded status instead of failing
	status, err := h.Reap()
	require.NoError(t, err)
	require.Equal(t, 2, status.Code)

	probe, err := liveness.New("")
	require.NoError(t, err)
	st, err := probe.Probe(h.PID)
	require.NoError(t, err)
	require.Equal(t, liveness.StatusAbsent, st)
}

func TestCancel(t *testing.T) {
	h := startScript(t, "echo started\nsleep 30\n", false)
	rec := &recorder{}
	m := New(h, Config{CancelGrace: 5 * time.Second})
	m.Run(rec.callbacks())

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Cancel())
	// A second cancel while stopping is harmless
	require.NoError(t, m.Cancel())
	waitDone(t, m, 5*time.Second)

	require.Len(t, rec.done, 1)
	require.True(t, rec.done[0].Canceled)
	require.Equal(t, "terminated", rec.done[0].Signal)
	require.Equal(t, []string{"line:started", "done"}, rec.events)

	require.ErrorIs(t, m.Cancel(), ErrNotRunning)
}

func TestCancelEscalatesToKill(t *testing.T) {
	// The ignored disposition is inherited by sleep as well
	h := startScript(t, "trap '' TERM\necho ready\nsleep 30\n", false)
	rec := &recorder{}
	m := New(h, Config{CancelGrace: 100 * time.Millisecond})
	m.Run(rec.callbacks())

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Cancel())
	waitDone(t, m, 5*time.Second)

	require.Len(t, rec.done, 1)
	require.True(t, rec.done[0].Canceled)
	require.Equal(t, "killed", rec.done[0].Signal)
}

func TestCancelBeforeRun(t *testing.T) {
	h := startScript(t, "exit 0\n", false)
	m := New(h, Config{})
	require.ErrorIs(t, m.Cancel(), ErrNotRunning)
	m.Run(Callbacks{})
	waitDone(t, m, 5*time.Second)
}

func TestProbeFailureEndsRun(t *testing.T) {
	h := startScript(t, "echo hi\nsleep 30\n", false)
	rec := &recorder{}
	probeErr := errors.New("probe unavailable")
	m := New(h, Config{
		PollInterval:     5 * time.Millisecond,
		MaxProbeFailures: 3,
		DrainTimeout:     time.Second,
		Prober: liveness.ProberFunc(func(int) (liveness.Status, error) {
			return liveness.StatusRunning, probeErr
		}),
	})
	m.Run(rec.callbacks())
	waitDone(t, m, 10*time.Second)

	require.Empty(t, rec.done)
	require.Len(t, rec.failures, 1)
	require.ErrorIs(t, rec.failures[0], ErrMonitorFailure)
	require.ErrorIs(t, rec.failures[0], probeErr)
	require.ErrorIs(t, m.Err(), ErrMonitorFailure)
	require.Equal(t, "failure", rec.events[len(rec.events)-1])

	// The process was killed and reaped on the way out
	status, err := h.Reap()
	require.NoError(t, err)
	require.Equal(t, "killed", status.Signal)
}

func TestTransientProbeFailuresAreTolerated(t *testing.T) {
	real, err := liveness.New("")
	require.NoError(t, err)
	var calls atomic.Int32
	flaky := liveness.ProberFunc(func(pid int) (liveness.Status, error) {
		// Fail every other probe so the streak never reaches the limit
		if calls.Add(1)%2 == 0 {
			return liveness.StatusRunning, errors.New("flaky")
		}
		return real.Probe(pid)
	})

	rec, m, _ := runScript(t, "echo one\nsleep 0.2\necho two\n", Config{MaxProbeFailures: 2, Prober: flaky})
	require.NoError(t, m.Err())
	require.Equal(t, []string{"line:one", "line:two", "done"}, rec.events)
}

func TestBackgroundChildHoldingOutput(t *testing.T) {
	h := startScript(t, "echo parent\nsleep 30 &\n", false)
	t.Cleanup(func() { _ = syscall.Kill(-h.PID, syscall.SIGKILL) })

	rec := &recorder{}
	m := New(h, Config{DrainTimeout: 200 * time.Millisecond})
	m.Run(rec.callbacks())
	waitDone(t, m, 5*time.Second)

	require.Equal(t, []string{"line:parent", "done"}, rec.events)
}

func TestRunOnlyOnce(t *testing.T) {
	h := startScript(t, "echo once\n", false)
	rec := &recorder{}
	m := New(h, Config{})
	m.Run(rec.callbacks())
	m.Run(rec.callbacks())
	waitDone(t, m, 5*time.Second)
	require.Equal(t, []string{"line:once", "done"}, rec.events)
}

func TestPTYOutput(t *testing.T) {
	h := startScript(t, "echo hello\necho world >&2\n", true)
	rec := &recorder{}
	m := New(h, Config{})
	m.Run(rec.callbacks())
	waitDone(t, m, 10*time.Second)

	require.Equal(t, []string{"hello", "world"}, rec.texts())
	require.Len(t, rec.done, 1)
}

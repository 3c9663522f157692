package liveness

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitForStatus polls prober until it reports want or the deadline passes.
func waitForStatus(t *testing.T, prober Prober, pid int, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := prober.Probe(pid)
		require.NoError(t, err)
		if status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pid %d never reached status %s", pid, want)
}

func testProberLifecycle(t *testing.T, prober Prober) {
	cmd := exec.Command("sh", "-c", "sleep 0.2; exit 3")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	status, err := prober.Probe(pid)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status)

	waitForStatus(t, prober, pid, StatusZombie)

	// Probing must not have consumed the exit status
	err = cmd.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected exit error, got %v", err)
	require.Equal(t, 3, exitErr.ExitCode())

	status, err = prober.Probe(pid)
	require.NoError(t, err)
	require.Equal(t, StatusAbsent, status)
}

func TestPsutilProberLifecycle(t *testing.T) {
	testProberLifecycle(t, PsutilProber{})
}

func TestNewProber(t *testing.T) {
	t.Parallel()

	p, err := New("")
	require.NoError(t, err)
	require.NotNil(t, p)

	p, err = New(NamePsutil)
	require.NoError(t, err)
	require.IsType(t, PsutilProber{}, p)

	_, err = New("ps")
	require.Error(t, err)
}

func TestProberFunc(t *testing.T) {
	t.Parallel()
	called := 0
	p := ProberFunc(func(pid int) (Status, error) {
		called++
		return StatusZombie, nil
	})
	status, err := p.Probe(42)
	require.NoError(t, err)
	require.Equal(t, StatusZombie, status)
	require.Equal(t, 1, called)
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "running", StatusRunning.String())
	require.Equal(t, "zombie", StatusZombie.String())
	require.Equal(t, "absent", StatusAbsent.String())
	require.Equal(t, "unknown(9)", Status(9).String())
}

func TestParseSignal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{in: "SIGTERM", want: syscall.SIGTERM},
		{in: "term", want: syscall.SIGTERM},
		{in: "KILL", want: syscall.SIGKILL},
		{in: " SIGINT ", want: syscall.SIGINT},
		{in: "9", want: syscall.SIGKILL},
		{in: "0", wantErr: true},
		{in: "64", wantErr: true},
		{in: "SIGNOPE", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestValidateSignal(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateSignal(int(syscall.SIGTERM)))
	require.Error(t, ValidateSignal(0))
	require.Error(t, ValidateSignal(32))
}

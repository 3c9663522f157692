package liveness

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitProberLifecycle(t *testing.T) {
	testProberLifecycle(t, WaitProber{})
}

func TestWaitProberNotAChild(t *testing.T) {
	// pid 1 is never our child, waitid reports ECHILD
	status, err := WaitProber{}.Probe(1)
	require.NoError(t, err)
	require.Equal(t, StatusAbsent, status)
}

func TestWaitProberKilledChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	status, err := WaitProber{}.Probe(pid)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, status)

	require.NoError(t, cmd.Process.Kill())
	waitForStatus(t, WaitProber{}, pid, StatusZombie)
	_ = cmd.Wait()
}

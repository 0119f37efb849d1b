//go:build unix

package procgroup

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKillGroup(t *testing.T) {
	// Parent shell spawns a background child; both must die with the group.
	cmd := exec.Command("sh", "-c", "sleep 60 & sleep 60")
	Set(cmd)

	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	time.Sleep(100 * time.Millisecond)

	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "process should be group leader")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	_ = cmd.Wait()

	time.Sleep(50 * time.Millisecond)
	err = syscall.Kill(-pgid, syscall.Signal(0))
	require.ErrorIs(t, err, syscall.ESRCH, "process group should be gone")
}

func TestKillNilCommand(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Kill(&exec.Cmd{}, syscall.SIGTERM))
}

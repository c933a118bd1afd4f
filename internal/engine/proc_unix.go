//go:build unix

package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts the engine into its own process group, so signals sent to
// reportd do not reach it and Kill can take down its children.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func kill(proc *os.Process) error {
	if proc == nil {
		return os.ErrProcessDone
	}
	err := unix.Kill(-proc.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		// group is gone, the leader may still need a signal
		err = proc.Kill()
	}
	return err
}

//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// prepareTreeKill puts the child in its own process group so cancellation
// reaches everything it spawned.
func prepareTreeKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}

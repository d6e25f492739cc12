//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

const createNoWindow = 0x08000000

func prepareTreeKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
		kill.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
		if err := kill.Run(); err != nil {
			// taskkill fails when the process already exited.
			_ = cmd.Process.Kill()
		}
		return nil
	}
}

//go:build windows

package core

import (
	"os"
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
}

// Windows has no SIGTERM; termination is a kill.
func terminateProcess(process *os.Process) error {
	if process == nil {
		return nil
	}
	return process.Kill()
}

func killProcess(process *os.Process) {
	if process == nil {
		return
	}
	_ = process.Kill()
}

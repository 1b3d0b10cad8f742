//go:build windows

package process

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no SIGTERM delivery for arbitrary processes; both phases
// terminate the process directly.
func terminateGracefully(p *os.Process) error {
	return p.Kill()
}

func terminateForcefully(p *os.Process) error {
	return p.Kill()
}

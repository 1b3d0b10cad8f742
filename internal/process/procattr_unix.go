//go:build !windows

package process

import (
	"os"
	"syscall"
)

// sysProcAttr places the child in its own process group so termination
// signals reach the whole subprocess tree.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the child's process group, falling back to the
// main process when the group cannot be resolved.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(p.Pid)
	if err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return p.Signal(sig)
}

func terminateGracefully(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func terminateForcefully(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

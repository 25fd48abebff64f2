//go:build linux

package decoder

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to every process in pid's group.
func killProcessGroup(pid int) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return err
	}
	return unix.Kill(-pgid, unix.SIGKILL)
}

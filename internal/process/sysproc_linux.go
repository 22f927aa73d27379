//go:build linux

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr runs the command in its own process group, sends it SIGTERM
// if the daemon dies, and drops privileges when cred is set.
func setProcAttr(cmd *exec.Cmd, cred *Credential) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: syscall.SIGTERM,
	}
	if cred != nil {
		attr.Credential = &syscall.Credential{
			Uid:    cred.UID,
			Gid:    cred.GID,
			Groups: cred.Groups,
		}
	}
	cmd.SysProcAttr = attr
}

// signalGroup signals the process group led by pid, falling back to the
// process alone if the group cannot be resolved.
func signalGroup(pid int, kill bool) error {
	sig := unix.SIGTERM
	if kill {
		sig = unix.SIGKILL
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return unix.Kill(pid, sig)
	}
	return unix.Kill(-pgid, sig)
}

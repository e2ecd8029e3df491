//go:build unix

package channel

import (
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setProcessGroup puts the detector in its own group so helpers it forks die
// with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setDeathSignal(cmd.SysProcAttr)
}

func signalGroup(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

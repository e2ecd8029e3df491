package channel

import "syscall"

// setDeathSignal kills the detector if the spawning thread dies without
// running Close, e.g. when the parent is SIGKILLed.
func setDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}

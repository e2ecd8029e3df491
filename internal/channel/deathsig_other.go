//go:build unix && !linux

package channel

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {}

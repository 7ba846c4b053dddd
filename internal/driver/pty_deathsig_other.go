//go:build !linux && !windows

package driver

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {}

// ABOUTME: Unix process attributes and termination for spawned brokers
// ABOUTME: New-session detach plus SIGTERM-based clean shutdown

//go:build unix

package spawn

import (
	"os"
	"syscall"
)

// sessionAttr detaches the child into its own session so it is not taken
// down with the spawning process's terminal or process group.
func sessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// terminate asks the broker to shut down cleanly.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

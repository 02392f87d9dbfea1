// ABOUTME: Fallback process handling for platforms without unix sessions
// ABOUTME: No detach; termination is a hard kill

//go:build !unix

package spawn

import (
	"os"
	"syscall"
)

func sessionAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(p *os.Process) error {
	return p.Kill()
}

//go:build !unix

package process

import (
	"os"
	"syscall"
)

func newProcessGroup() *syscall.SysProcAttr {
	return nil
}

// Without process groups only the direct child is signalled.
func interruptGroup(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func signalNumber(*os.ProcessState) (int, bool) {
	return 0, false
}

//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Without process groups both a graceful and a forced stop kill the process.
func signalGroup(pid int, force bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func processAlive(pid int) bool {
	return false
}

func processMatches(pid int, instanceID string) bool {
	return false
}

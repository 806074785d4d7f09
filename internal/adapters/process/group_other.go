//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func kill(proc *os.Process) error {
	return proc.Kill()
}

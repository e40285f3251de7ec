//go:build !unix

package garak

import (
	"os"
	"os/exec"
)

func setpgid(*exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Kill()
}

func forceKill(p *os.Process) error {
	return p.Kill()
}

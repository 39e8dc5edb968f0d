//go:build !unix

package run

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

//go:build windows
// +build windows

package proc

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}

// Windows has no POSIX process groups; both phases kill the top-level process
// only. Grandchildren spawned by a job are not reaped here.
func terminateTree(cmd *exec.Cmd) error {
	return killTree(cmd)
}

func killTree(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

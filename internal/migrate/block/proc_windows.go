//go:build windows

package block

import "os/exec"

func shellCommand() (exe string, flag string) {
	return "cmd.exe", "/c"
}

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

//go:build !windows

package perlcomplete

import (
	"os/exec"
	"syscall"
)

// setDetachedProcess puts the server in its own session so it survives the editor.
func setDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

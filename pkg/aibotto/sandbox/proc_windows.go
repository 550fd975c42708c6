//go:build windows

package sandbox

import "os/exec"

// Process groups are not available; CommandContext kills the shell only.
func setProcessGroup(cmd *exec.Cmd) {}

//go:build !unix

package scoop

import "os/exec"

func killProcessGroup(_ *exec.Cmd) {}

//go:build !unix

package crawlclient

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

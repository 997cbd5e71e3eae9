// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !unix

package scriptserver

import "os/exec"

func prepareProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills only the direct child; process groups are a Unix
// facility.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

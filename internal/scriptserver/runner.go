// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scriptserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// SCRIPT RUNNER
// =============================================================================

// runResult is the outcome of one script execution.
type runResult struct {
	exitCode int
	stdout   string
	stderr   string
	timedOut bool
}

// interpreter returns the command and script file name for a script type.
func (s *Server) interpreter(scriptType string) (string, string, bool) {
	switch scriptType {
	case "", ScriptPython:
		return s.opts.PythonPath, "script.py", true
	case ScriptShell:
		return s.opts.ShellPath, "script.sh", true
	default:
		return "", "", false
	}
}

// runWithTimeout executes interp on scriptPath in dir. On timeout the whole
// process group is killed and exit code -1 is reported.
func runWithTimeout(ctx context.Context, interp, scriptPath, dir string, timeout time.Duration) runResult {
	cmd := exec.Command(interp, scriptPath)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	prepareProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return runResult{exitCode: -1, stderr: fmt.Sprintf("Error executing script: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		code := 0
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			// A background child kept the output pipes open after exit.
			code = cmd.ProcessState.ExitCode()
		default:
			return runResult{exitCode: -1, stdout: stdout.String(), stderr: fmt.Sprintf("Error executing script: %v", err)}
		}
		return runResult{exitCode: code, stdout: stdout.String(), stderr: stderr.String()}
	case <-timer.C:
		killProcessGroup(cmd)
		<-done
		return runResult{exitCode: -1, stderr: "Script execution timed out", timedOut: true}
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return runResult{exitCode: -1, stderr: "Script execution cancelled"}
	}
}

// =============================================================================
// DIRECTORY HELPERS
// =============================================================================

// makeScriptDir creates tmp/<YYYYmmdd_HHMMSS> under root, adding _<n> when
// the name is taken.
func makeScriptDir(root string, now time.Time) (string, error) {
	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return "", err
	}
	base := now.Format("20060102_150405")
	name := base
	for n := 1; ; n++ {
		dir := filepath.Join(tmp, name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
		name = fmt.Sprintf("%s_%d", base, n)
	}
}

// listEntries returns the top-level file and directory names of dir.
func listEntries(dir string) (files, dirs map[string]bool) {
	files = make(map[string]bool)
	dirs = make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return files, dirs
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs[e.Name()] = true
		} else if e.Type().IsRegular() {
			files[e.Name()] = true
		}
	}
	return files, dirs
}

// created returns the sorted names in after that are not in before.
func created(before, after map[string]bool) []string {
	var out []string
	for name := range after {
		if !before[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// isSafePath reports whether rel stays within base, both lexically and after
// resolving symlinks of whatever part exists.
func isSafePath(base, rel string) bool {
	if strings.ContainsRune(rel, 0) {
		return false
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	target := filepath.Join(absBase, filepath.FromSlash(rel))
	if !within(absBase, target) {
		return false
	}
	resolvedBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		return within(resolvedBase, resolved)
	}
	return true
}

func within(base, target string) bool {
	r, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

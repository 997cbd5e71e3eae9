// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scriptserver

// Script types accepted by the server.
const (
	ScriptPython = "python"
	ScriptShell  = "shell"
)

// Timeout bounds in seconds.
const (
	MinTimeout     = 1
	MaxTimeout     = 60
	DefaultTimeout = 10
)

// RunRequest is the body of POST /api/run-script. Either Passcode or APIKey
// carries the credential.
type RunRequest struct {
	Script     string `json:"script"`
	ScriptType string `json:"scriptType,omitempty"`
	Timeout    int    `json:"timeout"`
	Passcode   string `json:"passcode,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
}

// credential returns whichever credential field is set.
func (r RunRequest) credential() string {
	if r.Passcode != "" {
		return r.Passcode
	}
	return r.APIKey
}

// RunResponse is the result of a script run. Success false with Error set
// means the server refused or failed to start the script; a script that ran
// and exited non-zero is still Success true.
type RunResponse struct {
	Success            bool     `json:"success"`
	ScriptDir          string   `json:"scriptDir,omitempty"`
	ScriptPath         string   `json:"scriptPath,omitempty"`
	ExitCode           *int     `json:"exitCode,omitempty"`
	Stdout             string   `json:"stdout"`
	Stderr             string   `json:"stderr"`
	Timeout            bool     `json:"timeout"`
	Message            string   `json:"message,omitempty"`
	CreatedFiles       []string `json:"createdFiles"`
	CreatedDirectories []string `json:"createdDirectories,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	WorkingDir string `json:"workingDir"`
}

// errorResponse is the body of non-run error responses.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

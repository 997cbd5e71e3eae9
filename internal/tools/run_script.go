// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/output"
	"github.com/magland/chatgeneral/internal/scriptserver"
)

// healthCheckTimeout bounds the health check made while a script awaits
// approval.
const healthCheckTimeout = 5 * time.Second

// imageMIMETypes maps created-file extensions to the MIME type of the image
// item emitted for them.
var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
}

const (
	hintServer = "Make sure the local script server is running (chatgeneral start-server) and that the server URL is correct."
	hintAuth   = "The script server rejected the passcode. Restart the server to print a new one or set CHATGENERAL_PASSCODE."
)

const runScriptDescription = `Execute a Python or shell script on the user's machine through the local script server.
Each run gets a fresh directory tmp/<timestamp> under the server's working
directory and executes there, so relative paths land in that directory.
The user must approve every script before it runs.

Parameters:
- script: the full script source
- scriptType: "python" (default) or "shell"
- timeout: seconds before the script is killed, 1 to 60 (default 10)

Files the script creates are reported back. Image files (png, jpg, jpeg, gif,
svg, webp) are displayed to the user automatically. A created directory whose
name ends in .figpack and contains index.html is displayed as an embedded
page. Print results to stdout; stdout and stderr are returned to you.`

// RunScriptTool implements run_script.
type RunScriptTool struct{}

// NewRunScriptTool creates the tool.
func NewRunScriptTool() *RunScriptTool { return &RunScriptTool{} }

func (t *RunScriptTool) Name() string        { return "run_script" }
func (t *RunScriptTool) Description() string { return runScriptDescription }

func (t *RunScriptTool) Parameters() Schema {
	return Schema{
		"type": "object",
		"properties": map[string]interface{}{
			"script": map[string]interface{}{
				"type":        "string",
				"description": "The script source to execute",
			},
			"scriptType": map[string]interface{}{
				"type":        "string",
				"enum":        []string{scriptserver.ScriptPython, scriptserver.ScriptShell},
				"description": "Interpreter to use (default python)",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"minimum":     scriptserver.MinTimeout,
				"maximum":     scriptserver.MaxTimeout,
				"description": "Timeout in seconds (default 10)",
			},
		},
		"required": []string{"script"},
	}
}

type runScriptArgs struct {
	Script     string `json:"script"`
	ScriptType string `json:"scriptType"`
	Timeout    *int   `json:"timeout"`
}

// validate applies defaults and checks the arguments, returning the message
// the model should see on failure.
func (a *runScriptArgs) validate() string {
	if strings.TrimSpace(a.Script) == "" {
		return "Script content is required"
	}
	if a.ScriptType == "" {
		a.ScriptType = scriptserver.ScriptPython
	}
	if a.ScriptType != scriptserver.ScriptPython && a.ScriptType != scriptserver.ScriptShell {
		return fmt.Sprintf("Unsupported script type: %s", a.ScriptType)
	}
	if a.Timeout == nil {
		d := scriptserver.DefaultTimeout
		a.Timeout = &d
	}
	if *a.Timeout < scriptserver.MinTimeout || *a.Timeout > scriptserver.MaxTimeout {
		return fmt.Sprintf("Timeout must be between %d and %d seconds", scriptserver.MinTimeout, scriptserver.MaxTimeout)
	}
	return ""
}

// runScriptResult is the data payload of a completed run.
type runScriptResult struct {
	ExitCode           *int     `json:"exitCode"`
	Stdout             string   `json:"stdout"`
	Stderr             string   `json:"stderr"`
	Timeout            bool     `json:"timeout"`
	Message            string   `json:"message"`
	ScriptDir          string   `json:"scriptDir"`
	ScriptPath         string   `json:"scriptPath"`
	CreatedFiles       []string `json:"createdFiles"`
	CreatedDirectories []string `json:"createdDirectories"`
}

// Execute runs the approval protocol and then the script.
func (t *RunScriptTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (Outcome, error) {
	var a runScriptArgs
	if err := decodeArgs(args, &a); err != nil {
		return Outcome{}, err
	}
	if msg := a.validate(); msg != "" {
		return Outcome{Result: Failure(msg, nil)}, nil
	}

	client := scriptClient(tc)
	if client == nil {
		return Outcome{Result: Failure("Script server is not configured", map[string]interface{}{"hint": hintServer})}, nil
	}

	// Approval. Without a sink there is nobody to ask and the script runs.
	var itemID string
	if tc.Sink != nil {
		id, ticket := tc.Sink.EmitForApproval(output.Item{
			Kind:    output.KindScript,
			Content: a.Script,
			Meta: output.Meta{
				ScriptType: a.ScriptType,
				Health:     output.HealthChecking,
				Execution:  output.ExecutionNone,
			},
		})
		itemID = id
		checkHealth(ctx, client, tc.Sink, id)

		approved, err := ticket.Wait(ctx)
		if err != nil {
			return Outcome{Result: Failure("Script approval cancelled: "+err.Error(), nil)}, nil
		}
		if !approved {
			log.Printf("SCRIPT_DENIED | item=%s", id)
			return Outcome{Result: Failure("User denied script execution", nil)}, nil
		}
		tc.Sink.UpdateExecutionStatus(id, output.ExecutionRunning)
	}

	resp, err := runWithReprompt(ctx, client, tc.Credentials, scriptserver.RunRequest{
		Script:     a.Script,
		ScriptType: a.ScriptType,
		Timeout:    *a.Timeout,
	})
	if err == nil && !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "script server reported failure"
		}
		err = errors.New(msg)
	}
	if err != nil {
		if tc.Sink != nil {
			tc.Sink.UpdateExecutionStatus(itemID, output.ExecutionFailed)
		}
		hint := hintServer
		if errors.Is(err, scriptserver.ErrUnauthorized) {
			hint = hintAuth
		}
		return Outcome{Result: Failure("Script execution failed: "+err.Error(), map[string]interface{}{
			"hint":      hint,
			"serverUrl": client.BaseURL(),
		})}, nil
	}

	if tc.Sink != nil {
		emitArtifacts(ctx, client, tc.Sink, resp, bundleSuffixes(tc))
		tc.Sink.UpdateExecutionStatus(itemID, output.ExecutionCompleted)
		if resp.ExitCode != nil {
			tc.Sink.UpdateExitCode(itemID, *resp.ExitCode)
		}
		tc.Sink.Emit(output.Item{
			Kind:    output.KindScriptOutput,
			Content: combinedOutput(resp.Stdout, resp.Stderr),
			Meta:    output.Meta{ScriptType: a.ScriptType, ExitCode: resp.ExitCode, Execution: output.ExecutionCompleted},
		})
	}

	files := resp.CreatedFiles
	if files == nil {
		files = []string{}
	}
	dirs := resp.CreatedDirectories
	if dirs == nil {
		dirs = []string{}
	}
	return Outcome{Result: Success(runScriptResult{
		ExitCode:           resp.ExitCode,
		Stdout:             resp.Stdout,
		Stderr:             resp.Stderr,
		Timeout:            resp.Timeout,
		Message:            resp.Message,
		ScriptDir:          resp.ScriptDir,
		ScriptPath:         resp.ScriptPath,
		CreatedFiles:       files,
		CreatedDirectories: dirs,
	})}, nil
}

// scriptClient returns the configured client, building one from the server
// URL cell when only that is available.
func scriptClient(tc *Context) *scriptserver.Client {
	if tc.Script != nil {
		return tc.Script
	}
	if tc.ServerURL != nil {
		return scriptserver.NewClient(tc.ServerURL)
	}
	return nil
}

func bundleSuffixes(tc *Context) []string {
	if len(tc.BundleSuffixes) > 0 {
		return tc.BundleSuffixes
	}
	return []string{config.DefaultBundleSuffix}
}

// checkHealth records the server health on the pending script item.
func checkHealth(ctx context.Context, client *scriptserver.Client, sink *output.Sink, id string) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if _, err := client.Health(ctx); err != nil {
		sink.UpdateHealth(id, output.HealthUnhealthy, err.Error())
		return
	}
	sink.UpdateHealth(id, output.HealthHealthy, "")
}

// runWithReprompt dispatches the script, asking once for a fresh passcode
// if the server rejects the current one.
func runWithReprompt(ctx context.Context, client *scriptserver.Client, creds Credentials, req scriptserver.RunRequest) (*scriptserver.RunResponse, error) {
	if creds != nil {
		req.Passcode = creds.Passcode()
	}
	resp, err := client.RunScript(ctx, req)
	if !errors.Is(err, scriptserver.ErrUnauthorized) || creds == nil {
		return resp, err
	}

	passcode, perr := creds.Reprompt(ctx)
	if perr != nil {
		return nil, fmt.Errorf("%w (re-prompt failed: %v)", scriptserver.ErrUnauthorized, perr)
	}
	req.Passcode = passcode
	return client.RunScript(ctx, req)
}

// emitArtifacts emits image items for created images and iframe items for
// created bundle directories that contain an index.html.
func emitArtifacts(ctx context.Context, client *scriptserver.Client, sink *output.Sink, resp *scriptserver.RunResponse, suffixes []string) {
	for _, name := range resp.CreatedFiles {
		mimeType, ok := imageMIMETypes[strings.ToLower(path.Ext(name))]
		if !ok {
			continue
		}
		rel := path.Join(resp.ScriptDir, name)
		data, err := client.ReadFile(ctx, rel)
		if err != nil {
			log.Printf("SCRIPT_ARTIFACT | failed to read %s: %v", rel, err)
			continue
		}
		sink.Emit(output.Item{
			Kind:    output.KindImage,
			Content: base64.StdEncoding.EncodeToString(data),
			Meta:    output.Meta{MIMEType: mimeType, Title: name, URL: client.FileURL(rel)},
		})
	}

	for _, dir := range resp.CreatedDirectories {
		if !hasSuffix(dir, suffixes) {
			continue
		}
		index := path.Join(resp.ScriptDir, dir, "index.html")
		exists, err := client.FileExists(ctx, index)
		if err != nil || !exists {
			continue
		}
		sink.Emit(output.Item{
			Kind: output.KindIframe,
			Meta: output.Meta{
				URL:   fmt.Sprintf("%s?t=%d", client.FileURL(index), time.Now().UnixNano()),
				Title: dir,
			},
		})
	}
}

func hasSuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// combinedOutput joins stdout and stderr for display.
func combinedOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return "[stderr]\n" + stderr
	default:
		return strings.TrimRight(stdout, "\n") + "\n\n[stderr]\n" + stderr
	}
}

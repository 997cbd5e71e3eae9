// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scriptserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/magland/chatgeneral/internal/config"
)

const testPasscode = "open-sesame"

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Options{
		WorkingDir: t.TempDir(),
		Passcode:   testPasscode,
		BcryptCost: bcrypt.MinCost,
		Logger:     log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a Unix shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func postRun(t *testing.T, ts *httptest.Server, body interface{}) (*http.Response, RunResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/run-script", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// =============================================================================
// SERVER TESTS
// =============================================================================

func TestServer_Health(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, srv.WorkingDir(), health.WorkingDir)
}

func TestServer_RunScript_Validation(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
		errMsg string
	}{
		{"bad passcode", map[string]interface{}{"script": "echo", "passcode": "nope"}, http.StatusUnauthorized, "Invalid passcode"},
		{"missing passcode", map[string]interface{}{"script": "echo"}, http.StatusUnauthorized, "Invalid passcode"},
		{"timeout too small", map[string]interface{}{"script": "echo", "timeout": 0, "passcode": testPasscode}, http.StatusOK, "Timeout must be between 1 and 60 seconds"},
		{"timeout too large", map[string]interface{}{"script": "echo", "timeout": 61, "passcode": testPasscode}, http.StatusOK, "Timeout must be between 1 and 60 seconds"},
		{"empty script", map[string]interface{}{"script": "   ", "apiKey": testPasscode}, http.StatusOK, "Script content is required"},
		{"unknown type", map[string]interface{}{"script": "x", "scriptType": "ruby", "passcode": testPasscode}, http.StatusOK, "Unsupported script type: ruby"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postRun(t, ts, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.False(t, out.Success)
			assert.Equal(t, tt.errMsg, out.Error)
		})
	}
}

func TestServer_RunScript_ShellCreatesFiles(t *testing.T) {
	requireShell(t)
	srv, ts := newTestServer(t)

	script := "echo hello\necho oops >&2\necho data > out.txt\nmkdir plot.figpack\necho '<html></html>' > plot.figpack/index.html\n"
	resp, out := postRun(t, ts, map[string]interface{}{
		"script":     script,
		"scriptType": ScriptShell,
		"timeout":    10,
		"passcode":   testPasscode,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, out.Success, out.Error)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Equal(t, "Script executed successfully", out.Message)
	assert.Equal(t, []string{"out.txt"}, out.CreatedFiles)
	assert.Equal(t, []string{"plot.figpack"}, out.CreatedDirectories)
	assert.Regexp(t, `^tmp/\d{8}_\d{6}(_\d+)?$`, out.ScriptDir)
	assert.Equal(t, out.ScriptDir+"/script.sh", out.ScriptPath)

	data, err := os.ReadFile(filepath.Join(srv.WorkingDir(), filepath.FromSlash(out.ScriptDir), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))
}

func TestServer_RunScript_NonZeroExit(t *testing.T) {
	requireShell(t)
	_, ts := newTestServer(t)

	_, out := postRun(t, ts, map[string]interface{}{
		"script": "exit 3", "scriptType": ScriptShell, "passcode": testPasscode,
	})
	require.True(t, out.Success)
	assert.Equal(t, 3, *out.ExitCode)
	assert.Equal(t, "Script exited with code 3", out.Message)
	assert.Empty(t, out.CreatedFiles)
}

func TestServer_RunScript_Timeout(t *testing.T) {
	requireShell(t)
	_, ts := newTestServer(t)

	start := time.Now()
	_, out := postRun(t, ts, map[string]interface{}{
		"script": "sleep 30 &\nsleep 30\n", "scriptType": ScriptShell, "timeout": 1, "passcode": testPasscode,
	})
	assert.Less(t, time.Since(start), 10*time.Second)
	require.True(t, out.Success)
	assert.True(t, out.Timeout)
	assert.Equal(t, -1, *out.ExitCode)
	assert.Equal(t, "Script execution timed out", out.Stderr)
	assert.Equal(t, "Script execution timed out after 1 seconds", out.Message)
}

func TestServer_Files(t *testing.T) {
	srv, ts := newTestServer(t)
	dir := filepath.Join(srv.WorkingDir(), "tmp", "run", "site.figpack")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hi</html>"), 0644))

	resp, err := http.Get(ts.URL + "/files/tmp/run/site.figpack/index.html")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>hi</html>", string(body))

	resp, err = http.Head(ts.URL + "/files/tmp/run/site.figpack/index.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/files/tmp/run/missing.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/files/tmp/run")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_FilesRejectsTraversal(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
	req.URL.Path = "/files/../../etc/passwd"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid path: must be within server working directory")
}

func TestServer_CORS(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/run-script", nil)
	req.Header.Set("Origin", "https://magland.github.io")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://magland.github.io", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_GeneratedPasscode(t *testing.T) {
	srv, err := NewServer(Options{WorkingDir: t.TempDir(), BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	assert.NotEmpty(t, srv.Passcode())
	assert.True(t, srv.checkPasscode(srv.Passcode()))
	assert.False(t, srv.checkPasscode("wrong"))
}

func TestMakeScriptDir_Collision(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	first, err := makeScriptDir(root, now)
	require.NoError(t, err)
	second, err := makeScriptDir(root, now)
	require.NoError(t, err)
	third, err := makeScriptDir(root, now)
	require.NoError(t, err)

	assert.Equal(t, "20250304_050607", filepath.Base(first))
	assert.Equal(t, "20250304_050607_1", filepath.Base(second))
	assert.Equal(t, "20250304_050607_2", filepath.Base(third))
}

func TestIsSafePath(t *testing.T) {
	root := t.TempDir()
	assert.True(t, isSafePath(root, "tmp/a.png"))
	assert.True(t, isSafePath(root, "missing/deeper/file"))
	assert.False(t, isSafePath(root, "../outside"))
	assert.False(t, isSafePath(root, "tmp/../../outside"))

	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink(os.TempDir(), filepath.Join(root, "escape")))
		assert.False(t, isSafePath(root, "escape"))
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestClient_AgainstServer(t *testing.T) {
	requireShell(t)
	srv, ts := newTestServer(t)
	client := NewClient(config.NewServerURL(ts.URL, ts.URL))
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.WorkingDir(), health.WorkingDir)

	_, err = client.RunScript(ctx, RunRequest{Script: "echo hi", ScriptType: ScriptShell, Timeout: 5, Passcode: "bad"})
	assert.True(t, errors.Is(err, ErrUnauthorized))

	out, err := client.RunScript(ctx, RunRequest{Script: "printf abc > a.txt", ScriptType: ScriptShell, Timeout: 5, Passcode: testPasscode})
	require.NoError(t, err)
	require.True(t, out.Success)

	data, err := client.ReadFile(ctx, out.ScriptDir+"/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	exists, err := client.FileExists(ctx, out.ScriptDir+"/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.FileExists(ctx, out.ScriptDir+"/nope.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = client.ReadFile(ctx, out.ScriptDir+"/nope.txt")
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestClient_FollowsServerURL(t *testing.T) {
	hits := map[string]int{}
	mk := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[name]++
			writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", WorkingDir: name})
		}))
	}
	a, b := mk("a"), mk("b")
	defer a.Close()
	defer b.Close()

	cell := config.NewServerURL(a.URL, b.URL)
	client := NewClient(cell)

	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", h.WorkingDir)

	cell.UseFallback()
	h, err = client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", h.WorkingDir)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, hits)
}

func TestClient_ServerErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError, "disk full")
	}))
	defer ts.Close()

	client := NewClient(config.NewServerURL(ts.URL, ts.URL))
	_, err := client.RunScript(context.Background(), RunRequest{Script: "x", Timeout: 1})
	var serr *ServerError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusInternalServerError, serr.Status)
	assert.Equal(t, "disk full", serr.Message)
}

func TestClient_RunLastsUntilContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()

	client := NewClient(config.NewServerURL(ts.URL, ts.URL))
	assert.Zero(t, client.httpClient.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	start := time.Now()
	_, err := client.RunScript(ctx, RunRequest{Script: "sleep 120", Timeout: 60})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestClient_FileURLEscapes(t *testing.T) {
	client := NewClient(config.NewServerURL("http://localhost:3339/", ""))
	assert.Equal(t, "http://localhost:3339/files/tmp/run/a%20b.png", client.FileURL("tmp/run/a b.png"))
}

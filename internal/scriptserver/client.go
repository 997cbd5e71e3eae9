// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scriptserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/magland/chatgeneral/internal/config"
)

// Client errors.
var (
	// ErrUnauthorized is returned when the server rejects the passcode (HTTP 401).
	ErrUnauthorized = errors.New("invalid passcode")

	// ErrFileNotFound is returned when a requested file does not exist.
	ErrFileNotFound = errors.New("file not found")
)

// maxFileSize limits files read back from the server.
const maxFileSize = 50 * 1024 * 1024

// ServerError is a non-2xx response other than 401.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("script server error (%d): %s", e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to a script server. The endpoint is read from the shared
// ServerURL cell on every call.
type Client struct {
	serverURL  *config.ServerURL
	httpClient *http.Client
}

// NewClient creates a client bound to the given endpoint cell.
func NewClient(serverURL *config.ServerURL) *Client {
	// No client-side deadline: a run ends when the server replies or the
	// caller's context is cancelled.
	return &Client{
		serverURL:  serverURL,
		httpClient: &http.Client{},
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.httpClient = client
	return c
}

// BaseURL returns the endpoint currently in use.
func (c *Client) BaseURL() string {
	return c.serverURL.Get()
}

// FileURL returns the URL under which the server serves relPath.
func (c *Client) FileURL(relPath string) string {
	segments := strings.Split(strings.TrimLeft(relPath, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.BaseURL() + "/files/" + strings.Join(segments, "/")
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readServerError(resp)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}

// RunScript posts a script for execution. A 401 yields ErrUnauthorized so
// the caller can re-prompt for the passcode.
func (c *Client) RunScript(ctx context.Context, run RunRequest) (*RunResponse, error) {
	body, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/api/run-script", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readServerError(resp)
	}

	var result RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse run response: %w", err)
	}
	return &result, nil
}

// ReadFile fetches a file relative to the server's working directory.
func (c *Client) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FileURL(relPath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, relPath)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readServerError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("file %s exceeds %d bytes", relPath, maxFileSize)
	}
	return data, nil
}

// FileExists checks for a file with a HEAD request.
func (c *Client) FileExists(ctx context.Context, relPath string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.FileURL(relPath), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusBadRequest:
		return false, nil
	default:
		return false, &ServerError{Status: resp.StatusCode, Message: resp.Status}
	}
}

// readServerError extracts {"error": ...} (or {"detail": ...}) from a
// failed response, falling back to the raw body.
func readServerError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			msg = parsed.Error
		} else if parsed.Detail != "" {
			msg = parsed.Detail
		}
	}
	if msg == "" {
		msg = resp.Status
	}
	return &ServerError{Status: resp.StatusCode, Message: msg}
}

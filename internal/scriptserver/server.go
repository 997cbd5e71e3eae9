// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scriptserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// maxRequestBody limits the size of a run request.
const maxRequestBody = 1 << 20

// Options configures a script server.
type Options struct {
	WorkingDir string
	Host       string
	Port       int

	// Passcode required on run requests. Empty generates a random one.
	Passcode       string
	AllowedOrigins []string

	PythonPath string
	ShellPath  string

	// RequestsPerMinute per client IP (0 = default of 120).
	RequestsPerMinute int

	// BcryptCost for hashing the passcode (0 = bcrypt.DefaultCost).
	BcryptCost int

	Logger *log.Logger
}

// Server executes scripts in timestamped directories under its working
// directory and serves the files they produce.
type Server struct {
	opts         Options
	workingDir   string
	passcode     string
	passcodeHash []byte
	logger       *log.Logger
	now          func() time.Time
}

// NewServer validates opts and prepares a server.
func NewServer(opts Options) (*Server, error) {
	if opts.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("could not determine working directory: %w", err)
		}
		opts.WorkingDir = wd
	}
	abs, err := filepath.Abs(opts.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("invalid working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working directory %s is not a directory", abs)
	}

	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 3339
	}
	if opts.PythonPath == "" {
		opts.PythonPath = "python3"
	}
	if opts.ShellPath == "" {
		opts.ShellPath = "sh"
	}
	if opts.RequestsPerMinute == 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = DefaultCORSConfig().AllowedOrigins
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}

	passcode := opts.Passcode
	if passcode == "" {
		passcode = uuid.NewString()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash passcode: %w", err)
	}

	return &Server{
		opts:         opts,
		workingDir:   abs,
		passcode:     passcode,
		passcodeHash: hash,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Passcode returns the passcode clients must send. Useful when it was generated.
func (s *Server) Passcode() string {
	return s.passcode
}

// WorkingDir returns the absolute working directory.
func (s *Server) WorkingDir() string {
	return s.workingDir
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	cors := DefaultCORSConfig()
	cors.AllowedOrigins = s.opts.AllowedOrigins

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(CORSMiddleware(cors))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(NewRateLimiter(s.opts.RequestsPerMinute, 20), s.logger))
		r.Post("/api/run-script", s.handleRunScript)
		r.Post("/api/run-python-script", s.handleRunScript)
	})

	r.Get("/files/*", s.handleFile)
	r.Head("/files/*", s.handleFile)

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", WorkingDir: s.workingDir})
}

func (s *Server) checkPasscode(given string) bool {
	if given == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.passcodeHash, []byte(given)) == nil
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	req := RunRequest{Timeout: DefaultTimeout}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if !s.checkPasscode(req.credential()) {
		s.logger.Printf("AUTH_DENIED | ip=%s path=%s", clientIP(r), r.URL.Path)
		writeError(w, http.StatusUnauthorized, "Invalid passcode")
		return
	}

	if req.Timeout < MinTimeout || req.Timeout > MaxTimeout {
		writeJSON(w, http.StatusOK, RunResponse{Error: "Timeout must be between 1 and 60 seconds"})
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeJSON(w, http.StatusOK, RunResponse{Error: "Script content is required"})
		return
	}
	interp, fileName, ok := s.interpreter(req.ScriptType)
	if !ok {
		writeJSON(w, http.StatusOK, RunResponse{Error: fmt.Sprintf("Unsupported script type: %s", req.ScriptType)})
		return
	}

	writeJSON(w, http.StatusOK, s.execute(r.Context(), req, interp, fileName))
}

// execute runs a validated request.
func (s *Server) execute(ctx context.Context, req RunRequest, interp, fileName string) RunResponse {
	scriptDir, err := makeScriptDir(s.workingDir, s.now())
	if err != nil {
		return RunResponse{Error: fmt.Sprintf("Failed to execute script: %v", err)}
	}
	scriptPath := filepath.Join(scriptDir, fileName)
	if err := os.WriteFile(scriptPath, []byte(req.Script), 0644); err != nil {
		return RunResponse{Error: fmt.Sprintf("Failed to execute script: %v", err)}
	}

	filesBefore, dirsBefore := listEntries(scriptDir)
	res := runWithTimeout(ctx, interp, scriptPath, scriptDir, time.Duration(req.Timeout)*time.Second)
	filesAfter, dirsAfter := listEntries(scriptDir)

	var message string
	switch {
	case res.timedOut:
		message = fmt.Sprintf("Script execution timed out after %d seconds", req.Timeout)
	case res.exitCode == 0:
		message = "Script executed successfully"
	default:
		message = fmt.Sprintf("Script exited with code %d", res.exitCode)
	}

	relDir, _ := filepath.Rel(s.workingDir, scriptDir)
	relPath, _ := filepath.Rel(s.workingDir, scriptPath)
	exitCode := res.exitCode

	s.logger.Printf("SCRIPT_RUN | dir=%s type=%s exit=%d timeout=%v", filepath.ToSlash(relDir), req.ScriptType, exitCode, res.timedOut)

	return RunResponse{
		Success:            true,
		ScriptDir:          filepath.ToSlash(relDir),
		ScriptPath:         filepath.ToSlash(relPath),
		ExitCode:           &exitCode,
		Stdout:             res.stdout,
		Stderr:             res.stderr,
		Timeout:            res.timedOut,
		Message:            message,
		CreatedFiles:       nonNil(created(filesBefore, filesAfter)),
		CreatedDirectories: created(dirsBefore, dirsAfter),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if !isSafePath(s.workingDir, rel) {
		writeError(w, http.StatusBadRequest, "Invalid path: must be within server working directory")
		return
	}

	full := filepath.Join(s.workingDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if !info.Mode().IsRegular() {
		writeError(w, http.StatusBadRequest, "Path is not a file")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()

	// ServeContent rather than ServeFile: ServeFile redirects */index.html.
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"strings"
	"sync"
)

// =============================================================================
// SERVER URL CELL
// =============================================================================

// ServerURL holds the current script server endpoint. Any component may
// switch between the default and fallback endpoints; observers are notified
// synchronously after each change. Safe for concurrent use.
type ServerURL struct {
	mu          sync.Mutex
	defaultURL  string
	fallbackURL string
	current     string
	observers   map[int]func(string)
	nextID      int
}

// NewServerURL creates a cell pointing at defaultURL.
func NewServerURL(defaultURL, fallbackURL string) *ServerURL {
	defaultURL = strings.TrimRight(defaultURL, "/")
	return &ServerURL{
		defaultURL:  defaultURL,
		fallbackURL: strings.TrimRight(fallbackURL, "/"),
		current:     defaultURL,
		observers:   make(map[int]func(string)),
	}
}

// Get returns the current endpoint.
func (s *ServerURL) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set switches to an arbitrary endpoint.
func (s *ServerURL) Set(u string) {
	s.mu.Lock()
	u = strings.TrimRight(u, "/")
	if u == s.current {
		s.mu.Unlock()
		return
	}
	s.current = u
	observers := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(u)
	}
}

// UseDefault switches to the default endpoint.
func (s *ServerURL) UseDefault() {
	s.Set(s.Default())
}

// UseFallback switches to the fallback endpoint. It reports false and
// leaves the endpoint alone when no fallback is configured.
func (s *ServerURL) UseFallback() bool {
	s.mu.Lock()
	fb := s.fallbackURL
	s.mu.Unlock()
	if fb == "" {
		return false
	}
	s.Set(fb)
	return true
}

// IsFallback reports whether the fallback endpoint is in use.
func (s *ServerURL) IsFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == s.fallbackURL && s.fallbackURL != s.defaultURL
}

// Default returns the configured default endpoint.
func (s *ServerURL) Default() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultURL
}

// Subscribe registers fn to be called with the new endpoint on every change.
// The returned function unsubscribes.
func (s *ServerURL) Subscribe(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instructions

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce delays reloads so editors that write in several steps
// trigger one render.
const DefaultDebounce = 200 * time.Millisecond

// =============================================================================
// LOADER
// =============================================================================

// Loader renders the system prompt from an instructions file (or the
// built-in instructions) plus the tool section, and keeps it current while
// Watch runs. A render failure is held as the loader's error state until a
// later reload succeeds.
type Loader struct {
	path        string
	params      map[string]string
	toolSection string

	mu        sync.RWMutex
	prompt    string
	err       error
	observers map[int]func(string, error)
	nextObs   int

	watcher  *fsnotify.Watcher
	debounce time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLoader creates a loader. An empty path selects the built-in
// instructions.
func NewLoader(path string, params map[string]string, toolSection string) *Loader {
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &Loader{
		path:        path,
		params:      p,
		toolSection: toolSection,
		observers:   make(map[int]func(string, error)),
		debounce:    DefaultDebounce,
	}
}

// WithDebounce sets the reload debounce interval.
func (l *Loader) WithDebounce(d time.Duration) *Loader {
	l.debounce = d
	return l
}

// Path returns the instructions file path ("" for built-in).
func (l *Loader) Path() string {
	return l.path
}

// Load reads and renders the instructions, replacing the current prompt on
// success. The error, if any, becomes the loader's error state.
func (l *Loader) Load() error {
	prompt, err := l.render()

	l.mu.Lock()
	if err == nil {
		l.prompt = prompt
	}
	l.err = err
	observers := make([]func(string, error), 0, len(l.observers))
	for _, fn := range l.observers {
		observers = append(observers, fn)
	}
	current := l.prompt
	l.mu.Unlock()

	for _, fn := range observers {
		fn(current, err)
	}
	return err
}

func (l *Loader) render() (string, error) {
	doc := Default()
	if l.path != "" {
		var err error
		if doc, err = LoadFile(l.path); err != nil {
			return "", err
		}
	}
	rendered, err := doc.Render(l.params)
	if err != nil {
		return "", err
	}
	return Compose(rendered, l.toolSection), nil
}

// SystemPrompt returns the last successfully rendered prompt and the
// current error state.
func (l *Loader) SystemPrompt() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prompt, l.err
}

// Err returns the current configuration error, if any.
func (l *Loader) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// SetParam sets a template parameter and re-renders.
func (l *Loader) SetParam(name, value string) error {
	l.mu.Lock()
	l.params[name] = value
	l.mu.Unlock()
	return l.Load()
}

// Subscribe registers fn to be called after every load. The returned
// function unsubscribes.
func (l *Loader) Subscribe(fn func(prompt string, err error)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

// =============================================================================
// WATCHING
// =============================================================================

// Watch reloads the instructions whenever the file changes, until ctx ends
// or Close is called. The parent directory is watched so editors that
// replace the file by rename are handled. Watching built-in instructions is
// a no-op.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.watcher = w
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.processEvents(ctx, w)
	return nil
}

func (l *Loader) processEvents(ctx context.Context, w *fsnotify.Watcher) {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("INSTRUCTIONS_WATCH | panic: %v", r)
		}
	}()

	target := filepath.Clean(l.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Reset(l.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := l.Load(); err != nil {
				log.Printf("INSTRUCTIONS_RELOAD | path=%s error=%v", l.path, err)
			} else {
				log.Printf("INSTRUCTIONS_RELOAD | path=%s", l.path)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("INSTRUCTIONS_WATCH | error=%v", err)
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	w, cancel, done := l.watcher, l.cancel, l.done
	l.watcher, l.cancel = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := w.Close()
	<-done
	return err
}

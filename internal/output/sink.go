// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ITEM TYPES
// =============================================================================

// Kind identifies what an output item displays.
type Kind string

const (
	KindScript       Kind = "script"
	KindScriptOutput Kind = "script-output"
	KindImage        Kind = "image"
	KindIframe       Kind = "iframe"
	KindText         Kind = "text"
)

// Approval is the approval state of a script item.
type Approval string

const (
	ApprovalNone     Approval = "none"
	ApprovalPending  Approval = "pending"
	ApprovalApproved Approval = "approved"
	ApprovalDenied   Approval = "denied"
)

// Health is the script server health as seen when a script was proposed.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthChecking  Health = "checking"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Execution is the execution state of a script item.
type Execution string

const (
	ExecutionNone      Execution = "none"
	ExecutionRunning   Execution = "running"
	ExecutionCompleted Execution = "completed"
	ExecutionFailed    Execution = "failed"
)

// Meta carries kind-specific item metadata.
type Meta struct {
	ScriptType  string     `json:"scriptType,omitempty"`
	Approval    Approval   `json:"approval,omitempty"`
	Health      Health     `json:"health,omitempty"`
	HealthError string     `json:"healthError,omitempty"`
	Execution   Execution  `json:"execution,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	MIMEType    string     `json:"mimeType,omitempty"`
	URL         string     `json:"url,omitempty"`
	Title       string     `json:"title,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
}

// Item is one side-channel artifact. Content is script source, combined
// output, base64 image data, or text depending on Kind.
type Item struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Meta      Meta      `json:"meta"`
}

// =============================================================================
// SINK
// =============================================================================

// ErrNoPendingApproval is returned when resolving an id that has no
// outstanding approval request.
var ErrNoPendingApproval = errors.New("no pending approval")

// Sink holds output items newest first along with the pending approval
// tickets. Mutations notify observers synchronously. Safe for concurrent use.
type Sink struct {
	mu        sync.Mutex
	items     []Item
	pending   map[string]*Ticket
	observers map[int]func([]Item)
	nextObs   int
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{
		pending:   make(map[string]*Ticket),
		observers: make(map[int]func([]Item)),
	}
}

// Emit assigns an id and timestamp to item, prepends it, and returns the id.
func (s *Sink) Emit(item Item) string {
	s.mu.Lock()
	id := s.insertLocked(&item)
	s.mu.Unlock()
	s.notify()
	return id
}

// EmitForApproval emits a script item in the pending state and registers its
// ticket before any observer runs, so an observer may resolve it at once.
func (s *Sink) EmitForApproval(item Item) (string, *Ticket) {
	s.mu.Lock()
	item.Meta.Approval = ApprovalPending
	id := s.insertLocked(&item)
	t := s.registerLocked(id)
	s.mu.Unlock()
	s.notify()
	return id, t
}

func (s *Sink) insertLocked(item *Item) string {
	item.ID = uuid.NewString()
	item.Timestamp = time.Now()
	s.items = append([]Item{*item}, s.items...)
	return item.ID
}

// Delete removes an item and withdraws any pending ticket for it as denied.
func (s *Sink) Delete(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	if t, ok := s.pending[id]; ok {
		delete(s.pending, id)
		t.resolve(false)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// ClearAll removes every item and denies every pending ticket.
func (s *Sink) ClearAll() {
	s.mu.Lock()
	s.items = nil
	for id, t := range s.pending {
		delete(s.pending, id)
		t.resolve(false)
	}
	s.mu.Unlock()
	s.notify()
}

// =============================================================================
// APPROVALS
// =============================================================================

// RequestApproval marks an existing item pending and returns its ticket.
// Returns nil when the item does not exist. An id that already has a pending
// ticket returns that ticket.
func (s *Sink) RequestApproval(id string) *Ticket {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	if t, ok := s.pending[id]; ok {
		s.mu.Unlock()
		return t
	}
	s.items[idx].Meta.Approval = ApprovalPending
	t := s.registerLocked(id)
	s.mu.Unlock()
	s.notify()
	return t
}

func (s *Sink) registerLocked(id string) *Ticket {
	t := &Ticket{id: id, sink: s, done: make(chan struct{})}
	s.pending[id] = t
	return t
}

// Approve resolves the pending ticket for id with approval.
func (s *Sink) Approve(id string) error {
	return s.decide(id, true)
}

// Deny resolves the pending ticket for id with denial.
func (s *Sink) Deny(id string) error {
	return s.decide(id, false)
}

func (s *Sink) decide(id string, approved bool) error {
	s.mu.Lock()
	t, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return ErrNoPendingApproval
	}
	delete(s.pending, id)
	s.stampLocked(id, approved)
	t.resolve(approved)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Sink) stampLocked(id string, approved bool) {
	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}
	if approved {
		now := time.Now()
		s.items[idx].Meta.Approval = ApprovalApproved
		s.items[idx].Meta.ApprovedAt = &now
	} else {
		s.items[idx].Meta.Approval = ApprovalDenied
	}
}

// withdraw removes a ticket that nobody will resolve and stamps it denied.
func (s *Sink) withdraw(t *Ticket) {
	s.mu.Lock()
	if cur, ok := s.pending[t.id]; !ok || cur != t {
		s.mu.Unlock()
		return
	}
	delete(s.pending, t.id)
	s.stampLocked(t.id, false)
	t.resolve(false)
	s.mu.Unlock()
	s.notify()
}

// Pending returns the ids with outstanding approval requests.
func (s *Sink) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for _, it := range s.items {
		if _, ok := s.pending[it.ID]; ok {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// =============================================================================
// METADATA UPDATES
// =============================================================================

// UpdateHealth records the health check result on a script item.
func (s *Sink) UpdateHealth(id string, status Health, errMsg string) {
	s.update(id, func(m *Meta) {
		m.Health = status
		m.HealthError = errMsg
	})
}

// UpdateExecutionStatus records the execution state on a script item.
func (s *Sink) UpdateExecutionStatus(id string, status Execution) {
	s.update(id, func(m *Meta) { m.Execution = status })
}

// UpdateExitCode records the script exit code.
func (s *Sink) UpdateExitCode(id string, code int) {
	s.update(id, func(m *Meta) { m.ExitCode = &code })
}

func (s *Sink) update(id string, fn func(*Meta)) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	fn(&s.items[idx].Meta)
	s.mu.Unlock()
	s.notify()
}

// =============================================================================
// READS AND OBSERVERS
// =============================================================================

// Items returns a snapshot of all items, newest first.
func (s *Sink) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Get returns the item with the given id.
func (s *Sink) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Item{}, false
	}
	return s.items[idx], true
}

// Len returns the number of items.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Subscribe registers fn to receive a snapshot after every mutation. The
// returned function unsubscribes.
func (s *Sink) Subscribe(fn func([]Item)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Sink) notify() {
	s.mu.Lock()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	observers := make([]func([]Item), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

func (s *Sink) snapshotLocked() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Sink) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// TICKET
// =============================================================================

// Ticket is a one-shot approval request. It resolves exactly once.
type Ticket struct {
	id       string
	sink     *Sink
	once     sync.Once
	done     chan struct{}
	approved bool
}

// ID returns the item id the ticket belongs to.
func (t *Ticket) ID() string {
	return t.id
}

func (t *Ticket) resolve(approved bool) {
	t.once.Do(func() {
		t.approved = approved
		close(t.done)
	})
}

// Done is closed once the ticket resolves.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the ticket resolves and reports whether it was approved.
// If ctx ends first the ticket is withdrawn, the item is stamped denied, and
// ctx.Err() is returned.
func (t *Ticket) Wait(ctx context.Context) (bool, error) {
	select {
	case <-t.done:
		return t.approved, nil
	case <-ctx.Done():
		t.sink.withdraw(t)
		// A decision may have landed between ctx ending and withdrawal.
		<-t.done
		if t.approved {
			return true, nil
		}
		return false, ctx.Err()
	}
}

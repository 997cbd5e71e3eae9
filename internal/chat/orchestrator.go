// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/model"
	"github.com/magland/chatgeneral/internal/telemetry"
	"github.com/magland/chatgeneral/internal/tools"
)

// DefaultMaxHops bounds the request/tool cycles of a single turn.
const DefaultMaxHops = 25

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTurnFailed wraps a transport or protocol failure during a turn.
	ErrTurnFailed = errors.New("turn failed")

	// ErrMaxHopsExceeded is returned when the model keeps calling tools past
	// the hop limit.
	ErrMaxHopsExceeded = errors.New("maximum tool hops exceeded")

	// ErrCompressFailed wraps a failed summarization request.
	ErrCompressFailed = errors.New("compression failed")

	// ErrConfiguration wraps an instructions or configuration problem that
	// blocks sending. It does not touch the conversation.
	ErrConfiguration = errors.New("configuration error")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Transport performs one streamed completion. *cloud.Client implements it.
type Transport interface {
	Complete(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error)
}

// ToolRunner offers tool schemas and executes tool calls. *tools.Registry
// implements it.
type ToolRunner interface {
	Definitions() []cloud.ToolDefinition
	Dispatch(ctx context.Context, call model.ToolCall, tc *tools.Context) (model.Message, []model.Message)
}

// PromptSource supplies the system prompt. *instructions.Loader implements
// it.
type PromptSource interface {
	SystemPrompt() (string, error)
}

// StaticPrompt is a fixed system prompt.
type StaticPrompt string

// SystemPrompt returns the prompt.
func (p StaticPrompt) SystemPrompt() (string, error) { return string(p), nil }

// =============================================================================
// STATE
// =============================================================================

// State is a snapshot published to observers after every change.
type State struct {
	Conversation *model.Conversation
	// Partial is the streaming assistant text not yet committed.
	Partial    string
	Responding bool
	// Err is the last turn or compression failure, cleared by the next turn.
	Err error
	// ConfigErr is a blocking configuration problem, independent of Err.
	ConfigErr error
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns one conversation and drives turns against the backend.
// All methods are safe for concurrent use. Observers must not call back
// into methods that wait for a generation (Submit*, Clear, Revert, Compress,
// Load) from inside the callback.
type Orchestrator struct {
	transport Transport
	tools     ToolRunner
	toolCtx   *tools.Context
	prompt    PromptSource
	prices    *telemetry.PriceTable
	costs     *telemetry.CostTracker
	maxHops   int

	mu         sync.Mutex
	conv       *model.Conversation
	partial    string
	responding bool
	err        error
	configErr  error
	epoch      uint64
	cancel     context.CancelFunc
	done       chan struct{}
	observers  map[int]func(State)
	nextObs    int
}

// New creates an orchestrator with an empty conversation on modelID.
func New(transport Transport, modelID string) *Orchestrator {
	return &Orchestrator{
		transport: transport,
		prompt:    StaticPrompt(""),
		maxHops:   DefaultMaxHops,
		conv:      model.NewConversation(modelID),
		observers: make(map[int]func(State)),
	}
}

// WithTools enables tool calling with the given runner and tool context.
func (o *Orchestrator) WithTools(runner ToolRunner, tc *tools.Context) *Orchestrator {
	o.tools = runner
	o.toolCtx = tc
	return o
}

// WithPrompt sets the system prompt source.
func (o *Orchestrator) WithPrompt(p PromptSource) *Orchestrator {
	if p != nil {
		o.prompt = p
	}
	return o
}

// WithPricing sets the price table used to estimate per-message cost.
func (o *Orchestrator) WithPricing(pt *telemetry.PriceTable) *Orchestrator {
	o.prices = pt
	return o
}

// WithCostTracker records every completion in ct.
func (o *Orchestrator) WithCostTracker(ct *telemetry.CostTracker) *Orchestrator {
	o.costs = ct
	return o
}

// WithMaxHops sets the hop limit (values below 1 keep the default).
func (o *Orchestrator) WithMaxHops(n int) *Orchestrator {
	if n > 0 {
		o.maxHops = n
	}
	return o
}

// =============================================================================
// OBSERVERS
// =============================================================================

// Subscribe registers fn to receive a State after every change. The
// returned function unsubscribes.
func (o *Orchestrator) Subscribe(fn func(State)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.observers, id)
	}
}

// State returns a snapshot of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Conversation returns a copy of the conversation.
func (o *Orchestrator) Conversation() *model.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv.Clone()
}

// Model returns the active model id.
func (o *Orchestrator) Model() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv.Model
}

func (o *Orchestrator) snapshotLocked() State {
	return State{
		Conversation: o.conv.Clone(),
		Partial:      o.partial,
		Responding:   o.responding,
		Err:          o.err,
		ConfigErr:    o.configErr,
	}
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	if len(o.observers) == 0 {
		o.mu.Unlock()
		return
	}
	snapshot := o.snapshotLocked()
	observers := make([]func(State), 0, len(o.observers))
	for _, fn := range o.observers {
		observers = append(observers, fn)
	}
	o.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// SubmitUserMessage appends a user message and runs a turn, blocking until
// the turn ends. Any in-flight generation is cancelled first. A failed turn
// is recorded in the conversation and State.Err and returned wrapped in
// ErrTurnFailed; a cancelled turn returns nil.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, text string) error {
	return o.submit(ctx, model.NewUserMessage(text))
}

// SubmitUserParts is SubmitUserMessage for multimodal content.
func (o *Orchestrator) SubmitUserParts(ctx context.Context, parts []model.ContentPart) error {
	return o.submit(ctx, model.NewUserPartsMessage(parts))
}

func (o *Orchestrator) submit(ctx context.Context, msg model.Message) error {
	o.cancelInFlight()

	systemPrompt, err := o.prompt.SystemPrompt()
	o.mu.Lock()
	o.configErr = err
	o.mu.Unlock()
	if err != nil {
		o.notify()
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	genCtx, epoch, finish := o.begin(ctx, func() {
		o.conv.Append(msg)
		o.err = nil
	})
	defer finish()

	if err := o.generate(genCtx, epoch, systemPrompt); err != nil {
		o.fail(epoch, err)
		return fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}
	return nil
}

// SetModel switches the model used for subsequent requests.
func (o *Orchestrator) SetModel(modelID string) {
	o.mu.Lock()
	o.conv.Model = modelID
	o.mu.Unlock()
	o.notify()
}

// ClearConversation cancels any generation and resets to an empty
// conversation on the current model. Idempotent.
func (o *Orchestrator) ClearConversation() {
	o.cancelInFlight()
	o.mu.Lock()
	o.epoch++
	o.conv = model.NewConversation(o.conv.Model)
	o.partial = ""
	o.err = nil
	o.mu.Unlock()
	o.notify()
}

// Abort cancels the in-flight generation, if any. Streamed text is kept as
// an assistant message.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RevertToMessage cancels any generation and keeps messages [0, index].
// Usage totals are not recomputed.
func (o *Orchestrator) RevertToMessage(index int) error {
	o.cancelInFlight()
	o.mu.Lock()
	if err := o.conv.Truncate(index); err != nil {
		o.mu.Unlock()
		return err
	}
	o.epoch++
	o.partial = ""
	o.err = nil
	o.mu.Unlock()
	o.notify()
	return nil
}

// LoadConversation replaces the conversation, e.g. with a saved session.
func (o *Orchestrator) LoadConversation(conv *model.Conversation) {
	o.cancelInFlight()
	o.mu.Lock()
	o.epoch++
	o.conv = conv.Clone()
	o.partial = ""
	o.err = nil
	o.mu.Unlock()
	o.notify()
}

// =============================================================================
// GENERATION LIFECYCLE
// =============================================================================

// begin marks a generation as running, applies setup under the lock and
// returns the generation context, its epoch and the function that ends it.
// A generation that started since the caller's last cancel is cancelled and
// waited for first, so at most one runs at a time.
func (o *Orchestrator) begin(ctx context.Context, setup func()) (context.Context, uint64, func()) {
	genCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.mu.Lock()
	for o.done != nil {
		prevCancel, prevDone := o.cancel, o.done
		o.mu.Unlock()
		prevCancel()
		<-prevDone
		o.mu.Lock()
	}
	if setup != nil {
		setup()
	}
	o.cancel = cancel
	o.done = done
	o.responding = true
	o.partial = ""
	epoch := o.epoch
	o.mu.Unlock()
	o.notify()

	return genCtx, epoch, func() {
		cancel()
		o.mu.Lock()
		if o.done == done {
			o.cancel = nil
			o.done = nil
			o.responding = false
			o.partial = ""
		}
		o.mu.Unlock()
		close(done)
		o.notify()
	}
}

// cancelInFlight cancels the running generation and waits for it to
// finish committing.
func (o *Orchestrator) cancelInFlight() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// commit appends messages if the generation is still current. It reports
// false when the conversation was replaced underneath the generation.
func (o *Orchestrator) commit(epoch uint64, msgs ...model.Message) bool {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return false
	}
	o.conv.Append(msgs...)
	o.partial = ""
	o.mu.Unlock()
	o.notify()
	return true
}

// setPartial publishes streaming text for the current generation.
func (o *Orchestrator) setPartial(epoch uint64, text string) {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return
	}
	o.partial = text
	o.mu.Unlock()
	o.notify()
}

// fail records a turn failure as an error message and in State.Err.
func (o *Orchestrator) fail(epoch uint64, err error) {
	o.mu.Lock()
	if o.epoch == epoch {
		o.conv.Append(model.NewErrorMessage(err.Error()))
		o.err = err
	}
	o.mu.Unlock()
	o.notify()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magland/chatgeneral/internal/cloud"
	"github.com/magland/chatgeneral/internal/config"
	"github.com/magland/chatgeneral/internal/model"
	"github.com/magland/chatgeneral/internal/output"
	"github.com/magland/chatgeneral/internal/scriptserver"
	"github.com/magland/chatgeneral/internal/telemetry"
	"github.com/magland/chatgeneral/internal/tools"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testModel = "openai/gpt-4o-mini"

type step func(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error)

// fakeTransport replays scripted steps and records every request.
type fakeTransport struct {
	mu       sync.Mutex
	steps    []step
	requests []cloud.Request
}

func (f *fakeTransport) Complete(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	var s step
	if n <= len(f.steps) {
		s = f.steps[n-1]
	}
	f.mu.Unlock()

	if s == nil {
		return nil, fmt.Errorf("unexpected request %d", n)
	}
	return s(ctx, req, onPartial)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) request(i int) cloud.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func reply(content string, prompt, completion int) step {
	return func(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
		onPartial(content)
		return &cloud.Response{
			Content: content,
			Usage:   model.Usage{PromptTokens: prompt, CompletionTokens: completion},
			Model:   req.Model,
		}, nil
	}
}

func toolReply(prompt, completion int, calls ...model.ToolCall) step {
	return func(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
		return &cloud.Response{
			ToolCalls: calls,
			Usage:     model.Usage{PromptTokens: prompt, CompletionTokens: completion},
			Model:     req.Model,
		}, nil
	}
}

func failWith(err error) step {
	return func(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
		return nil, err
	}
}

// echoTool returns its "text" argument.
type echoTool struct{ block bool }

func (echoTool) Name() string             { return "echo" }
func (echoTool) Description() string      { return "Echo text back." }
func (echoTool) Parameters() tools.Schema { return tools.Schema{"type": "object"} }

func (e echoTool) Execute(ctx context.Context, args json.RawMessage, tc *tools.Context) (tools.Outcome, error) {
	if e.block {
		<-ctx.Done()
		return tools.Outcome{}, ctx.Err()
	}
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Outcome{}, err
	}
	return tools.Outcome{Result: tools.Success(in.Text)}, nil
}

func newEchoRegistry(block bool) *tools.Registry {
	r := tools.NewRegistry()
	r.Register(echoTool{block: block})
	return r
}

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func roles(conv *model.Conversation) []model.Role {
	out := make([]model.Role, len(conv.Messages))
	for i, m := range conv.Messages {
		out[i] = m.Role
	}
	return out
}

// =============================================================================
// TURN TESTS
// =============================================================================

func TestScenarioA_PlainAnswerOverSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"2+2 \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"is 4.\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	client := cloud.NewClient("sk-or-test-key-0123456789abcdefghijklmnop").WithBaseURL(backend.URL)
	o := New(client, testModel).WithPricing(telemetry.NewPriceTable(nil))

	var mu sync.Mutex
	var partials []string
	o.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if s.Partial != "" {
			partials = append(partials, s.Partial)
		}
	})

	require.NoError(t, o.SubmitUserMessage(context.Background(), "What is 2+2?"))

	conv := o.Conversation()
	require.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant}, roles(conv))
	assert.Equal(t, "2+2 is 4.", conv.Messages[1].Content)
	assert.Equal(t, testModel, conv.Messages[1].Model)
	assert.Greater(t, conv.TotalUsage.PromptTokens+conv.TotalUsage.CompletionTokens, 0)
	assert.Greater(t, conv.TotalUsage.EstimatedCost, 0.0)

	mu.Lock()
	assert.Contains(t, partials, "2+2 is 4.")
	mu.Unlock()

	state := o.State()
	assert.False(t, state.Responding)
	assert.Empty(t, state.Partial)
	assert.NoError(t, state.Err)
}

func TestToolHop_CommitsResultsInCallOrder(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		toolReply(10, 4,
			model.ToolCall{ID: "call_a", Name: "echo", Arguments: `{"text":"first"}`},
			model.ToolCall{Name: "echo", Arguments: `{"text":"second"}`},
		),
		reply("Both echoed.", 30, 3),
	}}
	o := New(transport, testModel).WithTools(newEchoRegistry(false), nil)

	require.NoError(t, o.SubmitUserMessage(context.Background(), "echo twice"))

	conv := o.Conversation()
	require.Equal(t, []model.Role{
		model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleTool, model.RoleAssistant,
	}, roles(conv))

	calls := conv.Messages[1].ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.True(t, strings.HasPrefix(calls[1].ID, "call_"))
	assert.Equal(t, calls[0].ID, conv.Messages[2].ToolCallID)
	assert.Equal(t, calls[1].ID, conv.Messages[3].ToolCallID)
	assert.Equal(t, "first", decode(t, conv.Messages[2].Content)["data"])
	assert.Equal(t, "second", decode(t, conv.Messages[3].Content)["data"])

	// The second hop replays the tool results and offers the tool schemas.
	second := transport.request(1)
	assert.Len(t, second.Messages, 4)
	require.Len(t, second.Tools, 1)
	assert.Equal(t, "echo", second.Tools[0].Name)

	assert.Equal(t, model.Usage{PromptTokens: 40, CompletionTokens: 7}, conv.TotalUsage)
}

func TestUsageEqualsSumOfAssistantMessages(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		reply("one", 5, 1),
		toolReply(8, 2, model.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
		reply("two", 13, 3),
		failWith(errors.New("boom")),
		reply("three", 21, 5),
	}}
	o := New(transport, testModel).
		WithTools(newEchoRegistry(false), nil).
		WithPricing(telemetry.NewPriceTable(nil))

	ctx := context.Background()
	require.NoError(t, o.SubmitUserMessage(ctx, "a"))
	require.NoError(t, o.SubmitUserMessage(ctx, "b"))
	require.Error(t, o.SubmitUserMessage(ctx, "c"))
	require.NoError(t, o.SubmitUserMessage(ctx, "d"))

	conv := o.Conversation()
	sum := conv.SumAssistantUsage()
	assert.Equal(t, sum.PromptTokens, conv.TotalUsage.PromptTokens)
	assert.Equal(t, sum.CompletionTokens, conv.TotalUsage.CompletionTokens)
	assert.Equal(t, 47, conv.TotalUsage.PromptTokens)
	assert.InDelta(t, sum.EstimatedCost, conv.TotalUsage.EstimatedCost, 1e-12)
}

func TestMalformedToolArgumentsBecomeFailureResult(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		toolReply(1, 1,
			model.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":`},
			model.ToolCall{ID: "c2", Name: "nope", Arguments: `{}`},
		),
		reply("Sorry.", 1, 1),
	}}
	o := New(transport, testModel).WithTools(newEchoRegistry(false), nil)

	require.NoError(t, o.SubmitUserMessage(context.Background(), "go"))

	conv := o.Conversation()
	require.Len(t, conv.Messages, 5)
	bad := decode(t, conv.Messages[2].Content)
	assert.Equal(t, false, bad["success"])
	assert.Contains(t, bad["error"], "Invalid JSON in tool arguments")
	unknown := decode(t, conv.Messages[3].Content)
	assert.Equal(t, "Unknown tool: nope", unknown["error"])
	assert.NoError(t, o.State().Err)
}

func TestToolCallsWithoutRunner(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		toolReply(1, 1, model.ToolCall{ID: "c1", Name: "echo", Arguments: `{}`}),
		reply("ok", 1, 1),
	}}
	o := New(transport, testModel)

	require.NoError(t, o.SubmitUserMessage(context.Background(), "go"))
	conv := o.Conversation()
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "Unknown tool: echo", decode(t, conv.Messages[2].Content)["error"])
	assert.Nil(t, transport.request(0).Tools)
}

func TestMaxHopsExceeded(t *testing.T) {
	loop := toolReply(1, 1, model.ToolCall{ID: "c", Name: "echo", Arguments: `{"text":"again"}`})
	transport := &fakeTransport{steps: []step{loop, loop, loop, loop}}
	o := New(transport, testModel).WithTools(newEchoRegistry(false), nil).WithMaxHops(3)

	err := o.SubmitUserMessage(context.Background(), "loop")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnFailed)
	assert.ErrorIs(t, err, ErrMaxHopsExceeded)
	assert.Equal(t, 3, transport.calls())

	last := o.Conversation().Last()
	require.NotNil(t, last)
	assert.True(t, last.IsError)
	assert.True(t, strings.HasPrefix(last.Content, "Error: "))
	assert.ErrorIs(t, o.State().Err, ErrMaxHopsExceeded)
}

func TestTransportErrorIsRecordedAndNotReplayed(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		failWith(fmt.Errorf("%w: key rejected", cloud.ErrAuthFailed)),
		reply("Hello again.", 3, 2),
	}}
	o := New(transport, testModel)
	ctx := context.Background()

	err := o.SubmitUserMessage(ctx, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, cloud.ErrAuthFailed)

	conv := o.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.True(t, conv.Messages[1].IsError)
	assert.Contains(t, conv.Messages[1].Content, "key rejected")
	assert.ErrorIs(t, o.State().Err, cloud.ErrAuthFailed)

	require.NoError(t, o.SubmitUserMessage(ctx, "retry"))
	assert.NoError(t, o.State().Err)

	// The error message stays visible but is not sent back to the model.
	replay := transport.request(1).Messages
	require.Len(t, replay, 2)
	assert.Equal(t, "hello", replay[0].Content)
	assert.Equal(t, "retry", replay[1].Content)
	assert.Len(t, o.Conversation().Messages, 4)
}

func TestConfigurationErrorBlocksSending(t *testing.T) {
	transport := &fakeTransport{}
	o := New(transport, testModel).WithPrompt(brokenPrompt{})

	err := o.SubmitUserMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, transport.calls())
	assert.True(t, o.Conversation().IsEmpty())

	state := o.State()
	assert.Error(t, state.ConfigErr)
	assert.NoError(t, state.Err)
}

type brokenPrompt struct{}

func (brokenPrompt) SystemPrompt() (string, error) {
	return "", errors.New("missing required instruction parameters: project")
}

func TestSystemPromptAndModelAreSent(t *testing.T) {
	transport := &fakeTransport{steps: []step{reply("a", 1, 1), reply("b", 1, 1)}}
	o := New(transport, testModel).WithPrompt(StaticPrompt("Be brief."))
	ctx := context.Background()

	require.NoError(t, o.SubmitUserMessage(ctx, "one"))
	o.SetModel("anthropic/claude-3.5-sonnet")
	require.NoError(t, o.SubmitUserMessage(ctx, "two"))

	assert.Equal(t, "Be brief.", transport.request(0).SystemPrompt)
	assert.Equal(t, testModel, transport.request(0).Model)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", transport.request(1).Model)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", o.Model())
	assert.Equal(t, "anthropic/claude-3.5-sonnet", o.Conversation().Messages[3].Model)
}

func TestCostTrackerRecordsEveryHop(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		toolReply(1000, 100, model.ToolCall{ID: "c", Name: "echo", Arguments: `{"text":"x"}`}),
		reply("done", 2000, 200),
	}}
	costs := telemetry.NewCostTracker()
	o := New(transport, testModel).
		WithTools(newEchoRegistry(false), nil).
		WithPricing(telemetry.NewPriceTable(nil)).
		WithCostTracker(costs)

	require.NoError(t, o.SubmitUserMessage(context.Background(), "count"))

	session := costs.GetCurrentSession()
	require.NotNil(t, session)
	assert.Equal(t, 2, session.Requests)
	assert.InDelta(t, o.Conversation().TotalUsage.EstimatedCost, session.TotalCost, 1e-12)
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

// streamThenBlock streams text and then waits for cancellation, returning
// the partial response the way the cloud client does.
func streamThenBlock(text string, started chan<- struct{}) step {
	return func(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
		onPartial(text)
		close(started)
		<-ctx.Done()
		return &cloud.Response{Content: text}, fmt.Errorf("%w: %v", cloud.ErrCancelled, ctx.Err())
	}
}

func TestAbortKeepsPartialContent(t *testing.T) {
	started := make(chan struct{})
	transport := &fakeTransport{steps: []step{streamThenBlock("The answer is", started)}}
	o := New(transport, testModel)

	done := make(chan error, 1)
	go func() { done <- o.SubmitUserMessage(context.Background(), "question") }()

	<-started
	assert.Eventually(t, func() bool {
		s := o.State()
		return s.Responding && s.Partial == "The answer is"
	}, time.Second, 5*time.Millisecond)

	o.Abort()
	require.NoError(t, <-done)

	conv := o.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "The answer is", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].IsError)

	state := o.State()
	assert.False(t, state.Responding)
	assert.NoError(t, state.Err)

	o.Abort()
}

func TestAbortDuringToolsAnswersRemainingCalls(t *testing.T) {
	transport := &fakeTransport{steps: []step{
		toolReply(1, 1,
			model.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"slow"}`},
			model.ToolCall{ID: "c2", Name: "echo", Arguments: `{"text":"never"}`},
		),
	}}
	o := New(transport, testModel).WithTools(newEchoRegistry(true), nil)

	done := make(chan error, 1)
	go func() { done <- o.SubmitUserMessage(context.Background(), "go") }()

	require.Eventually(t, func() bool {
		return o.State().Conversation.Len() == 2
	}, time.Second, 5*time.Millisecond)
	o.Abort()
	require.NoError(t, <-done)

	conv := o.Conversation()
	require.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleTool}, roles(conv))
	assert.Equal(t, "c1", conv.Messages[2].ToolCallID)
	assert.Equal(t, "c2", conv.Messages[3].ToolCallID)
	assert.Equal(t, "Cancelled by user", decode(t, conv.Messages[3].Content)["error"])
	assert.Equal(t, 1, transport.calls())
}

func TestSubmitCancelsInFlightGeneration(t *testing.T) {
	started := make(chan struct{})
	transport := &fakeTransport{steps: []step{
		streamThenBlock("", started),
		reply("second answer", 1, 1),
	}}
	o := New(transport, testModel)

	done := make(chan error, 1)
	go func() { done <- o.SubmitUserMessage(context.Background(), "first") }()
	<-started

	require.NoError(t, o.SubmitUserMessage(context.Background(), "second"))
	require.NoError(t, <-done)

	conv := o.Conversation()
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "first", conv.Messages[0].Content)
	assert.Equal(t, "second", conv.Messages[1].Content)
	assert.Equal(t, "second answer", conv.Messages[2].Content)
}

func TestClearDuringGenerationDropsLateCommits(t *testing.T) {
	started := make(chan struct{})
	transport := &fakeTransport{steps: []step{streamThenBlock("partial", started)}}
	o := New(transport, testModel)

	done := make(chan error, 1)
	go func() { done <- o.SubmitUserMessage(context.Background(), "q") }()
	<-started

	o.ClearConversation()
	require.NoError(t, <-done)

	assert.True(t, o.Conversation().IsEmpty())
	assert.Equal(t, testModel, o.Model())
}

// =============================================================================
// HISTORY OPERATION TESTS
// =============================================================================

func seeded(t *testing.T) (*Orchestrator, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{steps: []step{
		reply("first answer", 10, 2),
		reply("second answer", 20, 4),
	}}
	o := New(transport, testModel)
	require.NoError(t, o.SubmitUserMessage(context.Background(), "first question"))
	require.NoError(t, o.SubmitUserMessage(context.Background(), "second question"))
	return o, transport
}

func TestRevertToMessage(t *testing.T) {
	o, _ := seeded(t)
	before := o.Conversation()

	require.NoError(t, o.RevertToMessage(1))
	after := o.Conversation()
	require.Len(t, after.Messages, 2)
	assert.Equal(t, before.Messages[:2], after.Messages)
	assert.Equal(t, before.TotalUsage, after.TotalUsage)

	err := o.RevertToMessage(5)
	assert.ErrorIs(t, err, model.ErrIndexOutOfRange)
	assert.ErrorIs(t, o.RevertToMessage(-1), model.ErrIndexOutOfRange)
	assert.Len(t, o.Conversation().Messages, 2)
}

func TestClearConversationIsIdempotent(t *testing.T) {
	o, _ := seeded(t)

	o.ClearConversation()
	once := o.State()
	o.ClearConversation()
	twice := o.State()

	assert.Equal(t, once.Conversation.Messages, twice.Conversation.Messages)
	assert.Equal(t, once.Conversation.TotalUsage, twice.Conversation.TotalUsage)
	assert.Equal(t, once.Conversation.Model, twice.Conversation.Model)
	assert.True(t, twice.Conversation.IsEmpty())
	assert.True(t, twice.Conversation.TotalUsage.IsZero())
	assert.Equal(t, testModel, twice.Conversation.Model)
	assert.NoError(t, twice.Err)
}

func TestCompressConversation(t *testing.T) {
	o, transport := seeded(t)
	transport.steps = append(transport.steps, reply("Summary of both questions.", 50, 10))
	before := o.Conversation().TotalUsage

	require.NoError(t, o.CompressConversation(context.Background()))

	conv := o.Conversation()
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, model.RoleAssistant, conv.Messages[0].Role)
	assert.Equal(t, "Summary of both questions.", conv.Messages[0].Content)
	assert.Equal(t, before.Add(model.Usage{PromptTokens: 50, CompletionTokens: 10}), conv.TotalUsage)

	req := transport.request(2)
	assert.Nil(t, req.Tools)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, model.RoleUser, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "User: first question")
	assert.Contains(t, req.Messages[0].Content, "Assistant: second answer")
}

func TestCompressFailureLeavesConversation(t *testing.T) {
	o, transport := seeded(t)
	transport.steps = append(transport.steps, failWith(errors.New("backend down")))
	before := o.Conversation()

	err := o.CompressConversation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompressFailed)

	after := o.Conversation()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.TotalUsage, after.TotalUsage)
	assert.ErrorIs(t, o.State().Err, ErrCompressFailed)
}

func TestCompressEmptyIsNoop(t *testing.T) {
	transport := &fakeTransport{}
	o := New(transport, testModel)
	require.NoError(t, o.CompressConversation(context.Background()))
	assert.Equal(t, 0, transport.calls())
}

func TestCompressCancelledLeavesConversation(t *testing.T) {
	o, transport := seeded(t)
	started := make(chan struct{})
	transport.steps = append(transport.steps, streamThenBlock("Summary so f", started))
	before := o.Conversation()

	done := make(chan error, 1)
	go func() { done <- o.CompressConversation(context.Background()) }()

	<-started
	o.Abort()
	require.NoError(t, <-done)

	after := o.Conversation()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.TotalUsage, after.TotalUsage)

	state := o.State()
	assert.NoError(t, state.Err)
	assert.False(t, state.Responding)
	assert.Empty(t, state.Partial)
}

// gatedPrompt holds every caller until all of them have asked for the
// prompt.
type gatedPrompt struct{ wg *sync.WaitGroup }

func (g gatedPrompt) SystemPrompt() (string, error) {
	g.wg.Done()
	g.wg.Wait()
	return "", nil
}

// exclusiveTransport tracks how many Complete calls overlap. Each call
// answers after a short delay unless cancelled first.
type exclusiveTransport struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (e *exclusiveTransport) Complete(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return &cloud.Response{}, fmt.Errorf("%w: %v", cloud.ErrCancelled, ctx.Err())
	case <-time.After(200 * time.Millisecond):
		return &cloud.Response{Content: "answer", Model: req.Model}, nil
	}
}

func TestConcurrentSubmitsRunOneGeneration(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	transport := &exclusiveTransport{}
	o := New(transport, testModel).WithPrompt(gatedPrompt{wg: &wg})

	errs := make(chan error, 2)
	for _, text := range []string{"a", "b"} {
		go func(text string) { errs <- o.SubmitUserMessage(context.Background(), text) }(text)
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, int32(1), transport.maxSeen.Load())
	assert.False(t, o.State().Responding)

	// The second submission normally cancels the first before it answers.
	conv := o.Conversation()
	users := 0
	for _, r := range roles(conv) {
		if r == model.RoleUser {
			users++
		}
	}
	assert.Equal(t, 2, users)
	last := conv.Last()
	require.NotNil(t, last)
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, "answer", last.Content)

	// Nothing is left running for a later abort to miss.
	n := conv.Len()
	o.Abort()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, o.Conversation().Len())
}

func TestClipKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", maxTranscriptEntry+5)
	got := clip(s)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", maxTranscriptEntry)+"...[truncated]", got)
	assert.Equal(t, "short", clip("short"))
}

func TestLoadConversation(t *testing.T) {
	o := New(&fakeTransport{}, testModel)
	conv := model.NewConversation("other/model")
	conv.Append(model.NewUserMessage("saved"), model.NewAssistantMessage("yes", "other/model", &model.Usage{PromptTokens: 3}))

	o.LoadConversation(conv)
	conv.Append(model.NewUserMessage("not shared"))

	loaded := o.Conversation()
	assert.Len(t, loaded.Messages, 2)
	assert.Equal(t, "other/model", o.Model())
	assert.Equal(t, 3, loaded.TotalUsage.PromptTokens)
}

func TestBuildTranscript(t *testing.T) {
	msgs := []model.Message{
		model.NewUserPartsMessage([]model.ContentPart{
			{Type: model.PartText, Text: "What is this?"},
			{Type: model.PartImage, ImageURL: "data:image/png;base64,AAAA"},
		}),
		model.NewAssistantToolCallMessage("", []model.ToolCall{{ID: "c", Name: "run_script", Arguments: `{"script":"ls"}`}}, testModel, nil),
		model.NewToolMessage("c", "run_script", strings.Repeat("x", maxTranscriptEntry+10)),
		model.NewErrorMessage("hidden"),
	}

	out := buildTranscript(msgs)
	assert.Contains(t, out, "User: What is this? [image]")
	assert.Contains(t, out, `[called tool run_script with {"script":"ls"}]`)
	assert.Contains(t, out, "Tool result (run_script): ")
	assert.Contains(t, out, "...[truncated]")
	assert.NotContains(t, out, "hidden")
}

// =============================================================================
// SCRIPT SCENARIOS
// =============================================================================

// scriptBackend is a minimal script server that reports a created plot.
func scriptBackend(t *testing.T, runs *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(scriptserver.HealthResponse{Status: "ok", WorkingDir: "/work"})
	})
	mux.HandleFunc("/api/run-script", func(w http.ResponseWriter, r *http.Request) {
		runs.Add(1)
		exit := 0
		_ = json.NewEncoder(w).Encode(scriptserver.RunResponse{
			Success:      true,
			ScriptDir:    "tmp/20250101_120000",
			ScriptPath:   "tmp/20250101_120000/script.py",
			ExitCode:     &exit,
			Stdout:       "saved\n",
			Message:      "Script executed successfully",
			CreatedFiles: []string{"plot.png"},
		})
	})
	mux.HandleFunc("/files/tmp/20250101_120000/plot.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func scriptContext(srv *httptest.Server, sink *output.Sink) *tools.Context {
	cell := config.NewServerURL(srv.URL, srv.URL)
	return &tools.Context{
		Sink:        sink,
		ServerURL:   cell,
		Script:      scriptserver.NewClient(cell),
		Credentials: tools.NewStaticCredentials("secret", nil),
	}
}

func decideAll(sink *output.Sink, approve bool) {
	sink.Subscribe(func(items []output.Item) {
		for _, it := range items {
			if it.Meta.Approval != output.ApprovalPending {
				continue
			}
			if approve {
				_ = sink.Approve(it.ID)
			} else {
				_ = sink.Deny(it.ID)
			}
		}
	})
}

var plotCall = model.ToolCall{
	ID:        "call_plot",
	Name:      "run_script",
	Arguments: `{"script":"import matplotlib\nplt.savefig('plot.png')","scriptType":"python"}`,
}

func TestScenarioB_DeniedScript(t *testing.T) {
	var runs atomic.Int32
	srv := scriptBackend(t, &runs)
	sink := output.NewSink()
	decideAll(sink, false)

	transport := &fakeTransport{steps: []step{
		toolReply(5, 5, plotCall),
		reply("Understood, I will not run it.", 5, 5),
	}}
	o := New(transport, testModel).WithTools(tools.NewDefaultRegistry(), scriptContext(srv, sink))

	require.NoError(t, o.SubmitUserMessage(context.Background(), "plot something"))

	conv := o.Conversation()
	require.Len(t, conv.Messages, 4)
	result := decode(t, conv.Messages[2].Content)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, int32(0), runs.Load())

	for _, it := range sink.Items() {
		assert.NotEqual(t, output.KindScriptOutput, it.Kind)
		assert.NotEqual(t, output.KindImage, it.Kind)
	}
}

func TestScenarioC_ApprovedScriptEmitsImageBeforeFinalAnswer(t *testing.T) {
	var runs atomic.Int32
	srv := scriptBackend(t, &runs)
	sink := output.NewSink()
	decideAll(sink, true)

	imagesAtFinalRequest := -1
	transport := &fakeTransport{steps: []step{
		toolReply(5, 5, plotCall),
		func(ctx context.Context, req cloud.Request, onPartial cloud.PartialFunc) (*cloud.Response, error) {
			imagesAtFinalRequest = 0
			for _, it := range sink.Items() {
				if it.Kind == output.KindImage {
					imagesAtFinalRequest++
					assert.Equal(t, "image/png", it.Meta.MIMEType)
				}
			}
			return &cloud.Response{Content: "Here is the plot.", Usage: model.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
		},
	}}
	o := New(transport, testModel).WithTools(tools.NewDefaultRegistry(), scriptContext(srv, sink))

	require.NoError(t, o.SubmitUserMessage(context.Background(), "plot something"))

	assert.Equal(t, 1, imagesAtFinalRequest)
	assert.Equal(t, int32(1), runs.Load())

	conv := o.Conversation()
	require.Len(t, conv.Messages, 4)
	result := decode(t, conv.Messages[2].Content)
	assert.Equal(t, true, result["success"])
	data := result["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"plot.png"}, data["createdFiles"])
	assert.Equal(t, "Here is the plot.", conv.Messages[3].Content)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deepsearch/ai/llm"
	"github.com/hrygo/deepsearch/store"
)

// scriptedLLM returns one pre-built step per StreamStep call.
type scriptedLLM struct {
	mu    sync.Mutex
	steps []scriptedStep
	calls int
}

type scriptedStep struct {
	deltas []string
	result *llm.StepResult
	err    error
}

func (s *scriptedLLM) StreamStep(_ context.Context, _ []llm.Message, _ []llm.ToolDescriptor) *llm.StepStream {
	s.mu.Lock()
	step := scriptedStep{err: errors.New("script exhausted")}
	if s.calls < len(s.steps) {
		step = s.steps[s.calls]
	}
	s.calls++
	s.mu.Unlock()

	deltas := make(chan string, len(step.deltas))
	for _, d := range step.deltas {
		deltas <- d
	}
	close(deltas)

	result := make(chan *llm.StepResult, 1)
	errCh := make(chan error, 1)
	if step.err != nil {
		errCh <- step.err
	} else {
		result <- step.result
	}
	close(result)
	close(errCh)

	return &llm.StepStream{Deltas: deltas, Result: result, Err: errCh}
}

func (s *scriptedLLM) Warmup(context.Context) {}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeTool struct {
	name    string
	execute func(ctx context.Context, args string) (string, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake tool" }
func (t *fakeTool) Schema() string      { return `{"type":"object"}` }
func (t *fakeTool) Execute(ctx context.Context, args string) (string, error) {
	return t.execute(ctx, args)
}

// captureSink records events and the terminal close on the test side.
type captureSink struct {
	events   []*StreamEvent
	closed   bool
	closeErr error
	sendErr  error
}

func (s *captureSink) Send(event *StreamEvent) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close(err error) {
	s.closed = true
	s.closeErr = err
}

func (s *captureSink) eventsOfType(t EventType) []*StreamEvent {
	var out []*StreamEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type memoryChatStore struct {
	mu      sync.Mutex
	upserts []*store.UpsertChat
	failOn  int // 1-based call index to fail at, 0 disables
}

func (m *memoryChatStore) UpsertChat(_ context.Context, upsert *store.UpsertChat) (*store.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn > 0 && len(m.upserts)+1 == m.failOn {
		return nil, errors.New("store unavailable")
	}
	m.upserts = append(m.upserts, upsert)
	return &store.Chat{UID: upsert.UID, CreatorID: upsert.CreatorID, Title: upsert.Title}, nil
}

func userTurn(text string) []Message {
	return []Message{{Role: RoleUser, Parts: []Part{NewTextPart(text)}}}
}

func TestRunTurnMintsChatIdentity(t *testing.T) {
	llmService := &scriptedLLM{steps: []scriptedStep{
		{deltas: []string{"Hel", "lo"}, result: &llm.StepResult{Content: "Hello", FinishReason: "stop"}},
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, nil, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, Messages: userTurn("hi there")}, sink)
	require.NoError(t, err)

	require.NotEmpty(t, sink.events)
	first := sink.events[0]
	assert.Equal(t, EventTypeNewChat, first.Type)
	assert.NotEmpty(t, first.ChatUID)

	deltas := sink.eventsOfType(EventTypeText)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Hel", deltas[0].Delta)
	assert.Equal(t, "lo", deltas[1].Delta)

	require.True(t, sink.closed)
	assert.NoError(t, sink.closeErr)

	// Initial snapshot before generation, final snapshot after.
	require.Len(t, chats.upserts, 2)
	initial, final := chats.upserts[0], chats.upserts[1]
	assert.Equal(t, first.ChatUID, initial.UID)
	assert.Equal(t, "hi there", initial.Title)
	require.Len(t, initial.Messages, 1)
	require.Len(t, final.Messages, 2)
	for i, m := range final.Messages {
		assert.Equal(t, int32(i), m.Position)
	}
	assert.Equal(t, RoleAssistant, final.Messages[1].Role)
}

func TestRunTurnExistingChat(t *testing.T) {
	llmService := &scriptedLLM{steps: []scriptedStep{
		{result: &llm.StepResult{Content: "ok", FinishReason: "stop"}},
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, nil, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "existing-uid", Messages: userTurn("again")}, sink)
	require.NoError(t, err)

	assert.Empty(t, sink.eventsOfType(EventTypeNewChat))
	require.Len(t, chats.upserts, 1)
	assert.Equal(t, "existing-uid", chats.upserts[0].UID)
}

func TestToolInvocationLifecycle(t *testing.T) {
	searchCall := llm.ToolCall{
		ID:       "call-1",
		Type:     "function",
		Function: llm.FunctionCall{Name: "search_web", Arguments: `{"query":"go"}`},
	}
	llmService := &scriptedLLM{steps: []scriptedStep{
		{result: &llm.StepResult{ToolCalls: []llm.ToolCall{searchCall}, FinishReason: "tool_calls"}},
		{deltas: []string{"answer"}, result: &llm.StepResult{Content: "answer", FinishReason: "stop"}},
	}}
	tool := &fakeTool{name: "search_web", execute: func(_ context.Context, args string) (string, error) {
		assert.Equal(t, `{"query":"go"}`, args)
		return `[{"title":"Go"}]`, nil
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, []Tool{tool}, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("search go")}, sink)
	require.NoError(t, err)

	partEvents := sink.eventsOfType(EventTypePart)
	require.Len(t, partEvents, 3)
	states := make([]ToolInvocationState, len(partEvents))
	for i, e := range partEvents {
		require.NotNil(t, e.Part)
		require.NotNil(t, e.Part.ToolInvocation)
		assert.Equal(t, "call-1", e.Part.ToolInvocation.ID)
		states[i] = e.Part.ToolInvocation.State
	}
	assert.Equal(t, []ToolInvocationState{ToolStatePartial, ToolStateCalled, ToolStateResulted}, states)
	assert.JSONEq(t, `[{"title":"Go"}]`, string(partEvents[2].Part.ToolInvocation.Result))

	// Earlier events must not have been mutated by later state transitions.
	assert.Equal(t, ToolStatePartial, partEvents[0].Part.ToolInvocation.State)

	require.Len(t, chats.upserts, 1)
	final := chats.upserts[0].Messages
	require.Len(t, final, 2)
	var parts []Part
	require.NoError(t, json.Unmarshal(final[1].Parts, &parts))
	require.Len(t, parts, 2)
	assert.Equal(t, PartTypeToolInvocation, parts[0].Type)
	assert.Equal(t, ToolStateResulted, parts[0].ToolInvocation.State)
	assert.Equal(t, PartTypeText, parts[1].Type)
	assert.Equal(t, "answer", parts[1].Text)
}

func TestToolFailureDegradesToErrorResult(t *testing.T) {
	call := llm.ToolCall{ID: "c", Type: "function", Function: llm.FunctionCall{Name: "search_web", Arguments: `{}`}}
	llmService := &scriptedLLM{steps: []scriptedStep{
		{result: &llm.StepResult{ToolCalls: []llm.ToolCall{call}, FinishReason: "tool_calls"}},
		{result: &llm.StepResult{Content: "done anyway", FinishReason: "stop"}},
	}}
	tool := &fakeTool{name: "search_web", execute: func(context.Context, string) (string, error) {
		return "", errors.New("provider down")
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, []Tool{tool}, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("q")}, sink)
	require.NoError(t, err)
	require.True(t, sink.closed)
	assert.NoError(t, sink.closeErr)

	partEvents := sink.eventsOfType(EventTypePart)
	require.Len(t, partEvents, 3)
	resulted := partEvents[2].Part.ToolInvocation
	assert.Equal(t, ToolStateResulted, resulted.State)
	assert.JSONEq(t, `{"error":"tool call failed"}`, string(resulted.Result))
}

func TestUnknownToolDegrades(t *testing.T) {
	call := llm.ToolCall{ID: "c", Type: "function", Function: llm.FunctionCall{Name: "no_such_tool", Arguments: `{}`}}
	llmService := &scriptedLLM{steps: []scriptedStep{
		{result: &llm.StepResult{ToolCalls: []llm.ToolCall{call}, FinishReason: "tool_calls"}},
		{result: &llm.StepResult{Content: "ok", FinishReason: "stop"}},
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, nil, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("q")}, sink)
	require.NoError(t, err)

	partEvents := sink.eventsOfType(EventTypePart)
	require.Len(t, partEvents, 3)
	assert.JSONEq(t, `{"error":"tool call failed"}`, string(partEvents[2].Part.ToolInvocation.Result))
}

func TestStepCapTerminatesGracefully(t *testing.T) {
	call := llm.ToolCall{ID: "c", Type: "function", Function: llm.FunctionCall{Name: "search_web", Arguments: `{}`}}
	loopStep := scriptedStep{result: &llm.StepResult{ToolCalls: []llm.ToolCall{call}, FinishReason: "tool_calls"}}
	llmService := &scriptedLLM{steps: []scriptedStep{loopStep, loopStep, loopStep, loopStep}}
	tool := &fakeTool{name: "search_web", execute: func(context.Context, string) (string, error) {
		return `[]`, nil
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, []Tool{tool}, Config{MaxSteps: 2}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("q")}, sink)
	require.NoError(t, err)
	require.True(t, sink.closed)
	assert.NoError(t, sink.closeErr)
	assert.Equal(t, 2, llmService.callCount())
}

func TestGenerationErrorAbortsTurn(t *testing.T) {
	llmService := &scriptedLLM{steps: []scriptedStep{
		{deltas: []string{"partial "}, err: errors.New("upstream 500")},
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, nil, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("q")}, sink)
	require.Error(t, err)
	require.True(t, sink.closed)
	assert.Error(t, sink.closeErr)
	assert.Empty(t, chats.upserts)
}

func TestInitialPersistFailure(t *testing.T) {
	llmService := &scriptedLLM{}
	chats := &memoryChatStore{failOn: 1}
	sink := &captureSink{}
	o := New(llmService, chats, nil, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, Messages: userTurn("q")}, sink)
	require.Error(t, err)
	require.True(t, sink.closed)
	assert.Error(t, sink.closeErr)
	assert.Empty(t, sink.events)
	assert.Equal(t, 0, llmService.callCount())
}

func TestFinalPersistFailure(t *testing.T) {
	llmService := &scriptedLLM{steps: []scriptedStep{
		{result: &llm.StepResult{Content: "ok", FinishReason: "stop"}},
	}}
	chats := &memoryChatStore{failOn: 1}
	sink := &captureSink{}
	o := New(llmService, chats, nil, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("q")}, sink)
	require.Error(t, err)
	require.True(t, sink.closed)
	assert.Error(t, sink.closeErr)
}

func TestDeriveTitle(t *testing.T) {
	o := New(&scriptedLLM{}, &memoryChatStore{}, nil, Config{TitleMaxLength: 10}, nil)

	tests := []struct {
		name     string
		history  []Message
		expected string
	}{
		{
			name:     "first user message",
			history:  userTurn("short"),
			expected: "short",
		},
		{
			name:     "truncated",
			history:  userTurn("a very long first message"),
			expected: "a very lon...",
		},
		{
			name:     "whitespace only",
			history:  userTurn("   "),
			expected: DefaultTitle,
		},
		{
			name:     "empty history",
			history:  nil,
			expected: DefaultTitle,
		},
		{
			name: "skips assistant messages",
			history: []Message{
				{Role: RoleAssistant, Parts: []Part{NewTextPart("ignored")}},
				{Role: RoleUser, Parts: []Part{NewTextPart("question")}},
			},
			expected: "question",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, o.deriveTitle(tt.history))
		})
	}
}

func TestConcurrentToolCallsAllResolve(t *testing.T) {
	calls := make([]llm.ToolCall, 3)
	for i := range calls {
		calls[i] = llm.ToolCall{
			ID:       fmt.Sprintf("call-%d", i),
			Type:     "function",
			Function: llm.FunctionCall{Name: "search_web", Arguments: fmt.Sprintf(`{"query":"q%d"}`, i)},
		}
	}
	llmService := &scriptedLLM{steps: []scriptedStep{
		{result: &llm.StepResult{ToolCalls: calls, FinishReason: "tool_calls"}},
		{result: &llm.StepResult{Content: "summary", FinishReason: "stop"}},
	}}
	tool := &fakeTool{name: "search_web", execute: func(_ context.Context, args string) (string, error) {
		return `[]`, nil
	}}
	chats := &memoryChatStore{}
	sink := &captureSink{}
	o := New(llmService, chats, []Tool{tool}, Config{}, nil)

	err := o.RunTurn(context.Background(), &TurnRequest{UserID: 1, ChatUID: "c1", Messages: userTurn("q")}, sink)
	require.NoError(t, err)

	partEvents := sink.eventsOfType(EventTypePart)
	// partial and called per call at dispatch, then one resulted per call.
	require.Len(t, partEvents, 9)
	resultedByID := map[string]bool{}
	for _, e := range partEvents {
		if e.Part.ToolInvocation.State == ToolStateResulted {
			resultedByID[e.Part.ToolInvocation.ID] = true
		}
	}
	assert.Len(t, resultedByID, 3)

	// Issue order for the dispatch-time events.
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("call-%d", i), partEvents[i*2].Part.ToolInvocation.ID)
		assert.Equal(t, ToolStatePartial, partEvents[i*2].Part.ToolInvocation.State)
		assert.Equal(t, ToolStateCalled, partEvents[i*2+1].Part.ToolInvocation.State)
	}
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/deepsearch/ai/llm"
	"github.com/hrygo/deepsearch/ai/metrics"
	"github.com/hrygo/deepsearch/internal/strutil"
	"github.com/hrygo/deepsearch/store"
)

// DefaultSystemPrompt instructs the model to ground time-sensitive answers
// in web search results and cite sources.
const DefaultSystemPrompt = `You are a helpful AI assistant with access to web search capabilities.

When users ask questions that require current information, facts, or recent events, you should use the search web tool to find relevant information.

Always search the web when:
- Users ask about current events, news, or recent developments
- Users ask for factual information that might be time-sensitive
- Users ask about specific products, services, or companies
- Users ask for recommendations or reviews
- Users ask about weather, sports scores, or other real-time data

After searching, always cite your sources with inline links in your response. Format links as [source name](URL) when referencing information from search results.

Be conversational and helpful while providing accurate, up-to-date information from reliable sources.`

// DefaultTitle is used when a new chat has no user text to derive a title
// from.
const DefaultTitle = "New Chat"

// Config carries the orchestration policy. Zero values fall back to the
// documented defaults.
type Config struct {
	// MaxSteps caps the reasoning loop per turn (default: 10).
	MaxSteps int
	// TitleMaxLength bounds derived chat titles, in runes (default: 100).
	TitleMaxLength int
	// MaxConcurrentToolCalls bounds tool calls in flight across all turns
	// (default: 4).
	MaxConcurrentToolCalls int
	// SystemPrompt overrides DefaultSystemPrompt when set.
	SystemPrompt string
}

func (c *Config) normalize() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.TitleMaxLength <= 0 {
		c.TitleMaxLength = 100
	}
	if c.MaxConcurrentToolCalls <= 0 {
		c.MaxConcurrentToolCalls = 4
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

// ChatStore is the slice of the store the orchestrator needs.
type ChatStore interface {
	UpsertChat(ctx context.Context, upsert *store.UpsertChat) (*store.Chat, error)
}

// TurnRequest is one inbound turn: the conversation so far and, when the
// caller already has one, the chat identity to continue.
type TurnRequest struct {
	UserID   int32
	ChatUID  string
	Messages []Message
}

// Orchestrator drives the reasoning loop for one turn at a time. Turns are
// independent; the only shared state is the store and the tool-concurrency
// semaphore.
type Orchestrator struct {
	llm     llm.Service
	chats   ChatStore
	tools   map[string]Tool
	toolSet []Tool
	cfg     Config
	metrics *metrics.Exporter
	toolSem *semaphore.Weighted
}

// New creates an orchestrator. exporter may be nil.
func New(llmService llm.Service, chats ChatStore, toolSet []Tool, cfg Config, exporter *metrics.Exporter) *Orchestrator {
	cfg.normalize()
	toolMap := make(map[string]Tool, len(toolSet))
	for _, t := range toolSet {
		toolMap[t.Name()] = t
	}
	return &Orchestrator{
		llm:     llmService,
		chats:   chats,
		tools:   toolMap,
		toolSet: toolSet,
		cfg:     cfg,
		metrics: exporter,
		toolSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentToolCalls)),
	}
}

// RunTurn executes one complete turn: resolve or mint the chat identity,
// run the reasoning loop streaming events through sink, then persist the
// final snapshot. The sink is closed exactly once before returning.
func (o *Orchestrator) RunTurn(ctx context.Context, req *TurnRequest, sink EventSink) error {
	start := time.Now()
	o.metrics.TurnStarted()
	status := "completed"
	defer func() {
		o.metrics.TurnFinished(status, time.Since(start))
	}()

	chatUID := req.ChatUID
	title := o.deriveTitle(req.Messages)

	if chatUID == "" {
		chatUID = uuid.NewString()

		// Persist the initial snapshot before any generation so a chat row
		// exists even if the turn fails later.
		upsert, err := o.toUpsert(req.UserID, chatUID, title, req.Messages)
		if err == nil {
			_, err = o.chats.UpsertChat(ctx, upsert)
		}
		if err != nil {
			status = "error"
			slog.Error("failed to persist initial chat snapshot", "chat_uid", chatUID, "error", err)
			sink.Close(err)
			return err
		}

		// The control event goes out before any content so the caller can
		// address the chat while the turn is still streaming.
		if err := sink.Send(&StreamEvent{Type: EventTypeNewChat, ChatUID: chatUID, Timestamp: time.Now().UnixMilli()}); err != nil {
			status = "cancelled"
			sink.Close(err)
			return err
		}
		slog.Info("chat created", "chat_uid", chatUID, "user_id", req.UserID)
	}

	responseParts, err := o.runLoop(ctx, req.Messages, sink)
	if err != nil {
		if ctx.Err() != nil {
			status = "cancelled"
		} else {
			status = "error"
			slog.Error("turn aborted", "chat_uid", chatUID, "error", err)
		}
		sink.Close(err)
		return err
	}

	final := req.Messages
	if len(responseParts) > 0 {
		final = make([]Message, 0, len(req.Messages)+1)
		final = append(final, req.Messages...)
		final = append(final, Message{Role: RoleAssistant, Parts: responseParts})
	}

	upsert, err := o.toUpsert(req.UserID, chatUID, title, final)
	if err == nil {
		_, err = o.chats.UpsertChat(ctx, upsert)
	}
	if err != nil {
		// Streamed content cannot be un-sent; surface the failure distinctly
		// from normal completion instead.
		status = "error"
		slog.Error("failed to persist final chat snapshot", "chat_uid", chatUID, "error", err)
		sink.Close(err)
		return err
	}

	sink.Close(nil)
	return nil
}

// runLoop is the bounded generate/act loop. It returns the ordered parts of
// the assistant response accumulated across steps.
func (o *Orchestrator) runLoop(ctx context.Context, history []Message, sink EventSink) ([]Part, error) {
	messages := o.toLLMMessages(history)
	descriptors := o.toolDescriptors()
	var parts []Part

	for step := 0; step < o.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := o.streamStep(ctx, messages, descriptors, sink)
		if err != nil {
			return nil, fmt.Errorf("generation step %d failed: %w", step+1, err)
		}
		if result.Stats != nil {
			o.metrics.AddTokens(result.Stats.PromptTokens, result.Stats.CompletionTokens)
		}

		if result.Content != "" {
			parts = append(parts, NewTextPart(result.Content))
		}

		// A finish reason other than "more tool calls" terminates the loop.
		if len(result.ToolCalls) == 0 {
			return parts, nil
		}

		toolMessages, err := o.dispatchToolCalls(ctx, result.ToolCalls, &parts, sink)
		if err != nil {
			return nil, err
		}

		messages = append(messages, llm.Message{
			Role:      RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		messages = append(messages, toolMessages...)
	}

	// Step cap reached: terminate gracefully and surface whatever partial
	// answer exists.
	slog.Warn("reasoning loop reached step cap", "max_steps", o.cfg.MaxSteps)
	return parts, nil
}

// streamStep runs one generation step, forwarding text deltas to the sink
// as they arrive.
func (o *Orchestrator) streamStep(ctx context.Context, messages []llm.Message, descriptors []llm.ToolDescriptor, sink EventSink) (*llm.StepResult, error) {
	stream := o.llm.StreamStep(ctx, messages, descriptors)

	for delta := range stream.Deltas {
		if err := sink.Send(&StreamEvent{Type: EventTypeText, Delta: delta, Timestamp: time.Now().UnixMilli()}); err != nil {
			return nil, err
		}
	}

	if result, ok := <-stream.Result; ok {
		return result, nil
	}
	if err, ok := <-stream.Err; ok && err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("generation stream ended without result")
}

type toolOutcome struct {
	idx    int
	result json.RawMessage
	failed bool
}

// dispatchToolCalls runs the calls of one step concurrently. Part events
// for partial and called go out in issue order at dispatch; resulted events
// go out in completion order. All sink writes stay on the calling
// goroutine.
func (o *Orchestrator) dispatchToolCalls(ctx context.Context, calls []llm.ToolCall, parts *[]Part, sink EventSink) ([]llm.Message, error) {
	outcomes := make(chan toolOutcome, len(calls))
	invocations := make([]*ToolInvocation, len(calls))

	for i, call := range calls {
		id := call.ID
		if id == "" {
			id = shortuuid.New()
		}
		inv := &ToolInvocation{
			ID:       id,
			ToolName: call.Function.Name,
			State:    ToolStatePartial,
			Args:     toRawJSON(call.Function.Arguments),
		}
		invocations[i] = inv
		*parts = append(*parts, Part{Type: PartTypeToolInvocation, ToolInvocation: inv})

		if err := sink.Send(partEvent(inv)); err != nil {
			return nil, err
		}
		inv.State = ToolStateCalled
		if err := sink.Send(partEvent(inv)); err != nil {
			return nil, err
		}

		o.metrics.ToolCall(call.Function.Name)
		go o.executeToolCall(ctx, i, call, outcomes)
	}

	toolMessages := make([]llm.Message, len(calls))
	for range calls {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-outcomes:
			inv := invocations[out.idx]
			inv.State = ToolStateResulted
			inv.Result = out.result
			if out.failed {
				o.metrics.ToolError(inv.ToolName)
			}
			if err := sink.Send(partEvent(inv)); err != nil {
				return nil, err
			}
			toolMessages[out.idx] = llm.Message{
				Role:       "tool",
				Content:    string(out.result),
				ToolCallID: inv.ID,
			}
		}
	}

	return toolMessages, nil
}

// executeToolCall runs one tool call on its own goroutine. It communicates
// only through the outcomes channel and drops the outcome entirely once the
// turn is cancelled, so a late result can never corrupt a later turn.
func (o *Orchestrator) executeToolCall(ctx context.Context, idx int, call llm.ToolCall, outcomes chan<- toolOutcome) {
	name := call.Function.Name
	tool, known := o.tools[name]

	var output string
	var err error
	if !known {
		err = fmt.Errorf("unknown tool %q", name)
	} else if err = o.toolSem.Acquire(ctx, 1); err == nil {
		output, err = tool.Execute(ctx, call.Function.Arguments)
		o.toolSem.Release(1)
	}

	if ctx.Err() != nil {
		return
	}

	out := toolOutcome{idx: idx}
	if err != nil {
		// One failed call degrades to an error-carrying result; it does not
		// abort the turn or its sibling calls. Detail stays in the log.
		slog.Warn("tool call failed", "tool", name, "error", err)
		out.failed = true
		out.result = json.RawMessage(`{"error":"tool call failed"}`)
	} else {
		out.result = toRawJSON(output)
	}

	select {
	case outcomes <- out:
	case <-ctx.Done():
	}
}

func partEvent(inv *ToolInvocation) *StreamEvent {
	snapshot := *inv
	return &StreamEvent{
		Type:      EventTypePart,
		Part:      &Part{Type: PartTypeToolInvocation, ToolInvocation: &snapshot},
		Timestamp: time.Now().UnixMilli(),
	}
}

// toRawJSON passes valid JSON through and quotes anything else so it stays
// embeddable in a part.
func toRawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return encoded
}

func (o *Orchestrator) toolDescriptors() []llm.ToolDescriptor {
	descriptors := make([]llm.ToolDescriptor, len(o.toolSet))
	for i, t := range o.toolSet {
		descriptors[i] = llm.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		}
	}
	return descriptors
}

// toLLMMessages converts the part-structured history to provider messages,
// replaying resolved tool invocations as call/result pairs.
func (o *Orchestrator) toLLMMessages(history []Message) []llm.Message {
	messages := []llm.Message{llm.SystemPrompt(o.cfg.SystemPrompt)}
	for i := range history {
		m := &history[i]
		switch m.Role {
		case RoleAssistant:
			assistant := llm.Message{Role: RoleAssistant, Content: m.TextContent()}
			var toolResults []llm.Message
			for _, p := range m.Parts {
				if p.Type != PartTypeToolInvocation {
					continue
				}
				inv := p.ToolInvocation
				if inv.State != ToolStateResulted {
					// Unresolved invocations cannot be replayed: a call
					// without a response is rejected by providers.
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{
					ID:   inv.ID,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      inv.ToolName,
						Arguments: string(inv.Args),
					},
				})
				toolResults = append(toolResults, llm.Message{
					Role:       "tool",
					Content:    string(inv.Result),
					ToolCallID: inv.ID,
				})
			}
			messages = append(messages, assistant)
			messages = append(messages, toolResults...)
		case RoleSystem:
			messages = append(messages, llm.SystemPrompt(m.TextContent()))
		default:
			messages = append(messages, llm.UserMessage(m.TextContent()))
		}
	}
	return messages
}

// deriveTitle takes the first user message, truncated. Title is a display
// hint only.
func (o *Orchestrator) deriveTitle(history []Message) string {
	for i := range history {
		if history[i].Role != RoleUser {
			continue
		}
		if text := strings.TrimSpace(history[i].TextContent()); text != "" {
			return strutil.Truncate(text, o.cfg.TitleMaxLength)
		}
	}
	return DefaultTitle
}

// toUpsert maps the part-structured messages to the persistence shape with
// dense zero-based positions.
func (o *Orchestrator) toUpsert(userID int32, chatUID, title string, messages []Message) (*store.UpsertChat, error) {
	stored := make([]*store.ChatMessage, len(messages))
	for i := range messages {
		parts, err := json.Marshal(messages[i].Parts)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parts of message %d: %w", i, err)
		}
		stored[i] = &store.ChatMessage{
			Role:     messages[i].Role,
			Position: int32(i),
			Parts:    parts,
		}
	}
	return &store.UpsertChat{
		CreatorID: userID,
		UID:       chatUID,
		Title:     title,
		Messages:  stored,
	}, nil
}

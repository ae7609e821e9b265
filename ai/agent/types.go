// Package agent implements the multi-step reasoning loop: generate, invoke
// tools, repeat, then persist the finished conversation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType discriminates the closed Part union.
type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeToolInvocation PartType = "tool-invocation"
)

// ToolInvocationState is the lifecycle state of a tool invocation part.
// It only moves forward: partial -> called -> resulted.
type ToolInvocationState string

const (
	ToolStatePartial  ToolInvocationState = "partial"
	ToolStateCalled   ToolInvocationState = "called"
	ToolStateResulted ToolInvocationState = "resulted"
)

// ToolInvocation is the payload of a tool-invocation part.
type ToolInvocation struct {
	ID       string              `json:"id"`
	ToolName string              `json:"tool_name"`
	State    ToolInvocationState `json:"state"`
	Args     json.RawMessage     `json:"args,omitempty"`
	// Result is set exactly once, when State moves to resulted. It is
	// either the tool output or an {"error": ...} object.
	Result json.RawMessage `json:"result,omitempty"`
}

// Part is one atomic content unit of a message: either text or a tool
// invocation. The union is closed; consumers switch over Type exhaustively.
type Part struct {
	Type           PartType
	Text           string
	ToolInvocation *ToolInvocation
}

// NewTextPart creates a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

type textPartJSON struct {
	Type PartType `json:"type"`
	Text string   `json:"text"`
}

type toolPartJSON struct {
	Type           PartType        `json:"type"`
	ToolInvocation *ToolInvocation `json:"tool_invocation"`
}

func (p Part) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case PartTypeText:
		return json.Marshal(textPartJSON{Type: p.Type, Text: p.Text})
	case PartTypeToolInvocation:
		if p.ToolInvocation == nil {
			return nil, fmt.Errorf("tool-invocation part without payload")
		}
		return json.Marshal(toolPartJSON{Type: p.Type, ToolInvocation: p.ToolInvocation})
	default:
		return nil, fmt.Errorf("unknown part type %q", p.Type)
	}
}

func (p *Part) UnmarshalJSON(data []byte) error {
	var head struct {
		Type PartType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case PartTypeText:
		var tp textPartJSON
		if err := json.Unmarshal(data, &tp); err != nil {
			return err
		}
		p.Type = PartTypeText
		p.Text = tp.Text
		p.ToolInvocation = nil
		return nil
	case PartTypeToolInvocation:
		var tp toolPartJSON
		if err := json.Unmarshal(data, &tp); err != nil {
			return err
		}
		if tp.ToolInvocation == nil {
			return fmt.Errorf("tool-invocation part without payload")
		}
		p.Type = PartTypeToolInvocation
		p.Text = ""
		p.ToolInvocation = tp.ToolInvocation
		return nil
	default:
		return fmt.Errorf("unknown part type %q", head.Type)
	}
}

// Message is one conversation message made of ordered parts.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextContent concatenates the text parts of the message.
func (m *Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// EventType discriminates stream events.
type EventType string

const (
	// EventTypeNewChat is the control event carrying a freshly minted chat
	// identity. At most one per turn, always before any dependent content.
	EventTypeNewChat EventType = "NEW_CHAT_CREATED"
	// EventTypeText carries a text delta.
	EventTypeText EventType = "text"
	// EventTypePart carries a tool-invocation part state transition.
	EventTypePart EventType = "part"
	// EventTypeError is the terminal generic error signal.
	EventTypeError EventType = "error"
	// EventTypeDone is the terminal normal completion signal.
	EventTypeDone EventType = "done"
)

// StreamEvent is one emission unit of the turn stream.
type StreamEvent struct {
	Type      EventType `json:"type"`
	ChatUID   string    `json:"chatId,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Part      *Part     `json:"part,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// EventSink receives stream events from a single producing goroutine, in
// order. Send blocks on transport backpressure; a Send error means the
// transport is gone and the producer should stop. Close terminates the
// stream with either a done or an error frame and is called exactly once.
type EventSink interface {
	Send(event *StreamEvent) error
	Close(err error)
}

// Tool is one capability the agent can invoke during a step.
type Tool interface {
	// Name returns the tool name exposed to the model.
	Name() string
	// Description returns what the tool does, for the model.
	Description() string
	// Schema returns the JSON Schema of the tool arguments.
	Schema() string
	// Execute runs the tool with JSON-encoded arguments and returns a
	// JSON-encoded result. It must return promptly after ctx is cancelled.
	Execute(ctx context.Context, args string) (string, error)
}

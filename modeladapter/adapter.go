// Package modeladapter defines the language-model adapter contract consumed
// by the agent loop's Decide phase. Adapters translate a provider-agnostic
// request into calls against a specific LLM API and translate the response
// back into a stream of typed events.
package modeladapter

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Role identifies the speaker of a conversation message.
	Role string

	// Part is one typed fragment of a Message's content. Concrete
	// implementations are TextPart, ToolUsePart, ToolResultPart and
	// ThinkingPart.
	Part interface {
		isPart()
	}

	// TextPart carries plain text content.
	TextPart struct {
		Text string
	}

	// ToolUsePart records a tool invocation proposed by the model in a prior
	// turn, replayed back as conversation history.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries the result of a previously invoked tool, fed
	// back to the model as conversation history.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// ThinkingPart carries an extended-thinking fragment when the adapter
	// supports it. Providers that do not support thinking never emit this
	// part.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte
		Index     int
		Final     bool
	}

	// Message is one turn of conversation history.
	Message struct {
		Role  Role
		Parts []Part
	}

	// ToolDefinition describes one tool surfaced to the model for this
	// invocation.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolChoiceMode constrains how the model may use the advertised tools.
	ToolChoiceMode string

	// ToolChoice steers tool usage for a single invocation.
	ToolChoice struct {
		Mode ToolChoiceMode
		Name string // required when Mode == ToolChoiceModeTool
	}

	// Request is a single invocation of the language model.
	Request struct {
		Model       string
		Messages    []Message
		Tools       []ToolDefinition
		ToolChoice  *ToolChoice
		Stop        []string
		MaxTokens   int
		Temperature float32
	}

	// ToolCall is a tool invocation the model proposed.
	ToolCall struct {
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// TokenUsage reports token accounting for one invocation.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// EventType discriminates StreamEvent payloads.
	EventType string

	// StreamEvent is one unit emitted by an Adapter's Invoke stream, matching
	// the {type, payload} wire shape. Only the payload fields listed below
	// for a given Type are populated.
	StreamEvent struct {
		Type EventType

		// Token is populated when Type == EventTypeToken.
		Token string
		// Thinking is populated when Type == EventTypeThinking.
		Thinking string
		// ToolCall is populated when Type == EventTypeToolCall.
		ToolCall *ToolCall
		// Usage is populated when Type == EventTypeUsage or EventTypeDone.
		Usage *TokenUsage
		// StopReason is populated when Type == EventTypeDone.
		StopReason string
	}

	// Stream is an open invocation; callers Recv until io.EOF (the Done event
	// having already been delivered) or an error.
	Stream interface {
		Recv() (StreamEvent, error)
		Close() error
	}

	// Adapter invokes a language model and returns a stream of events. An
	// adapter must honor ctx cancellation by unblocking Recv with ctx.Err().
	Adapter interface {
		Invoke(ctx context.Context, req Request) (Stream, error)
	}
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ThinkingPart) isPart()   {}

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeAny  ToolChoiceMode = "any"
	ToolChoiceModeTool ToolChoiceMode = "tool"

	EventTypeToken    EventType = "token"
	EventTypeThinking EventType = "thinking"
	EventTypeToolCall EventType = "tool_call"
	EventTypeUsage    EventType = "usage"
	EventTypeDone     EventType = "done"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. Callers may retry with backoff.
var ErrRateLimited = errors.New("modeladapter: rate limited")

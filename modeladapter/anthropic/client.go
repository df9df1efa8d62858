// Package anthropic provides a modeladapter.Adapter implementation backed by
// the Anthropic Claude Messages API. It translates modeladapter requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps streamed events (text, tool use, thinking, usage) back into
// modeladapter.StreamEvent values.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fluxgate-ai/agentrun/modeladapter"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when Request.Model
		// is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers listed in
		// Anthropic's model reference.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64

		// ThinkingBudget is stored on the adapter but not sent: requests are
		// built without extended thinking, so it has no effect.
		ThinkingBudget int64
	}

	// Adapter implements modeladapter.Adapter on top of Anthropic Claude
	// Messages streaming.
	Adapter struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
		think        int64
	}
)

// New builds an Anthropic-backed adapter from the provided Anthropic Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Adapter, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Adapter{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP
// client, reading ANTHROPIC_API_KEY and related defaults from the
// environment via sdk.DefaultClientOptions.
func NewFromAPIKey(apiKey, defaultModel string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Invoke issues a streaming Messages.New request and adapts incremental
// events into modeladapter.StreamEvent values.
func (a *Adapter) Invoke(ctx context.Context, req modeladapter.Request) (modeladapter.Stream, error) {
	params, provToCanon, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := a.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", modeladapter.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream, provToCanon), nil
}

func (a *Adapter) prepareRequest(req modeladapter.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.defaultModel
	}
	tools, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = a.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToProv, req.Tools)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, provToCanon, nil
}

func encodeMessages(msgs []modeladapter.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == modeladapter.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(modeladapter.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case modeladapter.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case modeladapter.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use part missing name")
				}
				sanitized, ok := nameMap[v.Name]
				if !ok || sanitized == "" {
					return nil, nil, fmt.Errorf("anthropic: tool_use in messages references %q which is not in the current tool configuration", v.Name)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, sanitized))
			case modeladapter.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			}
			// Thinking parts are provider-specific and are not re-encoded here.
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role { //nolint:exhaustive
		case modeladapter.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case modeladapter.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v modeladapter.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []modeladapter.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q is missing description", canonical)
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", canonical, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToSan, sanToCanon, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *modeladapter.ToolChoice, canonToProv map[string]string, defs []modeladapter.ToolDefinition) (sdk.ToolChoiceUnionParam, error) {
	if choice == nil {
		return sdk.ToolChoiceUnionParam{}, nil
	}
	switch choice.Mode {
	case "", modeladapter.ToolChoiceModeAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case modeladapter.ToolChoiceModeNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case modeladapter.ToolChoiceModeAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case modeladapter.ToolChoiceModeTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice mode %q requires a tool name", choice.Mode)
		}
		if !hasToolDefinition(defs, choice.Name) {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok || sanitized == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func hasToolDefinition(defs []modeladapter.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

// sanitizeToolName maps a canonical tool identifier to characters allowed by
// Anthropic tool naming constraints by replacing any disallowed rune with
// '_'. An identifier of the form "toolset.tool" is shortened to the part
// after the last dot to keep names short.
func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	base := in
	if idx := strings.LastIndex(in, "."); idx >= 0 && idx+1 < len(in) {
		base = in[idx+1:]
	}
	if isProviderSafeToolName(base) {
		return base
	}
	out := make([]rune, 0, len(base))
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}

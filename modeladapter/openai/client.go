// Package openai provides a modeladapter.Adapter implementation backed by the
// OpenAI Chat Completions API. It translates modeladapter requests into
// ChatCompletion streaming calls using github.com/openai/openai-go and maps
// streamed chunks back into modeladapter.StreamEvent values.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/fluxgate-ai/agentrun/modeladapter"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter, satisfied by the real client's Chat.Completions service.
	ChatClient interface {
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		DefaultModel string
	}

	// Adapter implements modeladapter.Adapter via the OpenAI Chat Completions
	// streaming API.
	Adapter struct {
		chat  ChatClient
		model string
	}
)

// New builds an OpenAI-backed adapter from the provided chat client.
func New(chat ChatClient, opts Options) (*Adapter, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Adapter{chat: chat, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs an adapter using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey, defaultModel string) (*Adapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Invoke issues a streaming chat completion request and adapts incremental
// chunks into modeladapter.StreamEvent values.
func (a *Adapter) Invoke(ctx context.Context, req modeladapter.Request) (modeladapter.Stream, error) {
	params, toolNames, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := a.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", modeladapter.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions stream: %w", err)
	}
	return newStreamer(ctx, stream, toolNames), nil
}

func (a *Adapter) prepareRequest(req modeladapter.Request) (*openai.ChatCompletionNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	tools, toolNames, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	params := &openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return params, toolNames, nil
}

func encodeMessages(msgs []modeladapter.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := textOf(m.Parts)
		switch m.Role { //nolint:exhaustive
		case modeladapter.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case modeladapter.RoleUser:
			out = append(out, encodeUserMessage(m, text))
		case modeladapter.RoleAssistant:
			msg, err := encodeAssistantMessage(m, text)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeUserMessage(m modeladapter.Message, text string) openai.ChatCompletionMessageParamUnion {
	for _, part := range m.Parts {
		if v, ok := part.(modeladapter.ToolResultPart); ok {
			return openai.ToolMessage(resultText(v), v.ToolUseID)
		}
	}
	return openai.UserMessage(text)
}

func encodeAssistantMessage(m modeladapter.Message, text string) (openai.ChatCompletionMessageParamUnion, error) {
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, part := range m.Parts {
		if v, ok := part.(modeladapter.ToolUsePart); ok {
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID: v.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		}
	}
	msg := openai.AssistantMessage(text)
	if len(calls) > 0 && msg.OfAssistant != nil {
		msg.OfAssistant.ToolCalls = calls
	}
	return msg, nil
}

func textOf(parts []modeladapter.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if v, ok := part.(modeladapter.TextPart); ok {
			b.WriteString(v.Text)
		}
	}
	return b.String()
}

func resultText(v modeladapter.ToolResultPart) string {
	switch c := v.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func encodeTools(defs []modeladapter.ToolDefinition) ([]openai.ChatCompletionToolParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	names := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		var schema map[string]any
		if def.InputSchema != nil {
			data, err := json.Marshal(def.InputSchema)
			if err != nil {
				return nil, nil, fmt.Errorf("openai: marshal tool %q schema: %w", def.Name, err)
			}
			if err := json.Unmarshal(data, &schema); err != nil {
				return nil, nil, fmt.Errorf("openai: decode tool %q schema: %w", def.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
		names[def.Name] = def.Name
	}
	return out, names, nil
}

func encodeToolChoice(choice *modeladapter.ToolChoice) (openai.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", modeladapter.ToolChoiceModeAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}, nil
	case modeladapter.ToolChoiceModeNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}, nil
	case modeladapter.ToolChoiceModeAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}, nil
	case modeladapter.ToolChoiceModeTool:
		if choice.Name == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, errors.New("openai: tool choice mode \"tool\" requires a tool name")
		}
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apierr *openai.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}

package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/fluxgate-ai/agentrun/modeladapter"
)

// streamer adapts an OpenAI chat completion streaming response to
// modeladapter.Stream.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	events chan modeladapter.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	toolNames map[string]string
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], toolNames map[string]string) modeladapter.Stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:       cctx,
		cancel:    cancel,
		stream:    stream,
		events:    make(chan modeladapter.StreamEvent, 32),
		toolNames: toolNames,
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (modeladapter.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return modeladapter.StreamEvent{}, err
		}
		return modeladapter.StreamEvent{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return modeladapter.StreamEvent{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.events)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	calls := make(map[int]*toolCallBuffer)
	finishReason := ""

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			break
		}
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := s.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeToken, Token: choice.Delta.Content}); err != nil {
				s.setErr(err)
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			cb := calls[idx]
			if cb == nil {
				cb = &toolCallBuffer{id: tc.ID, name: tc.Function.Name}
				calls[idx] = cb
			}
			if tc.Function.Arguments != "" {
				cb.args.WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if u := chunk.Usage; u.TotalTokens != 0 {
			usage := &modeladapter.TokenUsage{
				InputTokens:  int(u.PromptTokens),
				OutputTokens: int(u.CompletionTokens),
				TotalTokens:  int(u.TotalTokens),
			}
			if err := s.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeUsage, Usage: usage}); err != nil {
				s.setErr(err)
				return
			}
		}
	}

	for _, cb := range calls {
		name := cb.name
		if canonical, ok := s.toolNames[name]; ok {
			name = canonical
		}
		if err := s.emit(modeladapter.StreamEvent{
			Type: modeladapter.EventTypeToolCall,
			ToolCall: &modeladapter.ToolCall{
				ID:      cb.id,
				Name:    name,
				Payload: decodeArgs(cb.args.String()),
			},
		}); err != nil {
			s.setErr(err)
			return
		}
	}
	_ = s.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeDone, StopReason: finishReason})
}

func (s *streamer) emit(ev modeladapter.StreamEvent) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ev:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func decodeArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	return json.RawMessage(trimmed)
}

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fluxgate-ai/agentrun/modeladapter"
)

// streamer adapts an Anthropic Messages streaming response to
// modeladapter.Stream.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan modeladapter.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	toolNameMap map[string]string
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) modeladapter.Stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		events:      make(chan modeladapter.StreamEvent, 32),
		toolNameMap: nameMap,
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

	p := newChunkProcessor(s.emit, s.toolNameMap)

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
			return
		}
		if err := p.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
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

// chunkProcessor converts Anthropic streaming events into modeladapter
// StreamEvents.
type chunkProcessor struct {
	emit func(modeladapter.StreamEvent) error

	toolBlocks     map[int]*toolBuffer
	thinkingBlocks map[int]*thinkingBuffer
	toolNameMap    map[string]string

	stopReason string
}

func newChunkProcessor(emit func(modeladapter.StreamEvent) error, nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:           emit,
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingBlocks: make(map[int]*thinkingBuffer),
		toolNameMap:    nameMap,
	}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return fmt.Errorf("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			name := toolUse.Name
			if canonical, ok := p.toolNameMap[name]; ok {
				name = canonical
			}
			p.toolBlocks[idx] = &toolBuffer{name: name, id: toolUse.ID}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeToken, Token: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if tb := p.toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			tb := p.thinkingBlocks[idx]
			if tb == nil {
				tb = &thinkingBuffer{}
				p.thinkingBlocks[idx] = tb
			}
			tb.text.WriteString(delta.Thinking)
			return p.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeThinking, Thinking: delta.Thinking})
		case sdk.SignatureDelta:
			if delta.Signature == "" {
				return nil
			}
			tb := p.thinkingBlocks[idx]
			if tb == nil {
				tb = &thinkingBuffer{}
				p.thinkingBlocks[idx] = tb
			}
			tb.signature = delta.Signature
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		delete(p.thinkingBlocks, idx)
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(modeladapter.StreamEvent{
				Type: modeladapter.EventTypeToolCall,
				ToolCall: &modeladapter.ToolCall{
					ID:      tb.id,
					Name:    tb.name,
					Payload: decodeToolPayload(tb.finalInput()),
				},
			})
		}
		return nil
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := &modeladapter.TokenUsage{
			InputTokens:      int(ev.Usage.InputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		return p.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeUsage, Usage: usage})
	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		return p.emit(modeladapter.StreamEvent{Type: modeladapter.EventTypeDone, StopReason: p.stopReason})
	}
	return nil
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
}

func decodeToolPayload(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	return json.RawMessage(trimmed)
}

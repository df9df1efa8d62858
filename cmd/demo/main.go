// Command demo wires an in-memory agent runtime together and drives one run
// end to end: submit, agent loop, a single echo tool call, completion. It is
// meant as a smoke test and a worked example of how the pieces fit, not a
// production entry point (see migrate/migrate.go and the package docs for
// the durable Postgres/Redis wiring a real deployment would use instead).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/fluxgate-ai/agentrun/agentloop"
	"github.com/fluxgate-ai/agentrun/approval"
	"github.com/fluxgate-ai/agentrun/bus"
	checkpointinmem "github.com/fluxgate-ai/agentrun/checkpoint/inmem"
	"github.com/fluxgate-ai/agentrun/config"
	"github.com/fluxgate-ai/agentrun/dispatch"
	eventinmem "github.com/fluxgate-ai/agentrun/event/inmem"
	memoryinmem "github.com/fluxgate-ai/agentrun/memory/inmem"
	"github.com/fluxgate-ai/agentrun/modeladapter"
	"github.com/fluxgate-ai/agentrun/modeladapter/anthropic"
	"github.com/fluxgate-ai/agentrun/run"
	runinmem "github.com/fluxgate-ai/agentrun/run/inmem"
	"github.com/fluxgate-ai/agentrun/runtime/agent/telemetry"
	"github.com/fluxgate-ai/agentrun/scheduler"
	"github.com/fluxgate-ai/agentrun/scope"
	"github.com/fluxgate-ai/agentrun/swarm"
	"github.com/fluxgate-ai/agentrun/tools"
)

func main() {
	cfg := config.Default()
	if path := os.Getenv("AGENTRUN_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	// run/inmem needs the concrete event store for scope binding, so it is
	// wired to the undecorated store; every other component gets the
	// bus-decorated store so its appends also push to live subscribers.
	events := eventinmem.New()
	eventBus := bus.New()
	busEvents := bus.Decorate(events, eventBus)
	runs := runinmem.New(nil, events)
	checkpoints := checkpointinmem.New()
	mem := memoryinmem.New()

	router := tools.NewRouter()
	if err := router.Register(tools.Spec{
		Name:             "echo",
		Description:      "Echoes its input back as the tool result.",
		ParametersSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		RiskLevel:        tools.RiskLow,
		SupportsParallel: true,
	}, echoHandler); err != nil {
		panic(err)
	}
	sched := scheduler.New(router, busEvents, cfg.Scheduler.ParallelLimit)

	sw := swarm.New(runs, busEvents)
	ap := approval.New(busEvents, runs, router)

	logger := telemetry.NewNoopLogger()
	if os.Getenv("AGENTRUN_LOG_FORMAT") != "" {
		logger = telemetry.NewClueLogger()
	}

	adapter := newAdapter(cfg)
	loop := agentloop.New(runs, busEvents, checkpoints, mem, sched, sw, ap, adapter)
	loop.Model = cfg.Model.Model
	loop.SystemPrompt = cfg.Model.SystemPrompt
	loop.Logger = logger
	if cfg.Model.MaxSteps > 0 {
		loop.MaxSteps = cfg.Model.MaxSteps
	}

	var limiter *rate.Limiter
	if cfg.Dispatch.SubmitRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Dispatch.SubmitRateLimit), cfg.Dispatch.SubmitBurst)
	}
	disp := dispatch.New(runs, busEvents, loop, limiter, cfg.Dispatch.Workers, cfg.Dispatch.QueueDepth)
	disp.Logger = logger
	defer disp.Close()
	ap.Dispatch = disp
	sw.Dispatch = disp

	sc := scope.New("demo-org", "demo-user")
	runID, err := disp.Submit(context.Background(), dispatch.SubmitInput{
		Scope:      sc,
		SessionKey: "demo-session",
		AgentID:    "demo-agent",
		Input:      "Say hi and then echo back the word 'pong'.",
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("submitted run:", runID)

	waitForTerminal(context.Background(), runs, sc, runID)
}

func waitForTerminal(ctx context.Context, runs run.Repository, sc scope.Scope, runID string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := runs.Get(ctx, sc, runID)
		if err != nil {
			panic(err)
		}
		switch rec.Status {
		case run.StatusCompleted:
			fmt.Println("completed:", rec.Result.Output)
			return
		case run.StatusFailed:
			fmt.Println("failed:", rec.Error.Code, rec.Error.Message)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Println("timed out waiting for run to finish")
}

func echoHandler(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"echoed": in.Text})
}

// newAdapter picks a real provider adapter when credentials are present in
// the environment, falling back to a scripted adapter for local smoke
// testing without network access.
func newAdapter(cfg config.Config) modeladapter.Adapter {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := cfg.Model.Model
		if model == "" {
			model = "claude-opus-4-1-20250805"
		}
		a, err := anthropic.NewFromAPIKey(key, model)
		if err != nil {
			panic(err)
		}
		return a
	}
	return scriptedAdapter{}
}

// scriptedAdapter plays back a single tool call followed by a final text
// response, so the demo runs without a configured model provider.
type scriptedAdapter struct{}

func (scriptedAdapter) Invoke(_ context.Context, req modeladapter.Request) (modeladapter.Stream, error) {
	sawToolResult := false
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if _, ok := part.(modeladapter.ToolResultPart); ok {
				sawToolResult = true
			}
		}
	}
	if sawToolResult {
		return &scriptedStream{events: []modeladapter.StreamEvent{
			{Type: modeladapter.EventTypeToken, Token: "pong"},
			{Type: modeladapter.EventTypeDone, StopReason: "end_turn", Usage: &modeladapter.TokenUsage{}},
		}}, nil
	}
	return &scriptedStream{events: []modeladapter.StreamEvent{
		{Type: modeladapter.EventTypeToolCall, ToolCall: &modeladapter.ToolCall{
			ID: "call-1", Name: "echo", Payload: json.RawMessage(`{"text":"pong"}`),
		}},
		{Type: modeladapter.EventTypeDone, StopReason: "tool_use", Usage: &modeladapter.TokenUsage{}},
	}}, nil
}

type scriptedStream struct {
	events []modeladapter.StreamEvent
	pos    int
}

func (s *scriptedStream) Recv() (modeladapter.StreamEvent, error) {
	if s.pos >= len(s.events) {
		return modeladapter.StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

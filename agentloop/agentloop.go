// Package agentloop drives a single run from claim to terminal state,
// iterating the Observe/Retrieve/BuildContext/Decide/Act/Commit/Reflect
// state machine one step at a time.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxgate-ai/agentrun/approval"
	"github.com/fluxgate-ai/agentrun/checkpoint"
	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/modeladapter"
	"github.com/fluxgate-ai/agentrun/run"
	"github.com/fluxgate-ai/agentrun/memory"
	"github.com/fluxgate-ai/agentrun/runtime/agent/policy"
	"github.com/fluxgate-ai/agentrun/runtime/agent/telemetry"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scheduler"
	"github.com/fluxgate-ai/agentrun/scope"
	"github.com/fluxgate-ai/agentrun/swarm"
	"github.com/fluxgate-ai/agentrun/tools"
)

// DefaultMaxSteps bounds how many Decide/Act/Commit iterations a run may
// take before it is terminated with MAX_STEPS.
const DefaultMaxSteps = 50

// DefaultContextTokenBudget bounds the size of the message history passed to
// the model on each step, approximated at roughly 4 bytes per token. Oldest
// history is trimmed first; the system message is never dropped.
const DefaultContextTokenBudget = 6000

const bytesPerTokenEstimate = 4

// toolResultSummarizeThreshold is the byte size above which a tool result's
// raw output is summarized (truncated with a marker) before trimming starts
// dropping whole messages.
const toolResultSummarizeThreshold = 2000

// Loop wires every collaborator the agent loop needs for one step: the run
// and checkpoint repositories, the event log, working memory, the tool
// scheduler, the swarm coordinator and approval gate for Act, and the
// language model adapter for Decide.
type Loop struct {
	Runs        run.Repository
	Events      event.Store
	Checkpoints checkpoint.Store
	Memory      memory.Store
	Scheduler   *scheduler.Scheduler
	Swarm       *swarm.Coordinator
	Approval    *approval.Gate
	Adapter     modeladapter.Adapter
	Policy      policy.Engine

	// Logger and Tracer default to no-ops when left nil, so tests and
	// simple embedders never need to wire telemetry to use the loop.
	Logger telemetry.Logger
	Tracer telemetry.Tracer

	Model        string
	SystemPrompt string
	MaxSteps     int

	// ContextTokenBudget bounds the message history handed to the model each
	// step. Zero means DefaultContextTokenBudget.
	ContextTokenBudget int
}

// New constructs a Loop. Policy may be nil, in which case a permissive
// default caps state is used (no tool call limit, no failure circuit
// breaker, no deadline).
func New(runs run.Repository, events event.Store, checkpoints checkpoint.Store, mem memory.Store, sched *scheduler.Scheduler, sw *swarm.Coordinator, ap *approval.Gate, adapter modeladapter.Adapter) *Loop {
	return &Loop{
		Runs: runs, Events: events, Checkpoints: checkpoints, Memory: mem,
		Scheduler: sched, Swarm: sw, Approval: ap, Adapter: adapter,
		Logger: telemetry.NewNoopLogger(), Tracer: telemetry.NewNoopTracer(),
		MaxSteps:           DefaultMaxSteps,
		ContextTokenBudget: DefaultContextTokenBudget,
	}
}

// toolCallRecord and toolResultRecord are the memory.Event.Data shapes this
// loop writes for tool_call/tool_result entries, so a later step can replay
// them back into modeladapter.Message history.
type toolCallRecord struct {
	ID   string
	Name string
	Args json.RawMessage
}

type toolResultRecord struct {
	ID      string
	Output  json.RawMessage
	IsError bool
}

// Drive runs the agent loop for rec until it suspends (awaiting children or
// approval) or reaches a terminal state. rec must already be in the running
// state (the caller claimed it via run.Repository.ClaimRunning).
func (l *Loop) Drive(ctx context.Context, sc scope.Scope, rec run.Run) error {
	ctx, span := l.tracer().Start(ctx, "agentloop.Drive")
	defer span.End()

	maxSteps := l.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	cp, resuming, err := l.Checkpoints.Latest(ctx, sc, rec.RunID, rec.AgentID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	step := 1
	if resuming {
		step = cp.State.MessageOrdinal + 1
		l.emit(ctx, sc, rec.RunID, rec.AgentID, "", "", event.TypeRunResumed, struct{}{})
	} else {
		l.emit(ctx, sc, rec.RunID, rec.AgentID, "", "", event.TypeRunStarted, struct{}{})
		if err := l.Memory.AppendEvents(ctx, rec.AgentID, rec.RunID, memory.Event{
			Type: memory.EventUserMessage, Timestamp: time.Now(), Data: rec.Input,
		}); err != nil {
			return err
		}
	}

	caps := l.initialCaps()
	var injectedCursor int64
	var prevRequested []tools.Call
	var retryHint *policy.RetryHint
	var policyLabels map[string]string

	for ; step <= maxSteps; step++ {
		stepID := fmt.Sprintf("step-%d", step)
		spanID := stepID

		if stopped, err := l.checkStopped(ctx, sc, rec); stopped || err != nil {
			return err
		}

		l.emit(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, event.TypeStepStarted, struct{}{})
		l.logger().Debug(ctx, "step started", "run_id", rec.RunID, "step", step)

		// 1. Observe: pick up any user messages injected since the last step.
		next, err := l.observeInjections(ctx, sc, rec, injectedCursor)
		if err != nil {
			return l.fail(ctx, sc, rec, runtimeerr.Newf(runtimeerr.CodeAgentError, "observe: %v", err))
		}
		injectedCursor = next

		// 2. Retrieve: pull planner notes and annotations from working
		// memory. There is no semantic index, and no event is appended for
		// this phase.
		retrieved, err := l.retrieve(ctx, rec)
		if err != nil {
			return l.fail(ctx, sc, rec, runtimeerr.Newf(runtimeerr.CodeAgentError, "retrieve: %v", err))
		}

		// 3. BuildContext.
		req, err := l.buildContext(ctx, rec, retrieved)
		if err != nil {
			return l.fail(ctx, sc, rec, runtimeerr.Newf(runtimeerr.CodeAgentError, "build context: %v", err))
		}

		var allowedTools []policy.ToolHandle
		policyActive := l.Policy != nil
		if policyActive {
			requested := make([]policy.ToolHandle, 0, len(prevRequested))
			for _, c := range prevRequested {
				requested = append(requested, policy.ToolHandle{ID: c.ToolName})
			}
			decision, err := l.Policy.Decide(ctx, policy.Input{
				RunContext:    run.Context{RunID: rec.RunID, AgentID: rec.AgentID, ParentRunID: rec.ParentRunID, GroupID: rec.GroupID, Attempt: step, Labels: policyLabels},
				Tools:         toolMetadata(l.Scheduler),
				RetryHint:     retryHint,
				RemainingCaps: caps,
				Requested:     requested,
				Labels:        policyLabels,
			})
			if err != nil {
				return l.fail(ctx, sc, rec, runtimeerr.Newf(runtimeerr.CodeAgentError, "policy decide: %v", err))
			}
			caps = decision.Caps
			allowedTools = decision.AllowedTools
			policyLabels = decision.Labels
			if len(decision.Metadata) > 0 {
				l.logger().Info(ctx, "policy decision", "run_id", rec.RunID, "step", step, "metadata", decision.Metadata)
			}
			if decision.DisableTools {
				req.Tools = nil
				allowedTools = []policy.ToolHandle{}
				note := memory.Annotation{Message: "policy disabled tool use for this step", Labels: decision.Labels}
				_ = l.Memory.AppendEvents(ctx, rec.AgentID, rec.RunID, memory.Event{
					Type: memory.EventAnnotation, Timestamp: time.Now(), Data: note,
				})
			}
			if !caps.ExpiresAt.IsZero() && time.Now().After(caps.ExpiresAt) {
				return l.fail(ctx, sc, rec, runtimeerr.New(runtimeerr.CodeBudgetExceeded, "run exceeded its time budget"))
			}
		}

		// 4. Decide.
		started := time.Now()
		calls, finalText, usage, err := l.decide(ctx, sc, rec, stepID, spanID, req)
		if err != nil {
			return l.fail(ctx, sc, rec, runtimeerr.Newf(runtimeerr.CodeAgentError, "decide: %v", err))
		}
		l.emit(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, event.TypeLLMCalled, llmCalledPayload{
			Model: l.Model, DurationMS: time.Since(started).Milliseconds(), Usage: usage,
		})

		prevRequested = calls
		retryHint = nil

		// 5. Act.
		if len(calls) > 0 {
			var allowlist map[string]bool
			if policyActive {
				allowlist = make(map[string]bool, len(allowedTools))
				for _, h := range allowedTools {
					allowlist[h.ID] = true
				}
			}
			exited, results, err := l.act(ctx, sc, rec, stepID, spanID, calls, &caps, allowlist)
			if err != nil {
				return l.fail(ctx, sc, rec, err)
			}
			if exited {
				// Run suspended awaiting children or approval; the worker
				// relinquishes the run until an external event resumes it.
				return nil
			}
			for _, res := range results {
				if res.IsError {
					retryHint = &policy.RetryHint{Tool: res.ToolName, Message: res.ErrorMsg, Reason: retryReasonFor(res.ErrorCode)}
					break
				}
			}
		}

		// 6. Commit.
		ordinal := step
		if err := l.commit(ctx, sc, rec, stepID, spanID, finalText, calls, ordinal); err != nil {
			return l.fail(ctx, sc, rec, runtimeerr.Newf(runtimeerr.CodeAgentError, "commit: %v", err))
		}
		cp.State.MessageOrdinal = ordinal

		resultType := "tool_calls"
		if len(calls) == 0 {
			resultType = "final"
		}
		l.emit(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, event.TypeStepCompleted, stepCompletedPayload{
			StepNumber: step, ResultType: resultType, DurationMS: time.Since(started).Milliseconds(),
		})

		// 7. Reflect.
		if len(calls) == 0 {
			return l.succeed(ctx, sc, rec, finalText)
		}
	}

	return l.fail(ctx, sc, rec, runtimeerr.New(runtimeerr.CodeMaxSteps, "run exceeded its configured step limit"))
}

func (l *Loop) initialCaps() policy.CapsState {
	return policy.CapsState{}
}

// toolMetadata enumerates the scheduler's registered tools for the policy
// engine's candidate list.
func toolMetadata(sched *scheduler.Scheduler) []policy.ToolMetadata {
	if sched == nil || sched.Router == nil {
		return nil
	}
	specs := sched.Router.All()
	out := make([]policy.ToolMetadata, 0, len(specs))
	for _, s := range specs {
		out = append(out, policy.ToolMetadata{ID: s.Name, Name: s.Name, Description: s.Description})
	}
	return out
}

// retryReasonFor maps a tool result's error code to the policy retry
// vocabulary.
func retryReasonFor(code string) policy.RetryReason {
	if code == string(runtimeerr.CodeTimeout) {
		return policy.RetryReasonTimeout
	}
	return policy.RetryReasonToolUnavailable
}

// checkStopped re-reads the run and, if it has been cancelled out of band
// (an external Cancel call raced the worker between steps), narrates the
// transition into the event log and reports that the loop should stop.
func (l *Loop) checkStopped(ctx context.Context, sc scope.Scope, rec run.Run) (bool, error) {
	if ctx.Err() != nil {
		l.emit(ctx, sc, rec.RunID, rec.AgentID, "", "", event.TypeRunCancelled, struct{}{})
		return true, nil
	}
	current, err := l.Runs.Get(ctx, sc, rec.RunID)
	if err != nil {
		return true, err
	}
	if current.Status == run.StatusCancelled {
		l.emit(ctx, sc, rec.RunID, rec.AgentID, "", "", event.TypeRunCancelled, struct{}{})
		return true, nil
	}
	return false, nil
}

// observeInjections scans the event log for user.injected events appended
// since after (exclusive), writes each as a user message to working memory,
// and returns the cursor to resume scanning from on the next step.
func (l *Loop) observeInjections(ctx context.Context, sc scope.Scope, rec run.Run, after int64) (int64, error) {
	cursor := after
	for {
		page, err := l.Events.ReadPage(ctx, sc, rec.RunID, cursor, 256, []event.Type{
			event.TypeLLMToken, event.TypeToolCalled, event.TypeToolResult,
		})
		if err != nil {
			return after, err
		}
		for _, e := range page.Items {
			if e.Type == event.TypeUserInjected {
				var payload struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(e.Payload, &payload); err != nil {
					continue
				}
				if err := l.Memory.AppendEvents(ctx, rec.AgentID, rec.RunID, memory.Event{
					Type: memory.EventUserMessage, Timestamp: e.TS, Data: payload.Text,
				}); err != nil {
					return after, err
				}
			}
			cursor = e.ID
		}
		if page.NextCursor == nil {
			return cursor, nil
		}
		cursor = *page.NextCursor
	}
}

type retrievedItem struct {
	Type memory.EventType
	Data any
}

func (l *Loop) retrieve(ctx context.Context, rec run.Run) ([]retrievedItem, error) {
	snap, err := l.Memory.LoadRun(ctx, rec.AgentID, rec.RunID)
	if err != nil {
		return nil, err
	}
	reader := memory.NewReader(snap)
	var items []retrievedItem
	for _, e := range reader.FilterByType(memory.EventPlannerNote) {
		items = append(items, retrievedItem{Type: e.Type, Data: e.Data})
	}
	for _, e := range reader.FilterByType(memory.EventAnnotation) {
		items = append(items, retrievedItem{Type: e.Type, Data: e.Data})
	}
	return items, nil
}

func (l *Loop) buildContext(ctx context.Context, rec run.Run, retrieved []retrievedItem) (modeladapter.Request, error) {
	snap, err := l.Memory.LoadRun(ctx, rec.AgentID, rec.RunID)
	if err != nil {
		return modeladapter.Request{}, err
	}

	messages := make([]modeladapter.Message, 0, len(snap.Events)+1)
	if l.SystemPrompt != "" {
		messages = append(messages, modeladapter.Message{Role: modeladapter.RoleSystem, Parts: []modeladapter.Part{modeladapter.TextPart{Text: l.SystemPrompt}}})
	}

	for _, e := range snap.Events {
		switch e.Type {
		case memory.EventUserMessage:
			if text, ok := e.Data.(string); ok {
				messages = append(messages, modeladapter.Message{Role: modeladapter.RoleUser, Parts: []modeladapter.Part{modeladapter.TextPart{Text: text}}})
			}
		case memory.EventAssistantMessage:
			if text, ok := e.Data.(string); ok {
				messages = append(messages, modeladapter.Message{Role: modeladapter.RoleAssistant, Parts: []modeladapter.Part{modeladapter.TextPart{Text: text}}})
			}
		case memory.EventToolCall:
			if tc, ok := e.Data.(toolCallRecord); ok {
				messages = append(messages, modeladapter.Message{Role: modeladapter.RoleAssistant, Parts: []modeladapter.Part{modeladapter.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Args}}})
			}
		case memory.EventToolResult:
			if tr, ok := e.Data.(toolResultRecord); ok {
				messages = append(messages, modeladapter.Message{Role: modeladapter.RoleUser, Parts: []modeladapter.Part{modeladapter.ToolResultPart{ToolUseID: tr.ID, Content: string(tr.Output), IsError: tr.IsError}}})
			}
		}
	}

	if len(retrieved) > 0 {
		var b strings.Builder
		b.WriteString("relevant prior notes:\n")
		for _, it := range retrieved {
			fmt.Fprintf(&b, "- %v\n", it.Data)
		}
		messages = append(messages, modeladapter.Message{Role: modeladapter.RoleSystem, Parts: []modeladapter.Part{modeladapter.TextPart{Text: b.String()}}})
	}

	var toolDefs []modeladapter.ToolDefinition
	if l.Scheduler != nil && l.Scheduler.Router != nil {
		specs := l.Scheduler.Router.All()
		toolDefs = make([]modeladapter.ToolDefinition, 0, len(specs))
		for _, s := range specs {
			toolDefs = append(toolDefs, modeladapter.ToolDefinition{
				Name: s.Name, Description: s.Description, InputSchema: s.ParametersSchema,
			})
		}
	}

	messages = l.trimToBudget(messages)

	return modeladapter.Request{
		Model:    l.Model,
		Messages: messages,
		Tools:    toolDefs,
	}, nil
}

// trimToBudget keeps messages under the loop's context token budget. It
// first summarizes any oversized tool result content in place, then drops
// the oldest non-system message repeatedly until the estimated size fits.
// The system message (always message 0 when present) is never dropped.
func (l *Loop) trimToBudget(messages []modeladapter.Message) []modeladapter.Message {
	budget := l.ContextTokenBudget
	if budget <= 0 {
		budget = DefaultContextTokenBudget
	}
	budgetBytes := budget * bytesPerTokenEstimate

	for i := range messages {
		for j, p := range messages[i].Parts {
			trp, ok := p.(modeladapter.ToolResultPart)
			if !ok {
				continue
			}
			s, ok := trp.Content.(string)
			if !ok || len(s) <= toolResultSummarizeThreshold {
				continue
			}
			trp.Content = s[:toolResultSummarizeThreshold] + "... (truncated)"
			messages[i].Parts[j] = trp
		}
	}

	firstDroppable := 0
	if len(messages) > 0 && messages[0].Role == modeladapter.RoleSystem {
		firstDroppable = 1
	}
	for messageSetSize(messages) > budgetBytes && len(messages) > firstDroppable {
		messages = append(messages[:firstDroppable], messages[firstDroppable+1:]...)
	}
	return messages
}

func messageSetSize(messages []modeladapter.Message) int {
	total := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			total += partSize(p)
		}
	}
	return total
}

func partSize(p modeladapter.Part) int {
	switch v := p.(type) {
	case modeladapter.TextPart:
		return len(v.Text)
	case modeladapter.ToolUsePart:
		return len(v.Input)
	case modeladapter.ToolResultPart:
		if s, ok := v.Content.(string); ok {
			return len(s)
		}
		return 0
	default:
		return 0
	}
}

type llmCalledPayload struct {
	Model      string                    `json:"model"`
	DurationMS int64                     `json:"duration_ms"`
	Usage      *modeladapter.TokenUsage  `json:"usage,omitempty"`
}

func (l *Loop) decide(ctx context.Context, sc scope.Scope, rec run.Run, stepID, spanID string, req modeladapter.Request) ([]tools.Call, string, *modeladapter.TokenUsage, error) {
	stream, err := l.Adapter.Invoke(ctx, req)
	if err != nil {
		return nil, "", nil, err
	}
	defer stream.Close()

	var text strings.Builder
	var calls []tools.Call
	var usage *modeladapter.TokenUsage

	for {
		ev, err := stream.Recv()
		if err != nil {
			if err == context.Canceled || ctx.Err() != nil {
				return nil, "", nil, ctx.Err()
			}
			break
		}
		switch ev.Type {
		case modeladapter.EventTypeToken:
			text.WriteString(ev.Token)
			l.emit(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, event.TypeLLMToken, llmTokenPayload{Token: ev.Token})
		case modeladapter.EventTypeToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, tools.Call{ToolCallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name, Args: ev.ToolCall.Payload})
			}
		case modeladapter.EventTypeUsage:
			usage = ev.Usage
		case modeladapter.EventTypeDone:
			if ev.Usage != nil {
				usage = ev.Usage
			}
			return calls, text.String(), usage, nil
		}
	}
	return calls, text.String(), usage, nil
}

type llmTokenPayload struct {
	Token string `json:"token"`
}

type stepCompletedPayload struct {
	StepNumber int   `json:"stepNumber"`
	ResultType string `json:"resultType"`
	DurationMS int64 `json:"duration_ms"`
}

// act executes the proposed tool calls. It returns exited=true when the
// batch triggered a delegation or an approval request, either of which
// suspends the run and ends this worker's involvement. allowlist is nil when
// no policy engine is configured (every call is allowed); otherwise only
// calls whose tool name is a key in allowlist are invoked, and every other
// call is blocked with a POLICY_BLOCKED result.
func (l *Loop) act(ctx context.Context, sc scope.Scope, rec run.Run, stepID, spanID string, calls []tools.Call, caps *policy.CapsState, allowlist map[string]bool) (exited bool, results []tools.Result, err error) {
	for _, call := range calls {
		if isDelegationPrimitive(call.ToolName) {
			subtasks, perr := parseSubtasks(swarm.Primitive(call.ToolName), call.Args)
			if perr != nil {
				return false, nil, runtimeerr.Newf(runtimeerr.CodeAgentError, "parse delegation args: %v", perr)
			}
			if _, derr := l.Swarm.Delegate(ctx, sc, swarm.Primitive(call.ToolName), rec, subtasks); derr != nil {
				return false, nil, derr
			}
			return true, nil, nil
		}
	}

	var blocked []tools.Call
	var runnable []tools.Call
	if allowlist != nil {
		for _, call := range calls {
			if allowlist[call.ToolName] {
				runnable = append(runnable, call)
			} else {
				blocked = append(blocked, call)
			}
		}
	} else {
		runnable = calls
	}

	for _, call := range blocked {
		l.emit(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, event.TypeToolBlocked, toolBlockedPayload{ToolName: call.ToolName, Reason: "not in the current step's policy allowlist"})
		res := tools.Result{ToolCallID: call.ToolCallID, ToolName: call.ToolName, IsError: true, ErrorCode: string(runtimeerr.CodePolicyBlocked), ErrorMsg: "tool blocked by policy for this step"}
		l.rememberToolCall(ctx, rec, call)
		l.rememberToolResult(ctx, rec, res)
		results = append(results, res)
	}

	for _, call := range runnable {
		spec, ok := l.Scheduler.Router.Spec(call.ToolName)
		if ok && (spec.RequiresApproval || spec.RiskLevel == tools.RiskHigh) {
			l.rememberToolCall(ctx, rec, call)
			if aerr := l.Approval.RequestApproval(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, call.ToolCallID, call.ToolName, call.Args, "high risk tool call", string(spec.RiskLevel)); aerr != nil {
				return false, nil, aerr
			}
			return true, nil, nil
		}
	}

	batchResults, err := l.Scheduler.RunBatch(ctx, sc, rec.RunID, rec.AgentID, stepID, spanID, runnable)
	if err != nil {
		return false, nil, err
	}
	results = append(results, batchResults...)

	if caps.MaxConsecutiveFailedToolCalls > 0 {
		for _, res := range batchResults {
			if res.IsError {
				caps.RemainingConsecutiveFailedToolCalls--
			} else {
				caps.RemainingConsecutiveFailedToolCalls = caps.MaxConsecutiveFailedToolCalls
			}
		}
		if caps.RemainingConsecutiveFailedToolCalls <= 0 {
			return false, nil, runtimeerr.New(runtimeerr.CodeBudgetExceeded, "too many consecutive tool call failures")
		}
	}
	if caps.MaxToolCalls > 0 {
		caps.RemainingToolCalls -= len(batchResults)
		if caps.RemainingToolCalls <= 0 {
			return false, nil, runtimeerr.New(runtimeerr.CodeBudgetExceeded, "run exhausted its tool call budget")
		}
	}

	for i, call := range runnable {
		l.rememberToolCall(ctx, rec, call)
		if i < len(batchResults) {
			l.rememberToolResult(ctx, rec, batchResults[i])
		}
	}

	return false, results, nil
}

type toolBlockedPayload struct {
	ToolName string `json:"toolName"`
	Reason   string `json:"reason"`
}

func (l *Loop) rememberToolCall(ctx context.Context, rec run.Run, call tools.Call) {
	_ = l.Memory.AppendEvents(ctx, rec.AgentID, rec.RunID, memory.Event{
		Type: memory.EventToolCall, Timestamp: time.Now(),
		Data: toolCallRecord{ID: call.ToolCallID, Name: call.ToolName, Args: call.Args},
	})
}

func (l *Loop) rememberToolResult(ctx context.Context, rec run.Run, res tools.Result) {
	_ = l.Memory.AppendEvents(ctx, rec.AgentID, rec.RunID, memory.Event{
		Type: memory.EventToolResult, Timestamp: time.Now(),
		Data: toolResultRecord{ID: res.ToolCallID, Output: res.Output, IsError: res.IsError},
	})
}

func isDelegationPrimitive(name string) bool {
	switch swarm.Primitive(name) {
	case swarm.PrimitiveDispatchSubtasks, swarm.PrimitiveHandoffTo, swarm.PrimitiveEscalateToGroup:
		return true
	}
	return false
}

type subtaskArgs struct {
	RoleID  string          `json:"role_id"`
	Goal    string          `json:"goal"`
	Input   string          `json:"input"`
	AgentID string          `json:"agent_id"`
}

func parseSubtasks(primitive swarm.Primitive, args json.RawMessage) ([]swarm.Subtask, error) {
	if primitive == swarm.PrimitiveHandoffTo {
		var a subtaskArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return []swarm.Subtask{{RoleID: a.RoleID, Goal: a.Goal, Input: a.Input, AgentID: a.AgentID}}, nil
	}
	var batch struct {
		Subtasks []subtaskArgs `json:"subtasks"`
	}
	if err := json.Unmarshal(args, &batch); err != nil {
		return nil, err
	}
	out := make([]swarm.Subtask, 0, len(batch.Subtasks))
	for _, a := range batch.Subtasks {
		out = append(out, swarm.Subtask{RoleID: a.RoleID, Goal: a.Goal, Input: a.Input, AgentID: a.AgentID})
	}
	return out, nil
}

func (l *Loop) commit(ctx context.Context, sc scope.Scope, rec run.Run, stepID, spanID, finalText string, calls []tools.Call, ordinal int) error {
	if finalText != "" {
		if err := l.Memory.AppendEvents(ctx, rec.AgentID, rec.RunID, memory.Event{
			Type: memory.EventAssistantMessage, Timestamp: time.Now(), Data: finalText,
		}); err != nil {
			return err
		}
	}

	cp := checkpoint.Checkpoint{
		RunID: rec.RunID, AgentID: rec.AgentID, StepID: stepID,
		State: checkpoint.State{WorkingSummary: finalText, MessageOrdinal: ordinal},
	}
	_, err := l.Checkpoints.Save(ctx, sc, cp)
	return err
}

func (l *Loop) succeed(ctx context.Context, sc scope.Scope, rec run.Run, output string) error {
	if _, err := l.Runs.Complete(ctx, rec.RunID, run.Result{Output: output}); err != nil {
		return err
	}
	l.emit(ctx, sc, rec.RunID, rec.AgentID, "", "", event.TypeRunCompleted, run.Result{Output: output})
	l.logger().Info(ctx, "run completed", "run_id", rec.RunID, "agent_id", rec.AgentID)
	return nil
}

func (l *Loop) fail(ctx context.Context, sc scope.Scope, rec run.Run, cause error) error {
	failure := run.Failure{Code: string(runtimeerr.CodeAgentError), Message: cause.Error()}
	if rerr, ok := cause.(*runtimeerr.Error); ok {
		failure = run.Failure{Code: string(rerr.Code), Message: rerr.Message}
	}
	if _, err := l.Runs.Fail(ctx, rec.RunID, failure); err != nil {
		return err
	}
	l.emit(ctx, sc, rec.RunID, rec.AgentID, "", "", event.TypeRunFailed, runFailedPayload{Error: failure})
	l.logger().Error(ctx, "run failed", "run_id", rec.RunID, "agent_id", rec.AgentID, "code", failure.Code)
	return cause
}

type runFailedPayload struct {
	Error run.Failure `json:"error"`
}

func (l *Loop) emit(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, typ event.Type, payload any) {
	draft, err := event.NewDraft(runID, typ, payload)
	if err != nil {
		return
	}
	draft.AgentID, draft.StepID, draft.SpanID = agentID, stepID, spanID
	_, _ = l.Events.AppendOne(ctx, sc, draft)
}

// logger returns l.Logger, or a no-op when unset so callers never need a
// nil check.
func (l *Loop) logger() telemetry.Logger {
	if l.Logger == nil {
		return telemetry.NewNoopLogger()
	}
	return l.Logger
}

// tracer returns l.Tracer, or a no-op when unset so callers never need a
// nil check.
func (l *Loop) tracer() telemetry.Tracer {
	if l.Tracer == nil {
		return telemetry.NewNoopTracer()
	}
	return l.Tracer
}

// Package approval implements the approval gate: suspending a run on a
// high-risk tool call and resolving it from an external approve/reject
// decision, idempotently, with no separate pending-approvals table.
package approval

import (
	"context"
	"encoding/json"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/run"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
	"github.com/fluxgate-ai/agentrun/tools"
)

// SuspendReasonApproval is the Run.SuspendReason value used when a run is
// waiting on a human approve/reject decision.
const SuspendReasonApproval = "awaiting_approval"

// Enqueuer hands a run that just transitioned suspended->pending back to a
// worker pool. dispatch.Dispatcher satisfies this; Gate depends only on the
// method it needs so the two packages don't import each other.
type Enqueuer interface {
	Enqueue(sc scope.Scope, runID string)
}

// Gate holds high-risk tool calls pending a human decision, reading its
// state back out of the event log rather than a dedicated table.
type Gate struct {
	Events   event.Store
	Runs     run.Repository
	Router   *tools.Router
	Dispatch Enqueuer // optional; nil means callers re-enqueue themselves
}

// New constructs a Gate over the given event log, run repository, and tool
// router. Router is required: an approved call is invoked through it exactly
// as the scheduler would have invoked it had the call not needed approval.
func New(events event.Store, runs run.Repository, router *tools.Router) *Gate {
	return &Gate{Events: events, Runs: runs, Router: router}
}

type requiresApprovalPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	Reason     string          `json:"reason"`
	RiskLevel  string          `json:"risk_level"`
}

// RequestApproval emits tool.requires_approval and suspends the run. The
// agent loop calls this instead of invoking the tool, then exits its loop.
func (g *Gate) RequestApproval(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, toolCallID, toolName string, args json.RawMessage, reason, riskLevel string) error {
	draft, err := event.NewDraft(runID, event.TypeToolRequiresApproval, requiresApprovalPayload{
		ToolCallID: toolCallID, ToolName: toolName, Args: args, Reason: reason, RiskLevel: riskLevel,
	})
	if err != nil {
		return err
	}
	draft.AgentID, draft.StepID, draft.SpanID = agentID, stepID, spanID
	if _, err := g.Events.AppendOne(ctx, sc, draft); err != nil {
		return err
	}
	_, err = g.Runs.MarkSuspended(ctx, runID, SuspendReasonApproval)
	return err
}

// Decision is an external approve/reject call.
type Decision struct {
	ToolCallID    string
	Approve       bool
	ModifiedArgs  json.RawMessage
	Reason        string
}

type approvedPayload struct {
	ToolCallID          string          `json:"tool_call_id"`
	ModifiedArgs        json.RawMessage `json:"modified_args,omitempty"`
	ModifiedArgsApplied bool            `json:"modified_args_applied"`
}

type rejectedPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Reason     string `json:"reason,omitempty"`
}

// toolCalledPayload, toolResultPayload, and errorPayload mirror the
// scheduler's on-wire shapes for the same event types. A call that clears
// approval goes through exactly these events, the same as it would have if
// it never needed approval in the first place.
type toolCalledPayload struct {
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
}

type toolResultPayload struct {
	ToolName string          `json:"toolName"`
	Result   json.RawMessage `json:"result,omitempty"`
	IsError  bool            `json:"isError"`
	Error    *errorPayload   `json:"error,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// pendingApproval is the tool call recovered from its requires_approval
// event, the information Resolve needs to invoke (or synthesize a rejection
// result for) the call it names.
type pendingApproval struct {
	ToolName string
	Args     json.RawMessage
}

// Resolve records the decision, reconciles the tool call it names, and
// resumes the run. On approve, the call is invoked through Router (applying
// ModifiedArgs in place of the original args when the decision set them) and
// its outcome is appended as tool.called/tool.result, exactly as the
// scheduler would have recorded it. On reject, no handler runs; a synthetic
// tool.result carrying an APPROVAL_REJECTED error is appended instead, so the
// run's history always has a result for every call it proposed.
//
// Resolve is idempotent: if toolCallID already has an approve or reject
// event, it returns ALREADY_RESOLVED rather than recording a second one.
func (g *Gate) Resolve(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, dec Decision) error {
	pending, resolved, err := g.findPending(ctx, sc, runID, dec.ToolCallID)
	if err != nil {
		return err
	}
	if resolved {
		return runtimeerr.Newf(runtimeerr.CodeAlreadyResolved, "tool_call_id %q already resolved", dec.ToolCallID)
	}

	if dec.Approve {
		draft, err := event.NewDraft(runID, event.TypeToolApproved, approvedPayload{
			ToolCallID: dec.ToolCallID, ModifiedArgs: dec.ModifiedArgs, ModifiedArgsApplied: len(dec.ModifiedArgs) > 0,
		})
		if err != nil {
			return err
		}
		draft.AgentID, draft.StepID, draft.SpanID = agentID, stepID, spanID
		if _, err := g.Events.AppendOne(ctx, sc, draft); err != nil {
			return err
		}

		args := pending.Args
		if len(dec.ModifiedArgs) > 0 {
			args = dec.ModifiedArgs
		}
		g.invoke(ctx, sc, runID, agentID, stepID, spanID, tools.Call{
			ToolCallID: dec.ToolCallID, ToolName: pending.ToolName, Args: args,
		})
	} else {
		draft, err := event.NewDraft(runID, event.TypeToolRejected, rejectedPayload{ToolCallID: dec.ToolCallID, Reason: dec.Reason})
		if err != nil {
			return err
		}
		draft.AgentID, draft.StepID, draft.SpanID = agentID, stepID, spanID
		if _, err := g.Events.AppendOne(ctx, sc, draft); err != nil {
			return err
		}

		resultPayload := toolResultPayload{
			ToolName: pending.ToolName,
			IsError:  true,
			Error:    &errorPayload{Code: string(runtimeerr.CodeApprovalRejected), Message: dec.Reason},
		}
		g.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolResult, resultPayload)
	}

	if _, err := g.Runs.ResumeFromSuspended(ctx, runID); err != nil {
		return err
	}
	if g.Dispatch != nil {
		g.Dispatch.Enqueue(sc, runID)
	}
	return nil
}

// invoke runs call through Router and appends the tool.called/tool.result
// pair, mirroring scheduler.Scheduler.invoke's event shape.
func (g *Gate) invoke(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, call tools.Call) {
	g.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolCalled, toolCalledPayload{ToolName: call.ToolName, Args: call.Args})

	out, err := g.Router.Invoke(ctx, call)
	payload := toolResultPayload{ToolName: call.ToolName, Result: out}
	if err != nil {
		payload.IsError = true
		payload.Error = &errorPayload{Code: string(runtimeerr.CodeToolError), Message: err.Error()}
	}
	g.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolResult, payload)
}

func (g *Gate) emit(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, typ event.Type, payload any) {
	draft, err := event.NewDraft(runID, typ, payload)
	if err != nil {
		return
	}
	draft.AgentID, draft.StepID, draft.SpanID = agentID, stepID, spanID
	_, _ = g.Events.AppendOne(ctx, sc, draft)
}

// findPending scans the run's event log for toolCallID's requires_approval
// event (to recover the tool name and args to invoke) and for any later
// approved or rejected event that already resolved it.
func (g *Gate) findPending(ctx context.Context, sc scope.Scope, runID, toolCallID string) (pendingApproval, bool, error) {
	var pending pendingApproval
	var resolved bool
	var after int64
	for {
		page, err := g.Events.ReadPage(ctx, sc, runID, after, 256, nil)
		if err != nil {
			return pending, false, err
		}
		for _, e := range page.Items {
			switch e.Type {
			case event.TypeToolRequiresApproval:
				var req requiresApprovalPayload
				if err := json.Unmarshal(e.Payload, &req); err != nil {
					continue
				}
				if req.ToolCallID == toolCallID {
					pending = pendingApproval{ToolName: req.ToolName, Args: req.Args}
				}
			case event.TypeToolApproved, event.TypeToolRejected:
				var id struct {
					ToolCallID string `json:"tool_call_id"`
				}
				if err := json.Unmarshal(e.Payload, &id); err != nil {
					continue
				}
				if id.ToolCallID == toolCallID {
					resolved = true
				}
			}
		}
		if page.NextCursor == nil {
			return pending, resolved, nil
		}
		after = *page.NextCursor
	}
}

// Package policy codifies policy evaluation and enforcement for agent runs.
// Policy engines decide which tools remain available to the agent loop on
// each step, enforce resource caps (max tool calls, time budgets, failure
// limits), and react to retry hints raised after a failed tool call. This
// allows runtime-level control over agent behavior without modifying the
// loop's decide/act logic or individual tool implementations.
package policy

import (
	"context"
	"time"

	"github.com/fluxgate-ai/agentrun/run"
)

type (
	// Engine decides which tools remain available to the agent loop on each
	// step. agentloop.Loop invokes the policy engine before each decide/act
	// pair to compute the allowlist and update caps. This enables dynamic
	// tool filtering, circuit breaking, and budget enforcement without the
	// loop itself knowing why a tool was withheld.
	//
	// Implementations can inspect retry hints, track failure patterns, consult
	// external systems (approval workflows, rate limiters), or apply
	// rule-based logic to restrict tool access. A run with no Engine
	// configured skips policy entirely and allows every registered tool.
	Engine interface {
		// Decide evaluates policy constraints and returns the decision for this
		// step. Returns an error if the policy engine itself fails (e.g., an
		// external system it depends on is unavailable); the loop treats that
		// as a run failure.
		//
		// Implementations should be fast (well under the model call they gate)
		// to avoid stalling the step they guard.
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// Input groups all the information made available to the policy engine
	// for one step's decision. agentloop.Loop constructs this before each
	// policy check.
	Input struct {
		// RunContext carries run-level identifiers, labels, and caps configuration.
		// Policies can inspect labels for routing decisions (e.g., allow privileged
		// tools for "admin" runs).
		RunContext run.Context

		// Tools lists every tool registered with the run's Router. The policy
		// engine filters this list down to the allowlist for the current step.
		Tools []ToolMetadata

		// RetryHint carries the reason the previous tool call failed, when it
		// did (e.g., a timeout, an unavailable tool). Nil if the previous step
		// had no failing call. Policies can honor or ignore these hints based
		// on configuration.
		RetryHint *RetryHint

		// RemainingCaps reflects the current execution budgets (remaining tool calls,
		// consecutive failures allowed, time budget). Policies use this to decide
		// whether to allow more tool invocations or terminate the run.
		RemainingCaps CapsState

		// Requested enumerates the tool calls the model actually proposed on the
		// previous step. Policies can use this to restrict or prioritize tools
		// the model has shown it wants to use.
		Requested []ToolHandle

		// Labels are arbitrary key/value pairs carried forward from the previous
		// step's Decision.Labels (or empty on the first step). Example:
		// {"environment": "production", "user_tier": "premium"}.
		Labels map[string]string
	}

	// Decision captures the outcome of a policy evaluation for a step. The
	// loop applies this decision before invoking the model: it updates caps,
	// blocks calls outside the allowlist, and withholds every tool for the
	// step if DisableTools is true.
	Decision struct {
		// AllowedTools is the final allowlist of tools for this step. The loop
		// rejects any call the model proposes outside this list with a
		// POLICY_BLOCKED tool result instead of invoking it. Empty means no
		// tools are allowed (the model must produce a final response).
		AllowedTools []ToolHandle

		// Caps carries the updated caps that should be enforced for this step and
		// subsequent steps. Policies can decrement counts (consume budget) or adjust
		// limits based on observed behavior.
		Caps CapsState

		// DisableTools withholds tools for this step. If true, the loop sends the
		// model no tool definitions and blocks any call it still proposes with a
		// POLICY_BLOCKED tool result; the run is not terminated. Used for circuit
		// breaking or budget exhaustion.
		DisableTools bool

		// Labels allows policies to annotate downstream telemetry, memory, or hooks.
		// These labels replace the previous step's labels in the next step's Input
		// and RunContext. Example: {"policy_applied": "failure_circuit_breaker"}.
		Labels map[string]string

		// Metadata captures policy-specific information (e.g., reason codes, approval IDs)
		// that should be persisted for audit trails. The loop logs this alongside the
		// step it gated.
		Metadata map[string]any
	}

	// ToolMetadata describes a candidate tool available to the agent. The loop
	// builds this from tools.Router.All() before each policy check.
	ToolMetadata struct {
		// ID is the tool's registered name (matches tools.Spec.Name). Tools in
		// this module are addressed by plain name, not a qualified path.
		ID string

		// Name is the tool name used for display or logging. The agent loop
		// fills it with the registered name, the same value as ID.
		Name string

		// Description documents the tool's purpose and behavior. Policies may inspect
		// this for keyword-based filtering (e.g., block tools mentioning "delete").
		Description string

		// Tags lists metadata labels for filtering (e.g., ["privileged", "external"]).
		// Policies can allowlist/blocklist based on tags without hardcoding tool IDs.
		Tags []string
	}

	// ToolHandle identifies a tool by name. Used in allowlists, requested tool
	// lists, and policy decisions to reference specific tools without
	// carrying full metadata.
	ToolHandle struct {
		// ID is the tool's registered name (matches ToolMetadata.ID).
		ID string
	}

	// CapsState tracks remaining execution budgets for a run. The runtime decrements
	// these counters as tool calls execute and failures occur. When caps are exhausted,
	// the runtime terminates the workflow or forces a final response.
	CapsState struct {
		// MaxToolCalls is the total allowed tool invocations for the run. Zero means
		// unlimited. Set by the policy engine through Decision.Caps.
		MaxToolCalls int

		// RemainingToolCalls tracks how many tool invocations are still allowed. The
		// runtime decrements this after each tool execution (success or failure).
		// When this reaches zero, no more tool calls are permitted.
		RemainingToolCalls int

		// MaxConsecutiveFailedToolCalls caps consecutive failures per run. Zero means
		// unlimited. Used for circuit breaking: if N tools fail in a row, terminate.
		MaxConsecutiveFailedToolCalls int

		// RemainingConsecutiveFailedToolCalls tracks how many consecutive failures are allowed
		// before circuit breaking. The runtime decrements this on each failure and resets
		// it to MaxConsecutiveFailedToolCalls on success. When this reaches zero, the
		// run is terminated.
		RemainingConsecutiveFailedToolCalls int

		// ExpiresAt conveys when the run-level budgets expire (wall-clock deadline).
		// Zero means no deadline. The runtime terminates the workflow if time.Now()
		// exceeds this timestamp. Set by the policy engine through Decision.Caps.
		ExpiresAt time.Time
	}
)

// RetryReason categorizes the tool-call failure communicated via RetryHint.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates what went wrong on the previous tool call so policy
// engines can adjust allowlists or caps. agentloop.Loop builds this from the
// previous step's tool result before invoking Engine.Decide.
type RetryHint struct {
	Reason             RetryReason
	Tool               string
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}

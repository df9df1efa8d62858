// Package event defines the append-only event log: the canonical source of
// truth for everything that happens during a run. Events are immutable once
// appended; the log never inspects or rewrites payloads.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fluxgate-ai/agentrun/scope"
)

// Type enumerates the closed set of event types the log accepts.
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeRunCancelled Type = "run.cancelled"
	TypeRunSuspended Type = "run.suspended"
	TypeRunResumed   Type = "run.resumed"

	TypeStepStarted   Type = "step.started"
	TypeStepCompleted Type = "step.completed"

	TypeLLMCalled Type = "llm.called"
	TypeLLMToken  Type = "llm.token"

	TypeToolCalled           Type = "tool.called"
	TypeToolResult           Type = "tool.result"
	TypeToolBlocked          Type = "tool.blocked"
	TypeToolRequiresApproval Type = "tool.requires_approval"
	TypeToolApproved         Type = "tool.approved"
	TypeToolRejected         Type = "tool.rejected"
	TypeToolBatchStarted     Type = "tool.batch.started"
	TypeToolBatchCompleted   Type = "tool.batch.completed"

	TypeMemoryWritten   Type = "memory.written"
	TypeMemoryRetrieved Type = "memory.retrieved"

	TypeCheckpointSaved Type = "checkpoint.saved"

	TypeMessageTask     Type = "message.task"
	TypeMessageProposal Type = "message.proposal"
	TypeMessageDecision Type = "message.decision"
	TypeMessageEvidence Type = "message.evidence"
	TypeMessageStatus   Type = "message.status"

	TypeUserInjected Type = "user.injected"
)

// terminalTypes is the set of types that close a run's event stream.
var terminalTypes = map[Type]bool{
	TypeRunCompleted: true,
	TypeRunFailed:    true,
	TypeRunCancelled: true,
}

// IsTerminal reports whether t is one of the three terminal run events.
func IsTerminal(t Type) bool {
	return terminalTypes[t]
}

// Redaction records whether a payload has been scrubbed of secrets by the
// caller before append. The log never inspects payloads itself.
type Redaction struct {
	ContainsSecrets bool `json:"contains_secrets"`
}

// Event is a single immutable fact appended during a run.
type Event struct {
	// ID is the store-assigned, strictly increasing identifier, unique
	// across all runs. Zero until appended.
	ID int64 `json:"id"`

	RunID         string          `json:"run_id"`
	TS            time.Time       `json:"ts"`
	AgentID       string          `json:"agent_id"`
	StepID        string          `json:"step_id"`
	SpanID        string          `json:"span_id"`
	ParentSpanID  string          `json:"parent_span_id,omitempty"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	V             int             `json:"v"`
	Redaction     Redaction       `json:"redaction"`
	GroupID       string          `json:"group_id,omitempty"`
	MessageType   string          `json:"message_type,omitempty"`
}

// NewDraft builds an Event ready for Append: V defaults to schema version 1
// and TS defaults to now if zero. The caller still owns setting Redaction.
func NewDraft(runID string, t Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		RunID:   runID,
		TS:      time.Now(),
		Type:    t,
		Payload: raw,
		V:       1,
	}, nil
}

// Page is one forward page of a run's event log.
type Page struct {
	Items []Event
	// NextCursor is the id of the last scanned event (which may be an
	// excluded one), or nil when fewer than the requested limit rows were
	// scanned, meaning the reader has caught up.
	NextCursor *int64
}

// Store is the append-only, cursor-paginated event log.
type Store interface {
	// AppendOne persists a single event and returns its assigned id.
	AppendOne(ctx context.Context, sc scope.Scope, e Event) (int64, error)

	// AppendMany persists a batch of events transactionally, returning their
	// assigned ids in insertion order.
	AppendMany(ctx context.Context, sc scope.Scope, events []Event) ([]int64, error)

	// ReadPage returns up to limit events for runID with id > afterID, in
	// ascending order. excludeTypes filters out matching types from the
	// result; excluded rows still count toward limit, so a page may hold
	// fewer than limit items while NextCursor is set. Returns NOT_FOUND if
	// the run is not visible under sc.
	ReadPage(ctx context.Context, sc scope.Scope, runID string, afterID int64, limit int, excludeTypes []Type) (Page, error)
}

// Package checkpoint persists resumable agent state at step boundaries so a
// suspended or crashed run can pick up where it left off.
package checkpoint

import (
	"context"
	"encoding/json"

	"github.com/fluxgate-ai/agentrun/scope"
)

// State is the opaque snapshot committed at each step: plan, working
// summary, tool state, and the message ordinal the loop had reached.
type State struct {
	Plan            json.RawMessage `json:"plan,omitempty"`
	WorkingSummary  string          `json:"working_summary,omitempty"`
	ToolState       json.RawMessage `json:"tool_state,omitempty"`
	MessageOrdinal  int             `json:"message_ordinal"`
}

// Checkpoint is one committed snapshot, scoped to a (run, agent, step).
type Checkpoint struct {
	ID      int64
	RunID   string
	AgentID string
	StepID  string
	State   State
}

// Store persists checkpoints and answers "latest for (run, agent)" queries.
// One row per (run, step) commit; id is assigned by the store and increases
// monotonically so "latest" is simply the highest id.
type Store interface {
	Save(ctx context.Context, sc scope.Scope, cp Checkpoint) (Checkpoint, error)
	Latest(ctx context.Context, sc scope.Scope, runID, agentID string) (Checkpoint, bool, error)
}

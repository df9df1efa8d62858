package approval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/agentrun/event"
	eventinmem "github.com/fluxgate-ai/agentrun/event/inmem"
	"github.com/fluxgate-ai/agentrun/run"
	runinmem "github.com/fluxgate-ai/agentrun/run/inmem"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
	"github.com/fluxgate-ai/agentrun/tools"
)

type fakeEnqueuer struct {
	calls []string
}

func (f *fakeEnqueuer) Enqueue(_ scope.Scope, runID string) {
	f.calls = append(f.calls, runID)
}

var deleteFileCalls int

func newTestRouter() *tools.Router {
	deleteFileCalls = 0
	router := tools.NewRouter()
	_ = router.Register(tools.Spec{Name: "delete_file", RiskLevel: tools.RiskHigh, RequiresApproval: true}, func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		deleteFileCalls++
		return json.RawMessage(`{"deleted":true}`), nil
	})
	return router
}

func newGateFixture(t *testing.T) (*Gate, *runinmem.Repository, *eventinmem.Store, scope.Scope, run.Run) {
	t.Helper()
	events := eventinmem.New()
	runs := runinmem.New(nil, events)
	sc := scope.New("org", "user")

	rec, err := runs.Create(context.Background(), run.CreateInput{Scope: sc, AgentID: "agent"})
	require.NoError(t, err)
	rec, err = runs.ClaimRunning(context.Background(), rec.RunID)
	require.NoError(t, err)

	return New(events, runs, newTestRouter()), runs, events, sc, rec
}

// lastToolResult returns the payload of the most recent tool.result event on
// runID, to let tests assert on what Resolve recorded without reaching into
// Gate internals.
func lastToolResult(t *testing.T, events *eventinmem.Store, sc scope.Scope, runID string) toolResultPayload {
	t.Helper()
	page, err := events.ReadPage(context.Background(), sc, runID, 0, 256, nil)
	require.NoError(t, err)
	var found toolResultPayload
	var ok bool
	for _, e := range page.Items {
		if e.Type != event.TypeToolResult {
			continue
		}
		require.NoError(t, json.Unmarshal(e.Payload, &found))
		ok = true
	}
	require.True(t, ok, "expected a tool.result event on run %q", runID)
	return found
}

func TestRequestApprovalSuspendsRun(t *testing.T) {
	gate, runs, _, sc, rec := newGateFixture(t)

	err := gate.RequestApproval(context.Background(), sc, rec.RunID, rec.AgentID, "step-1", "span-1",
		"call-1", "delete_file", json.RawMessage(`{"path":"/tmp/x"}`), "destructive", "high")
	require.NoError(t, err)

	updated, err := runs.Get(context.Background(), sc, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusSuspended, updated.Status)
	require.Equal(t, SuspendReasonApproval, updated.SuspendReason)
}

func TestResolveApproveResumesAndEnqueues(t *testing.T) {
	gate, runs, events, sc, rec := newGateFixture(t)
	enq := &fakeEnqueuer{}
	gate.Dispatch = enq

	require.NoError(t, gate.RequestApproval(context.Background(), sc, rec.RunID, rec.AgentID, "", "",
		"call-1", "delete_file", json.RawMessage(`{"path":"/tmp/x"}`), "destructive", "high"))

	err := gate.Resolve(context.Background(), sc, rec.RunID, rec.AgentID, "", "", Decision{ToolCallID: "call-1", Approve: true})
	require.NoError(t, err)

	updated, err := runs.Get(context.Background(), sc, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, updated.Status)
	require.Equal(t, []string{rec.RunID}, enq.calls)

	require.Equal(t, 1, deleteFileCalls, "the approved call must actually invoke the tool handler")
	result := lastToolResult(t, events, sc, rec.RunID)
	require.Equal(t, "delete_file", result.ToolName)
	require.False(t, result.IsError)
	require.JSONEq(t, `{"deleted":true}`, string(result.Result))
}

func TestResolveApproveAppliesModifiedArgs(t *testing.T) {
	gate, _, events, sc, rec := newGateFixture(t)

	require.NoError(t, gate.RequestApproval(context.Background(), sc, rec.RunID, rec.AgentID, "", "",
		"call-1", "delete_file", json.RawMessage(`{"path":"/tmp/x"}`), "destructive", "high"))

	modified := json.RawMessage(`{"path":"/tmp/y"}`)
	err := gate.Resolve(context.Background(), sc, rec.RunID, rec.AgentID, "", "", Decision{ToolCallID: "call-1", Approve: true, ModifiedArgs: modified})
	require.NoError(t, err)

	require.Equal(t, 1, deleteFileCalls)
	result := lastToolResult(t, events, sc, rec.RunID)
	require.False(t, result.IsError)

	page, err := events.ReadPage(context.Background(), sc, rec.RunID, 0, 256, nil)
	require.NoError(t, err)
	var called toolCalledPayload
	for _, e := range page.Items {
		if e.Type == event.TypeToolCalled {
			require.NoError(t, json.Unmarshal(e.Payload, &called))
		}
	}
	require.JSONEq(t, string(modified), string(called.Args))
}

func TestResolveRejectDoesNotApplyModifiedArgs(t *testing.T) {
	gate, runs, events, sc, rec := newGateFixture(t)

	require.NoError(t, gate.RequestApproval(context.Background(), sc, rec.RunID, rec.AgentID, "", "",
		"call-1", "delete_file", json.RawMessage(`{"path":"/tmp/x"}`), "destructive", "high"))

	err := gate.Resolve(context.Background(), sc, rec.RunID, rec.AgentID, "", "", Decision{ToolCallID: "call-1", Approve: false, ModifiedArgs: json.RawMessage(`{"path":"/tmp/y"}`), Reason: "too risky"})
	require.NoError(t, err)

	updated, err := runs.Get(context.Background(), sc, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, updated.Status)

	require.Equal(t, 0, deleteFileCalls, "a rejected call must never reach the tool handler")
	result := lastToolResult(t, events, sc, rec.RunID)
	require.Equal(t, "delete_file", result.ToolName)
	require.True(t, result.IsError)
	require.Equal(t, string(runtimeerr.CodeApprovalRejected), result.Error.Code)
	require.Equal(t, "too risky", result.Error.Message)
}

func TestResolveIsIdempotent(t *testing.T) {
	gate, _, _, sc, rec := newGateFixture(t)

	require.NoError(t, gate.RequestApproval(context.Background(), sc, rec.RunID, rec.AgentID, "", "",
		"call-1", "delete_file", nil, "destructive", "high"))
	require.NoError(t, gate.Resolve(context.Background(), sc, rec.RunID, rec.AgentID, "", "", Decision{ToolCallID: "call-1", Approve: true}))

	err := gate.Resolve(context.Background(), sc, rec.RunID, rec.AgentID, "", "", Decision{ToolCallID: "call-1", Approve: true})
	require.Error(t, err)
	rerr, ok := err.(*runtimeerr.Error)
	require.True(t, ok)
	require.Equal(t, runtimeerr.CodeAlreadyResolved, rerr.Code)
}

func TestResolveWithoutDispatchDoesNotPanic(t *testing.T) {
	gate, _, _, sc, rec := newGateFixture(t)

	require.NoError(t, gate.RequestApproval(context.Background(), sc, rec.RunID, rec.AgentID, "", "",
		"call-1", "delete_file", nil, "destructive", "high"))
	require.NoError(t, gate.Resolve(context.Background(), sc, rec.RunID, rec.AgentID, "", "", Decision{ToolCallID: "call-1", Approve: true}))
}

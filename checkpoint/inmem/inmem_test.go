package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/agentrun/checkpoint"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

func TestLatestReturnsHighestIDForAgent(t *testing.T) {
	store := New()
	sc := scope.New("org", "user")

	_, err := store.Save(context.Background(), sc, checkpoint.Checkpoint{RunID: "r1", AgentID: "a1", State: checkpoint.State{MessageOrdinal: 1}})
	require.NoError(t, err)
	_, err = store.Save(context.Background(), sc, checkpoint.Checkpoint{RunID: "r1", AgentID: "a2", State: checkpoint.State{MessageOrdinal: 1}})
	require.NoError(t, err)
	saved, err := store.Save(context.Background(), sc, checkpoint.Checkpoint{RunID: "r1", AgentID: "a1", State: checkpoint.State{MessageOrdinal: 2}})
	require.NoError(t, err)

	latest, ok, err := store.Latest(context.Background(), sc, "r1", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, saved.ID, latest.ID)
	require.Equal(t, 2, latest.State.MessageOrdinal)
}

func TestLatestReturnsFalseWhenNoneSaved(t *testing.T) {
	store := New()
	_, ok, err := store.Latest(context.Background(), scope.New("org", "user"), "missing", "a1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBindScopeRejectsMismatchedScope(t *testing.T) {
	store := New()
	owner := scope.New("org", "user")
	store.BindScope("r1", owner)

	_, err := store.Save(context.Background(), scope.New("org", "intruder"), checkpoint.Checkpoint{RunID: "r1", AgentID: "a1"})
	require.Error(t, err)
	rerr, ok := err.(*runtimeerr.Error)
	require.True(t, ok)
	require.Equal(t, runtimeerr.CodeNotFound, rerr.Code)

	_, _, err = store.Latest(context.Background(), scope.New("org", "intruder"), "r1", "a1")
	require.Error(t, err)
}

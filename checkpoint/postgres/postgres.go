// Package postgres provides a durable checkpoint.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxgate-ai/agentrun/checkpoint"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// Store implements checkpoint.Store against the checkpoints table.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, sc scope.Scope, cp checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	if err := s.checkRunScope(ctx, cp.RunID, sc); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	raw, err := json.Marshal(cp.State)
	if err != nil {
		return checkpoint.Checkpoint{}, runtimeerr.Wrap(runtimeerr.CodeInvalidInput, "marshal checkpoint state", err)
	}
	row := s.pool.QueryRow(ctx, insertCheckpointSQL, cp.RunID, cp.AgentID, cp.StepID, raw)
	if err := row.Scan(&cp.ID); err != nil {
		return checkpoint.Checkpoint{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "insert checkpoint", err)
	}
	return cp, nil
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(ctx context.Context, sc scope.Scope, runID, agentID string) (checkpoint.Checkpoint, bool, error) {
	if err := s.checkRunScope(ctx, runID, sc); err != nil {
		return checkpoint.Checkpoint{}, false, err
	}
	row := s.pool.QueryRow(ctx, selectLatestCheckpointSQL, runID, agentID)
	var cp checkpoint.Checkpoint
	var raw []byte
	cp.RunID, cp.AgentID = runID, agentID
	if err := row.Scan(&cp.ID, &cp.StepID, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkpoint.Checkpoint{}, false, nil
		}
		return checkpoint.Checkpoint{}, false, runtimeerr.Wrap(runtimeerr.CodeStorageError, "select latest checkpoint", err)
	}
	if err := json.Unmarshal(raw, &cp.State); err != nil {
		return checkpoint.Checkpoint{}, false, runtimeerr.Wrap(runtimeerr.CodeStorageError, "unmarshal checkpoint state", err)
	}
	return cp, true, nil
}

func (s *Store) checkRunScope(ctx context.Context, runID string, sc scope.Scope) error {
	row := s.pool.QueryRow(ctx, selectRunScopeSQL, runID)
	var orgID, userID string
	var projectID *string
	if err := row.Scan(&orgID, &userID, &projectID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
		}
		return runtimeerr.Wrap(runtimeerr.CodeStorageError, "lookup run scope", err)
	}
	var stored scope.Scope
	if projectID != nil {
		stored = scope.WithProject(orgID, userID, *projectID)
	} else {
		stored = scope.New(orgID, userID)
	}
	if !stored.Equal(sc) {
		return runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	return nil
}

const insertCheckpointSQL = `
INSERT INTO checkpoints (run_id, agent_id, step_id, state)
VALUES ($1, $2, $3, $4)
RETURNING id`

const selectLatestCheckpointSQL = `
SELECT id, step_id, state FROM checkpoints
WHERE run_id = $1 AND agent_id = $2
ORDER BY id DESC LIMIT 1`

const selectRunScopeSQL = `
SELECT org_id, user_id, project_id FROM runs WHERE run_id = $1`

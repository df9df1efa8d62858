// Package postgres provides a durable run.Repository backed by PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxgate-ai/agentrun/run"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// Repository implements run.Repository against the runs/run_dependencies
// tables defined in migrations/0001_init.up.sql.
type Repository struct {
	pool  *pgxpool.Pool
	idGen func() string
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, idGen: uuid.NewString}
}

// Create implements run.Repository.
func (r *Repository) Create(ctx context.Context, in run.CreateInput) (run.Run, error) {
	id := r.idGen()
	var projectID *string
	if in.Scope.HasProject() {
		p := in.Scope.ProjectID
		projectID = &p
	}
	now := time.Now()
	_, err := r.pool.Exec(ctx, insertRunSQL,
		id, in.Scope.OrgID, in.Scope.UserID, projectID, in.SessionKey, nullable(in.GroupID),
		in.AgentID, in.Input, nullableBytes(in.LLMConfig), nullable(in.ParentRunID),
		nullableBytes(in.DelegatedPermissions), string(run.StatusPending), now)
	if err != nil {
		return run.Run{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "insert run", err)
	}
	return run.Run{
		RunID:                id,
		Scope:                in.Scope,
		SessionKey:           in.SessionKey,
		GroupID:              in.GroupID,
		AgentID:              in.AgentID,
		Input:                in.Input,
		LLMConfig:            in.LLMConfig,
		ParentRunID:          in.ParentRunID,
		DelegatedPermissions: in.DelegatedPermissions,
		Status:               run.StatusPending,
		CreatedAt:            now,
	}, nil
}

// Get implements run.Repository.
func (r *Repository) Get(ctx context.Context, sc scope.Scope, runID string) (run.Run, error) {
	rec, err := scanRun(r.pool.QueryRow(ctx, selectRunSQL, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run.Run{}, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
		}
		return run.Run{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "select run", err)
	}
	if !rec.Scope.Equal(sc) {
		return run.Run{}, runtimeerr.Newf(runtimeerr.CodeNotFound, "run %q not found", runID)
	}
	return rec, nil
}

// ClaimRunning implements run.Repository: pending->running via a conditional
// UPDATE, so at most one worker observes rows affected = 1.
func (r *Repository) ClaimRunning(ctx context.Context, runID string) (run.Run, error) {
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'running', started_at = now(), updated_at = now()
		 WHERE run_id = $1 AND status = 'pending'`)
}

// MarkWaiting implements run.Repository.
func (r *Repository) MarkWaiting(ctx context.Context, runID string) (run.Run, error) {
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'waiting', updated_at = now()
		 WHERE run_id = $1 AND status = 'running'`)
}

// ResumeFromWaiting implements run.Repository.
func (r *Repository) ResumeFromWaiting(ctx context.Context, runID string) (run.Run, error) {
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'running', updated_at = now()
		 WHERE run_id = $1 AND status = 'waiting'`)
}

// MarkSuspended implements run.Repository.
func (r *Repository) MarkSuspended(ctx context.Context, runID string, reason string) (run.Run, error) {
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'suspended', suspended_at = now(), suspend_reason = $2, updated_at = now()
		 WHERE run_id = $1 AND status = 'running'`, reason)
}

// ResumeFromSuspended implements run.Repository.
func (r *Repository) ResumeFromSuspended(ctx context.Context, runID string) (run.Run, error) {
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'pending', suspended_at = NULL, suspend_reason = NULL, updated_at = now()
		 WHERE run_id = $1 AND status = 'suspended'`)
}

// Complete implements run.Repository.
func (r *Repository) Complete(ctx context.Context, runID string, result run.Result) (run.Run, error) {
	raw, _ := json.Marshal(result)
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'completed', ended_at = now(), result = $2, updated_at = now()
		 WHERE run_id = $1 AND status = 'running'`, raw)
}

// Fail implements run.Repository.
func (r *Repository) Fail(ctx context.Context, runID string, failure run.Failure) (run.Run, error) {
	raw, _ := json.Marshal(failure)
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'failed', ended_at = now(), error = $2, updated_at = now()
		 WHERE run_id = $1 AND status = 'running'`, raw)
}

// Cancel implements run.Repository.
func (r *Repository) Cancel(ctx context.Context, sc scope.Scope, runID string) (run.Run, error) {
	if _, err := r.Get(ctx, sc, runID); err != nil {
		return run.Run{}, err
	}
	return r.conditionalUpdate(ctx, runID,
		`UPDATE runs SET status = 'cancelled', cancelled_at = now(), ended_at = now(), updated_at = now()
		 WHERE run_id = $1 AND status IN ('pending', 'running', 'waiting', 'suspended')`)
}

func (r *Repository) conditionalUpdate(ctx context.Context, runID, sql string, extra ...any) (run.Run, error) {
	args := append([]any{runID}, extra...)
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return run.Run{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "conditional update", err)
	}
	if tag.RowsAffected() == 0 {
		return run.Run{}, runtimeerr.Newf(runtimeerr.CodeAlreadyResolved, "run %q not eligible for this transition", runID)
	}
	rec, err := scanRun(r.pool.QueryRow(ctx, selectRunSQL, runID))
	if err != nil {
		return run.Run{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "reload run after update", err)
	}
	return rec, nil
}

// CreateDependency implements run.Repository.
func (r *Repository) CreateDependency(ctx context.Context, parentRunID, childRunID, toolCallID, roleID, goal string) (run.Dependency, error) {
	row := r.pool.QueryRow(ctx, insertDependencySQL, parentRunID, childRunID)
	var id int64
	var createdAt time.Time
	if err := row.Scan(&id, &createdAt); err != nil {
		return run.Dependency{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "insert dependency", err)
	}
	return run.Dependency{
		ID: id, ParentRunID: parentRunID, ChildRunID: childRunID,
		ToolCallID: toolCallID, RoleID: roleID, Goal: goal,
		Status: run.DependencyPending, CreatedAt: createdAt,
	}, nil
}

// CompleteDependencyAtomic implements run.Repository by selecting every
// sibling of the parent FOR UPDATE before resolving the target row, so
// concurrent fan-ins observe a consistent pending count.
func (r *Repository) CompleteDependencyAtomic(ctx context.Context, childRunID string, status run.DependencyStatus, result *run.Result, failure *run.Failure) (run.Dependency, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parentRunID string
	if err := tx.QueryRow(ctx, selectParentForChildSQL, childRunID).Scan(&parentRunID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run.Dependency{}, 0, runtimeerr.Newf(runtimeerr.CodeNotFound, "no dependency found for child %q", childRunID)
		}
		return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "lookup parent for child", err)
	}

	rows, err := tx.Query(ctx, selectSiblingsForUpdateSQL, parentRunID)
	if err != nil {
		return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "lock siblings", err)
	}
	type sibling struct {
		childRunID string
		completed  bool
	}
	var siblings []sibling
	for rows.Next() {
		var s sibling
		if err := rows.Scan(&s.childRunID, &s.completed); err != nil {
			rows.Close()
			return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "scan sibling", err)
		}
		siblings = append(siblings, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "iterate siblings", err)
	}

	var target *sibling
	for i := range siblings {
		if siblings[i].childRunID == childRunID {
			target = &siblings[i]
			break
		}
	}
	if target == nil {
		return run.Dependency{}, 0, runtimeerr.Newf(runtimeerr.CodeNotFound, "no dependency found for child %q", childRunID)
	}
	if target.completed {
		return run.Dependency{}, 0, runtimeerr.Newf(runtimeerr.CodeAlreadyResolved, "dependency for child %q already resolved", childRunID)
	}

	var resultRaw, errorRaw []byte
	if result != nil {
		resultRaw, _ = json.Marshal(result)
	}
	if failure != nil {
		errorRaw, _ = json.Marshal(failure)
	}

	var dep run.Dependency
	row := tx.QueryRow(ctx, updateDependencySQL, parentRunID, childRunID)
	if err := row.Scan(&dep.ID, &dep.CreatedAt); err != nil {
		return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "update dependency", err)
	}
	dep.ParentRunID = parentRunID
	dep.ChildRunID = childRunID
	dep.Status = status
	dep.Result = result
	dep.Error = failure
	dep.CompletedAt = time.Now()
	_ = resultRaw
	_ = errorRaw

	pending := 0
	for _, s := range siblings {
		if s.childRunID == childRunID {
			continue
		}
		if !s.completed {
			pending++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return run.Dependency{}, 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "commit tx", err)
	}
	return dep, pending, nil
}

// ListSessionHistory implements run.Repository.
func (r *Repository) ListSessionHistory(ctx context.Context, sc scope.Scope, sessionKey string, limit int) ([]run.SessionEntry, error) {
	var projectID *string
	if sc.HasProject() {
		p := sc.ProjectID
		projectID = &p
	}
	rows, err := r.pool.Query(ctx, selectSessionHistorySQL, sc.OrgID, sc.UserID, projectID, sessionKey, limit)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "select session history", err)
	}
	defer rows.Close()

	var out []run.SessionEntry
	for rows.Next() {
		var e run.SessionEntry
		var output *string
		if err := rows.Scan(&e.RunID, &e.Input, &output); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "scan session entry", err)
		}
		if output != nil {
			e.Output = *output
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListChildren implements run.Repository.
func (r *Repository) ListChildren(ctx context.Context, parentRunID string) ([]run.Run, error) {
	rows, err := r.pool.Query(ctx, selectChildrenSQL, parentRunID)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "select children", err)
	}
	defer rows.Close()

	var out []run.Run
	for rows.Next() {
		rec, err := scanRunRow(rows)
		if err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "scan child run", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query),
// letting scanRun/scanRunRow share one field list.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row pgx.Row) (run.Run, error) {
	return scanRunRow(row)
}

func scanRunRow(row rowScanner) (run.Run, error) {
	var rec run.Run
	var projectID, groupID, llmConfig, parentRunID, delegated, suspendReason *string
	var resultRaw, errorRaw []byte
	var status string
	var startedAt, endedAt, cancelledAt, suspendedAt *time.Time

	err := row.Scan(&rec.RunID, &rec.Scope.OrgID, &rec.Scope.UserID, &projectID, &rec.SessionKey, &groupID,
		&rec.AgentID, &rec.Input, &llmConfig, &parentRunID, &delegated, &status, &suspendReason,
		&resultRaw, &errorRaw, &rec.CreatedAt, &startedAt, &endedAt, &cancelledAt, &suspendedAt)
	if err != nil {
		return run.Run{}, err
	}

	if projectID != nil {
		rec.Scope = scope.WithProject(rec.Scope.OrgID, rec.Scope.UserID, *projectID)
	}
	if groupID != nil {
		rec.GroupID = *groupID
	}
	if llmConfig != nil {
		rec.LLMConfig = json.RawMessage(*llmConfig)
	}
	if parentRunID != nil {
		rec.ParentRunID = *parentRunID
	}
	if delegated != nil {
		rec.DelegatedPermissions = json.RawMessage(*delegated)
	}
	if suspendReason != nil {
		rec.SuspendReason = *suspendReason
	}
	rec.Status = run.Status(status)
	if len(resultRaw) > 0 {
		var res run.Result
		if err := json.Unmarshal(resultRaw, &res); err == nil {
			rec.Result = &res
		}
	}
	if len(errorRaw) > 0 {
		var fail run.Failure
		if err := json.Unmarshal(errorRaw, &fail); err == nil {
			rec.Error = &fail
		}
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	if cancelledAt != nil {
		rec.CancelledAt = *cancelledAt
	}
	if suspendedAt != nil {
		rec.SuspendedAt = *suspendedAt
	}
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

const insertRunSQL = `
INSERT INTO runs (run_id, org_id, user_id, project_id, session_key, group_id, agent_id, input, llm_config, parent_run_id, delegated_permissions, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

const selectRunSQL = `
SELECT run_id, org_id, user_id, project_id, session_key, group_id, agent_id, input, llm_config, parent_run_id,
       delegated_permissions, status, suspend_reason, result, error, created_at, started_at, ended_at, cancelled_at, suspended_at
FROM runs WHERE run_id = $1`

const selectChildrenSQL = `
SELECT run_id, org_id, user_id, project_id, session_key, group_id, agent_id, input, llm_config, parent_run_id,
       delegated_permissions, status, suspend_reason, result, error, created_at, started_at, ended_at, cancelled_at, suspended_at
FROM runs WHERE parent_run_id = $1 ORDER BY created_at ASC`

const selectSessionHistorySQL = `
SELECT run_id, input, result->>'output'
FROM runs
WHERE org_id = $1 AND user_id = $2 AND project_id IS NOT DISTINCT FROM $3
  AND session_key = $4 AND parent_run_id IS NULL AND status = 'completed'
ORDER BY created_at ASC
LIMIT $5`

const insertDependencySQL = `
INSERT INTO run_dependencies (parent_run_id, child_run_id)
VALUES ($1, $2)
RETURNING id, created_at`

const selectParentForChildSQL = `
SELECT parent_run_id FROM run_dependencies WHERE child_run_id = $1`

const selectSiblingsForUpdateSQL = `
SELECT child_run_id, completed
FROM run_dependencies WHERE parent_run_id = $1
FOR UPDATE`

const updateDependencySQL = `
UPDATE run_dependencies
SET completed = true
WHERE parent_run_id = $1 AND child_run_id = $2
RETURNING id, created_at`

// Package postgres provides a durable event.Store backed by PostgreSQL via
// pgx. Schema migrations live under migrations/ and are applied with
// golang-migrate.
package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// Store implements event.Store against a Postgres events table. Ids are
// assigned by a BIGSERIAL/BIGINT IDENTITY column, global across all runs.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgx connection pool. Callers are responsible for
// running migrations (see migrations/) before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// AppendOne implements event.Store.
func (s *Store) AppendOne(ctx context.Context, sc scope.Scope, e event.Event) (int64, error) {
	if e.RunID == "" {
		return 0, runtimeerr.New(runtimeerr.CodeInvalidInput, "run_id is required")
	}
	if err := s.checkRunScope(ctx, e.RunID, sc); err != nil {
		return 0, err
	}
	row := s.pool.QueryRow(ctx, insertEventSQL,
		e.RunID, e.TS, e.AgentID, e.StepID, e.SpanID, nullable(e.ParentSpanID),
		string(e.Type), []byte(e.Payload), e.V, e.Redaction.ContainsSecrets,
		nullable(e.GroupID), nullable(e.MessageType))
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, runtimeerr.Wrap(runtimeerr.CodeStorageError, "insert event", err)
	}
	return id, nil
}

// AppendMany implements event.Store using a single transaction so the batch
// is observed atomically.
func (s *Store) AppendMany(ctx context.Context, sc scope.Scope, events []event.Event) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	runID := events[0].RunID
	for _, e := range events {
		if e.RunID != runID {
			return nil, runtimeerr.New(runtimeerr.CodeInvalidInput, "append_many requires all events to share one run_id")
		}
	}
	if err := s.checkRunScope(ctx, runID, sc); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		row := tx.QueryRow(ctx, insertEventSQL,
			e.RunID, e.TS, e.AgentID, e.StepID, e.SpanID, nullable(e.ParentSpanID),
			string(e.Type), []byte(e.Payload), e.V, e.Redaction.ContainsSecrets,
			nullable(e.GroupID), nullable(e.MessageType))
		var id int64
		if err := row.Scan(&id); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "insert event batch", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CodeStorageError, "commit tx", err)
	}
	return ids, nil
}

// ReadPage implements event.Store.
func (s *Store) ReadPage(ctx context.Context, sc scope.Scope, runID string, afterID int64, limit int, excludeTypes []event.Type) (event.Page, error) {
	if limit <= 0 {
		return event.Page{}, runtimeerr.New(runtimeerr.CodeInvalidInput, "limit must be > 0")
	}
	if err := s.checkRunScope(ctx, runID, sc); err != nil {
		return event.Page{}, err
	}

	excluded := make([]string, len(excludeTypes))
	for i, t := range excludeTypes {
		excluded[i] = string(t)
	}

	rows, err := s.pool.Query(ctx, selectPageSQL, runID, afterID, limit)
	if err != nil {
		return event.Page{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "select event page", err)
	}
	defer rows.Close()

	var (
		items         []event.Event
		lastScannedID int64
		scanned       int
	)
	excludedSet := make(map[string]bool, len(excluded))
	for _, t := range excluded {
		excludedSet[t] = true
	}
	for rows.Next() {
		var (
			e            event.Event
			typ          string
			parentSpan   *string
			groupID      *string
			messageType  *string
			payload      []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.TS, &e.AgentID, &e.StepID, &e.SpanID, &parentSpan,
			&typ, &payload, &e.V, &e.Redaction.ContainsSecrets, &groupID, &messageType); err != nil {
			return event.Page{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "scan event row", err)
		}
		e.Type = event.Type(typ)
		e.Payload = json.RawMessage(payload)
		if parentSpan != nil {
			e.ParentSpanID = *parentSpan
		}
		if groupID != nil {
			e.GroupID = *groupID
		}
		if messageType != nil {
			e.MessageType = *messageType
		}
		lastScannedID = e.ID
		scanned++
		if !excludedSet[string(e.Type)] {
			items = append(items, e)
		}
	}
	if err := rows.Err(); err != nil {
		return event.Page{}, runtimeerr.Wrap(runtimeerr.CodeStorageError, "iterate event page", err)
	}

	var next *int64
	if scanned == limit {
		id := lastScannedID
		next = &id
	}
	return event.Page{Items: items, NextCursor: next}, nil
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

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const insertEventSQL = `
INSERT INTO events (run_id, ts, agent_id, step_id, span_id, parent_span_id, type, payload, v, contains_secrets, group_id, message_type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id`

const selectPageSQL = `
SELECT id, run_id, ts, agent_id, step_id, span_id, parent_span_id, type, payload, v, contains_secrets, group_id, message_type
FROM events
WHERE run_id = $1 AND id > $2
ORDER BY id ASC
LIMIT $3`

const selectRunScopeSQL = `
SELECT org_id, user_id, project_id FROM runs WHERE run_id = $1`

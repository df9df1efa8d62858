// Package scheduler partitions a batch of model-proposed tool calls into
// parallel and serial groups and executes them with maximum safe
// parallelism, emitting the tool.* event sequence as it goes.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
	"github.com/fluxgate-ai/agentrun/tools"
)

// DefaultParallelLimit bounds how many parallel-eligible calls run
// concurrently within one chunk.
const DefaultParallelLimit = 8

// Scheduler executes a proposed batch of tool calls against a Router,
// appending the tool.* event sequence to the log as it goes.
type Scheduler struct {
	Router        *tools.Router
	Events        event.Store
	ParallelLimit int
}

// New constructs a Scheduler with the given router and event log. Pass 0 for
// parallelLimit to use DefaultParallelLimit.
func New(router *tools.Router, events event.Store, parallelLimit int) *Scheduler {
	if parallelLimit <= 0 {
		parallelLimit = DefaultParallelLimit
	}
	return &Scheduler{Router: router, Events: events, ParallelLimit: parallelLimit}
}

// toolCalledPayload and toolResultPayload mirror the on-wire shapes named in
// the external interface contract.
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

type batchPayload struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// RunBatch partitions calls into parallel-eligible and serial groups per the
// scheduler's deterministic rule, executes the parallel group first in
// chunks of ParallelLimit, then the serial group one call at a time, and
// returns every call's result in the order calls were proposed.
//
// ctx cancellation stops the scheduler from launching further chunks or
// serial calls; in-flight calls are awaited (briefly) before RunBatch
// returns. Individual call failures never abort the batch.
func (s *Scheduler) RunBatch(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, calls []tools.Call) ([]tools.Result, error) {
	var parallel, serial []int
	for i, c := range calls {
		if spec, ok := s.Router.Spec(c.ToolName); ok && spec.ParallelEligible() {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}

	results := make([]tools.Result, len(calls))

	s.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolBatchStarted, struct{}{})

	for start := 0; start < len(parallel); start += s.ParallelLimit {
		if ctx.Err() != nil {
			break
		}
		end := start + s.ParallelLimit
		if end > len(parallel) {
			end = len(parallel)
		}
		chunk := parallel[start:end]

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, idx := range chunk {
			idx := idx
			g.Go(func() error {
				res := s.invoke(gctx, sc, runID, agentID, stepID, spanID, calls[idx])
				mu.Lock()
				results[idx] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, idx := range serial {
		if ctx.Err() != nil {
			break
		}
		results[idx] = s.invoke(ctx, sc, runID, agentID, stepID, spanID, calls[idx])
	}

	success, failure := 0, 0
	for _, res := range results {
		if res.ToolName == "" {
			continue // cancelled before launch, left zero-value
		}
		if res.IsError {
			failure++
		} else {
			success++
		}
	}
	s.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolBatchCompleted, batchPayload{SuccessCount: success, FailureCount: failure})

	return results, nil
}

func (s *Scheduler) invoke(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, call tools.Call) tools.Result {
	s.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolCalled, toolCalledPayload{ToolName: call.ToolName, Args: call.Args})

	spec, known := s.Router.Spec(call.ToolName)
	callCtx := ctx
	var cancel context.CancelFunc
	if known && spec.TimeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	out, err := s.Router.Invoke(callCtx, call)
	result := tools.Result{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Output: out}
	if err != nil {
		result.IsError = true
		if callCtx.Err() != nil && callCtx.Err() == context.DeadlineExceeded {
			result.ErrorCode = string(runtimeerr.CodeTimeout)
		} else {
			result.ErrorCode = string(runtimeerr.CodeToolError)
		}
		result.ErrorMsg = err.Error()
	}

	payload := toolResultPayload{ToolName: call.ToolName, Result: out, IsError: result.IsError}
	if result.IsError {
		payload.Error = &errorPayload{Code: result.ErrorCode, Message: result.ErrorMsg}
	}
	s.emit(ctx, sc, runID, agentID, stepID, spanID, event.TypeToolResult, payload)
	return result
}

func (s *Scheduler) emit(ctx context.Context, sc scope.Scope, runID, agentID, stepID, spanID string, typ event.Type, payload any) {
	draft, err := event.NewDraft(runID, typ, payload)
	if err != nil {
		return
	}
	draft.AgentID = agentID
	draft.StepID = stepID
	draft.SpanID = spanID
	_, _ = s.Events.AppendOne(ctx, sc, draft)
}

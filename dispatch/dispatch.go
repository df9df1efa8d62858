// Package dispatch implements the ingress dispatcher: it admits new runs,
// rate-limits submission, and hands pending runs to a bounded pool of
// workers, each of which drives exactly one run through the agent loop at a
// time.
package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fluxgate-ai/agentrun/agentloop"
	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/run"
	"github.com/fluxgate-ai/agentrun/runtime/agent/telemetry"
	"github.com/fluxgate-ai/agentrun/runtimeerr"
	"github.com/fluxgate-ai/agentrun/scope"
)

// DefaultWorkers bounds how many runs this process drives concurrently.
const DefaultWorkers = 8

// DefaultQueueDepth sizes the pending-run queue between Submit/Enqueue and
// the worker pool.
const DefaultQueueDepth = 1024

// workItem identifies a run a worker should claim and drive. Scope travels
// with it because the queue only carries identifiers, not full Run records.
type workItem struct {
	RunID string
	Scope scope.Scope
}

// Dispatcher admits runs and drives them to completion with a fixed-size
// worker pool. One Dispatcher should own a given run.Repository/Loop pair
// per process; multiple processes may share the same durable repository,
// coordinated by the conditional pending->running claim.
type Dispatcher struct {
	Runs    run.Repository
	Events  event.Store
	Loop    *agentloop.Loop
	Limiter *rate.Limiter
	Logger  telemetry.Logger

	queue chan workItem
	wg    sync.WaitGroup
}

// New constructs a Dispatcher. workers defaults to DefaultWorkers, queueDepth
// to DefaultQueueDepth, and limiter to an unlimited rate.Limiter when nil.
func New(runs run.Repository, events event.Store, loop *agentloop.Loop, limiter *rate.Limiter, workers, queueDepth int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	d := &Dispatcher{
		Runs: runs, Events: events, Loop: loop, Limiter: limiter,
		Logger: telemetry.NewNoopLogger(),
		queue:  make(chan workItem, queueDepth),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// SubmitInput groups the fields a caller supplies to Submit.
type SubmitInput struct {
	Scope      scope.Scope
	SessionKey string
	GroupID    string
	AgentID    string
	Input      string
}

// Submit admits a new run: it passes through the admission limiter, creates
// a pending run, enqueues it for a worker, and returns immediately with the
// new run id. A rejected admission (limiter has no tokens available right
// now) returns INVALID_INPUT rather than growing the queue unboundedly.
func (d *Dispatcher) Submit(ctx context.Context, in SubmitInput) (string, error) {
	if !d.Limiter.Allow() {
		return "", runtimeerr.New(runtimeerr.CodeInvalidInput, "submission rate limit exceeded")
	}
	rec, err := d.Runs.Create(ctx, run.CreateInput{
		Scope:      in.Scope,
		SessionKey: in.SessionKey,
		GroupID:    in.GroupID,
		AgentID:    in.AgentID,
		Input:      in.Input,
	})
	if err != nil {
		return "", err
	}
	d.Enqueue(in.Scope, rec.RunID)
	return rec.RunID, nil
}

// Enqueue hands an already-pending run to the worker pool. Callers resuming
// a run from suspended (the swarm coordinator after the last child
// completes, the approval gate after a decision) call this after the
// repository transition succeeds so a worker picks the run back up.
func (d *Dispatcher) Enqueue(sc scope.Scope, runID string) {
	d.queue <- workItem{RunID: runID, Scope: sc}
}

// Cancel cancels runID and narrates the transition. For a pending run (no
// worker ever claims it) this is the only place run.cancelled is emitted;
// for a running run, the active worker observes the state change between
// steps and emits run.cancelled itself, so Cancel only transitions it and
// emits nothing.
func (d *Dispatcher) Cancel(ctx context.Context, sc scope.Scope, runID string) error {
	prev, err := d.Runs.Get(ctx, sc, runID)
	if err != nil {
		return err
	}
	rec, err := d.Runs.Cancel(ctx, sc, runID)
	if err != nil {
		if rerr, ok := err.(*runtimeerr.Error); ok && rerr.Code == runtimeerr.CodeAlreadyResolved {
			return nil // already terminal, or a worker will narrate it
		}
		return err
	}
	if rec.Status == run.StatusCancelled && prev.Status != run.StatusRunning {
		draft, derr := event.NewDraft(runID, event.TypeRunCancelled, struct{}{})
		if derr == nil {
			draft.AgentID = rec.AgentID
			_, _ = d.Events.AppendOne(ctx, sc, draft)
		}
	}
	return nil
}

// Close stops accepting new work and waits for every worker to finish the
// run it is currently driving (if any) before returning.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for item := range d.queue {
		d.drive(item)
	}
}

func (d *Dispatcher) drive(item workItem) {
	ctx := context.Background()

	rec, err := d.Runs.ClaimRunning(ctx, item.RunID)
	if err != nil {
		// Lost the race to another worker, or the run was cancelled before
		// being claimed. Either way, nothing for this worker to do.
		return
	}

	if err := d.Loop.Drive(ctx, item.Scope, rec); err != nil {
		d.logger().Warn(ctx, "run drive ended with error", "run_id", item.RunID, "error", err.Error())
	}
}

func (d *Dispatcher) logger() telemetry.Logger {
	if d.Logger == nil {
		return telemetry.NewNoopLogger()
	}
	return d.Logger
}

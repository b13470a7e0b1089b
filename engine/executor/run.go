package executor

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/engine/compile"
	"github.com/fieldline/fieldline/engine/hooks"
	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// run is the in-memory tracker for one active execution. The mutex guards the
// execution record and the edge-firing bookkeeping; it is the per-execution
// lock that makes frontier updates atomic with checkpoint writes. It is never
// held across an agent invocation.
type run struct {
	eng   *Engine
	tc    tenant.Context
	graph *compile.Graph
	sem   *semaphore.Weighted

	// ctx spans the run's lifetime; cancelled on engine close or cancel signal.
	ctx    context.Context
	stopFn context.CancelFunc

	mu sync.Mutex
	ex *workflow.Execution
	// seq is the last checkpoint sequence written.
	seq int
	// fired and resolved track edge outcomes. An edge is resolved once its
	// source completed (or died); it fired if the branch rule selected it.
	fired    map[*compile.Edge]bool
	resolved map[*compile.Edge]bool
	// dead marks nodes that can no longer run because no inbound edge fired.
	dead      map[string]bool
	completed map[string]bool
	running   map[string]bool

	inflight sync.WaitGroup
	wake     chan struct{}
}

func (r *run) stop() { r.stopFn() }

func (r *run) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// storeCtx returns a context for durable writes that survives run
// cancellation, so checkpoints and status updates land even during shutdown.
func (r *run) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), 15*time.Second)
}

// loop is the per-execution scheduler. One step = dequeue a runnable agent,
// invoke it, checkpoint the merged result, recompute the frontier.
func (r *run) loop() {
	defer func() {
		r.inflight.Wait()
		r.eng.removeRun(r.ex.ID)
		r.eng.wg.Done()
	}()
	for {
		r.mu.Lock()
		status := r.ex.Status
		if status.Terminal() {
			r.mu.Unlock()
			return
		}
		if status == workflow.ExecutionRunning {
			runnable := r.runnableLocked()
			if len(runnable) == 0 && len(r.running) == 0 {
				r.finishLocked()
				r.mu.Unlock()
				return
			}
			for _, id := range runnable {
				r.running[id] = true
				r.inflight.Add(1)
				go r.invoke(id)
			}
		}
		r.mu.Unlock()
		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

// runnableLocked returns the agents eligible to start: not completed, running,
// or dead, with every inbound edge resolved and at least one fired. Entry
// points have no inbound edges and are runnable until they complete.
func (r *run) runnableLocked() []string {
	var out []string
	for _, id := range r.graph.Order {
		if r.completed[id] || r.running[id] || r.dead[id] {
			continue
		}
		n := r.graph.Node(id)
		if len(n.In) == 0 {
			out = append(out, id)
			continue
		}
		ready, anyFired := true, false
		for _, e := range n.In {
			if !r.resolved[e] {
				ready = false
				break
			}
			if r.fired[e] {
				anyFired = true
			}
		}
		if ready && anyFired {
			out = append(out, id)
		}
	}
	return out
}

// frontierLocked is the persisted view of the frontier: agents runnable or
// currently running.
func (r *run) frontierLocked() []string {
	frontier := r.runnableLocked()
	for id := range r.running {
		frontier = append(frontier, id)
	}
	return frontier
}

// invoke runs one agent to completion, classifying the outcome.
func (r *run) invoke(id string) {
	defer r.inflight.Done()
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
		return
	}
	defer r.sem.Release(1)

	node := r.graph.Node(id)
	r.mu.Lock()
	state := workflow.CloneState(r.ex.State)
	r.mu.Unlock()

	frag, err := r.attempt(node, state)
	if r.ctx.Err() != nil && err != nil {
		// Cancelled or shutting down; the result window has closed.
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
		r.nudge()
		return
	}
	if err == nil {
		message := ""
		if node.Spec.Kind == "checkpoint" {
			if m, ok := node.Spec.Config["message"].(string); ok {
				message = m
			}
		}
		r.complete(id, frag, message)
		return
	}
	switch agent.KindOf(err) {
	case agent.Fatal:
		r.fail(id, "fatal", err)
	case agent.HumanRequired:
		r.pauseForHuman(id, err)
	default:
		if r.continueOnError(node) {
			r.complete(id, map[string]any{id + "_error": err.Error()}, "completed with error marker")
			return
		}
		r.fail(id, "retry-exhausted", err)
	}
}

// attempt invokes the agent with the per-node timeout, retrying retryable
// failures with exponential backoff. Every attempt is recorded as an audit
// event.
func (r *run) attempt(node *compile.Node, state map[string]any) (map[string]any, error) {
	opts := r.eng.opts
	timeout := opts.AgentTimeout
	if node.Spec.TimeoutMs > 0 {
		timeout = time.Duration(node.Spec.TimeoutMs) * time.Millisecond
	}
	delay := opts.RetryInitial
	for attemptN := 1; ; attemptN++ {
		r.auditAttempt(node.Spec.ID, attemptN)

		ictx, cancel := context.WithTimeout(r.ctx, timeout)
		ictx, span := r.eng.tracer.Start(ictx, "agent.execute", trace.WithAttributes(
			attribute.String("workflow.id", r.ex.Workflow.ID),
			attribute.String("execution.id", r.ex.ID),
			attribute.String("agent.id", node.Spec.ID),
			attribute.String("agent.kind", node.Spec.Kind),
			attribute.Int("agent.attempt", attemptN),
		))
		start := time.Now()
		frag, err := node.Impl.Execute(ictx, agent.Request{
			ExecutionID: r.ex.ID,
			AgentID:     node.Spec.ID,
			TenantID:    r.ex.TenantID,
			State:       state,
			Config:      node.Spec.Config,
		})
		opts.Metrics.AgentInvocation(node.Spec.Kind, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()

		if err == nil {
			return frag, nil
		}
		if r.ctx.Err() != nil {
			return nil, err
		}
		if kind := agent.KindOf(err); kind != agent.Retryable {
			return nil, err
		}
		if attemptN >= opts.RetryMaxAttempts {
			return nil, err
		}
		opts.Logger.Warn(r.ctx, "agent retry",
			"executionId", r.ex.ID, "agent", node.Spec.ID, "attempt", attemptN, "delay", delay.String(), "err", err)
		_ = opts.Bus.Publish(r.ctx, hooks.Event{
			Type:        hooks.AgentRetried,
			ExecutionID: r.ex.ID,
			WorkflowID:  r.ex.Workflow.ID,
			TenantID:    r.ex.TenantID,
			AgentID:     node.Spec.ID,
			Attempt:     attemptN,
			Err:         err,
		})
		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return nil, err
		}
		delay = time.Duration(float64(delay) * opts.RetryFactor)
		if delay > opts.RetryCap {
			delay = opts.RetryCap
		}
	}
}

func (r *run) auditAttempt(agentID string, attemptN int) {
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"event": "agent-invocation", "agent": agentID, "attempt": attemptN},
	}); err != nil {
		r.eng.opts.Logger.Error(ctx, "audit append failed", "executionId", r.ex.ID, "err", err)
	}
}

// continueOnError reports whether any fired inbound edge carries the
// onError: continue policy, which downgrades retry exhaustion to an error
// marker in state.
func (r *run) continueOnError(node *compile.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range node.In {
		if r.fired[e] && e.OnError == workflow.OnErrorContinue {
			return true
		}
	}
	return false
}

// complete merges the agent's fragment, writes the checkpoint durably, then
// updates the frontier. Results arriving after a terminal transition are
// discarded.
func (r *run) complete(id string, frag map[string]any, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
	defer r.nudge()

	if r.ex.Status.Terminal() {
		r.eng.opts.Logger.Info(context.Background(), "late agent result discarded",
			"executionId", r.ex.ID, "agent", id, "status", string(r.ex.Status))
		return
	}

	// Last-writer-wins per field; the compiler rejects parallel branches that
	// write the same field, so an overwrite here means completion-order races
	// on sequential rewrites and is worth a warning.
	for k, v := range frag {
		if old, ok := r.ex.State[k]; ok && !reflect.DeepEqual(old, v) {
			r.eng.opts.Logger.Warn(context.Background(), "state field overwritten",
				"executionId", r.ex.ID, "agent", id, "field", k)
		}
		r.ex.State[k] = v
	}

	now := time.Now().UTC()
	r.seq++
	cp := &workflow.Checkpoint{
		ExecutionID:    r.ex.ID,
		Sequence:       r.seq,
		Timestamp:      now,
		State:          workflow.CloneState(r.ex.State),
		CompletedAgent: id,
		Message:        message,
	}
	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.eng.execs.AppendCheckpoint(ctx, cp); err != nil {
		r.failLocked(id, "fatal", fmt.Errorf("append checkpoint %d: %w", r.seq, err))
		return
	}

	r.completed[id] = true
	r.ex.Completed = append(r.ex.Completed, id)
	r.fireEdges(r.graph.Node(id), r.ex.State)
	r.ex.Frontier = r.frontierLocked()
	r.ex.UpdatedAt = now
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		r.eng.opts.Logger.Error(ctx, "execution update failed", "executionId", r.ex.ID, "err", err)
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"agent": id, "sequence": r.seq},
	}); err != nil {
		r.eng.opts.Logger.Error(ctx, "audit append failed", "executionId", r.ex.ID, "err", err)
	}
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.StepCompleted,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
		AgentID:     id,
		Sequence:    r.seq,
	})
}

// fireEdges resolves the completed node's outbound edges against the given
// state. Parallel nodes fan out to every matching edge; otherwise the first
// declared matching edge wins. Targets left with no fired inbound edge are
// marked dead so joins do not wait on branches that were never taken.
// Callers hold r.mu except during rehydration, which is single-threaded.
func (r *run) fireEdges(node *compile.Node, state map[string]any) {
	matched := func(e *compile.Edge) bool {
		if e.Cond == nil {
			return true
		}
		ok, err := e.Cond.Eval(state)
		if err != nil {
			r.eng.opts.Logger.Warn(context.Background(), "edge condition failed",
				"executionId", r.ex.ID, "from", e.From, "to", e.To, "err", err)
			return false
		}
		return ok
	}
	chosen := make(map[*compile.Edge]bool)
	if node.Spec.Parallel {
		for _, e := range node.Out {
			if matched(e) {
				chosen[e] = true
			}
		}
	} else {
		for _, e := range node.Out {
			if matched(e) {
				chosen[e] = true
				break
			}
		}
	}
	for _, e := range node.Out {
		r.resolved[e] = true
		if chosen[e] {
			r.fired[e] = true
		}
	}
	for _, e := range node.Out {
		r.checkDead(e.To)
	}
}

// checkDead marks a node dead when all inbound edges are resolved and none
// fired, then propagates through its outbound edges.
func (r *run) checkDead(id string) {
	if r.dead[id] || r.completed[id] {
		return
	}
	n := r.graph.Node(id)
	if len(n.In) == 0 {
		return
	}
	for _, e := range n.In {
		if !r.resolved[e] || r.fired[e] {
			return
		}
	}
	r.dead[id] = true
	for _, e := range n.Out {
		r.resolved[e] = true
		delete(r.fired, e)
	}
	for _, e := range n.Out {
		r.checkDead(e.To)
	}
}

// finishLocked transitions the execution to completed once every branch has
// terminated.
func (r *run) finishLocked() {
	now := time.Now().UTC()
	r.ex.Status = workflow.ExecutionCompleted
	r.ex.EndedAt = &now
	r.ex.DurationMs = now.Sub(r.ex.StartedAt).Milliseconds()
	r.ex.UpdatedAt = now
	r.ex.Frontier = nil

	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		r.eng.opts.Logger.Error(ctx, "execution update failed", "executionId", r.ex.ID, "err", err)
	}
	if err := r.eng.workflows.RecordExecution(ctx, r.ex.Workflow.ID, r.ex.TenantID, r.ex.DurationMs); err != nil {
		r.eng.opts.Logger.Warn(ctx, "execution aggregates update failed", "workflowId", r.ex.Workflow.ID, "err", err)
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"status": string(workflow.ExecutionCompleted), "durationMs": r.ex.DurationMs},
	}); err != nil {
		r.eng.opts.Logger.Error(ctx, "audit append failed", "executionId", r.ex.ID, "err", err)
	}
	r.eng.opts.Metrics.ExecutionCompleted()
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.ExecutionCompleted,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
	})
	r.eng.opts.Logger.Info(ctx, "execution completed",
		"executionId", r.ex.ID, "workflowId", r.ex.Workflow.ID, "durationMs", r.ex.DurationMs)
}

func (r *run) fail(agentID, kind string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, agentID)
	defer r.nudge()
	if r.ex.Status.Terminal() {
		return
	}
	r.failLocked(agentID, kind, cause)
}

func (r *run) failLocked(agentID, kind string, cause error) {
	now := time.Now().UTC()
	r.ex.Status = workflow.ExecutionFailed
	r.ex.Error = &workflow.ExecError{Kind: kind, Message: cause.Error(), AgentID: agentID}
	r.ex.EndedAt = &now
	r.ex.DurationMs = now.Sub(r.ex.StartedAt).Milliseconds()
	r.ex.UpdatedAt = now
	r.ex.Frontier = nil

	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		r.eng.opts.Logger.Error(ctx, "execution update failed", "executionId", r.ex.ID, "err", err)
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Error",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"status": string(workflow.ExecutionFailed), "kind": kind, "agent": agentID, "message": cause.Error()},
	}); err != nil {
		r.eng.opts.Logger.Error(ctx, "audit append failed", "executionId", r.ex.ID, "err", err)
	}
	r.eng.opts.Metrics.ExecutionFailed()
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.ExecutionFailed,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
		AgentID:     agentID,
		Err:         cause,
	})
	r.eng.opts.Logger.Error(ctx, "execution failed",
		"executionId", r.ex.ID, "workflowId", r.ex.Workflow.ID, "agent", agentID, "kind", kind, "err", cause)
}

// pauseForHuman parks the execution for an out-of-band decision. The agent is
// not marked complete; resume re-runs it, which the idempotency contract
// makes safe.
func (r *run) pauseForHuman(agentID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, agentID)
	defer r.nudge()
	if r.ex.Status.Terminal() || r.ex.Status == workflow.ExecutionPaused {
		return
	}
	r.ex.Status = workflow.ExecutionPaused
	r.ex.UpdatedAt = time.Now().UTC()

	ctx, cancel := r.storeCtx()
	defer cancel()
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		r.eng.opts.Logger.Error(ctx, "execution update failed", "executionId", r.ex.ID, "err", err)
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"status": string(workflow.ExecutionPaused), "agent": agentID, "reason": "human-required"},
	}); err != nil {
		r.eng.opts.Logger.Error(ctx, "audit append failed", "executionId", r.ex.ID, "err", err)
	}
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.HumanRequired,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
		AgentID:     agentID,
		Err:         cause,
	})
}

// pause stops scheduling new agents; in-flight invocations complete and
// checkpoint. Pausing a paused execution is a no-op.
func (r *run) pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ex.Status.Terminal() {
		return fmt.Errorf("%w: execution is %s", store.ErrConflict, r.ex.Status)
	}
	if r.ex.Status == workflow.ExecutionPaused {
		return nil
	}
	r.ex.Status = workflow.ExecutionPaused
	r.ex.UpdatedAt = time.Now().UTC()
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		return err
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"status": string(workflow.ExecutionPaused)},
	}); err != nil {
		return err
	}
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.ExecutionPaused,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
	})
	return nil
}

// resume re-evaluates the frontier from the latest state.
func (r *run) resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ex.Status != workflow.ExecutionPaused {
		return fmt.Errorf("%w: execution is %s", store.ErrConflict, r.ex.Status)
	}
	r.ex.Status = workflow.ExecutionRunning
	r.ex.UpdatedAt = time.Now().UTC()
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		return err
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"status": string(workflow.ExecutionRunning)},
	}); err != nil {
		return err
	}
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.ExecutionResumed,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
	})
	r.nudge()
	return nil
}

// cancelRun is terminal: in-flight invocations are signalled to stop
// cooperatively and any result arriving afterwards is discarded. Checkpoints
// written before the cancel are preserved.
func (r *run) cancelRun(ctx context.Context) error {
	r.mu.Lock()
	if r.ex.Status.Terminal() {
		status := r.ex.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: execution is %s", store.ErrConflict, status)
	}
	now := time.Now().UTC()
	r.ex.Status = workflow.ExecutionCancelled
	r.ex.EndedAt = &now
	r.ex.DurationMs = now.Sub(r.ex.StartedAt).Milliseconds()
	r.ex.UpdatedAt = now
	r.ex.Frontier = nil
	if err := r.eng.execs.Update(ctx, r.ex); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.eng.auditor.Record(ctx, r.tc, audit.Event{
		Type:         audit.EventStateTransition,
		ResourceType: "Execution",
		ResourceID:   r.ex.ID,
		Metadata:     map[string]any{"status": string(workflow.ExecutionCancelled)},
	}); err != nil {
		r.mu.Unlock()
		return err
	}
	_ = r.eng.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.ExecutionCancelled,
		ExecutionID: r.ex.ID,
		WorkflowID:  r.ex.Workflow.ID,
		TenantID:    r.ex.TenantID,
	})
	r.mu.Unlock()

	r.stop()
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.eng.opts.CancelGrace):
		r.eng.opts.Logger.Warn(ctx, "cancel grace expired with agents in flight", "executionId", r.ex.ID)
	}
	return nil
}

// Package executor is the execution engine: it schedules compiled workflow
// graphs, invokes agents with retry and timeout handling, checkpoints every
// step durably before downstream agents observe the new state, and recovers
// active executions after a process restart.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/engine/compile"
	"github.com/fieldline/fieldline/engine/hooks"
	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// ErrWorkflowNotActive is returned by Start when the definition is a draft or
// archived. It maps to a validation error at the API boundary.
var ErrWorkflowNotActive = errors.New("workflow is not active")

// ErrClosed is returned when the engine is shutting down.
var ErrClosed = errors.New("engine is closed")

// Signal is an external control action on a running execution.
type Signal string

const (
	SignalPause  Signal = "pause"
	SignalResume Signal = "resume"
	SignalCancel Signal = "cancel"
)

// ParseSignal validates a wire-format signal value.
func ParseSignal(s string) (Signal, error) {
	switch Signal(s) {
	case SignalPause, SignalResume, SignalCancel:
		return Signal(s), nil
	}
	return "", fmt.Errorf("unknown signal %q", s)
}

type (
	// Options configures the engine. Zero values select the defaults.
	Options struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Bus receives lifecycle events. A fresh bus is created when nil.
		Bus hooks.Bus
		// AgentTimeout bounds one agent invocation. Default 60s; node specs
		// may override per agent.
		AgentTimeout time.Duration
		// CancelGrace bounds the cooperative shutdown wait after a cancel
		// signal. Default 30s.
		CancelGrace time.Duration
		// RetryInitial, RetryFactor, RetryCap, and RetryMaxAttempts shape the
		// exponential backoff for retryable agent failures. Defaults: 1s,
		// factor 2, cap 30s, 5 attempts.
		RetryInitial     time.Duration
		RetryFactor      float64
		RetryCap         time.Duration
		RetryMaxAttempts int
		// MaxConcurrentAgents bounds concurrent invocations per execution.
		// Default 4.
		MaxConcurrentAgents int64
	}

	// Engine runs workflow executions. All public methods are safe for
	// concurrent use.
	Engine struct {
		workflows store.WorkflowStore
		execs     store.ExecutionStore
		auditor   *audit.Recorder
		registry  *agent.Registry
		opts     Options
		tracer   trace.Tracer

		mu     sync.Mutex
		runs   map[string]*run
		closed bool
		wg     sync.WaitGroup

		cacheMu sync.RWMutex
		cache   map[string]*compile.Graph
	}

	// Observation is the Observe result: current status and state plus the
	// most recent checkpoints in ascending sequence order.
	Observation struct {
		Execution   *workflow.Execution   `json:"execution"`
		Checkpoints []*workflow.Checkpoint `json:"checkpoints"`
	}
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Bus == nil {
		o.Bus = hooks.NewBus()
	}
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = 60 * time.Second
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 30 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryFactor < 1 {
		o.RetryFactor = 2
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 5
	}
	if o.MaxConcurrentAgents <= 0 {
		o.MaxConcurrentAgents = 4
	}
	return o
}

// New constructs the engine. The audit recorder is required: every state
// transition must be recorded.
func New(workflows store.WorkflowStore, execs store.ExecutionStore, auditor *audit.Recorder, registry *agent.Registry, opts Options) *Engine {
	return &Engine{
		workflows: workflows,
		execs:     execs,
		auditor:   auditor,
		registry:  registry,
		opts:      opts.withDefaults(),
		tracer:    otel.Tracer("fieldline/engine/executor"),
		runs:      make(map[string]*run),
		cache:     make(map[string]*compile.Graph),
	}
}

// Bus exposes the lifecycle event bus so consumers (pending-task surfacing,
// tests) can subscribe.
func (e *Engine) Bus() hooks.Bus { return e.opts.Bus }

// Compile validates a definition against the agent registry. The API calls
// this at save time so design errors surface before activation.
func (e *Engine) Compile(def *workflow.Definition) (*compile.Graph, error) {
	return compile.Compile(def, e.registry)
}

// compiled returns the cached compiled graph for an immutable definition
// version, compiling on first use.
func (e *Engine) compiled(def *workflow.Definition) (*compile.Graph, error) {
	key := fmt.Sprintf("%s/%s@%d", def.TenantID, def.ID, def.Version)
	e.cacheMu.RLock()
	g, ok := e.cache[key]
	e.cacheMu.RUnlock()
	if ok {
		return g, nil
	}
	g, err := compile.Compile(def, e.registry)
	if err != nil {
		return nil, err
	}
	e.cacheMu.Lock()
	e.cache[key] = g
	e.cacheMu.Unlock()
	return g, nil
}

// Start creates an execution of the latest active version of a workflow and
// begins running it in the background. The returned id can be polled through
// Observe.
func (e *Engine) Start(ctx context.Context, tc tenant.Context, workflowID string, initial map[string]any) (string, error) {
	def, err := e.workflows.Get(ctx, tc, workflowID)
	if err != nil {
		return "", err
	}
	if def.Status != workflow.StatusActive {
		return "", fmt.Errorf("%w: workflow %q is %s", ErrWorkflowNotActive, def.ID, def.Status)
	}
	graph, err := e.compiled(def)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	ex := &workflow.Execution{
		ID:          uuid.NewString(),
		Workflow:    workflow.Ref{ID: def.ID, Version: def.Version},
		TenantID:    def.TenantID,
		InitiatedBy: tc.UserID,
		Status:      workflow.ExecutionPending,
		State:       workflow.CloneState(initial),
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if ex.TenantID == "" {
		ex.TenantID = tc.TenantID
	}
	if err := e.execs.Create(ctx, tc, ex); err != nil {
		return "", err
	}
	cp := &workflow.Checkpoint{
		ExecutionID: ex.ID,
		Sequence:    0,
		Timestamp:   now,
		State:       workflow.CloneState(ex.State),
		Message:     "execution created",
	}
	if err := e.execs.AppendCheckpoint(ctx, cp); err != nil {
		return "", err
	}
	if err := e.auditor.Record(ctx, tc, audit.Event{
		Type:         audit.EventCreate,
		ResourceType: "Execution",
		ResourceID:   ex.ID,
		After: map[string]any{
			"workflowId":      ex.Workflow.ID,
			"workflowVersion": ex.Workflow.Version,
			"status":          string(ex.Status),
		},
	}); err != nil {
		return "", err
	}

	r := newRun(e, tc, graph, ex)
	ex.Status = workflow.ExecutionRunning
	ex.Frontier = append([]string(nil), graph.Entry...)
	ex.UpdatedAt = time.Now().UTC()
	if err := e.execs.Update(ctx, ex); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.runs[ex.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.opts.Metrics.ExecutionStarted()
	_ = e.opts.Bus.Publish(ctx, hooks.Event{
		Type:        hooks.ExecutionStarted,
		ExecutionID: ex.ID,
		WorkflowID:  ex.Workflow.ID,
		TenantID:    ex.TenantID,
	})
	go r.loop()
	return ex.ID, nil
}

// Signal applies a pause, resume, or cancel to an execution. Cancelling a
// terminal execution returns store.ErrConflict with the state unchanged.
func (e *Engine) Signal(ctx context.Context, tc tenant.Context, executionID string, sig Signal) error {
	ex, err := e.execs.Get(ctx, tc, executionID)
	if err != nil {
		return err
	}
	r := e.lookupRun(executionID)
	if r == nil {
		// Not tracked on this node (e.g. signalled between restart and
		// recovery). Rehydrate so the signal applies to live state.
		if ex.Status.Terminal() {
			return fmt.Errorf("%w: execution is %s", store.ErrConflict, ex.Status)
		}
		if r, err = e.rehydrate(ctx, ex); err != nil {
			return err
		}
	}
	switch sig {
	case SignalPause:
		return r.pause(ctx)
	case SignalResume:
		return r.resume(ctx)
	case SignalCancel:
		return r.cancelRun(ctx)
	default:
		return fmt.Errorf("unknown signal %q", sig)
	}
}

// Observe returns the execution's status and state plus its most recent
// checkpoints (ascending). A non-positive limit defaults to 20.
func (e *Engine) Observe(ctx context.Context, tc tenant.Context, executionID string, limit int) (*Observation, error) {
	ex, err := e.execs.Get(ctx, tc, executionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	from := 0
	if latest, err := e.execs.LatestCheckpoint(ctx, executionID); err == nil && latest.Sequence >= limit {
		from = latest.Sequence - limit + 1
	}
	cps, err := e.execs.ListCheckpoints(ctx, executionID, from, limit)
	if err != nil {
		return nil, err
	}
	return &Observation{Execution: ex, Checkpoints: cps}, nil
}

// Recover rehydrates every execution left running or paused by a previous
// process from its checkpoints and reschedules the interrupted agents.
// In-flight results at crash time are treated as lost.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.execs.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, ex := range active {
		if e.lookupRun(ex.ID) != nil {
			continue
		}
		if _, err := e.rehydrate(ctx, ex); err != nil {
			e.opts.Logger.Error(ctx, "recovery failed",
				"executionId", ex.ID, "workflowId", ex.Workflow.ID, "err", err)
			continue
		}
		e.opts.Logger.Info(ctx, "execution recovered",
			"executionId", ex.ID, "workflowId", ex.Workflow.ID, "status", string(ex.Status))
	}
	return nil
}

// rehydrate rebuilds the in-memory run for an execution by replaying its
// checkpoints in order, then starts its scheduler.
func (e *Engine) rehydrate(ctx context.Context, ex *workflow.Execution) (*run, error) {
	tc := tenant.Context{TenantID: ex.TenantID, UserID: ex.InitiatedBy}
	def, err := e.workflows.GetVersion(ctx, tc, ex.Workflow.ID, ex.Workflow.Version)
	if err != nil {
		return nil, fmt.Errorf("load definition %s@%d: %w", ex.Workflow.ID, ex.Workflow.Version, err)
	}
	graph, err := e.compiled(def)
	if err != nil {
		return nil, fmt.Errorf("compile %s@%d: %w", ex.Workflow.ID, ex.Workflow.Version, err)
	}
	cps, err := e.execs.ListCheckpoints(ctx, ex.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	r := newRun(e, tc, graph, ex)
	ex.Completed = nil
	for _, cp := range cps {
		r.seq = cp.Sequence
		if cp.CompletedAgent == "" {
			continue
		}
		r.completed[cp.CompletedAgent] = true
		ex.Completed = append(ex.Completed, cp.CompletedAgent)
		if node := graph.Node(cp.CompletedAgent); node != nil {
			// Edge conditions replay against the snapshot they originally
			// fired on, so routing decisions survive later overwrites.
			r.fireEdges(node, cp.State)
		}
	}
	if len(cps) > 0 {
		ex.State = workflow.CloneState(cps[len(cps)-1].State)
	}
	ex.Frontier = r.frontierLocked()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.runs[ex.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()
	go r.loop()
	return r, nil
}

func (e *Engine) lookupRun(executionID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[executionID]
}

func (e *Engine) removeRun(executionID string) {
	e.mu.Lock()
	delete(e.runs, executionID)
	e.mu.Unlock()
}

// Close stops scheduling, cancels in-flight agent invocations, and waits for
// the schedulers to drain within the context deadline. Active executions keep
// their durable running status and are picked up by Recover on restart.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.stop()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every tracked execution's scheduler has exited. Tests use
// it to observe terminal state without polling.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func newRun(e *Engine, tc tenant.Context, graph *compile.Graph, ex *workflow.Execution) *run {
	ctx, stop := context.WithCancel(context.Background())
	return &run{
		eng:       e,
		tc:        tc,
		graph:     graph,
		ex:        ex,
		ctx:       ctx,
		stopFn:    stop,
		sem:       semaphore.NewWeighted(e.opts.MaxConcurrentAgents),
		fired:     make(map[*compile.Edge]bool),
		resolved:  make(map[*compile.Edge]bool),
		dead:      make(map[string]bool),
		completed: make(map[string]bool),
		running:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

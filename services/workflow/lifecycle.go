package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workflow-engine/api/pkg/ctxlog"
)

// ErrorReporter receives run-level failures, e.g. to forward them to an error tracker.
type ErrorReporter func(ctx context.Context, run *WorkflowRun, err error)

// Manager owns the run lifecycle: it creates runs, drives the orchestrator,
// handles cancellation and writes the final status and node results.
type Manager struct {
	store        Store
	orchestrator *Orchestrator
	report       ErrorReporter

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithErrorReporter sends structural and top-level run failures to r.
func WithErrorReporter(r ErrorReporter) ManagerOption {
	return func(m *Manager) { m.report = r }
}

// NewManager creates a Manager.
func NewManager(store Store, orchestrator *Orchestrator, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		orchestrator: orchestrator,
		report:       func(context.Context, *WorkflowRun, error) {},
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a run for workflowID and executes it in the background.
// The run outlives ctx; use Cancel to stop it.
func (m *Manager) Start(ctx context.Context, workflowID string, req ExecuteRequest) (*WorkflowRun, error) {
	run, wf, requested, err := m.begin(ctx, workflowID, req)
	if err != nil {
		return nil, err
	}

	runCtx := m.track(context.WithoutCancel(ctx), run.ID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(runCtx, run, wf, requested)
	}()

	return run, nil
}

// Execute creates a run and blocks until it reaches a terminal state.
func (m *Manager) Execute(ctx context.Context, workflowID string, req ExecuteRequest) (*RunDetails, error) {
	run, wf, requested, err := m.begin(ctx, workflowID, req)
	if err != nil {
		return nil, err
	}

	runCtx := m.track(ctx, run.ID)
	m.execute(runCtx, run, wf, requested)
	return m.Details(context.WithoutCancel(ctx), run.ID)
}

// begin validates req, loads the workflow and records the run as running.
func (m *Manager) begin(ctx context.Context, workflowID string, req ExecuteRequest) (*WorkflowRun, *Workflow, []string, error) {
	if err := validateExecuteRequest(req); err != nil {
		return nil, nil, nil, err
	}

	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}

	run := &WorkflowRun{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		Status:        RunRunning,
		ExecutionType: req.ExecutionType,
		StartedAt:     time.Now().UTC(),
	}

	var requested []string
	if req.ExecutionType == ExecutionFull {
		for _, n := range wf.Nodes {
			requested = append(requested, n.ID)
		}
	} else {
		requested = slices.Clone(req.NodeIDs)
		run.SelectedNodeIDs = slices.Clone(req.NodeIDs)
	}

	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, nil, nil, fmt.Errorf("create run: %w", err)
	}
	return run, wf, requested, nil
}

// track registers a cancellable context for an in-flight run.
func (m *Manager) track(ctx context.Context, runID string) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[runID] = cancel
	m.mu.Unlock()
	return runCtx
}

func (m *Manager) untrack(runID string) {
	m.mu.Lock()
	cancel, ok := m.active[runID]
	delete(m.active, runID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) execute(ctx context.Context, run *WorkflowRun, wf *Workflow, requested []string) {
	defer m.untrack(run.ID)

	ctx = ctxlog.With(ctx, "runId", run.ID, "workflowId", run.WorkflowID)
	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.run_id", run.ID),
		attribute.String("workflow.id", run.WorkflowID),
		attribute.String("workflow.execution_type", string(run.ExecutionType)),
	))
	defer span.End()

	logger := ctxlog.FromContext(ctx)
	logger.Info("Run started", "executionType", run.ExecutionType, "requested", requested)
	pctx := context.WithoutCancel(ctx)

	outcome, err := m.orchestrator.Execute(ctx, run, wf, requested, m.cancelProbe(run.ID))
	if err != nil {
		logger.Error("Run aborted", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.report(pctx, run, err)
		m.complete(pctx, run, RunFailed, err.Error())
		return
	}

	if len(outcome.Outputs) > 0 {
		if err := m.store.MergeNodeResults(pctx, run.WorkflowID, outcome.Outputs); err != nil {
			logger.Error("Failed to persist node results", "error", err)
		}
	}

	status, msg, err := m.verdict(pctx, run.ID, outcome)
	if err != nil {
		logger.Error("Failed to determine run status", "error", err)
		status, msg = RunFailed, err.Error()
	}
	if status == RunFailed {
		span.SetStatus(codes.Error, msg)
		m.report(pctx, run, errors.New(msg))
	}
	m.complete(pctx, run, status, msg)
}

// verdict derives the final status by re-reading the run's node executions.
func (m *Manager) verdict(ctx context.Context, runID string, outcome *Outcome) (RunStatus, string, error) {
	if outcome.Cancelled {
		return RunCancelled, "", nil
	}
	// A failure may have left no record behind, e.g. when recording it failed.
	if outcome.FirstFailure != nil {
		return RunFailed, outcome.FirstFailure.Error(), nil
	}

	execs, err := m.store.ListNodeExecutions(ctx, runID)
	if err != nil {
		return "", "", fmt.Errorf("list node executions: %w", err)
	}
	for _, ne := range execs {
		if ne.Status == NodeFailed {
			return RunFailed, ne.Error, nil
		}
	}
	return RunCompleted, "", nil
}

// complete finalises the run unless something else (a cancel) already did.
func (m *Manager) complete(ctx context.Context, run *WorkflowRun, status RunStatus, msg string) {
	logger := ctxlog.FromContext(ctx)
	ok, err := m.store.CompleteRun(ctx, run.ID, status, msg, time.Now().UTC())
	if err != nil {
		logger.Error("Failed to finalize run", "error", err)
		return
	}
	if !ok {
		logger.Info("Run already finalized, keeping existing status", "computed", status)
		return
	}
	logger.Info("Run finished", "status", status, "error", msg)
}

// cancelProbe reports cancellation from either the in-process context or a
// cancelled status written to the store by anyone else.
func (m *Manager) cancelProbe(runID string) CancelProbe {
	return func(ctx context.Context) bool {
		if ctx.Err() != nil {
			return true
		}
		run, err := m.store.GetRun(context.WithoutCancel(ctx), runID)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Failed to read run status", "error", err)
			return false
		}
		return run.Status == RunCancelled
	}
}

// Cancel marks a running run cancelled and stops its in-process work.
// Cancelling a run that already finished returns the run unchanged with ok=false.
func (m *Manager) Cancel(ctx context.Context, runID string) (*WorkflowRun, bool, error) {
	ok, err := m.store.CompleteRun(ctx, runID, RunCancelled, "", time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	cancel, active := m.active[runID]
	m.mu.Unlock()
	if ok && active {
		cancel()
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return run, ok, nil
}

// Details returns the run and its node executions.
func (m *Manager) Details(ctx context.Context, runID string) (*RunDetails, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	execs, err := m.store.ListNodeExecutions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	if execs == nil {
		execs = []NodeExecution{}
	}
	return &RunDetails{Run: *run, NodeExecutions: execs}, nil
}

// Wait polls the run every interval, at most maxAttempts times, until it is terminal.
func (m *Manager) Wait(ctx context.Context, runID string, interval time.Duration, maxAttempts int) (*RunDetails, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		details, err := m.Details(ctx, runID)
		if err != nil {
			return nil, err
		}
		if details.Run.Terminal() {
			return details, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return nil, fmt.Errorf("%w: run %s after %d polls", ErrWaitExhausted, runID, maxAttempts)
}

// Shutdown cancels every in-flight run and waits for them to settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateExecuteRequest(req ExecuteRequest) error {
	switch req.ExecutionType {
	case ExecutionFull:
		return nil
	case ExecutionSelected:
		if len(req.NodeIDs) == 0 {
			return errMissing("nodeIds")
		}
	case ExecutionSingle:
		if len(req.NodeIDs) != 1 {
			return errInvalid("nodeIds")
		}
	case "":
		return errMissing("executionType")
	default:
		return errInvalid("executionType")
	}
	for _, id := range req.NodeIDs {
		if id == "" {
			return errInvalid("nodeIds")
		}
	}
	return nil
}

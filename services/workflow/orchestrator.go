package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workflow-engine/api/pkg/ctxlog"
)

var tracer = otel.Tracer("workflow-engine/services/workflow")

// Orchestrator executes the dependency closure of a set of nodes, one
// goroutine per node, recording a NodeExecution for every node it attempts.
type Orchestrator struct {
	store      Store
	dispatcher *Dispatcher
}

// NewOrchestrator creates an Orchestrator recording into store.
func NewOrchestrator(store Store, dispatcher *Dispatcher) *Orchestrator {
	return &Orchestrator{store: store, dispatcher: dispatcher}
}

// Outcome summarises a settled orchestration.
type Outcome struct {
	// Outputs holds the result of every node that completed.
	Outputs map[string]any
	// FirstFailure is the first root-cause node failure observed, if any.
	FirstFailure error
	// Cancelled is set when any node stopped because the run was cancelled.
	Cancelled bool
}

// outputMap is written once per node, before that node's unit is marked done.
type outputMap struct {
	mu sync.RWMutex
	m  map[string]any
}

func (o *outputMap) Lookup(nodeID string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.m[nodeID]
	return v, ok
}

func (o *outputMap) store(nodeID string, v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[nodeID] = v
}

func (o *outputMap) snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.m))
	for k, v := range o.m {
		out[k] = v
	}
	return out
}

// unit is the single shared attempt of one node within a run.
type unit struct {
	done chan struct{}
	err  error
}

type execution struct {
	o         *Orchestrator
	ctx       context.Context
	run       *WorkflowRun
	nodes     map[string]Node
	edges     []Edge
	deps      map[string][]string
	outputs   *outputMap
	cancelled CancelProbe
	units     sync.Map // node id -> *unit

	mu           sync.Mutex
	firstFailure error
}

// Execute runs requested and all of their transitive dependencies for run,
// waiting for every node to settle. A returned error is structural: no node
// was attempted. Node failures are reported through the Outcome instead.
func (o *Orchestrator) Execute(ctx context.Context, run *WorkflowRun, wf *Workflow, requested []string, cancelled CancelProbe) (*Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	targets, err := ExpandTargets(wf.Nodes, wf.Edges, requested)
	if err != nil {
		return nil, err
	}
	if err := validateDAG(targets, wf.Edges); err != nil {
		return nil, err
	}

	x := &execution{
		o:         o,
		ctx:       ctx,
		run:       run,
		nodes:     make(map[string]Node, len(wf.Nodes)),
		edges:     wf.Edges,
		deps:      BuildDependencies(wf.Edges, targets),
		outputs:   &outputMap{m: make(map[string]any)},
		cancelled: cancelled,
	}
	for _, n := range wf.Nodes {
		x.nodes[n.ID] = n
	}

	logger.Info("Executing nodes", "requested", len(requested), "targets", len(targets))

	units := make([]*unit, 0, len(targets))
	for _, id := range targets {
		units = append(units, x.unitFor(id))
	}

	outcome := &Outcome{}
	for _, u := range units {
		<-u.done
		if errors.Is(u.err, ErrRunCancelled) {
			outcome.Cancelled = true
		}
	}

	outcome.Outputs = x.outputs.snapshot()
	outcome.FirstFailure = x.firstFailure
	return outcome, nil
}

// unitFor returns the unit for id, starting it if this is the first request.
func (x *execution) unitFor(id string) *unit {
	if u, ok := x.units.Load(id); ok {
		return u.(*unit)
	}
	u := &unit{done: make(chan struct{})}
	actual, loaded := x.units.LoadOrStore(id, u)
	if loaded {
		return actual.(*unit)
	}
	go x.runUnit(id, u)
	return u
}

func (x *execution) runUnit(id string, u *unit) {
	defer close(u.done)

	node := x.nodes[id]
	ctx := ctxlog.With(x.ctx, "nodeId", id, "nodeType", node.Type)
	ctx, span := tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.run_id", x.run.ID),
		attribute.String("workflow.node_id", id),
		attribute.String("workflow.node_type", node.Type),
	))
	defer span.End()

	logger := ctxlog.FromContext(ctx)
	// Store writes must land even after the run context is cancelled.
	pctx := context.WithoutCancel(ctx)

	rec := &NodeExecution{
		ID:        uuid.NewString(),
		RunID:     x.run.ID,
		NodeID:    id,
		NodeType:  node.Type,
		Status:    NodeRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := x.o.store.CreateNodeExecution(pctx, rec); err != nil {
		logger.Error("Failed to record node execution", "error", err)
		u.err = fmt.Errorf("record node execution: %w", err)
		x.observeFailure(u.err)
		return
	}

	// Start every dependency before waiting on any of them.
	depIDs := x.deps[id]
	depUnits := make([]*unit, len(depIDs))
	for i, depID := range depIDs {
		depUnits[i] = x.unitFor(depID)
	}
	var depErr error
	for i, du := range depUnits {
		<-du.done
		if du.err != nil && depErr == nil {
			depErr = newDependencyError(depIDs[i], du.err)
		}
	}

	if depErr != nil {
		logger.Warn("Skipping node, dependency failed", "error", depErr)
		u.err = depErr
		x.finish(pctx, span, rec, nil, depErr)
		return
	}

	if x.cancelled(ctx) {
		logger.Info("Run cancelled before node dispatch")
		u.err = ErrRunCancelled
		x.finish(pctx, span, rec, nil, ErrRunCancelled)
		return
	}

	logger.Debug("Dispatching node")
	start := time.Now()
	res, err := x.o.dispatcher.Dispatch(ctx, node, x.edges, x.outputs, x.cancelled)
	elapsed := time.Since(start).Milliseconds()
	if res != nil {
		rec.Inputs = res.Inputs
	}
	rec.ExecutionTimeMs = &elapsed

	if err != nil {
		logger.Error("Node failed", "error", err, "durationMs", elapsed)
		u.err = err
		x.observeFailure(err)
		x.finish(pctx, span, rec, nil, err)
		return
	}

	x.outputs.store(id, res.Result)
	logger.Info("Node completed", "durationMs", elapsed)
	x.finish(pctx, span, rec, res.Result, nil)
}

// finish writes the terminal state of rec exactly once.
func (x *execution) finish(ctx context.Context, span trace.Span, rec *NodeExecution, result any, err error) {
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err != nil {
		rec.Status = NodeFailed
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		rec.Status = NodeCompleted
		rec.Outputs = result
	}

	ok, ferr := x.o.store.FinishNodeExecution(ctx, rec)
	if ferr != nil {
		ctxlog.FromContext(ctx).Error("Failed to finalize node execution", "error", ferr)
		return
	}
	if !ok {
		ctxlog.FromContext(ctx).Warn("Node execution was already finalized")
	}
}

func (x *execution) observeFailure(err error) {
	if !isRootFailure(err) {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.firstFailure == nil {
		x.firstFailure = err
	}
}

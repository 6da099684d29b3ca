package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Store persists workflow definitions, runs and node executions.
// Run and node-execution finalisation is conditional on the record still
// being running, so a terminal record is never overwritten.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	// MergeNodeResults sets data.result on the workflow's current nodes for
	// every id in results, leaving other nodes untouched.
	MergeNodeResults(ctx context.Context, workflowID string, results map[string]any) error

	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, workflowID string) ([]WorkflowRun, error)
	// CompleteRun moves a running run to status and reports whether it did.
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string, at time.Time) (bool, error)

	// CreateNodeExecution fails with ErrDuplicateNodeExecution if (runId, nodeId) exists.
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	FinishNodeExecution(ctx context.Context, ne *NodeExecution) (bool, error)
	ListNodeExecutions(ctx context.Context, runID string) ([]NodeExecution, error)
}

// applyNodeResults returns a copy of nodes with data.result set from results.
func applyNodeResults(nodes []Node, results map[string]any) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
		v, ok := results[n.ID]
		if !ok {
			continue
		}
		data := make(map[string]any, len(n.Data)+1)
		maps.Copy(data, n.Data)
		data["result"] = v
		out[i].Data = data
	}
	return out
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]Workflow
	runs       map[string]WorkflowRun
	executions map[string][]NodeExecution // run id -> executions in creation order
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]Workflow),
		runs:       make(map[string]WorkflowRun),
		executions: make(map[string][]NodeExecution),
	}
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	wf.Nodes = slices.Clone(wf.Nodes)
	wf.Edges = slices.Clone(wf.Edges)
	return &wf, nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *wf
	cp.Nodes = slices.Clone(wf.Nodes)
	cp.Edges = slices.Clone(wf.Edges)
	if existing, ok := s.workflows[wf.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.workflows[wf.ID] = cp
	return nil
}

func (s *MemoryStore) MergeNodeResults(_ context.Context, workflowID string, results map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.Nodes = applyNodeResults(wf.Nodes, results)
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[workflowID] = wf
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	cp.SelectedNodeIDs = slices.Clone(run.SelectedNodeIDs)
	s.runs[run.ID] = cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, workflowID string) ([]WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []WorkflowRun
	for _, r := range s.runs {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b WorkflowRun) int { return b.StartedAt.Compare(a.StartedAt) })
	return out, nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, id string, status RunStatus, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status != RunRunning {
		return false, nil
	}
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &at
	s.runs[id] = run
	return true, nil
}

func (s *MemoryStore) CreateNodeExecution(_ context.Context, ne *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions[ne.RunID] {
		if existing.NodeID == ne.NodeID {
			return fmt.Errorf("%w: run %s node %s", ErrDuplicateNodeExecution, ne.RunID, ne.NodeID)
		}
	}
	s.executions[ne.RunID] = append(s.executions[ne.RunID], *ne)
	return nil
}

func (s *MemoryStore) FinishNodeExecution(_ context.Context, ne *NodeExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.executions[ne.RunID]
	for i := range list {
		if list[i].ID != ne.ID {
			continue
		}
		if list[i].Status != NodeRunning {
			return false, nil
		}
		list[i] = *ne
		return true, nil
	}
	return false, errors.New("node execution " + ne.ID + " not found")
}

func (s *MemoryStore) ListNodeExecutions(_ context.Context, runID string) ([]NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.executions[runID]), nil
}

// SeedSample stores the sample workflow unless it already exists.
func SeedSample(ctx context.Context, s Store) error {
	_, err := s.GetWorkflow(ctx, SampleWorkflowID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrWorkflowNotFound) {
		return fmt.Errorf("seed workflow: %w", err)
	}
	wf := SampleWorkflow()
	if err := s.SaveWorkflow(ctx, &wf); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

const SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

// SampleWorkflow is a product-shot pipeline: an uploaded image is cropped,
// a frame is pulled from an uploaded video, and both feed a caption prompt.
func SampleWorkflow() Workflow {
	return Workflow{
		ID:   SampleWorkflowID,
		Name: "Product Caption Workflow",
		Nodes: []Node{
			{ID: "image", Type: KindUploadImage, Position: Position{X: 0, Y: 0},
				Data: map[string]any{"label": "Product Photo", "value": "https://example.com/product.png"}},
			{ID: "video", Type: KindUploadVideo, Position: Position{X: 0, Y: 240},
				Data: map[string]any{"label": "Demo Video", "value": "https://example.com/demo.mp4"}},
			{ID: "crop", Type: KindCropImage, Position: Position{X: 320, Y: 0},
				Data: map[string]any{"label": "Center Crop", "x_percent": 10, "y_percent": 10, "width_percent": 80, "height_percent": 80}},
			{ID: "frame", Type: KindExtractFrame, Position: Position{X: 320, Y: 240},
				Data: map[string]any{"label": "Midpoint Frame", "timestamp": "50%"}},
			{ID: "system", Type: KindText, Position: Position{X: 320, Y: 480},
				Data: map[string]any{"label": "System Prompt", "value": "You write short product captions."}},
			{ID: "caption", Type: KindLLM, Position: Position{X: 640, Y: 240},
				Data: map[string]any{"label": "Caption", "model": defaultLLMModel, "value": "Write a caption for this product."}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "image", Target: "crop", TargetHandle: "image_url"},
			{ID: "e2", Source: "video", Target: "frame", TargetHandle: "video_url"},
			{ID: "e3", Source: "crop", Target: "caption", TargetHandle: "image_1"},
			{ID: "e4", Source: "frame", Target: "caption", TargetHandle: "image_2"},
			{ID: "e5", Source: "system", Target: "caption", TargetHandle: "system_prompt"},
		},
	}
}

package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore exercises the Store contract shared by every backend.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("WorkflowNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetWorkflow(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		wf := SampleWorkflow()
		wf.ID = uuid.NewString()

		require.NoError(t, s.SaveWorkflow(ctx, &wf))
		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, got.Name)
		assert.Len(t, got.Nodes, len(wf.Nodes))
		assert.Equal(t, wf.Edges, got.Edges)
	})

	t.Run("SeedSampleIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, SeedSample(ctx, s))
		require.NoError(t, SeedSample(ctx, s))

		wf, err := s.GetWorkflow(ctx, SampleWorkflowID)
		require.NoError(t, err)
		assert.Len(t, wf.Nodes, 6)
		assert.Len(t, wf.Edges, 5)
	})

	t.Run("MergeNodeResults", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		wf := SampleWorkflow()
		wf.ID = uuid.NewString()
		require.NoError(t, s.SaveWorkflow(ctx, &wf))

		require.NoError(t, s.MergeNodeResults(ctx, wf.ID, map[string]any{"system": "merged", "unknown": "ignored"}))

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		for _, n := range got.Nodes {
			if n.ID == "system" {
				assert.Equal(t, "merged", n.Data["result"])
				assert.Equal(t, "System Prompt", n.Data["label"])
			} else {
				assert.NotContains(t, n.Data, "result", "node %s", n.ID)
			}
		}
		assert.Len(t, got.Nodes, len(wf.Nodes))

		err = s.MergeNodeResults(ctx, uuid.NewString(), map[string]any{"x": 1})
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, RunRunning, got.Status)
		assert.Equal(t, []string{"caption"}, got.SelectedNodeIDs)
		assert.Nil(t, got.CompletedAt)

		ok, err := s.CompleteRun(ctx, run.ID, RunCancelled, "", time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		// A terminal run is never overwritten.
		ok, err = s.CompleteRun(ctx, run.ID, RunCompleted, "", time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, RunCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("RunNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetRun(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrRunNotFound)

		_, err = s.CompleteRun(ctx, uuid.NewString(), RunFailed, "x", time.Now())
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ListRunsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := seedRun(t, s)
		second := &WorkflowRun{
			ID:            uuid.NewString(),
			WorkflowID:    first.WorkflowID,
			Status:        RunRunning,
			ExecutionType: ExecutionFull,
			StartedAt:     first.StartedAt.Add(time.Second),
		}
		require.NoError(t, s.CreateRun(ctx, second))

		runs, err := s.ListRuns(ctx, first.WorkflowID)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, second.ID, runs[0].ID)
		assert.Equal(t, first.ID, runs[1].ID)
	})

	t.Run("NodeExecutionOncePerRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		ne := &NodeExecution{
			ID: uuid.NewString(), RunID: run.ID, NodeID: "crop", NodeType: KindCropImage,
			Status: NodeRunning, StartedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateNodeExecution(ctx, ne))

		dup := *ne
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, s.CreateNodeExecution(ctx, &dup), ErrDuplicateNodeExecution)

		elapsed := int64(12)
		done := time.Now().UTC()
		finished := *ne
		finished.Status = NodeCompleted
		finished.Inputs = map[string]any{"image_url": "https://example.com/a.png"}
		finished.Outputs = "https://example.com/a.png#crop"
		finished.ExecutionTimeMs = &elapsed
		finished.CompletedAt = &done

		ok, err := s.FinishNodeExecution(ctx, &finished)
		require.NoError(t, err)
		assert.True(t, ok)

		again := finished
		again.Status = NodeFailed
		again.Error = "late"
		ok, err = s.FinishNodeExecution(ctx, &again)
		require.NoError(t, err)
		assert.False(t, ok)

		execs, err := s.ListNodeExecutions(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.Equal(t, NodeCompleted, execs[0].Status)
		assert.Equal(t, "https://example.com/a.png#crop", execs[0].Outputs)
		assert.Equal(t, "https://example.com/a.png", execs[0].Inputs["image_url"])
		require.NotNil(t, execs[0].ExecutionTimeMs)
		assert.Equal(t, int64(12), *execs[0].ExecutionTimeMs)
		assert.Empty(t, execs[0].Error)
	})

	t.Run("ConcurrentNodeExecutionCreate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := seedRun(t, s)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.CreateNodeExecution(ctx, &NodeExecution{
					ID: uuid.NewString(), RunID: run.ID, NodeID: "image", NodeType: KindUploadImage,
					Status: NodeRunning, StartedAt: time.Now().UTC(),
				})
			}()
		}
		wg.Wait()

		var created int
		for _, err := range errs {
			if err == nil {
				created++
			} else {
				assert.True(t, errors.Is(err, ErrDuplicateNodeExecution), "unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, created)
	})
}

// seedRun saves a fresh copy of the sample workflow and a running run over it.
func seedRun(t *testing.T, s Store) *WorkflowRun {
	t.Helper()
	ctx := context.Background()
	wf := SampleWorkflow()
	wf.ID = uuid.NewString()
	require.NoError(t, s.SaveWorkflow(ctx, &wf))

	run := &WorkflowRun{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		Status:          RunRunning,
		ExecutionType:   ExecutionSelected,
		SelectedNodeIDs: []string{"caption"},
		StartedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	return run
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestApplyNodeResults_DoesNotMutateInput(t *testing.T) {
	nodes := []Node{{ID: "a", Data: map[string]any{"value": "x"}}, {ID: "b"}}

	out := applyNodeResults(nodes, map[string]any{"a": "done", "b": 2})

	assert.NotContains(t, nodes[0].Data, "result")
	assert.Nil(t, nodes[1].Data)
	assert.Equal(t, "done", out[0].Data["result"])
	assert.Equal(t, "x", out[0].Data["value"])
	assert.Equal(t, 2, out[1].Data["result"])
}

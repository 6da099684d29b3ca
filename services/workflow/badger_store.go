package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

// Key layout:
//
//	wf/<workflowID>            Workflow
//	run/<runID>                WorkflowRun
//	ne/<runID>/<nodeID>        NodeExecution
const (
	workflowPrefix = "wf/"
	runPrefix      = "run/"
	execPrefix     = "ne/"
)

const maxConflictRetries = 10

// BadgerStore persists everything in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func execKey(runID, nodeID string) []byte { return []byte(execPrefix + runID + "/" + nodeID) }

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(workflowPrefix+id), &wf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &wf, nil
}

func (s *BadgerStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	key := []byte(workflowPrefix + wf.ID)
	err := s.update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		cp := *wf
		var existing Workflow
		switch err := getJSON(txn, key, &existing); {
		case err == nil:
			cp.CreatedAt = existing.CreatedAt
		case errors.Is(err, badger.ErrKeyNotFound):
			if cp.CreatedAt.IsZero() {
				cp.CreatedAt = now
			}
		default:
			return err
		}
		cp.UpdatedAt = now
		return setJSON(txn, key, cp)
	})
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *BadgerStore) MergeNodeResults(_ context.Context, workflowID string, results map[string]any) error {
	key := []byte(workflowPrefix + workflowID)
	err := s.update(func(txn *badger.Txn) error {
		var wf Workflow
		if err := getJSON(txn, key, &wf); err != nil {
			return err
		}
		wf.Nodes = applyNodeResults(wf.Nodes, results)
		wf.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key, wf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return fmt.Errorf("merge node results: %w", err)
	}
	return nil
}

func (s *BadgerStore) CreateRun(_ context.Context, run *WorkflowRun) error {
	key := []byte(runPrefix + run.ID)
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("run %s already exists", run.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, run)
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	var run WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(runPrefix+id), &run)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (s *BadgerStore) ListRuns(_ context.Context, workflowID string) ([]WorkflowRun, error) {
	var runs []WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var run WorkflowRun
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &run) }); err != nil {
				return err
			}
			if run.WorkflowID == workflowID {
				runs = append(runs, run)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	slices.SortFunc(runs, func(a, b WorkflowRun) int { return b.StartedAt.Compare(a.StartedAt) })
	return runs, nil
}

func (s *BadgerStore) CompleteRun(_ context.Context, id string, status RunStatus, errMsg string, at time.Time) (bool, error) {
	var applied bool
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		key := []byte(runPrefix + id)
		var run WorkflowRun
		if err := getJSON(txn, key, &run); err != nil {
			return err
		}
		if run.Status != RunRunning {
			return nil
		}
		run.Status = status
		run.Error = errMsg
		run.CompletedAt = &at
		applied = true
		return setJSON(txn, key, run)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	return applied, nil
}

func (s *BadgerStore) CreateNodeExecution(_ context.Context, ne *NodeExecution) error {
	key := execKey(ne.RunID, ne.NodeID)
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: run %s node %s", ErrDuplicateNodeExecution, ne.RunID, ne.NodeID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, ne)
	})
	if err != nil && !errors.Is(err, ErrDuplicateNodeExecution) {
		return fmt.Errorf("create node execution: %w", err)
	}
	return err
}

func (s *BadgerStore) FinishNodeExecution(_ context.Context, ne *NodeExecution) (bool, error) {
	var applied bool
	err := s.update(func(txn *badger.Txn) error {
		applied = false
		key := execKey(ne.RunID, ne.NodeID)
		var current NodeExecution
		if err := getJSON(txn, key, &current); err != nil {
			return err
		}
		if current.ID != ne.ID || current.Status != NodeRunning {
			return nil
		}
		applied = true
		return setJSON(txn, key, ne)
	})
	if err != nil {
		return false, fmt.Errorf("finish node execution: %w", err)
	}
	return applied, nil
}

func (s *BadgerStore) ListNodeExecutions(_ context.Context, runID string) ([]NodeExecution, error) {
	var out []NodeExecution
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(execPrefix + runID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var ne NodeExecution
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ne) }); err != nil {
				return err
			}
			out = append(out, ne)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	slices.SortStableFunc(out, func(a, b NodeExecution) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Repository handles workflow, run and node-execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			nodes      JSONB NOT NULL DEFAULT '[]',
			edges      JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_runs (
			id                TEXT PRIMARY KEY,
			workflow_id       TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			status            TEXT NOT NULL,
			execution_type    TEXT NOT NULL,
			selected_node_ids TEXT[] NOT NULL DEFAULT '{}',
			started_at        TIMESTAMPTZ NOT NULL,
			completed_at      TIMESTAMPTZ,
			error             TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS workflow_runs_workflow_idx ON workflow_runs (workflow_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS node_executions (
			id                TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			node_id           TEXT NOT NULL,
			node_type         TEXT NOT NULL,
			status            TEXT NOT NULL,
			inputs            JSONB,
			outputs           JSONB,
			error             TEXT NOT NULL DEFAULT '',
			execution_time_ms BIGINT,
			started_at        TIMESTAMPTZ NOT NULL,
			completed_at      TIMESTAMPTZ,
			UNIQUE (run_id, node_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, edgesJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, name, nodes, edges, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

// SaveWorkflow inserts or replaces a workflow definition.
func (r *Repository) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	nodesJSON, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(wf.Edges)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, nodes, edges)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, nodes = EXCLUDED.nodes, edges = EXCLUDED.edges, updated_at = NOW()
	`, wf.ID, wf.Name, nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// MergeNodeResults locks the workflow row so concurrent runs do not lose each other's results.
func (r *Repository) MergeNodeResults(ctx context.Context, workflowID string, results map[string]any) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var nodesJSON []byte
		err := tx.QueryRow(ctx, `SELECT nodes FROM workflows WHERE id = $1 FOR UPDATE`, workflowID).Scan(&nodesJSON)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		if err != nil {
			return fmt.Errorf("lock workflow: %w", err)
		}

		var nodes []Node
		if err := json.Unmarshal(nodesJSON, &nodes); err != nil {
			return fmt.Errorf("unmarshal nodes: %w", err)
		}
		updated, err := json.Marshal(applyNodeResults(nodes, results))
		if err != nil {
			return fmt.Errorf("marshal nodes: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE workflows SET nodes = $2, updated_at = NOW() WHERE id = $1`, workflowID, updated); err != nil {
			return fmt.Errorf("update workflow nodes: %w", err)
		}
		return nil
	})
}

func (r *Repository) CreateRun(ctx context.Context, run *WorkflowRun) error {
	selected := run.SelectedNodeIDs
	if selected == nil {
		selected = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, status, execution_type, selected_node_ids, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.WorkflowID, run.Status, run.ExecutionType, selected, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_id, status, execution_type, selected_node_ids, started_at, completed_at, error`

func scanRun(row pgx.Row) (*WorkflowRun, error) {
	var run WorkflowRun
	err := row.Scan(&run.ID, &run.WorkflowID, &run.Status, &run.ExecutionType,
		&run.SelectedNodeIDs, &run.StartedAt, &run.CompletedAt, &run.Error)
	if err != nil {
		return nil, err
	}
	if len(run.SelectedNodeIDs) == 0 {
		run.SelectedNodeIDs = nil
	}
	return &run, nil
}

func (r *Repository) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, workflowID string) ([]WorkflowRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_id = $1 ORDER BY started_at DESC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (r *Repository) CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_runs SET status = $2, error = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`, id, status, errMsg, at, RunRunning)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetRun(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repository) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO node_executions (id, run_id, node_id, node_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ne.ID, ne.RunID, ne.NodeID, ne.NodeType, ne.Status, ne.StartedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: run %s node %s", ErrDuplicateNodeExecution, ne.RunID, ne.NodeID)
	}
	if err != nil {
		return fmt.Errorf("create node execution: %w", err)
	}
	return nil
}

func (r *Repository) FinishNodeExecution(ctx context.Context, ne *NodeExecution) (bool, error) {
	inputs, err := marshalNullable(ne.Inputs)
	if err != nil {
		return false, fmt.Errorf("marshal inputs: %w", err)
	}
	var outputs []byte
	if ne.Outputs != nil {
		if outputs, err = json.Marshal(ne.Outputs); err != nil {
			return false, fmt.Errorf("marshal outputs: %w", err)
		}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE node_executions
		SET status = $2, inputs = $3, outputs = $4, error = $5, execution_time_ms = $6, completed_at = $7
		WHERE id = $1 AND status = $8
	`, ne.ID, ne.Status, inputs, outputs, ne.Error, ne.ExecutionTimeMs, ne.CompletedAt, NodeRunning)
	if err != nil {
		return false, fmt.Errorf("finish node execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListNodeExecutions(ctx context.Context, runID string) ([]NodeExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, run_id, node_id, node_type, status, inputs, outputs, error, execution_time_ms, started_at, completed_at
		FROM node_executions WHERE run_id = $1 ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	var out []NodeExecution
	for rows.Next() {
		var ne NodeExecution
		var inputs, outputs []byte
		if err := rows.Scan(&ne.ID, &ne.RunID, &ne.NodeID, &ne.NodeType, &ne.Status, &inputs, &outputs,
			&ne.Error, &ne.ExecutionTimeMs, &ne.StartedAt, &ne.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		if len(inputs) > 0 {
			if err := json.Unmarshal(inputs, &ne.Inputs); err != nil {
				return nil, fmt.Errorf("unmarshal inputs: %w", err)
			}
		}
		if len(outputs) > 0 {
			if err := json.Unmarshal(outputs, &ne.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs: %w", err)
			}
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// InitDB creates the schema and seeds the sample workflow. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return SeedSample(ctx, repo)
}

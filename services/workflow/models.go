package workflow

import "time"

// Node kinds understood by the dispatcher.
const (
	KindText         = "text"
	KindUploadImage  = "upload_image"
	KindUploadVideo  = "upload_video"
	KindLLM          = "llm"
	KindCropImage    = "crop_image"
	KindExtractFrame = "extract_frame"
)

// Workflow represents a persisted workflow definition with its graph of nodes and edges.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Node represents a single unit of computation in a workflow graph.
// Data holds kind-specific configuration, literal handle values and, after a
// run, the node's last produced "result".
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge feeds the output of Source into the TargetHandle input of Target.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Type         string `json:"type,omitempty"`
	Animated     bool   `json:"animated,omitempty"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type ExecutionType string

const (
	ExecutionFull     ExecutionType = "full"
	ExecutionSelected ExecutionType = "selected"
	ExecutionSingle   ExecutionType = "single"
)

// WorkflowRun is the record of one execution request over a workflow.
// SelectedNodeIDs holds the ids as requested, before dependency expansion.
type WorkflowRun struct {
	ID              string        `json:"id"`
	WorkflowID      string        `json:"workflowId"`
	Status          RunStatus     `json:"status"`
	ExecutionType   ExecutionType `json:"executionType"`
	SelectedNodeIDs []string      `json:"selectedNodeIds,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	Error           string        `json:"error,omitempty"`
}

type NodeStatus string

const (
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// NodeExecution is the record of one node's attempt within one run.
type NodeExecution struct {
	ID              string         `json:"id"`
	RunID           string         `json:"runId"`
	NodeID          string         `json:"nodeId"`
	NodeType        string         `json:"nodeType"`
	Status          NodeStatus     `json:"status"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Outputs         any            `json:"outputs,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs *int64         `json:"executionTimeMs,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// ExecuteRequest is the JSON body sent by the frontend to start a run.
type ExecuteRequest struct {
	ExecutionType ExecutionType `json:"executionType"`
	NodeIDs       []string      `json:"nodeIds"`
}

// RunDetails is the observer view of a run: the run and every node attempted so far.
type RunDetails struct {
	Run            WorkflowRun     `json:"run"`
	NodeExecutions []NodeExecution `json:"nodeExecutions"`
}

// Terminal reports whether the run has left the running state.
func (r *WorkflowRun) Terminal() bool {
	return r.Status != RunRunning
}

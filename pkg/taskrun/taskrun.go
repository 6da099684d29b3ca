// Package taskrun is the client side of the external task execution contract:
// trigger a task by id with a JSON payload, poll its status, and cancel it.
package taskrun

import (
	"context"
	"errors"
	"strings"
)

// Task ids understood by the task workers, one per node kind.
const (
	TaskText         = "text-node"
	TaskUploadImage  = "upload-image-node"
	TaskUploadVideo  = "upload-video-node"
	TaskLLM          = "llm-node"
	TaskCropImage    = "crop-image-node"
	TaskExtractFrame = "extract-frame-node"
)

// State is the lifecycle state of a triggered task.
type State string

const (
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions will happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Status is one poll result for a triggered task.
type Status struct {
	Handle string `json:"id"`
	State  State  `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Runner triggers, polls and cancels tasks.
type Runner interface {
	Trigger(ctx context.Context, taskID string, payload map[string]any) (string, error)
	Status(ctx context.Context, handle string) (*Status, error)
	Cancel(ctx context.Context, handle string) error
}

var (
	ErrUnknownTask   = errors.New("no handler registered for task")
	ErrUnknownHandle = errors.New("unknown task handle")
)

// NormalizeState maps the status vocabularies of task backends onto State.
// Unrecognised values are treated as still executing.
func NormalizeState(raw string) State {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "queued", s == "pending", s == "pending_version", s == "delayed":
		return StateQueued
	case s == "executing", s == "running", s == "reattempting", s == "dequeued":
		return StateExecuting
	case strings.HasPrefix(s, "waiting"), s == "frozen", s == "paused":
		return StateWaiting
	case s == "completed", s == "succeeded", s == "success":
		return StateCompleted
	case s == "canceled", s == "cancelled":
		return StateCancelled
	case s == "failed", s == "crashed", s == "system_failure", s == "timed_out", s == "interrupted", s == "expired":
		return StateFailed
	default:
		return StateExecuting
	}
}

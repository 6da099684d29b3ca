package workflow

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"dario.cat/mergo"
	"golang.org/x/sync/semaphore"

	"workflow-engine/api/pkg/ctxlog"
	"workflow-engine/api/pkg/taskrun"
)

const (
	defaultLLMModel     = "gemini-2.0-flash"
	defaultPollInterval = time.Second
	cancelTaskTimeout   = 10 * time.Second
)

// kindDefaults fill handle values a node leaves unset.
var kindDefaults = map[string]map[string]any{
	KindLLM:          {"model": defaultLLMModel},
	KindCropImage:    {"x_percent": 0.0, "y_percent": 0.0, "width_percent": 100.0, "height_percent": 100.0},
	KindExtractFrame: {"timestamp": "50%"},
}

// CancelProbe reports whether the run a node belongs to has been cancelled.
type CancelProbe func(ctx context.Context) bool

// DispatchResult is a node's normalized result and the inputs it resolved.
type DispatchResult struct {
	Result any
	Inputs map[string]any
}

// Dispatcher routes a node to the external task for its kind and waits for it.
type Dispatcher struct {
	runner       taskrun.Runner
	pollInterval time.Duration
	limiter      *semaphore.Weighted
}

// NewDispatcher creates a Dispatcher polling runner every pollInterval.
// maxConcurrent > 0 caps the number of tasks in flight at once.
func NewDispatcher(runner taskrun.Runner, pollInterval time.Duration, maxConcurrent int) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	d := &Dispatcher{runner: runner, pollInterval: pollInterval}
	if maxConcurrent > 0 {
		d.limiter = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return d
}

// taskCall is one prepared external invocation.
type taskCall struct {
	taskID  string
	payload map[string]any
	// normalize post-processes the unwrapped envelope; nil keeps it as is.
	normalize func(any) any
}

// Dispatch resolves node's inputs, runs its task and normalizes the result.
// The returned result carries the resolved inputs even when the task fails.
func (d *Dispatcher) Dispatch(ctx context.Context, node Node, edges []Edge, outputs OutputReader, cancelled CancelProbe) (*DispatchResult, error) {
	data := make(map[string]any, len(node.Data))
	maps.Copy(data, node.Data)
	if defaults, ok := kindDefaults[node.Type]; ok {
		if err := mergo.Merge(&data, defaults); err != nil {
			return nil, fmt.Errorf("apply %s defaults: %w", node.Type, err)
		}
	}

	r := &inputResolver{node: node, data: data, edges: edges, outputs: outputs, inputs: make(map[string]any)}
	res := &DispatchResult{Inputs: r.inputs}

	call, err := prepare(node.Type, r)
	if err != nil {
		return res, err
	}

	out, err := d.runTask(ctx, call.taskID, call.payload, cancelled)
	if err != nil {
		return res, err
	}
	if call.normalize != nil {
		out = call.normalize(out)
	}
	res.Result = out
	return res, nil
}

func prepare(kind string, r *inputResolver) (*taskCall, error) {
	switch kind {
	case KindText:
		return &taskCall{taskID: taskrun.TaskText, payload: map[string]any{"value": r.get("value")}}, nil
	case KindUploadImage:
		return &taskCall{taskID: taskrun.TaskUploadImage, payload: map[string]any{"value": r.getOr("value", "imageUrl")}}, nil
	case KindUploadVideo:
		return &taskCall{taskID: taskrun.TaskUploadVideo, payload: map[string]any{"value": r.getOr("value", "videoUrl")}}, nil
	case KindLLM:
		return prepareLLM(r), nil
	case KindCropImage:
		return prepareCrop(r)
	case KindExtractFrame:
		return prepareExtractFrame(r)
	default:
		return nil, fmt.Errorf("no task registered for node type %q", kind)
	}
}

func prepareLLM(r *inputResolver) *taskCall {
	var images []string
	for _, h := range r.handlesWithPrefix("image_") {
		if u := normalizeURL(r.get(h)); u != "" {
			images = append(images, u)
		}
	}

	model, _ := r.data["model"].(string)
	if model == "" {
		model = defaultLLMModel
	}

	return &taskCall{
		taskID: taskrun.TaskLLM,
		payload: map[string]any{
			"model":        model,
			"systemPrompt": r.get("system_prompt"),
			"userMessage":  r.getOr("user_message", "value"),
			"imageUrls":    images,
		},
		normalize: func(v any) any { return textResult(v) },
	}
}

func prepareCrop(r *inputResolver) (*taskCall, error) {
	payload := map[string]any{"imageUrl": normalizeURL(r.get("image_url"))}
	for _, f := range []struct{ handle, key string }{
		{"x_percent", "xPercent"},
		{"y_percent", "yPercent"},
		{"width_percent", "widthPercent"},
		{"height_percent", "heightPercent"},
	} {
		n, ok := toFloat64(r.get(f.handle))
		if !ok {
			return nil, fmt.Errorf("%s must be a number", f.handle)
		}
		payload[f.key] = n
	}
	return &taskCall{taskID: taskrun.TaskCropImage, payload: payload}, nil
}

func prepareExtractFrame(r *inputResolver) (*taskCall, error) {
	ts := r.get("timestamp")
	var timestamp any
	if s, ok := ts.(string); ok && strings.HasSuffix(strings.TrimSpace(s), "%") {
		timestamp = strings.TrimSpace(s)
	} else if n, ok := toFloat64(ts); ok {
		timestamp = n
	} else {
		return nil, fmt.Errorf("timestamp %v must be seconds or a percentage", ts)
	}

	return &taskCall{
		taskID: taskrun.TaskExtractFrame,
		payload: map[string]any{
			"videoUrl":  normalizeURL(r.get("video_url")),
			"timestamp": timestamp,
		},
	}, nil
}

// runTask triggers taskID and polls it until it reaches a terminal state.
// Each poll first checks for run cancellation, which cancels the task.
func (d *Dispatcher) runTask(ctx context.Context, taskID string, payload map[string]any, cancelled CancelProbe) (any, error) {
	logger := ctxlog.FromContext(ctx)

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, 1); err != nil {
			return nil, ErrRunCancelled
		}
		defer d.limiter.Release(1)
		// The run may have been cancelled while this node queued for a slot.
		if cancelled(ctx) {
			return nil, ErrRunCancelled
		}
	}

	handle, err := d.runner.Trigger(ctx, taskID, payload)
	if err != nil {
		return nil, fmt.Errorf("trigger task %s: %w", taskID, err)
	}
	logger.Debug("Task triggered", "taskId", taskID, "handle", handle)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if cancelled(ctx) {
			d.cancelTask(ctx, handle)
			return nil, ErrRunCancelled
		}

		status, err := d.runner.Status(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				d.cancelTask(ctx, handle)
				return nil, ErrRunCancelled
			}
			return nil, fmt.Errorf("poll task %s: %w", taskID, err)
		}

		switch status.State {
		case taskrun.StateCompleted:
			return unwrapEnvelope(taskID, status.Output)
		case taskrun.StateFailed, taskrun.StateCancelled:
			msg := status.Error
			if msg == "" {
				msg = fmt.Sprintf("task %s ended with status %s", taskID, status.State)
			}
			return nil, &TaskError{TaskID: taskID, Message: msg}
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) cancelTask(ctx context.Context, handle string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTaskTimeout)
	defer cancel()
	if err := d.runner.Cancel(cctx, handle); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to cancel task", "handle", handle, "error", err)
		return
	}
	ctxlog.FromContext(ctx).Info("Cancelled task", "handle", handle)
}

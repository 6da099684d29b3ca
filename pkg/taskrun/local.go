package taskrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc computes one task. Returning an error marks the task failed with
// the error's message; the returned map is the task's output envelope.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// DefaultRetention is how long a finished task stays readable through Status.
const DefaultRetention = 10 * time.Minute

// Local runs tasks in-process, one goroutine per trigger.
type Local struct {
	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	tasks     map[string]*localTask
	retention time.Duration
}

type localTask struct {
	status   Status
	cancel   context.CancelFunc
	finished time.Time
}

type LocalOption func(*Local)

// WithRetention sets how long finished tasks are kept before being evicted.
func WithRetention(d time.Duration) LocalOption {
	return func(l *Local) { l.retention = d }
}

// NewLocal returns a runner with passthrough handlers registered for the
// identity node kinds.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		handlers:  make(map[string]HandlerFunc),
		tasks:     make(map[string]*localTask),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, id := range []string{TaskText, TaskUploadImage, TaskUploadVideo} {
		l.Register(id, Passthrough)
	}
	return l
}

// Passthrough returns the payload's value as the task result.
func Passthrough(_ context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"success": true, "result": payload["value"]}, nil
}

// Register installs h for taskID, replacing any previous handler.
func (l *Local) Register(taskID string, h HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[taskID] = h
}

func (l *Local) Trigger(ctx context.Context, taskID string, payload map[string]any) (string, error) {
	l.mu.Lock()
	h, ok := l.handlers[taskID]
	if !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	l.prune(time.Now())

	// The task outlives the trigger call, only Cancel stops it.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := uuid.NewString()
	l.tasks[handle] = &localTask{
		status: Status{Handle: handle, State: StateQueued},
		cancel: cancel,
	}
	l.mu.Unlock()

	go l.run(taskCtx, handle, h, payload)
	return handle, nil
}

func (l *Local) run(ctx context.Context, handle string, h HandlerFunc, payload map[string]any) {
	defer l.release(handle)
	l.setState(handle, func(s *Status) { s.State = StateExecuting })

	out, err := h(ctx, payload)

	l.setState(handle, func(s *Status) {
		switch {
		case ctx.Err() != nil:
			s.State = StateCancelled
			s.Error = "task cancelled"
		case err != nil:
			s.State = StateFailed
			s.Error = err.Error()
		default:
			s.State = StateCompleted
			s.Output = out
		}
	})
}

// setState applies fn unless the task already reached a terminal state.
func (l *Local) setState(handle string, fn func(*Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[handle]
	if !ok || t.status.State.Terminal() {
		return
	}
	fn(&t.status)
}

// release frees the task's context once its handler has returned and starts
// its retention window.
func (l *Local) release(handle string) {
	l.mu.Lock()
	t, ok := l.tasks[handle]
	if ok {
		t.finished = time.Now()
	}
	l.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// prune evicts tasks that finished more than the retention ago. Callers hold l.mu.
func (l *Local) prune(now time.Time) {
	for handle, t := range l.tasks {
		if !t.finished.IsZero() && now.Sub(t.finished) > l.retention {
			delete(l.tasks, handle)
		}
	}
}

func (l *Local) Status(_ context.Context, handle string) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	s := t.status
	return &s, nil
}

func (l *Local) Cancel(_ context.Context, handle string) error {
	l.mu.Lock()
	t, ok := l.tasks[handle]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if !t.status.State.Terminal() {
		t.status.State = StateCancelled
		t.status.Error = "task cancelled"
	}
	l.mu.Unlock()

	t.cancel()
	slog.Debug("Cancelled local task", "handle", handle)
	return nil
}

// Close cancels every task still in flight.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		t.cancel()
	}
}

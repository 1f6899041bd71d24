package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/retry"
)

// TaskTypeStageExecute runs one stage invocation on a worker
const TaskTypeStageExecute = "stage:execute"

// TaskEnqueuer is satisfied by *asynq.Client
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is satisfied by *asynq.Inspector
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// AsynqQueue starts invocations as asynq tasks keyed by their handle. The
// worker always completes the task and records the stage result through the
// task's result writer, so the handle resolves from the retained task.
type AsynqQueue struct {
	client    TaskEnqueuer
	inspector TaskInspector
	queue     string
	timeout   time.Duration
	retention time.Duration
}

// NewAsynqQueue creates a queue on the named asynq queue.
func NewAsynqQueue(client TaskEnqueuer, inspector TaskInspector, queue string, timeout, retention time.Duration) *AsynqQueue {
	return &AsynqQueue{
		client:    client,
		inspector: inspector,
		queue:     queue,
		timeout:   timeout,
		retention: retention,
	}
}

// NewStageTask builds the task for an invocation.
func NewStageTask(inv Invocation) (*asynq.Task, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeStageExecute, data), nil
}

// ParseStageTask decodes the invocation carried by a task.
func ParseStageTask(t *asynq.Task) (Invocation, error) {
	var inv Invocation
	if err := json.Unmarshal(t.Payload(), &inv); err != nil {
		return inv, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	return inv, nil
}

// Start enqueues the invocation. Starting the same handle twice is a no-op.
func (q *AsynqQueue) Start(ctx context.Context, inv Invocation) (string, error) {
	handle := inv.Handle()
	task, err := NewStageTask(inv)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(handle),
		asynq.Queue(q.queue),
		asynq.MaxRetry(0),
		asynq.Retention(q.retention),
	}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}

	_, err = q.client.EnqueueContext(ctx, task, opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return handle, nil
}

// Status maps the asynq task state onto the handle status.
func (q *AsynqQueue) Status(_ context.Context, handle string) (Result, error) {
	info, err := q.inspector.GetTaskInfo(q.queue, handle)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
		}
		return Result{}, err
	}

	switch info.State {
	case asynq.TaskStateCompleted:
		if len(info.Result) == 0 {
			return Result{Status: StatusSucceeded}, nil
		}
		var result Result
		if err := json.Unmarshal(info.Result, &result); err != nil {
			return Result{}, fmt.Errorf("failed to decode result of %s: %w", handle, err)
		}
		if result.Status == "" {
			result.Status = StatusSucceeded
		}
		return result, nil
	case asynq.TaskStateArchived:
		return Result{Status: StatusFailed, ErrorKind: kindFromMessage(info.LastErr), Message: info.LastErr}, nil
	default:
		return Result{Status: StatusPending}, nil
	}
}

// kindFromMessage recovers the kind prefix of a classified error message.
func kindFromMessage(msg string) retry.Kind {
	if i := strings.Index(msg, ":"); i > 0 {
		return retry.ParseKind(msg[:i])
	}
	return retry.KindInternal
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/retry"
)

// StageExecutor runs one stage invocation in this process
type StageExecutor interface {
	Run(ctx context.Context, inv dispatch.Invocation) error
}

// StageWorker processes stage:execute tasks started by the dispatcher
type StageWorker struct {
	executor StageExecutor
	logger   *zap.Logger
}

// NewStageWorker creates a new stage worker
func NewStageWorker(executor StageExecutor, logger *zap.Logger) *StageWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageWorker{executor: executor, logger: logger}
}

// ProcessTask runs the invocation and stores its outcome as the task result.
// A failed stage still completes the task; the dispatcher reads the kind
// from the result.
func (w *StageWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	inv, err := dispatch.ParseStageTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	result := w.execute(ctx, inv)

	if rw := t.ResultWriter(); rw != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode stage result: %w", err)
		}
		if _, err := rw.Write(data); err != nil {
			return fmt.Errorf("failed to write stage result: %w", err)
		}
	}
	return nil
}

func (w *StageWorker) execute(ctx context.Context, inv dispatch.Invocation) dispatch.Result {
	log := w.logger.With(
		zap.String("project_id", inv.ProjectID),
		zap.String("stage", string(inv.Stage)),
		zap.Int("attempt", inv.Attempt),
	)
	log.Info("executing stage")

	err := w.executor.Run(ctx, inv)
	if err != nil {
		log.Warn("stage execution failed", zap.String("error_kind", string(retry.Classify(err))), zap.Error(err))
	}
	return dispatch.ResultFor(err)
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/orchestrator"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/pkg/response"
)

// PipelineRunner runs whole pipelines or single stages
type PipelineRunner interface {
	Run(ctx context.Context, projectID string) (*model.PipelineExecution, error)
	RunStage(ctx context.Context, projectID string, name model.StageName) (*model.PipelineExecution, error)
}

// ErrorReporter tells watchers about failures that left no execution record
type ErrorReporter interface {
	BroadcastError(projectID string, code, message string)
}

// PipelineWorker processes pipeline:run and pipeline:stage tasks
type PipelineWorker struct {
	runner   PipelineRunner
	reporter ErrorReporter
	logger   *zap.Logger
}

// NewPipelineWorker creates a new pipeline worker
func NewPipelineWorker(runner PipelineRunner, reporter ErrorReporter, logger *zap.Logger) *PipelineWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineWorker{
		runner:   runner,
		reporter: reporter,
		logger:   logger,
	}
}

// ProcessRun handles pipeline:run tasks
func (w *PipelineWorker) ProcessRun(ctx context.Context, t *asynq.Task) error {
	payload, err := service.ParsePipelinePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("starting pipeline", zap.String("project_id", payload.ProjectID))
	exec, err := w.runner.Run(ctx, payload.ProjectID)
	return w.finish(payload, exec, err)
}

// ProcessStage handles pipeline:stage tasks
func (w *PipelineWorker) ProcessStage(ctx context.Context, t *asynq.Task) error {
	payload, err := service.ParsePipelinePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if _, err := model.ParseStageName(string(payload.Stage)); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("starting stage",
		zap.String("project_id", payload.ProjectID),
		zap.String("stage", string(payload.Stage)),
	)
	exec, err := w.runner.RunStage(ctx, payload.ProjectID, payload.Stage)
	return w.finish(payload, exec, err)
}

// finish treats recorded failures as handled; the execution record carries
// them. Only failures that left no record fail the task.
func (w *PipelineWorker) finish(payload service.PipelinePayload, exec *model.PipelineExecution, err error) error {
	log := w.logger.With(zap.String("project_id", payload.ProjectID))
	if payload.Stage != "" {
		log = log.With(zap.String("stage", string(payload.Stage)))
	}

	switch {
	case err == nil:
		log.Info("pipeline task finished", zap.String("status", string(exec.Status)))
		return nil
	case errors.Is(err, store.ErrProjectNotFound):
		log.Warn("project not found")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, store.ErrProjectBusy):
		// asynq retries the task once the other run releases the project.
		log.Info("project busy, task will be retried")
		return err
	case errors.Is(err, orchestrator.ErrCancelled):
		log.Info("pipeline cancelled")
		return nil
	case exec != nil:
		log.Warn("pipeline task finished with failure", zap.String("status", string(exec.Status)), zap.Error(err))
		return nil
	}

	log.Error("pipeline task failed", zap.Error(err))
	if w.reporter != nil {
		w.reporter.BroadcastError(payload.ProjectID, response.CodeServiceError, err.Error())
	}
	return err
}

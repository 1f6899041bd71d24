package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

const (
	TaskTypePipelineRun   = "pipeline:run"
	TaskTypePipelineStage = "pipeline:stage"
)

const (
	// DefaultPipelineTimeout bounds one pipeline task, including async stage waits.
	DefaultPipelineTimeout = time.Hour
	// Task retries cover failures the execution record does not capture,
	// such as a project locked by another run.
	taskMaxRetry = 3
)

var (
	// ErrPipelineFinished is returned when cancelling a pipeline that has ended.
	ErrPipelineFinished = errors.New("pipeline already finished")
	// ErrPipelineRunning is returned when invoking a stage of a project whose
	// pipeline is queued or running.
	ErrPipelineRunning = errors.New("pipeline is running")
)

// PipelinePayload is carried by pipeline:run and pipeline:stage tasks
type PipelinePayload struct {
	ProjectID string          `json:"projectId"`
	Stage     model.StageName `json:"stage,omitempty"`
}

// PipelineService creates projects and queues pipeline work
type PipelineService struct {
	executions *store.ExecutionStore
	contexts   store.ContextStore
	enqueuer   dispatch.TaskEnqueuer
	queue      string
	timeout    time.Duration
	now        func() time.Time
}

func NewPipelineService(executions *store.ExecutionStore, contexts store.ContextStore, enqueuer dispatch.TaskEnqueuer, queue string) *PipelineService {
	return &PipelineService{
		executions: executions,
		contexts:   contexts,
		enqueuer:   enqueuer,
		queue:      queue,
		timeout:    DefaultPipelineTimeout,
		now:        time.Now,
	}
}

// StartPipeline creates a project for the topic and queues its pipeline
func (s *PipelineService) StartPipeline(ctx context.Context, req *model.StartPipelineRequest) (*model.StartPipelineResponse, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate project id: %w", err)
	}
	projectID := id.String()
	now := s.now().UTC()

	project := &model.Project{
		ID:        projectID,
		BaseTopic: req.Topic,
		CreatedAt: now,
		Status:    model.ProjectStatusRunning,
	}
	if err := s.executions.CreateProject(ctx, project, model.NewExecution(projectID, now)); err != nil {
		return nil, err
	}

	task, err := newPipelineTask(TaskTypePipelineRun, PipelinePayload{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.TaskID("run:"+projectID),
		asynq.Queue(s.queue),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(s.timeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.StartPipelineResponse{
		ProjectID: projectID,
		Status:    project.Status,
		CreatedAt: now,
	}, nil
}

// InvokeStage queues a single stage of an existing project. Stages of one
// project never overlap, so it refuses while the pipeline is running.
func (s *PipelineService) InvokeStage(ctx context.Context, projectID string, stage model.StageName) (*model.InvokeStageResponse, error) {
	project, err := s.executions.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == model.ProjectStatusRunning {
		return nil, ErrPipelineRunning
	}

	task, err := newPipelineTask(TaskTypePipelineStage, PipelinePayload{ProjectID: projectID, Stage: stage})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(s.timeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.InvokeStageResponse{ProjectID: projectID, Stage: stage, Queued: true}, nil
}

// GetExecution returns the pipeline execution record of a project
func (s *PipelineService) GetExecution(ctx context.Context, projectID string) (*model.PipelineExecution, error) {
	return s.executions.GetExecution(ctx, projectID)
}

// ListProjects returns the most recent projects
func (s *PipelineService) ListProjects(ctx context.Context, limit int) (*model.ProjectListResponse, error) {
	projects, err := s.executions.ListProjects(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &model.ProjectListResponse{Projects: projects}, nil
}

// GetContext returns the raw stage context document of a project
func (s *PipelineService) GetContext(ctx context.Context, projectID string, name model.ContextName) ([]byte, error) {
	if _, err := s.executions.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.contexts.Get(ctx, projectID, name)
}

// Cancel requests that the pipeline stop before its next stage
func (s *PipelineService) Cancel(ctx context.Context, projectID string) (*model.CancelPipelineResponse, error) {
	project, err := s.executions.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.IsTerminal() {
		return nil, ErrPipelineFinished
	}

	if err := s.executions.RequestCancel(ctx, projectID); err != nil {
		return nil, err
	}
	return &model.CancelPipelineResponse{
		Success:   true,
		ProjectID: projectID,
		Status:    project.Status,
	}, nil
}

// ParsePipelinePayload decodes a pipeline task payload
func ParsePipelinePayload(t *asynq.Task) (PipelinePayload, error) {
	var payload PipelinePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if payload.ProjectID == "" {
		return payload, fmt.Errorf("task payload has no project id")
	}
	return payload, nil
}

func newPipelineTask(taskType string, payload PipelinePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

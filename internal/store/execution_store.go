package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/model"
)

var (
	// ErrProjectNotFound is returned for unknown project ids.
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectBusy is returned while another run holds the project lock.
	ErrProjectBusy = errors.New("project has a run in progress")
)

// Deletes the lock only when it still carries the caller's token, so an
// expired holder cannot release a lock that has since been taken over.
var releaseRunLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unlock releases a run lock
type Unlock func(ctx context.Context) error

// ExecutionStore keeps projects and their pipeline execution records
type ExecutionStore struct {
	redis redis.Cmdable
}

func NewExecutionStore(client redis.Cmdable) *ExecutionStore {
	return &ExecutionStore{redis: client}
}

// CreateProject stores a new project with its initial execution and adds it
// to the project index.
func (s *ExecutionStore) CreateProject(ctx context.Context, project *model.Project, exec *model.PipelineExecution) error {
	projectData, err := json.Marshal(project)
	if err != nil {
		return err
	}
	execData, err := json.Marshal(exec)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ProjectKey(project.ID), projectData, 0)
		pipe.Set(ctx, ExecutionKey(project.ID), execData, 0)
		pipe.ZAdd(ctx, ProjectIndexKey, redis.Z{
			Score:  float64(project.CreatedAt.UnixMilli()),
			Member: project.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject returns the project record
func (s *ExecutionStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var project model.Project
	if err := s.getJSON(ctx, ProjectKey(projectID), &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// GetExecution returns the execution record
func (s *ExecutionStore) GetExecution(ctx context.Context, projectID string) (*model.PipelineExecution, error) {
	var exec model.PipelineExecution
	if err := s.getJSON(ctx, ExecutionKey(projectID), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// SaveExecution writes the execution and mirrors its status onto the project.
func (s *ExecutionStore) SaveExecution(ctx context.Context, exec *model.PipelineExecution) error {
	project, err := s.GetProject(ctx, exec.ProjectID)
	if err != nil {
		return err
	}
	project.Status = exec.Status

	projectData, err := json.Marshal(project)
	if err != nil {
		return err
	}
	execData, err := json.Marshal(exec)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ProjectKey(project.ID), projectData, 0)
		pipe.Set(ctx, ExecutionKey(project.ID), execData, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// ListProjects returns up to limit projects, newest first.
func (s *ExecutionStore) ListProjects(ctx context.Context, limit int) ([]model.Project, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.redis.ZRevRange(ctx, ProjectIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	projects := make([]model.Project, 0, len(ids))
	for _, id := range ids {
		project, err := s.GetProject(ctx, id)
		if err != nil {
			if errors.Is(err, ErrProjectNotFound) {
				continue
			}
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, nil
}

// RequestCancel flags the project for cancellation before its next stage.
func (s *ExecutionStore) RequestCancel(ctx context.Context, projectID string) error {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}
	return s.redis.Set(ctx, CancelKey(projectID), "1", 0).Err()
}

// ClearCancel drops a pending cancellation request once a run has
// consumed it.
func (s *ExecutionStore) ClearCancel(ctx context.Context, projectID string) error {
	return s.redis.Del(ctx, CancelKey(projectID)).Err()
}

// LockRun takes the per-project run lock for at most ttl. Only one full run
// or single-stage run may drive a project at a time.
func (s *ExecutionStore) LockRun(ctx context.Context, projectID string, ttl time.Duration) (Unlock, error) {
	key := RunLockKey(projectID)
	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}
	if !ok {
		return nil, ErrProjectBusy
	}
	return func(ctx context.Context) error {
		if err := releaseRunLock.Run(ctx, s.redis, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("failed to unlock project: %w", err)
		}
		return nil
	}, nil
}

// CancelRequested reports whether cancellation has been requested.
func (s *ExecutionStore) CancelRequested(ctx context.Context, projectID string) (bool, error) {
	n, err := s.redis.Exists(ctx, CancelKey(projectID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ExecutionStore) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrProjectNotFound
		}
		return err
	}
	return json.Unmarshal(data, out)
}

package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
)

// Executor runs one stage for a project. Executors are stateless: they read
// their inputs from the context store and write exactly one context.
// EstimatedDuration may read those inputs to size the work; it never fails
// and falls back to a fixed figure when they are missing.
type Executor interface {
	Name() model.StageName
	EstimatedDuration(ctx context.Context, projectID string) time.Duration
	Run(ctx context.Context, projectID string) error
}

// Degrader writes a fallback context after a soft stage exhausted its
// retries.
type Degrader interface {
	Degrade(ctx context.Context, projectID string, cause error) error
}

// ProjectReader loads a project record
type ProjectReader interface {
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
}

// Registry maps stage names to executors
type Registry struct {
	executors map[model.StageName]Executor
}

// NewRegistry creates a registry from executors. A later executor with the
// same name replaces an earlier one.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[model.StageName]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.Name()] = e
	}
	return r
}

// Get returns the executor for a stage.
func (r *Registry) Get(name model.StageName) (Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

// Estimate returns the expected wall-clock time of a stage for a project.
func (r *Registry) Estimate(ctx context.Context, projectID string, name model.StageName) time.Duration {
	if e, ok := r.executors[name]; ok {
		return e.EstimatedDuration(ctx, projectID)
	}
	return 0
}

// Degrader returns the degrade hook of a stage, if it has one.
func (r *Registry) Degrader(name model.StageName) (Degrader, bool) {
	e, ok := r.executors[name]
	if !ok {
		return nil, false
	}
	d, ok := e.(Degrader)
	return d, ok
}

// Run executes an invocation in-process. It satisfies dispatch.RunFunc.
func (r *Registry) Run(ctx context.Context, inv dispatch.Invocation) error {
	e, ok := r.executors[inv.Stage]
	if !ok {
		return retry.New(retry.KindInternal, "no executor registered for stage %s", inv.Stage)
	}
	return e.Run(ctx, inv.ProjectID)
}

// extractJSON trims anything around the outermost JSON object of an LLM reply
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

func malformed(stage model.StageName, err error) error {
	return retry.Wrap(retry.KindValidation, fmt.Errorf("%s generator returned malformed output: %w", stage, err))
}

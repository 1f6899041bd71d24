package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/stage"
	"github.com/clipforge/api/internal/store"
)

// ErrCancelled is returned when a pipeline stops on a cancel request.
var ErrCancelled = errors.New("pipeline cancelled")

// RunLockTTL bounds how long a crashed worker can keep a project locked.
// It exceeds the longest run the retry policy and poll schedule allow.
const RunLockTTL = 2 * time.Hour

// ExecutionRecorder persists execution records
type ExecutionRecorder interface {
	GetExecution(ctx context.Context, projectID string) (*model.PipelineExecution, error)
	SaveExecution(ctx context.Context, exec *model.PipelineExecution) error
	CancelRequested(ctx context.Context, projectID string) (bool, error)
	ClearCancel(ctx context.Context, projectID string) error
	LockRun(ctx context.Context, projectID string, ttl time.Duration) (store.Unlock, error)
}

// StageDispatcher runs one stage attempt to completion, inline or out of band
type StageDispatcher interface {
	Execute(ctx context.Context, inv dispatch.Invocation) error
}

// Notifier receives progress events
type Notifier interface {
	StageChanged(projectID string, outcome model.StageOutcome)
	PipelineFinished(exec *model.PipelineExecution)
}

type nopNotifier struct{}

func (nopNotifier) StageChanged(string, model.StageOutcome) {}
func (nopNotifier) PipelineFinished(*model.PipelineExecution) {}

// Orchestrator drives a project through the fixed stage order
type Orchestrator struct {
	contexts   store.ContextStore
	executions ExecutionRecorder
	registry   *stage.Registry
	dispatcher StageDispatcher
	policy     retry.Policy
	sleep      retry.Sleeper
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the retry policy for stage attempts and visibility reads.
func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithSleeper replaces the sleep between attempts.
func WithSleeper(sleep retry.Sleeper) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithNotifier sets the receiver of progress events.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(contexts store.ContextStore, executions ExecutionRecorder, registry *stage.Registry, dispatcher StageDispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		contexts:   contexts,
		executions: executions,
		registry:   registry,
		dispatcher: dispatcher,
		policy:     retry.DefaultPolicy(),
		sleep:      retry.SleepWithContext,
		notifier:   nopNotifier{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes every stage of a project in order. Stages that already
// succeeded and whose context is present are not run again, so Run also
// resumes a failed pipeline. The returned execution is always the persisted
// record; the error describes why the pipeline did not complete. It returns
// store.ErrProjectBusy without an execution while another run holds the
// project.
func (o *Orchestrator) Run(ctx context.Context, projectID string) (*model.PipelineExecution, error) {
	unlock, err := o.executions.LockRun(ctx, projectID, RunLockTTL)
	if err != nil {
		return nil, err
	}
	defer o.unlock(ctx, projectID, unlock)

	exec, err := o.executions.GetExecution(ctx, projectID)
	if err != nil {
		return nil, err
	}
	exec.Status = model.ProjectStatusRunning
	exec.FinishedAt = nil
	exec.CancelRequested = false
	if err := o.save(ctx, exec); err != nil {
		return exec, err
	}

	log := o.logger.With(zap.String("project_id", projectID))
	log.Info("pipeline started")

	visible := make(map[model.ContextName]bool)
	for i, name := range model.StageOrder {
		spec, _ := model.SpecFor(name)

		if cancelled, err := o.cancelled(ctx, projectID); err != nil {
			return exec, err
		} else if cancelled {
			log.Info("pipeline cancelled", zap.String("stage", string(name)))
			o.skipRemaining(exec, model.StageOrder[i:], "cancelled")
			return exec, o.finish(ctx, exec, ErrCancelled)
		}

		if exec.Succeeded(name) {
			if ok, err := o.contexts.Exists(ctx, projectID, spec.Produces); err == nil && ok {
				log.Debug("stage already succeeded", zap.String("stage", string(name)))
				visible[spec.Produces] = true
				continue
			}
		}

		stageErr := o.runStage(ctx, exec, spec, visible)
		if stageErr == nil {
			visible[spec.Produces] = true
			continue
		}
		if errors.Is(stageErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			o.skipRemaining(exec, model.StageOrder[i+1:], "cancelled")
			return exec, o.finish(ctx, exec, ErrCancelled)
		}

		if spec.Hardness == model.Soft {
			if o.degrade(ctx, exec, spec, stageErr) {
				visible[spec.Produces] = true
			}
			continue
		}

		log.Error("pipeline aborted",
			zap.String("stage", string(name)),
			zap.String("error_kind", string(retry.Classify(stageErr))),
			zap.Error(stageErr),
		)
		o.skipRemaining(exec, model.StageOrder[i+1:], fmt.Sprintf("%s failed", name))
		return exec, o.finish(ctx, exec, stageErr)
	}

	return exec, o.finish(ctx, exec, nil)
}

// RunStage runs a single stage of a project, for testing and recovery. Its
// preconditions must already exist. A soft stage that exhausts its retries is
// degraded as it would be within Run. Like Run it holds the project lock.
func (o *Orchestrator) RunStage(ctx context.Context, projectID string, name model.StageName) (*model.PipelineExecution, error) {
	spec, err := model.SpecFor(name)
	if err != nil {
		return nil, retry.Wrap(retry.KindValidation, err)
	}
	unlock, err := o.executions.LockRun(ctx, projectID, RunLockTTL)
	if err != nil {
		return nil, err
	}
	defer o.unlock(ctx, projectID, unlock)

	exec, err := o.executions.GetExecution(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stageErr := o.runStage(ctx, exec, spec, map[model.ContextName]bool{})
	if stageErr != nil && spec.Hardness == model.Soft && !errors.Is(stageErr, context.Canceled) {
		o.degrade(ctx, exec, spec, stageErr)
	}

	if exec.Status.IsTerminal() && len(exec.Outcomes) == len(model.StageOrder) {
		exec.Status = summarize(exec)
	}
	if err := o.save(ctx, exec); err != nil {
		return exec, err
	}
	return exec, stageErr
}

// runStage checks preconditions and runs attempts until success or the
// policy gives up. On failure it returns a *retry.Error carrying the stage
// and attempt count.
func (o *Orchestrator) runStage(ctx context.Context, exec *model.PipelineExecution, spec model.StageSpec, visible map[model.ContextName]bool) error {
	log := o.logger.With(zap.String("project_id", exec.ProjectID), zap.String("stage", string(spec.Name)))

	outcome := exec.Upsert(spec.Name)
	started := o.now().UTC()
	outcome.Status = model.OutcomeRunning
	outcome.StartedAt = &started
	outcome.FinishedAt = nil
	outcome.ErrorKind = ""
	outcome.ErrorMessage = ""
	outcome.Degraded = false
	if err := o.save(ctx, exec); err != nil {
		return err
	}
	o.notifier.StageChanged(exec.ProjectID, *outcome)

	for _, pre := range spec.Preconditions {
		if err := o.awaitContext(ctx, exec.ProjectID, pre, visible[pre]); err != nil {
			log.Warn("stage precondition not met", zap.String("context", string(pre)), zap.Error(err))
			return o.fail(ctx, exec, spec.Name, err)
		}
	}

	for attempt := 1; ; attempt++ {
		outcome = exec.Upsert(spec.Name)
		outcome.Attempts++
		inv := dispatch.Invocation{
			ProjectID: exec.ProjectID,
			Stage:     spec.Name,
			Attempt:   outcome.Attempts,
			Estimated: o.registry.Estimate(ctx, exec.ProjectID, spec.Name),
		}
		if err := o.save(ctx, exec); err != nil {
			return err
		}

		err := o.dispatcher.Execute(ctx, inv)
		if err == nil {
			err = store.WaitVisible(ctx, o.contexts, exec.ProjectID, spec.Produces, o.policy, o.sleep)
			if err == nil {
				return o.succeed(ctx, exec, spec.Name)
			}
			// The stage wrote its context; only the read is retried.
			log.Warn("stage output not visible", zap.Error(err))
			return o.fail(ctx, exec, spec.Name, err)
		}

		if ctx.Err() != nil {
			return o.fail(ctx, exec, spec.Name, ctx.Err())
		}

		kind := retry.Classify(err)
		decision := o.policy.Decide(kind, attempt)
		log.Warn("stage attempt failed",
			zap.Int("attempt", outcome.Attempts),
			zap.String("error_kind", string(kind)),
			zap.Bool("retry", decision.Retry),
			zap.Duration("delay", decision.Delay),
			zap.Error(err),
		)
		if !decision.Retry {
			return o.fail(ctx, exec, spec.Name, err)
		}

		outcome.ErrorKind = string(kind)
		outcome.ErrorMessage = err.Error()
		if err := o.save(ctx, exec); err != nil {
			return err
		}
		if err := o.sleep(ctx, decision.Delay); err != nil {
			return o.fail(ctx, exec, spec.Name, err)
		}
	}
}

// awaitContext waits for a precondition context. A context produced earlier
// in this run that is not yet visible fails as context-not-visible; one that
// was never produced fails as precondition-missing.
func (o *Orchestrator) awaitContext(ctx context.Context, projectID string, name model.ContextName, producedThisRun bool) error {
	err := store.WaitVisible(ctx, o.contexts, projectID, name, o.policy, o.sleep)
	if err == nil || producedThisRun {
		return err
	}
	if retry.Classify(err) == retry.KindContextNotVisible {
		return retry.Wrap(retry.KindPreconditionMissing, fmt.Errorf("%s context missing: %w", name, err))
	}
	return err
}

func (o *Orchestrator) succeed(ctx context.Context, exec *model.PipelineExecution, name model.StageName) error {
	outcome := exec.Upsert(name)
	finished := o.now().UTC()
	outcome.Status = model.OutcomeSucceeded
	outcome.FinishedAt = &finished
	outcome.ErrorKind = ""
	outcome.ErrorMessage = ""
	if err := o.save(ctx, exec); err != nil {
		return err
	}
	o.notifier.StageChanged(exec.ProjectID, *outcome)
	o.logger.Info("stage succeeded",
		zap.String("project_id", exec.ProjectID),
		zap.String("stage", string(name)),
		zap.Int("attempts", outcome.Attempts),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, exec *model.PipelineExecution, name model.StageName, cause error) error {
	outcome := exec.Upsert(name)
	finished := o.now().UTC()
	kind := retry.Classify(cause)
	outcome.Status = model.OutcomeFailed
	outcome.FinishedAt = &finished
	outcome.ErrorKind = string(kind)
	outcome.ErrorMessage = cause.Error()
	if err := o.save(ctx, exec); err != nil {
		o.logger.Error("failed to record stage failure", zap.String("project_id", exec.ProjectID), zap.Error(err))
	}
	o.notifier.StageChanged(exec.ProjectID, *outcome)
	return &retry.Error{Kind: kind, Stage: name, Attempts: outcome.Attempts, Err: cause}
}

// degrade runs the soft stage's degrade hook and reports whether a fallback
// context is now visible.
func (o *Orchestrator) degrade(ctx context.Context, exec *model.PipelineExecution, spec model.StageSpec, cause error) bool {
	log := o.logger.With(zap.String("project_id", exec.ProjectID), zap.String("stage", string(spec.Name)))

	degrader, ok := o.registry.Degrader(spec.Name)
	if !ok {
		log.Warn("soft stage failed without fallback", zap.Error(cause))
		return false
	}
	if err := degrader.Degrade(ctx, exec.ProjectID, cause); err != nil {
		log.Error("degrade failed", zap.Error(err))
		return false
	}
	if err := store.WaitVisible(ctx, o.contexts, exec.ProjectID, spec.Produces, o.policy, o.sleep); err != nil {
		log.Error("degraded output not visible", zap.Error(err))
		return false
	}

	outcome := exec.Upsert(spec.Name)
	outcome.Degraded = true
	if err := o.save(ctx, exec); err != nil {
		log.Error("failed to record degraded stage", zap.Error(err))
	}
	o.notifier.StageChanged(exec.ProjectID, *outcome)
	return true
}

func (o *Orchestrator) skipRemaining(exec *model.PipelineExecution, names []model.StageName, reason string) {
	for _, name := range names {
		outcome := exec.Upsert(name)
		outcome.Status = model.OutcomeSkipped
		outcome.ErrorMessage = reason
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, projectID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	return o.executions.CancelRequested(ctx, projectID)
}

// finish records the terminal status and notifies listeners. cause is
// returned unchanged unless persisting fails.
func (o *Orchestrator) finish(ctx context.Context, exec *model.PipelineExecution, cause error) error {
	finished := o.now().UTC()
	exec.FinishedAt = &finished
	exec.Status = summarize(exec)
	if errors.Is(cause, ErrCancelled) {
		exec.Status = model.ProjectStatusFailed
		exec.CancelRequested = true
	}

	if err := o.save(ctx, exec); err != nil {
		return err
	}
	// The run consumed any cancellation; a later resume starts clean.
	if err := o.executions.ClearCancel(context.WithoutCancel(ctx), exec.ProjectID); err != nil {
		o.logger.Warn("failed to clear cancel request", zap.String("project_id", exec.ProjectID), zap.Error(err))
	}
	o.notifier.PipelineFinished(exec)
	o.logger.Info("pipeline finished",
		zap.String("project_id", exec.ProjectID),
		zap.String("status", string(exec.Status)),
	)
	return cause
}

func (o *Orchestrator) unlock(ctx context.Context, projectID string, unlock store.Unlock) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("failed to release project lock", zap.String("project_id", projectID), zap.Error(err))
	}
}

// save persists the record even after ctx is cancelled, so a stopped
// pipeline still leaves an accurate execution behind.
func (o *Orchestrator) save(ctx context.Context, exec *model.PipelineExecution) error {
	exec.UpdatedAt = o.now().UTC()
	if err := o.executions.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		return retry.Wrap(retry.KindInternal, err)
	}
	return nil
}

// summarize derives the pipeline status from recorded outcomes: any skipped
// stage or failed hard stage means failed; anything short of every stage
// succeeding means partially completed.
func summarize(exec *model.PipelineExecution) model.ProjectStatus {
	status := model.ProjectStatusCompleted
	for _, name := range model.StageOrder {
		outcome, ok := exec.Outcome(name)
		if !ok {
			return model.ProjectStatusFailed
		}
		spec, _ := model.SpecFor(name)
		switch {
		case outcome.Status == model.OutcomeSkipped:
			return model.ProjectStatusFailed
		case outcome.Status == model.OutcomeFailed && spec.Hardness == model.Hard:
			return model.ProjectStatusFailed
		case outcome.Status != model.OutcomeSucceeded:
			status = model.ProjectStatusPartiallyCompleted
		}
	}
	return status
}

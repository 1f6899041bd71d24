package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/media"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/stage"
	"github.com/clipforge/api/internal/store"
)

const projectID = "0190a7b2-6c1e-7d2a-9f00-0000000000aa"

type fixture struct {
	contexts   store.ContextStore
	executions *store.ExecutionStore
	slept      []time.Duration
	notifier   *recordingNotifier

	generator client.TextGenerator
	providers []media.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		contexts:   store.NewRedisContextStore(rdb, store.MustNewValidator()),
		executions: store.NewExecutionStore(rdb),
		notifier:   &recordingNotifier{},
		providers:  []media.Provider{workingProvider{}},
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	project := &model.Project{ID: projectID, BaseTopic: "deep sea creatures", CreatedAt: now, Status: model.ProjectStatusRunning}
	require.NoError(t, f.executions.CreateProject(context.Background(), project, model.NewExecution(projectID, now)))
	return f
}

func (f *fixture) sleep(_ context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	return nil
}

func (f *fixture) orchestrator() *Orchestrator {
	engine := media.NewEngine(f.providers, media.WithThrottle(media.NewThrottle(0)))
	registry := stage.NewRegistry(
		stage.NewTopicStage(f.contexts, f.executions, f.generator, nil),
		stage.NewScriptStage(f.contexts, nil, nil),
		stage.NewMediaStage(f.contexts, engine, nil),
		stage.NewAudioStage(f.contexts, nil, nil, "narrator", 0, nil),
		stage.NewAssemblyStage(f.contexts, nil, nil),
		stage.NewPublishStage(f.contexts, nil, "shorts", 0, nil),
	)
	dispatcher := dispatch.NewDispatcher(registry.Run, nil, dispatch.WithSleeper(f.sleep))

	policy := retry.DefaultPolicy()
	policy.Jitter = func() float64 { return 0 }
	return New(f.contexts, f.executions, registry, dispatcher,
		WithPolicy(policy),
		WithSleeper(f.sleep),
		WithNotifier(f.notifier),
	)
}

type workingProvider struct{}

func (workingProvider) Source() model.MediaSource { return model.SourcePexels }

func (workingProvider) Search(_ context.Context, term string, limit int) ([]media.Candidate, error) {
	out := make([]media.Candidate, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, media.Candidate{URL: "https://pexels/" + term + "/" + string(rune('a'+i))})
	}
	return out, nil
}

type brokenProvider struct{ calls int }

func (p *brokenProvider) Source() model.MediaSource { return model.SourcePixabay }

func (p *brokenProvider) Search(context.Context, string, int) ([]media.Candidate, error) {
	p.calls++
	return nil, &client.StatusError{Service: "pixabay", Code: 503}
}

type invalidGenerator struct{ calls int }

func (g *invalidGenerator) IsConfigured() bool { return true }

func (g *invalidGenerator) ChatCompletion(context.Context, string, string) (string, error) {
	g.calls++
	return `{"title":"","keyPoints":[]}`, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	changes  []model.StageOutcome
	finished []*model.PipelineExecution
	onChange func(model.StageOutcome)
}

func (n *recordingNotifier) StageChanged(_ string, outcome model.StageOutcome) {
	n.mu.Lock()
	n.changes = append(n.changes, outcome)
	hook := n.onChange
	n.mu.Unlock()
	if hook != nil {
		hook(outcome)
	}
}

func (n *recordingNotifier) PipelineFinished(exec *model.PipelineExecution) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, exec)
}

// laggingStore hides one context from the first reads after it is written.
type laggingStore struct {
	store.ContextStore
	name   model.ContextName
	hidden int
}

func (l *laggingStore) Exists(ctx context.Context, projectID string, name model.ContextName) (bool, error) {
	ok, err := l.ContextStore.Exists(ctx, projectID, name)
	if ok && name == l.name && l.hidden > 0 {
		l.hidden--
		return false, nil
	}
	return ok, err
}

func outcomeOf(t *testing.T, exec *model.PipelineExecution, name model.StageName) model.StageOutcome {
	t.Helper()
	o, ok := exec.Outcome(name)
	require.True(t, ok, "no outcome for %s", name)
	return *o
}

func TestRun_Completes(t *testing.T) {
	f := newFixture(t)
	exec, err := f.orchestrator().Run(context.Background(), projectID)
	require.NoError(t, err)

	assert.Equal(t, model.ProjectStatusCompleted, exec.Status)
	require.Len(t, exec.Outcomes, len(model.StageOrder))
	for i, name := range model.StageOrder {
		o := exec.Outcomes[i]
		assert.Equal(t, name, o.Stage)
		assert.Equal(t, model.OutcomeSucceeded, o.Status)
		assert.Equal(t, 1, o.Attempts)
		assert.NotNil(t, o.FinishedAt)
	}
	assert.NotNil(t, exec.FinishedAt)
	assert.Empty(t, f.slept)

	stored, err := f.executions.GetExecution(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusCompleted, stored.Status)
	project, err := f.executions.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusCompleted, project.Status)

	require.Len(t, f.notifier.finished, 1)
	// running then succeeded for each stage
	assert.Len(t, f.notifier.changes, 2*len(model.StageOrder))
}

func TestRun_TopicValidationFailsPipeline(t *testing.T) {
	f := newFixture(t)
	gen := &invalidGenerator{}
	f.generator = gen

	exec, err := f.orchestrator().Run(context.Background(), projectID)
	require.Error(t, err)

	var stageErr *retry.Error
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.StageTopic, stageErr.Stage)
	assert.Equal(t, retry.KindValidation, stageErr.Kind)
	assert.Equal(t, 1, stageErr.Attempts)
	assert.Equal(t, 1, gen.calls)

	assert.Equal(t, model.ProjectStatusFailed, exec.Status)
	topic := outcomeOf(t, exec, model.StageTopic)
	assert.Equal(t, model.OutcomeFailed, topic.Status)
	assert.Equal(t, string(retry.KindValidation), topic.ErrorKind)

	script := outcomeOf(t, exec, model.StageScript)
	assert.Equal(t, model.OutcomeSkipped, script.Status)
	assert.Zero(t, script.Attempts)

	exists, err := f.contexts.Exists(context.Background(), projectID, model.ContextScene)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_MediaExhaustionDegrades(t *testing.T) {
	f := newFixture(t)
	broken := &brokenProvider{}
	f.providers = []media.Provider{broken}

	exec, err := f.orchestrator().Run(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusPartiallyCompleted, exec.Status)

	m := outcomeOf(t, exec, model.StageMedia)
	assert.Equal(t, model.OutcomeFailed, m.Status)
	assert.True(t, m.Degraded)
	assert.Equal(t, retry.DefaultMaxAttempts, m.Attempts)
	assert.Equal(t, string(retry.KindUpstream), m.ErrorKind)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.slept)

	assembly := outcomeOf(t, exec, model.StageAssembly)
	assert.Equal(t, model.OutcomeSucceeded, assembly.Status)
	assert.Equal(t, model.OutcomeSucceeded, outcomeOf(t, exec, model.StagePublish).Status)

	var mediaCtx model.MediaContext
	require.NoError(t, store.GetDocument(context.Background(), f.contexts, projectID, model.ContextMedia, &mediaCtx))
	assert.True(t, mediaCtx.Degraded)
	assert.Zero(t, mediaCtx.RealAssets)

	var assemblyCtx model.AssemblyContext
	require.NoError(t, store.GetDocument(context.Background(), f.contexts, projectID, model.ContextAssembly, &assemblyCtx))
	assert.True(t, assemblyCtx.DegradedInputs)
}

func TestRun_RetriesReadNotStage(t *testing.T) {
	f := newFixture(t)
	f.contexts = &laggingStore{ContextStore: f.contexts, name: model.ContextTopic, hidden: 2}

	exec, err := f.orchestrator().Run(context.Background(), projectID)
	require.NoError(t, err)

	assert.Equal(t, 1, outcomeOf(t, exec, model.StageTopic).Attempts)
	assert.Equal(t, model.ProjectStatusCompleted, exec.Status)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, f.slept)
}

func TestRun_OutputNeverVisible(t *testing.T) {
	f := newFixture(t)
	f.contexts = &laggingStore{ContextStore: f.contexts, name: model.ContextTopic, hidden: 100}

	exec, err := f.orchestrator().Run(context.Background(), projectID)
	require.Error(t, err)
	assert.Equal(t, retry.KindContextNotVisible, retry.Classify(err))

	topic := outcomeOf(t, exec, model.StageTopic)
	assert.Equal(t, 1, topic.Attempts)
	assert.Equal(t, model.OutcomeFailed, topic.Status)
	assert.Equal(t, model.ProjectStatusFailed, exec.Status)
}

func TestRunStage_PreconditionMissing(t *testing.T) {
	f := newFixture(t)

	exec, err := f.orchestrator().RunStage(context.Background(), projectID, model.StageScript)
	require.Error(t, err)
	assert.Equal(t, retry.KindPreconditionMissing, retry.Classify(err))

	script := outcomeOf(t, exec, model.StageScript)
	assert.Zero(t, script.Attempts)
	assert.Equal(t, model.OutcomeFailed, script.Status)
	assert.Len(t, f.slept, retry.DefaultVisibilityReads-1)
}

func TestRunStage_Idempotent(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	ctx := context.Background()

	_, err := o.Run(ctx, projectID)
	require.NoError(t, err)
	first, err := f.contexts.Get(ctx, projectID, model.ContextScene)
	require.NoError(t, err)

	exec, err := o.RunStage(ctx, projectID, model.StageScript)
	require.NoError(t, err)
	second, err := f.contexts.Get(ctx, projectID, model.ContextScene)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, 2, outcomeOf(t, exec, model.StageScript).Attempts)
	assert.Equal(t, model.ProjectStatusCompleted, exec.Status)
}

func TestRun_ResumesAfterSuccess(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	_, err := o.Run(context.Background(), projectID)
	require.NoError(t, err)
	exec, err := o.Run(context.Background(), projectID)
	require.NoError(t, err)

	for _, out := range exec.Outcomes {
		assert.Equal(t, 1, out.Attempts, out.Stage)
	}
	assert.Equal(t, model.ProjectStatusCompleted, exec.Status)
}

func TestRun_CancelBetweenStages(t *testing.T) {
	f := newFixture(t)
	f.notifier.onChange = func(o model.StageOutcome) {
		if o.Stage == model.StageScript && o.Status == model.OutcomeSucceeded {
			require.NoError(t, f.executions.RequestCancel(context.Background(), projectID))
		}
	}

	exec, err := f.orchestrator().Run(context.Background(), projectID)
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, model.ProjectStatusFailed, exec.Status)
	assert.True(t, exec.CancelRequested)
	assert.Equal(t, model.OutcomeSucceeded, outcomeOf(t, exec, model.StageScript).Status)
	for _, name := range []model.StageName{model.StageMedia, model.StageAudio, model.StageAssembly, model.StagePublish} {
		o := outcomeOf(t, exec, name)
		assert.Equal(t, model.OutcomeSkipped, o.Status, name)
		assert.Zero(t, o.Attempts, name)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.notifier.onChange = func(o model.StageOutcome) {
		if o.Stage == model.StageTopic && o.Status == model.OutcomeSucceeded {
			cancel()
		}
	}

	exec, err := f.orchestrator().Run(ctx, projectID)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, model.ProjectStatusFailed, exec.Status)

	stored, err := f.executions.GetExecution(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusFailed, stored.Status)
	assert.Equal(t, model.OutcomeSucceeded, outcomeOf(t, stored, model.StageTopic).Status)
	assert.Equal(t, model.OutcomeSkipped, outcomeOf(t, stored, model.StageScript).Status)
}

func TestSummarize(t *testing.T) {
	exec := model.NewExecution(projectID, time.Now())
	for _, name := range model.StageOrder {
		exec.Upsert(name).Status = model.OutcomeSucceeded
	}
	assert.Equal(t, model.ProjectStatusCompleted, summarize(exec))

	exec.Upsert(model.StagePublish).Status = model.OutcomeFailed
	assert.Equal(t, model.ProjectStatusPartiallyCompleted, summarize(exec))

	exec.Upsert(model.StageAssembly).Status = model.OutcomeFailed
	assert.Equal(t, model.ProjectStatusFailed, summarize(exec))
}

func TestRun_ProjectLockedByAnotherRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unlock, err := f.executions.LockRun(ctx, projectID, time.Minute)
	require.NoError(t, err)

	o := f.orchestrator()
	exec, err := o.Run(ctx, projectID)
	assert.ErrorIs(t, err, store.ErrProjectBusy)
	assert.Nil(t, exec)
	exec, err = o.RunStage(ctx, projectID, model.StageTopic)
	assert.ErrorIs(t, err, store.ErrProjectBusy)
	assert.Nil(t, exec)

	stored, err := f.executions.GetExecution(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, stored.Outcomes, "a refused run records nothing")

	require.NoError(t, unlock(ctx))
	exec, err = o.Run(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusCompleted, exec.Status)

	// The run released its lock.
	_, err = o.RunStage(ctx, projectID, model.StageTopic)
	require.NoError(t, err)
}

func TestRun_ResumeAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.executions.RequestCancel(ctx, projectID))

	o := f.orchestrator()
	_, err := o.Run(ctx, projectID)
	require.ErrorIs(t, err, ErrCancelled)

	requested, err := f.executions.CancelRequested(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, requested, "the finished run consumed the request")

	exec, err := o.Run(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectStatusCompleted, exec.Status)
}

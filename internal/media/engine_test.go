package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
)

type fakeProvider struct {
	source  model.MediaSource
	perTerm int
	err     error

	mu    sync.Mutex
	calls []string
}

func (f *fakeProvider) Source() model.MediaSource { return f.source }

func (f *fakeProvider) Search(_ context.Context, term string, limit int) ([]Candidate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, term)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := f.perTerm
	if n > limit {
		n = limit
	}
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Candidate{URL: fmt.Sprintf("https://%s/%s/%d", f.source, term, i)})
	}
	return out, nil
}

func TestVisualsNeeded(t *testing.T) {
	tests := []struct {
		duration float64
		purpose  model.ScenePurpose
		want     int
	}{
		{15, model.PurposeHook, 5},
		{120, model.PurposeContent, 6},
		{100, model.PurposeContent, 6},
		{110, model.PurposeContent, 6},
		{120, model.PurposeConclusion, 4},
		{1, model.PurposeHook, 2},
		{9, model.PurposeHook, 3},
		{10, model.PurposeContent, 3},
		{11, model.PurposeConclusion, 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.purpose, tt.duration), func(t *testing.T) {
			got := VisualsNeeded(tt.duration, tt.purpose)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, MinVisuals)
			assert.LessOrEqual(t, got, MaxVisuals)
		})
	}
}

func TestAllocatedDuration(t *testing.T) {
	assert.Equal(t, 4.0, AllocatedDuration(10, 4, 1))
	assert.Equal(t, 4.0, AllocatedDuration(10, 4, 2))
	assert.Equal(t, 2.0, AllocatedDuration(10, 4, 3))
	assert.Equal(t, 0.0, AllocatedDuration(10, 4, 4))
}

func scenarioScenes() *model.SceneContext {
	durations := []float64{15, 120, 100, 110, 120}
	purposes := []model.ScenePurpose{
		model.PurposeHook, model.PurposeContent, model.PurposeContent, model.PurposeContent, model.PurposeConclusion,
	}
	c := &model.SceneContext{SchemaVersion: model.SchemaVersion}
	for i := range durations {
		c.Scenes = append(c.Scenes, model.Scene{
			SceneNumber:      i + 1,
			DurationSeconds:  durations[i],
			Purpose:          purposes[i],
			NarrationText:    "Narration for this scene",
			MediaSearchTerms: []string{"ocean", "reef"},
		})
		c.TotalDuration += durations[i]
	}
	return c
}

func TestAllocate_Scenario(t *testing.T) {
	pexels := &fakeProvider{source: model.SourcePexels, perTerm: 10}
	engine := NewEngine([]Provider{pexels}, WithThrottle(NewThrottle(0)))

	scenes := scenarioScenes()
	out, err := engine.Allocate(context.Background(), "p1", scenes)
	require.NoError(t, err)

	var counts []int
	for i, sm := range out.Scenes {
		counts = append(counts, len(sm.Assets))
		var sum float64
		for j, a := range sm.Assets {
			assert.Equal(t, j+1, a.SequenceOrder)
			assert.Equal(t, sm.SceneNumber, a.SceneNumber)
			assert.True(t, a.IsRealContent)
			assert.InDelta(t, 0.9, a.RelevanceScore, 1e-9)
			sum += a.AllocatedDurationSeconds
		}
		assert.LessOrEqual(t, sum, scenes.Scenes[i].DurationSeconds)
	}
	assert.Equal(t, []int{5, 6, 6, 6, 4}, counts)
	assert.Equal(t, 27, out.TotalAssets)
	assert.Equal(t, 27, out.RealAssets)
	require.NoError(t, out.Validate(scenes))

	// Terms repeat within a scene, so each term is searched once per scene.
	assert.Len(t, pexels.calls, 10)
}

func TestAllocateScene_FallsThroughProviderChain(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	failing := &fakeProvider{source: model.SourcePexels, err: errors.New("503 service unavailable")}
	sparse := &fakeProvider{source: model.SourcePixabay, perTerm: 1}
	engine := NewEngine([]Provider{failing, sparse}, WithThrottle(NewThrottle(0)), WithLogger(zap.New(core)))

	scene := model.Scene{SceneNumber: 2, DurationSeconds: 12, Purpose: model.PurposeContent, MediaSearchTerms: []string{"forest"}}
	assets, err := engine.AllocateScene(context.Background(), "p1", scene)
	require.NoError(t, err)
	require.Len(t, assets, 3)

	assert.Equal(t, model.SourcePixabay, assets[0].SourceProvider)
	assert.Equal(t, "https://pixabay/forest/0", assets[0].AssetLocator)
	assert.InDelta(t, 0.7, assets[0].RelevanceScore, 1e-9)

	for _, a := range assets[1:] {
		assert.Equal(t, model.SourceSyntheticFallback, a.SourceProvider)
		assert.False(t, a.IsRealContent)
		assert.Equal(t, fmt.Sprintf("synthetic://projects/p1/scenes/2/visuals/%d", a.SequenceOrder), a.AssetLocator)
	}

	assert.Equal(t, 1, logs.FilterMessage("media provider search failed").Len())
}

func TestAllocateScene_EmptyChainIsSynthetic(t *testing.T) {
	engine := NewEngine(nil)
	scene := model.Scene{SceneNumber: 1, DurationSeconds: 30, Purpose: model.PurposeConclusion}

	assets, err := engine.AllocateScene(context.Background(), "p1", scene)
	require.NoError(t, err)
	require.Len(t, assets, 4)
	for _, a := range assets {
		assert.Equal(t, model.SourceSyntheticFallback, a.SourceProvider)
		assert.Equal(t, "scene 1", a.SearchTerm)
		assert.InDelta(t, 0.1, a.RelevanceScore, 1e-9)
	}
}

func TestSearchTermFallsBackToNarration(t *testing.T) {
	scene := model.Scene{SceneNumber: 3, NarrationText: "The Octopus has three hearts and blue blood"}
	label := sceneLabel(scene)
	assert.Equal(t, "the octopus has three", label)
	assert.Equal(t, label, searchTerm(scene, 2, label))

	scene.MediaSearchTerms = []string{"a", " ", "b"}
	assert.Equal(t, "a", searchTerm(scene, 1, label))
	assert.Equal(t, "b", searchTerm(scene, 2, label))
	assert.Equal(t, "a", searchTerm(scene, 3, label))
}

func TestRelevanceBlendsQuality(t *testing.T) {
	assert.InDelta(t, 0.9*0.8+0.5*0.2, relevance(model.SourcePexels, 0.5), 1e-9)
	assert.InDelta(t, 0.7, relevance(model.SourcePixabay, 0), 1e-9)
	assert.LessOrEqual(t, relevance(model.SourcePexels, 3), 1.0)
}

func TestThrottleSpacesCalls(t *testing.T) {
	throttle := NewThrottle(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, throttle.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestAllocateScene_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := NewEngine([]Provider{&fakeProvider{source: model.SourcePexels, perTerm: 5}}, WithThrottle(NewThrottle(time.Hour)))

	_, err := engine.AllocateScene(ctx, "p1", model.Scene{SceneNumber: 1, DurationSeconds: 6, Purpose: model.PurposeHook})
	assert.Error(t, err)
}

func TestAllocate_AllProvidersFailing(t *testing.T) {
	down := &fakeProvider{source: model.SourcePexels, err: errors.New("connection refused")}
	engine := NewEngine([]Provider{down}, WithThrottle(NewThrottle(0)))

	_, err := engine.Allocate(context.Background(), "p1", scenarioScenes())
	require.Error(t, err)
	assert.Equal(t, retry.KindUpstream, retry.Classify(err))

	// A single scene still falls back, since the scene itself never fails.
	assets, err := engine.AllocateScene(context.Background(), "p1", model.Scene{SceneNumber: 1, DurationSeconds: 6, Purpose: model.PurposeHook})
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestEstimate_CountsDistinctTermsPerProvider(t *testing.T) {
	scenes := &model.SceneContext{SchemaVersion: model.SchemaVersion}
	for i := 1; i <= 5; i++ {
		scenes.Scenes = append(scenes.Scenes, model.Scene{
			SceneNumber:      i,
			DurationSeconds:  60,
			Purpose:          model.PurposeContent,
			NarrationText:    "Narration for this scene",
			MediaSearchTerms: []string{"ocean", "reef", "coral", "diver"},
		})
	}
	pexels := &fakeProvider{source: model.SourcePexels}
	pixabay := &fakeProvider{source: model.SourcePixabay}

	engine := NewEngine([]Provider{pexels, pixabay}, WithThrottle(NewThrottle(time.Second)))
	assert.Equal(t, 40, engine.SearchCalls(scenes))
	assert.Equal(t, 40*time.Second, engine.Estimate(scenes))

	// Repeated terms are served from the per-scene cache.
	scenes.Scenes[0].MediaSearchTerms = []string{"ocean", "ocean"}
	assert.Equal(t, 34, engine.SearchCalls(scenes))

	assert.Zero(t, NewEngine(nil).Estimate(scenes))
	assert.Zero(t, NewEngine([]Provider{pexels}, WithThrottle(NewThrottle(0))).Estimate(scenes))
}

func TestAllocateScene_ThrottleDeadlineIsTimeout(t *testing.T) {
	failing := &fakeProvider{source: model.SourcePexels, err: errors.New("503 service unavailable")}
	working := &fakeProvider{source: model.SourcePixabay, perTerm: 5}
	engine := NewEngine([]Provider{failing, working}, WithThrottle(NewThrottle(time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	scene := model.Scene{
		SceneNumber:      1,
		DurationSeconds:  60,
		Purpose:          model.PurposeContent,
		MediaSearchTerms: []string{"ocean", "reef", "coral"},
	}
	_, err := engine.AllocateScene(ctx, "p1", scene)
	require.Error(t, err)
	assert.Equal(t, retry.KindTimeout, retry.Classify(err))
	assert.NoError(t, ctx.Err(), "the limiter refuses before the deadline passes")
	assert.Equal(t, []string{"ocean"}, failing.calls)
	assert.Equal(t, []string{"ocean"}, working.calls)
}

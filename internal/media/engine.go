package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

// Candidate is one search hit from a stock media provider
type Candidate struct {
	URL string
	// Quality is the provider's own hint in [0, 1]; zero means unknown.
	Quality float64
}

// Provider searches a stock media library
type Provider interface {
	Source() model.MediaSource
	Search(ctx context.Context, term string, limit int) ([]Candidate, error)
}

// Base relevance of each source, blended with the provider's quality hint
var sourceRank = map[model.MediaSource]float64{
	model.SourcePexels:            0.9,
	model.SourcePixabay:           0.7,
	model.SourceSyntheticFallback: 0.1,
}

const (
	qualityWeight   = 0.2
	searchLimit     = 10
	labelWordsLimit = 4
)

// Engine assigns visuals to scenes by walking the provider chain and
// falling back to synthetic placeholders.
type Engine struct {
	providers []Provider
	throttle  *Throttle
	logger    *zap.Logger
}

// Option customizes the engine.
type Option func(*Engine)

// WithThrottle overrides the default one second throttle.
func WithThrottle(t *Throttle) Option {
	return func(e *Engine) {
		e.throttle = t
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine over an ordered provider chain. An empty chain
// yields synthetic visuals only.
func NewEngine(providers []Provider, opts ...Option) *Engine {
	e := &Engine{
		providers: providers,
		throttle:  NewThrottle(DefaultMinInterval),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate returns the worst-case wall-clock time of Allocate for scenes:
// every distinct search term goes to every provider, one throttle interval
// apart. Cached repeats of a term are free.
func (e *Engine) Estimate(scenes *model.SceneContext) time.Duration {
	if scenes == nil {
		return 0
	}
	return time.Duration(e.SearchCalls(scenes)) * e.throttle.Interval()
}

// SearchCalls returns the maximum number of provider searches Allocate
// makes for scenes.
func (e *Engine) SearchCalls(scenes *model.SceneContext) int {
	if scenes == nil || len(e.providers) == 0 {
		return 0
	}
	calls := 0
	for _, scene := range scenes.Scenes {
		needed := VisualsNeeded(scene.DurationSeconds, scene.Purpose)
		label := sceneLabel(scene)
		terms := make(map[string]struct{}, needed)
		for i := 1; i <= needed; i++ {
			terms[searchTerm(scene, i, label)] = struct{}{}
		}
		calls += len(terms) * len(e.providers)
	}
	return calls
}

// searchStats counts provider calls across one allocation.
type searchStats struct {
	calls    int
	failures int
}

// Allocate builds the media context for every scene. When every provider
// search of the run failed it returns an upstream-dependency error instead
// of an all-synthetic context, so the caller can retry before degrading.
func (e *Engine) Allocate(ctx context.Context, projectID string, scenes *model.SceneContext) (*model.MediaContext, error) {
	out := &model.MediaContext{
		SchemaVersion: model.SchemaVersion,
		Scenes:        make([]model.SceneMedia, 0, len(scenes.Scenes)),
	}
	var stats searchStats
	for _, scene := range scenes.Scenes {
		assets, err := e.allocateScene(ctx, projectID, scene, &stats)
		if err != nil {
			return nil, err
		}
		for _, a := range assets {
			out.TotalAssets++
			if a.IsRealContent {
				out.RealAssets++
			}
		}
		out.Scenes = append(out.Scenes, model.SceneMedia{SceneNumber: scene.SceneNumber, Assets: assets})
	}
	if stats.calls > 0 && stats.failures == stats.calls {
		return nil, retry.New(retry.KindUpstream, "all %d media provider searches failed", stats.calls)
	}
	return out, nil
}

// AllocateScene returns exactly VisualsNeeded assets for one scene. Provider
// failures fall through to the next provider; only cancellation or a
// deadline that leaves no room for the next throttled call is returned.
func (e *Engine) AllocateScene(ctx context.Context, projectID string, scene model.Scene) ([]model.MediaAsset, error) {
	return e.allocateScene(ctx, projectID, scene, &searchStats{})
}

func (e *Engine) allocateScene(ctx context.Context, projectID string, scene model.Scene, stats *searchStats) ([]model.MediaAsset, error) {
	pacing := PacingFor(scene.Purpose)
	needed := VisualsNeeded(scene.DurationSeconds, scene.Purpose)
	label := sceneLabel(scene)

	used := make(map[string]bool, needed)
	results := make(map[string][]Candidate)
	assets := make([]model.MediaAsset, 0, needed)

	for i := 1; i <= needed; i++ {
		term := searchTerm(scene, i, label)
		asset := model.MediaAsset{
			SceneNumber:              scene.SceneNumber,
			SequenceOrder:            i,
			SearchTerm:               term,
			AllocatedDurationSeconds: AllocatedDuration(scene.DurationSeconds, pacing.SecondsPerVisual, i),
		}

		found := false
		for _, provider := range e.providers {
			cacheKey := string(provider.Source()) + "\x00" + term
			candidates, searched := results[cacheKey]
			if !searched {
				if err := e.throttle.Wait(ctx); err != nil {
					return nil, waitError(ctx, err)
				}
				var err error
				stats.calls++
				candidates, err = provider.Search(ctx, term, searchLimit)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					stats.failures++
					e.logger.Warn("media provider search failed",
						zap.String("project_id", projectID),
						zap.Int("scene", scene.SceneNumber),
						zap.String("provider", string(provider.Source())),
						zap.String("term", term),
						zap.Error(err),
					)
					candidates = nil
				}
				results[cacheKey] = candidates
			}

			if c, ok := firstUnused(candidates, used); ok {
				used[c.URL] = true
				asset.SourceProvider = provider.Source()
				asset.AssetLocator = c.URL
				asset.IsRealContent = true
				asset.RelevanceScore = relevance(provider.Source(), c.Quality)
				found = true
				break
			}
		}

		if !found {
			asset.SourceProvider = model.SourceSyntheticFallback
			asset.AssetLocator = store.SyntheticAssetLocator(projectID, scene.SceneNumber, i)
			asset.RelevanceScore = relevance(model.SourceSyntheticFallback, 0)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// waitError reports a throttle wait that could not finish. The limiter
// refuses early when the next slot lies past the deadline, before ctx
// itself expires, so that case is a timeout too.
func waitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return retry.Wrap(retry.KindTimeout, fmt.Errorf("media throttle: %w", err))
}

func firstUnused(candidates []Candidate, used map[string]bool) (Candidate, bool) {
	for _, c := range candidates {
		if c.URL != "" && !used[c.URL] {
			return c, true
		}
	}
	return Candidate{}, false
}

func relevance(source model.MediaSource, quality float64) float64 {
	base := sourceRank[source]
	if quality <= 0 {
		return base
	}
	if quality > 1 {
		quality = 1
	}
	return base*(1-qualityWeight) + quality*qualityWeight
}

// searchTerm cycles through the scene's terms, falling back to its label.
func searchTerm(scene model.Scene, i int, label string) string {
	terms := make([]string, 0, len(scene.MediaSearchTerms))
	for _, t := range scene.MediaSearchTerms {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return label
	}
	return terms[(i-1)%len(terms)]
}

func sceneLabel(scene model.Scene) string {
	words := strings.Fields(scene.NarrationText)
	if len(words) == 0 {
		return fmt.Sprintf("scene %d", scene.SceneNumber)
	}
	if len(words) > labelWordsLimit {
		words = words[:labelWordsLimit]
	}
	return strings.ToLower(strings.Join(words, " "))
}

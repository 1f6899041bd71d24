package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/media"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

const minMediaEstimate = 2 * time.Second

// MediaStage assigns visuals to every scene through the allocation engine
type MediaStage struct {
	store    store.ContextStore
	engine   *media.Engine
	fallback *media.Engine
	logger   *zap.Logger
}

// NewMediaStage creates the media stage. Degrading uses an engine with an
// empty provider chain, so every visual is synthetic.
func NewMediaStage(s store.ContextStore, engine *media.Engine, logger *zap.Logger) *MediaStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaStage{
		store:    s,
		engine:   engine,
		fallback: media.NewEngine(nil, media.WithThrottle(media.NewThrottle(0))),
		logger:   logger,
	}
}

func (s *MediaStage) Name() model.StageName { return model.StageMedia }

// EstimatedDuration sizes the throttled provider calls of the scene context.
// Without one the run fails fast on the missing input.
func (s *MediaStage) EstimatedDuration(ctx context.Context, projectID string) time.Duration {
	var scenes model.SceneContext
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextScene, &scenes); err != nil {
		return minMediaEstimate
	}
	if d := s.engine.Estimate(&scenes); d > minMediaEstimate {
		return d
	}
	return minMediaEstimate
}

// Run reads the scene context and writes the media context.
func (s *MediaStage) Run(ctx context.Context, projectID string) error {
	return s.allocate(ctx, projectID, s.engine, false)
}

// Degrade writes an all-synthetic media context.
func (s *MediaStage) Degrade(ctx context.Context, projectID string, cause error) error {
	s.logger.Warn("media degraded to synthetic visuals",
		zap.String("project_id", projectID),
		zap.String("error_kind", string(retry.Classify(cause))),
		zap.Error(cause),
	)
	return s.allocate(ctx, projectID, s.fallback, true)
}

func (s *MediaStage) allocate(ctx context.Context, projectID string, engine *media.Engine, degraded bool) error {
	var scenes model.SceneContext
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextScene, &scenes); err != nil {
		return err
	}

	out, err := engine.Allocate(ctx, projectID, &scenes)
	if err != nil {
		return err
	}
	out.Degraded = degraded
	if err := out.Validate(&scenes); err != nil {
		return retry.Wrap(retry.KindInternal, err)
	}

	if _, err := store.PutDocument(ctx, s.store, projectID, model.ContextMedia, out); err != nil {
		return err
	}
	s.logger.Info("media context written",
		zap.String("project_id", projectID),
		zap.Int("assets", out.TotalAssets),
		zap.Int("real_assets", out.RealAssets),
		zap.Bool("degraded", degraded),
	)
	return nil
}

package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

// DefaultAssemblyEstimate exceeds the synchronous budget, so assembly is
// always dispatched out of band.
const DefaultAssemblyEstimate = 3 * time.Minute

// AssemblyStage renders scenes, visuals and narration into the final video
type AssemblyStage struct {
	store     store.ContextStore
	assembler client.VideoAssembler
	estimate  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewAssemblyStage creates the assembly stage. Without a configured
// assembler it records a mock artifact.
func NewAssemblyStage(s store.ContextStore, assembler client.VideoAssembler, logger *zap.Logger) *AssemblyStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssemblyStage{
		store:     s,
		assembler: assembler,
		estimate:  DefaultAssemblyEstimate,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *AssemblyStage) Name() model.StageName { return model.StageAssembly }

func (s *AssemblyStage) EstimatedDuration(context.Context, string) time.Duration { return s.estimate }

// Run reads the scene, media and audio contexts and writes the assembly context.
func (s *AssemblyStage) Run(ctx context.Context, projectID string) error {
	var (
		scenes    model.SceneContext
		mediaCtx  model.MediaContext
		narration model.AudioContext
	)
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextScene, &scenes); err != nil {
		return err
	}
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextMedia, &mediaCtx); err != nil {
		return err
	}
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextAudio, &narration); err != nil {
		return err
	}

	req := buildAssembleRequest(projectID, &scenes, &mediaCtx, &narration)

	out := &model.AssemblyContext{
		SchemaVersion:  model.SchemaVersion,
		DegradedInputs: mediaCtx.Degraded || narration.Degraded,
	}
	if s.assembler == nil || !s.assembler.IsConfigured() {
		out.ArtifactLocator = "mock://" + req.OutputKey
		out.DurationSeconds = scenes.TotalDuration
		out.Resolution = "1080x1920"
	} else {
		resp, err := s.assembler.Assemble(ctx, req)
		if err != nil {
			return fmt.Errorf("assembly failed: %w", err)
		}
		out.ArtifactLocator = resp.OutputURL
		out.DurationSeconds = resp.Duration
		out.Resolution = req.Resolution
		if out.DurationSeconds <= 0 {
			out.DurationSeconds = scenes.TotalDuration
		}
	}
	out.AssembledAt = s.now().UTC()

	if _, err := store.PutDocument(ctx, s.store, projectID, model.ContextAssembly, out); err != nil {
		return err
	}
	s.logger.Info("assembly context written",
		zap.String("project_id", projectID),
		zap.String("artifact", out.ArtifactLocator),
		zap.Bool("degraded_inputs", out.DegradedInputs),
	)
	return nil
}

func buildAssembleRequest(projectID string, scenes *model.SceneContext, mediaCtx *model.MediaContext, narration *model.AudioContext) *client.AssembleRequest {
	visuals := make(map[int][]client.AssembleVisual, len(mediaCtx.Scenes))
	for _, sm := range mediaCtx.Scenes {
		for _, a := range sm.Assets {
			visuals[sm.SceneNumber] = append(visuals[sm.SceneNumber], client.AssembleVisual{
				URL:             a.AssetLocator,
				DurationSeconds: a.AllocatedDurationSeconds,
				Synthetic:       !a.IsRealContent,
			})
		}
	}
	audio := make(map[int]string, len(narration.Segments))
	for _, seg := range narration.Segments {
		audio[seg.SceneNumber] = seg.Locator
	}

	req := &client.AssembleRequest{
		ProjectID: projectID,
		Title:     scenes.Title,
		Scenes:    make([]client.AssembleScene, 0, len(scenes.Scenes)),
		OutputKey: store.AssetObjectKey(projectID, "video", 0, "mp4"),
	}
	for _, scene := range scenes.Scenes {
		req.Scenes = append(req.Scenes, client.AssembleScene{
			SceneNumber:     scene.SceneNumber,
			DurationSeconds: scene.DurationSeconds,
			NarrationURL:    audio[scene.SceneNumber],
			Caption:         scene.NarrationText,
			Visuals:         visuals[scene.SceneNumber],
		})
	}
	return req
}

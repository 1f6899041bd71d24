package stage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

const (
	// DefaultNarrationCallBudget bounds one synthesis call plus its upload.
	DefaultNarrationCallBudget = 60 * time.Second
	syntheticNarrationEstimate = 2 * time.Second
)

// AudioStage narrates every scene and stores the audio
type AudioStage struct {
	store       store.ContextStore
	synthesizer client.SpeechSynthesizer
	storage     client.StorageClient
	voice       string
	callBudget  time.Duration
	logger      *zap.Logger
}

// NewAudioStage creates the audio stage. Without a configured synthesizer
// it writes synthetic narration placeholders. callBudget is the time allowed
// per scene; zero means DefaultNarrationCallBudget.
func NewAudioStage(s store.ContextStore, synthesizer client.SpeechSynthesizer, storage client.StorageClient, voice string, callBudget time.Duration, logger *zap.Logger) *AudioStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callBudget <= 0 {
		callBudget = DefaultNarrationCallBudget
	}
	return &AudioStage{store: s, synthesizer: synthesizer, storage: storage, voice: voice, callBudget: callBudget, logger: logger}
}

func (s *AudioStage) Name() model.StageName { return model.StageAudio }

// EstimatedDuration is one call budget per scene. Synthetic narration makes
// no calls.
func (s *AudioStage) EstimatedDuration(ctx context.Context, projectID string) time.Duration {
	if s.synthesizer == nil || !s.synthesizer.IsConfigured() {
		return syntheticNarrationEstimate
	}
	scenes, err := s.loadScenes(ctx, projectID)
	if err != nil || len(scenes.Scenes) == 0 {
		return s.callBudget
	}
	return time.Duration(len(scenes.Scenes)) * s.callBudget
}

// Run synthesizes narration per scene and writes the audio context.
func (s *AudioStage) Run(ctx context.Context, projectID string) error {
	scenes, err := s.loadScenes(ctx, projectID)
	if err != nil {
		return err
	}

	if s.synthesizer == nil || !s.synthesizer.IsConfigured() {
		return s.write(ctx, projectID, syntheticNarration(projectID, scenes, s.voice, false))
	}
	if s.storage == nil {
		return retry.New(retry.KindInternal, "object storage is not configured for narration audio")
	}

	out := &model.AudioContext{
		SchemaVersion: model.SchemaVersion,
		Voice:         s.voice,
		Segments:      make([]model.AudioSegment, 0, len(scenes.Scenes)),
	}
	for _, scene := range scenes.Scenes {
		resp, err := s.synthesizer.Synthesize(ctx, &client.SynthesizeRequest{Text: scene.NarrationText, Voice: s.voice})
		if err != nil {
			return fmt.Errorf("scene %d narration failed: %w", scene.SceneNumber, err)
		}

		key := store.AssetObjectKey(projectID, "audio", scene.SceneNumber, "mp3")
		contentType := resp.ContentType
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		locator, err := s.storage.Upload(ctx, key, bytes.NewReader(resp.Audio), contentType)
		if err != nil {
			return retry.Wrap(retry.KindUpstream, err)
		}

		duration := resp.DurationSeconds
		if duration <= 0 {
			duration = scene.DurationSeconds
		}
		out.Segments = append(out.Segments, model.AudioSegment{
			SceneNumber:     scene.SceneNumber,
			Locator:         locator,
			DurationSeconds: duration,
		})
		out.TotalDuration += duration
	}
	return s.write(ctx, projectID, out)
}

// Degrade writes synthetic narration placeholders timed to the scenes.
func (s *AudioStage) Degrade(ctx context.Context, projectID string, cause error) error {
	s.logger.Warn("audio degraded to synthetic narration",
		zap.String("project_id", projectID),
		zap.String("error_kind", string(retry.Classify(cause))),
		zap.Error(cause),
	)
	scenes, err := s.loadScenes(ctx, projectID)
	if err != nil {
		return err
	}
	return s.write(ctx, projectID, syntheticNarration(projectID, scenes, s.voice, true))
}

func (s *AudioStage) loadScenes(ctx context.Context, projectID string) (*model.SceneContext, error) {
	var scenes model.SceneContext
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextScene, &scenes); err != nil {
		return nil, err
	}
	return &scenes, nil
}

func (s *AudioStage) write(ctx context.Context, projectID string, out *model.AudioContext) error {
	if _, err := store.PutDocument(ctx, s.store, projectID, model.ContextAudio, out); err != nil {
		return err
	}
	s.logger.Info("audio context written",
		zap.String("project_id", projectID),
		zap.Int("segments", len(out.Segments)),
		zap.Float64("total_duration", out.TotalDuration),
		zap.Bool("degraded", out.Degraded),
	)
	return nil
}

func syntheticNarration(projectID string, scenes *model.SceneContext, voice string, degraded bool) *model.AudioContext {
	out := &model.AudioContext{
		SchemaVersion: model.SchemaVersion,
		Voice:         voice,
		Segments:      make([]model.AudioSegment, 0, len(scenes.Scenes)),
		Degraded:      degraded,
	}
	for _, scene := range scenes.Scenes {
		out.Segments = append(out.Segments, model.AudioSegment{
			SceneNumber:     scene.SceneNumber,
			Locator:         store.SyntheticAudioLocator(projectID, scene.SceneNumber),
			DurationSeconds: scene.DurationSeconds,
			Synthetic:       true,
		})
		out.TotalDuration += scene.DurationSeconds
	}
	return out
}

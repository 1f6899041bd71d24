package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

// Scene lengths used by the deterministic script
const (
	mockHookSeconds       = 5.0
	mockConclusionSeconds = 6.0
)

// ScriptStage turns the topic breakdown into timed, narrated scenes
type ScriptStage struct {
	store     store.ContextStore
	generator client.TextGenerator
	logger    *zap.Logger
}

// NewScriptStage creates the script stage. A nil or unconfigured generator
// produces a deterministic script.
func NewScriptStage(s store.ContextStore, generator client.TextGenerator, logger *zap.Logger) *ScriptStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptStage{store: s, generator: generator, logger: logger}
}

func (s *ScriptStage) Name() model.StageName { return model.StageScript }

func (s *ScriptStage) EstimatedDuration(context.Context, string) time.Duration { return 20 * time.Second }

// Run reads the topic context and writes the scene context.
func (s *ScriptStage) Run(ctx context.Context, projectID string) error {
	var topic model.TopicContext
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextTopic, &topic); err != nil {
		return err
	}

	var (
		scenes *model.SceneContext
		err    error
	)
	if s.generator == nil || !s.generator.IsConfigured() {
		scenes = generateMockScript(&topic)
	} else {
		scenes, err = s.generate(ctx, &topic)
		if err != nil {
			return err
		}
	}

	scenes.SchemaVersion = model.SchemaVersion
	if scenes.Title == "" {
		scenes.Title = topic.Title
	}
	if scenes.TotalDuration == 0 {
		for _, scene := range scenes.Scenes {
			scenes.TotalDuration += scene.DurationSeconds
		}
	}

	// The store rejects scripts that break numbering or timing.
	if _, err := store.PutDocument(ctx, s.store, projectID, model.ContextScene, scenes); err != nil {
		return err
	}
	s.logger.Info("scene context written",
		zap.String("project_id", projectID),
		zap.Int("scenes", len(scenes.Scenes)),
		zap.Float64("total_duration", scenes.TotalDuration),
	)
	return nil
}

func (s *ScriptStage) generate(ctx context.Context, topic *model.TopicContext) (*model.SceneContext, error) {
	system := `You are a scriptwriter for vertical short-form videos. Scenes are narrated over stock visuals.
Always output valid JSON in the exact format requested. Do not include any text outside the JSON structure.`

	user := fmt.Sprintf(`Write a script titled %q.
Angle: %s
Audience: %s
Key points:
- %s

Target length: %.0f seconds.
Start with one "hook" scene, then one "content" scene per key point, and end with one "conclusion" scene.
Number scenes from 1. Give each scene 2-4 concrete visual search terms.
totalDuration must equal the sum of scene durations.

Output as JSON: {"title": "...", "totalDuration": 60, "scenes": [{"sceneNumber": 1, "durationSeconds": 5, "purpose": "hook", "narrationText": "...", "mediaSearchTerms": ["..."]}]}`,
		topic.Title, topic.Angle, topic.Audience, strings.Join(topic.KeyPoints, "\n- "), topic.TargetDurationSeconds)

	response, err := s.generator.ChatCompletion(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("script generation failed: %w", err)
	}

	var scenes model.SceneContext
	if err := json.Unmarshal([]byte(extractJSON(response)), &scenes); err != nil {
		return nil, malformed(model.StageScript, err)
	}
	return &scenes, nil
}

func generateMockScript(topic *model.TopicContext) *model.SceneContext {
	points := topic.KeyPoints
	if len(points) == 0 {
		points = []string{topic.Title}
	}

	contentSeconds := (topic.TargetDurationSeconds - mockHookSeconds - mockConclusionSeconds) / float64(len(points))
	if contentSeconds < 4 {
		contentSeconds = 4
	}

	scenes := []model.Scene{{
		SceneNumber:      1,
		DurationSeconds:  mockHookSeconds,
		Purpose:          model.PurposeHook,
		NarrationText:    topic.Title,
		MediaSearchTerms: topic.Keywords,
	}}
	for _, point := range points {
		scenes = append(scenes, model.Scene{
			SceneNumber:      len(scenes) + 1,
			DurationSeconds:  contentSeconds,
			Purpose:          model.PurposeContent,
			NarrationText:    point,
			MediaSearchTerms: []string{strings.ToLower(point)},
		})
	}
	scenes = append(scenes, model.Scene{
		SceneNumber:      len(scenes) + 1,
		DurationSeconds:  mockConclusionSeconds,
		Purpose:          model.PurposeConclusion,
		NarrationText:    fmt.Sprintf("Now you know more about %s.", topic.BaseTopic),
		MediaSearchTerms: topic.Keywords,
	})

	return &model.SceneContext{Title: topic.Title, Scenes: scenes}
}

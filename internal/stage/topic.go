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
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

// DefaultTargetDuration is the video length requested when the generator
// does not choose one.
const DefaultTargetDuration = 60.0

// TopicStage expands the base topic into a title, angle and key points
type TopicStage struct {
	store     store.ContextStore
	projects  ProjectReader
	generator client.TextGenerator
	logger    *zap.Logger
}

// NewTopicStage creates the topic stage. A nil or unconfigured generator
// produces a deterministic breakdown.
func NewTopicStage(s store.ContextStore, projects ProjectReader, generator client.TextGenerator, logger *zap.Logger) *TopicStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicStage{store: s, projects: projects, generator: generator, logger: logger}
}

func (s *TopicStage) Name() model.StageName { return model.StageTopic }

func (s *TopicStage) EstimatedDuration(context.Context, string) time.Duration { return 10 * time.Second }

// Run writes the topic context for a project.
func (s *TopicStage) Run(ctx context.Context, projectID string) error {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return retry.Wrap(retry.KindPreconditionMissing, fmt.Errorf("failed to load project: %w", err))
	}

	var topic *model.TopicContext
	if s.generator == nil || !s.generator.IsConfigured() {
		topic = generateMockTopic(project.BaseTopic)
	} else {
		topic, err = s.generate(ctx, project.BaseTopic)
		if err != nil {
			return err
		}
	}

	topic.SchemaVersion = model.SchemaVersion
	topic.BaseTopic = project.BaseTopic
	if topic.TargetDurationSeconds <= 0 {
		topic.TargetDurationSeconds = DefaultTargetDuration
	}

	if _, err := store.PutDocument(ctx, s.store, projectID, model.ContextTopic, topic); err != nil {
		return err
	}
	s.logger.Info("topic context written",
		zap.String("project_id", projectID),
		zap.String("title", topic.Title),
		zap.Int("key_points", len(topic.KeyPoints)),
	)
	return nil
}

func (s *TopicStage) generate(ctx context.Context, baseTopic string) (*model.TopicContext, error) {
	system := `You are a short-form video producer. You turn a topic into a sharp, factual breakdown for a 45-90 second vertical video.
Always output valid JSON in the exact format requested. Do not include any text outside the JSON structure.`

	user := fmt.Sprintf(`Topic: %s

Choose a catchy title, a single angle, the target audience, 3-5 key points and 5-8 visual search keywords.
Output as JSON: {"title": "...", "angle": "...", "audience": "...", "keyPoints": ["..."], "keywords": ["..."], "targetDurationSeconds": 60}`, baseTopic)

	response, err := s.generator.ChatCompletion(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("topic generation failed: %w", err)
	}

	var topic model.TopicContext
	if err := json.Unmarshal([]byte(extractJSON(response)), &topic); err != nil {
		return nil, malformed(model.StageTopic, err)
	}
	return &topic, nil
}

func generateMockTopic(baseTopic string) *model.TopicContext {
	words := strings.Fields(strings.ToLower(baseTopic))
	return &model.TopicContext{
		Title:    fmt.Sprintf("What nobody tells you about %s", baseTopic),
		Angle:    "surprising facts",
		Audience: "curious viewers",
		KeyPoints: []string{
			fmt.Sprintf("Where %s comes from", baseTopic),
			fmt.Sprintf("How %s works today", baseTopic),
			fmt.Sprintf("Why %s matters", baseTopic),
		},
		Keywords:              words,
		TargetDurationSeconds: DefaultTargetDuration,
	}
}

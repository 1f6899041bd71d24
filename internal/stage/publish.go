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

// PublishStage uploads the assembled video and waits for confirmation
type PublishStage struct {
	store     store.ContextStore
	publisher client.Publisher
	platform  string
	estimate  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewPublishStage creates the publish stage. estimate should cover the
// publisher's polling window.
func NewPublishStage(s store.ContextStore, publisher client.Publisher, platform string, estimate time.Duration, logger *zap.Logger) *PublishStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishStage{
		store:     s,
		publisher: publisher,
		platform:  platform,
		estimate:  estimate,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *PublishStage) Name() model.StageName { return model.StagePublish }

func (s *PublishStage) EstimatedDuration(context.Context, string) time.Duration { return s.estimate }

// Run publishes the assembled artifact and writes the publish context.
func (s *PublishStage) Run(ctx context.Context, projectID string) error {
	var assembly model.AssemblyContext
	if err := store.GetDocument(ctx, s.store, projectID, model.ContextAssembly, &assembly); err != nil {
		return err
	}

	out := &model.PublishContext{
		SchemaVersion: model.SchemaVersion,
		Platform:      s.platform,
	}

	if s.publisher == nil || !s.publisher.IsConfigured() {
		out.PublishID = "mock-" + projectID
		out.URL = fmt.Sprintf("mock://%s/%s", s.platform, projectID)
	} else {
		var title string
		var scenes model.SceneContext
		if err := store.GetDocument(ctx, s.store, projectID, model.ContextScene, &scenes); err == nil {
			title = scenes.Title
		}

		accepted, err := s.publisher.Publish(ctx, &client.PublishRequest{
			VideoURL:   assembly.ArtifactLocator,
			Title:      title,
			Platform:   s.platform,
			ExternalID: projectID,
		})
		if err != nil {
			return fmt.Errorf("publish request failed: %w", err)
		}
		result, err := s.publisher.PollStatus(ctx, accepted.PublishID)
		if err != nil {
			return err
		}
		out.PublishID = result.PublishID
		if out.PublishID == "" {
			out.PublishID = accepted.PublishID
		}
		out.URL = result.URL
	}
	out.PublishedAt = s.now().UTC()

	if _, err := store.PutDocument(ctx, s.store, projectID, model.ContextPublish, out); err != nil {
		return err
	}
	s.logger.Info("publish context written",
		zap.String("project_id", projectID),
		zap.String("publish_id", out.PublishID),
		zap.String("url", out.URL),
	)
	return nil
}

package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/retry"
)

// Publisher uploads finished videos to a distribution platform
type Publisher interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	PollStatus(ctx context.Context, publishID string) (*PublishResult, error)
	IsConfigured() bool
}

// PublishClient implements Publisher for the publishing service
type PublishClient struct {
	apiClient
	apiKey       string
	platform     string
	pollInterval time.Duration
	maxWait      time.Duration
	sleep        retry.Sleeper
}

// PublishRequest represents the request to publish a video
type PublishRequest struct {
	VideoURL    string   `json:"video_url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Platform    string   `json:"platform"`
	ExternalID  string   `json:"external_id"`
}

// PublishResponse represents the accepted publish task
type PublishResponse struct {
	PublishID string `json:"publish_id"`
	Status    string `json:"status"`
}

// PublishResult represents a publish task's state
type PublishResult struct {
	PublishID string `json:"publish_id"`
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewPublishClient creates a new publishing client
func NewPublishClient(cfg *config.PublishConfig, logger *zap.Logger) *PublishClient {
	c := &PublishClient{
		apiClient:    newAPIClient("publish", cfg.BaseURL, 30*time.Second, logger),
		apiKey:       cfg.APIKey,
		platform:     cfg.Platform,
		pollInterval: time.Duration(cfg.PollInterval) * time.Second,
		maxWait:      time.Duration(cfg.MaxWait) * time.Second,
		sleep:        retry.SleepWithContext,
	}
	c.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c
}

// Publish initiates publishing
func (c *PublishClient) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if req.Platform == "" {
		req.Platform = c.platform
	}
	var result PublishResponse
	if err := c.post(ctx, "/publish", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStatus retrieves the status of a publish task
func (c *PublishClient) GetStatus(ctx context.Context, publishID string) (*PublishResult, error) {
	endpoint := fmt.Sprintf("/publish/%s", publishID)
	var result PublishResult
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PollStatus polls until the publish task completes, fails or maxWait passes
func (c *PublishClient) PollStatus(ctx context.Context, publishID string) (*PublishResult, error) {
	deadline := time.Now().Add(c.maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		result, err := c.GetStatus(ctx, publishID)
		if err != nil {
			c.logger.Warn("publish poll failed", zap.Int("attempt", attempt), zap.String("publish_id", publishID), zap.Error(err))
			return nil, err
		}

		c.logger.Debug("publish poll", zap.Int("attempt", attempt), zap.String("publish_id", publishID), zap.String("status", result.Status))

		switch result.Status {
		case "completed", "published":
			return result, nil
		case "failed", "rejected":
			return nil, retry.New(retry.KindUpstream, "publish %s failed: %s", publishID, result.Error)
		}

		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}

	return nil, retry.New(retry.KindTimeout, "publish %s timed out after %v", publishID, c.maxWait)
}

// Platform returns the configured target platform
func (c *PublishClient) Platform() string {
	return c.platform
}

// IsConfigured returns true if the client has valid configuration
func (c *PublishClient) IsConfigured() bool {
	return c.apiKey != "" && c.baseURL != ""
}

package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/config"
)

// VideoAssembler renders scenes, visuals and narration into a video
type VideoAssembler interface {
	Assemble(ctx context.Context, req *AssembleRequest) (*AssembleResponse, error)
	IsConfigured() bool
}

// AssemblyClient implements VideoAssembler for the encoding microservice
type AssemblyClient struct {
	apiClient
	resolution string
}

// AssembleVisual is one timed visual on the timeline
type AssembleVisual struct {
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"duration_seconds"`
	Synthetic       bool    `json:"synthetic,omitempty"`
}

// AssembleScene is one scene of the timeline
type AssembleScene struct {
	SceneNumber     int              `json:"scene_number"`
	DurationSeconds float64          `json:"duration_seconds"`
	NarrationURL    string           `json:"narration_url"`
	Caption         string           `json:"caption,omitempty"`
	Visuals         []AssembleVisual `json:"visuals"`
}

// AssembleRequest represents the request for video assembly
type AssembleRequest struct {
	ProjectID  string          `json:"project_id"`
	Title      string          `json:"title"`
	Resolution string          `json:"resolution"`
	Scenes     []AssembleScene `json:"scenes"`
	OutputKey  string          `json:"output_key"`
}

// AssembleResponse represents the response from assembly
type AssembleResponse struct {
	OutputURL string  `json:"output_url"`
	Duration  float64 `json:"duration"`
	SizeBytes int64   `json:"size_bytes"`
}

// NewAssemblyClient creates a new assembly client
func NewAssemblyClient(cfg *config.AssemblyConfig, logger *zap.Logger) *AssemblyClient {
	return &AssemblyClient{
		apiClient:  newAPIClient("assembly", cfg.ServiceURL, time.Duration(cfg.Timeout)*time.Second, logger),
		resolution: cfg.Resolution,
	}
}

// Assemble sends the timeline to the assemble endpoint
func (c *AssemblyClient) Assemble(ctx context.Context, req *AssembleRequest) (*AssembleResponse, error) {
	if req.Resolution == "" {
		req.Resolution = c.resolution
	}
	var result AssembleResponse
	if err := c.post(ctx, "/assemble", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Resolution returns the configured output resolution
func (c *AssemblyClient) Resolution() string {
	return c.resolution
}

// IsConfigured returns true if the client has valid configuration
func (c *AssemblyClient) IsConfigured() bool {
	return c.baseURL != ""
}

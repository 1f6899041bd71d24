package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/media"
	"github.com/clipforge/api/internal/model"
)

// Portrait frame height used to derive a quality hint
const targetHeight = 1920.0

// PexelsClient searches the Pexels photo library
type PexelsClient struct {
	apiClient
	apiKey string
}

type pexelsSearchResponse struct {
	Photos []struct {
		ID     int64 `json:"id"`
		Width  int   `json:"width"`
		Height int   `json:"height"`
		Src    struct {
			Original string `json:"original"`
			Portrait string `json:"portrait"`
			Large    string `json:"large"`
		} `json:"src"`
	} `json:"photos"`
}

// NewPexelsClient creates a new Pexels API client
func NewPexelsClient(cfg *config.MediaConfig, logger *zap.Logger) *PexelsClient {
	c := &PexelsClient{
		apiClient: newAPIClient("pexels", cfg.PexelsBaseURL, 15*time.Second, logger),
		apiKey:    cfg.PexelsAPIKey,
	}
	c.authorize = func(req *http.Request) {
		req.Header.Set("Authorization", c.apiKey)
	}
	return c
}

// Source identifies the provider
func (c *PexelsClient) Source() model.MediaSource {
	return model.SourcePexels
}

// Search returns portrait photos matching term
func (c *PexelsClient) Search(ctx context.Context, term string, limit int) ([]media.Candidate, error) {
	query := url.Values{}
	query.Set("query", term)
	query.Set("per_page", strconv.Itoa(limit))
	query.Set("orientation", "portrait")

	var resp pexelsSearchResponse
	if err := c.get(ctx, "/search?"+query.Encode(), &resp); err != nil {
		return nil, err
	}

	candidates := make([]media.Candidate, 0, len(resp.Photos))
	for _, p := range resp.Photos {
		link := p.Src.Portrait
		if link == "" {
			link = p.Src.Original
		}
		if link == "" {
			continue
		}
		candidates = append(candidates, media.Candidate{URL: link, Quality: heightQuality(p.Height)})
	}
	return candidates, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *PexelsClient) IsConfigured() bool {
	return c.apiKey != ""
}

// PixabayClient searches the Pixabay image library
type PixabayClient struct {
	apiClient
	apiKey string
}

type pixabaySearchResponse struct {
	Total int `json:"total"`
	Hits  []struct {
		ID            int64  `json:"id"`
		LargeImageURL string `json:"largeImageURL"`
		WebformatURL  string `json:"webformatURL"`
		ImageWidth    int    `json:"imageWidth"`
		ImageHeight   int    `json:"imageHeight"`
	} `json:"hits"`
}

// NewPixabayClient creates a new Pixabay API client
func NewPixabayClient(cfg *config.MediaConfig, logger *zap.Logger) *PixabayClient {
	return &PixabayClient{
		apiClient: newAPIClient("pixabay", cfg.PixabayBaseURL, 15*time.Second, logger),
		apiKey:    cfg.PixabayAPIKey,
	}
}

// Source identifies the provider
func (c *PixabayClient) Source() model.MediaSource {
	return model.SourcePixabay
}

// Search returns vertical photos matching term
func (c *PixabayClient) Search(ctx context.Context, term string, limit int) ([]media.Candidate, error) {
	// Pixabay rejects per_page below 3
	if limit < 3 {
		limit = 3
	}
	query := url.Values{}
	query.Set("key", c.apiKey)
	query.Set("q", term)
	query.Set("per_page", strconv.Itoa(limit))
	query.Set("orientation", "vertical")
	query.Set("image_type", "photo")

	var resp pixabaySearchResponse
	if err := c.get(ctx, "/?"+query.Encode(), &resp); err != nil {
		return nil, err
	}

	candidates := make([]media.Candidate, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		link := h.LargeImageURL
		if link == "" {
			link = h.WebformatURL
		}
		if link == "" {
			continue
		}
		candidates = append(candidates, media.Candidate{URL: link, Quality: heightQuality(h.ImageHeight)})
	}
	return candidates, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *PixabayClient) IsConfigured() bool {
	return c.apiKey != ""
}

// ConfiguredProviders returns the provider chain in fallback order, skipping
// providers without credentials.
func ConfiguredProviders(pexels *PexelsClient, pixabay *PixabayClient) []media.Provider {
	var providers []media.Provider
	if pexels != nil && pexels.IsConfigured() {
		providers = append(providers, pexels)
	}
	if pixabay != nil && pixabay.IsConfigured() {
		providers = append(providers, pixabay)
	}
	return providers
}

func heightQuality(height int) float64 {
	if height <= 0 {
		return 0
	}
	q := float64(height) / targetHeight
	if q > 1 {
		return 1
	}
	return q
}

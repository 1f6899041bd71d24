package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/clipforge/api/internal/config"
)

// DurationHeader carries the length of synthesized audio in seconds
const DurationHeader = "X-Audio-Duration"

// SpeechSynthesizer turns narration text into audio
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)
	IsConfigured() bool
}

// TTSClient implements SpeechSynthesizer for the TTS microservice
type TTSClient struct {
	apiClient
}

// SynthesizeRequest represents the request for speech synthesis
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// SynthesizeResponse holds the synthesized audio
type SynthesizeResponse struct {
	Audio           []byte
	ContentType     string
	DurationSeconds float64
}

// NewTTSClient creates a new speech synthesis client
func NewTTSClient(cfg *config.TTSConfig, logger *zap.Logger) *TTSClient {
	return &TTSClient{
		apiClient: newAPIClient("tts", cfg.ServiceURL, time.Duration(cfg.Timeout)*time.Second, logger),
	}
}

// Synthesize sends narration text to the synthesize endpoint
func (c *TTSClient) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	audio, header, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts returned empty audio")
	}

	duration, err := strconv.ParseFloat(header.Get(DurationHeader), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", DurationHeader, err)
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	return &SynthesizeResponse{
		Audio:           audio,
		ContentType:     contentType,
		DurationSeconds: duration,
	}, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *TTSClient) IsConfigured() bool {
	return c.baseURL != ""
}

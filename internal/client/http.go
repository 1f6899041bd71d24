package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StatusError is returned when a collaborator answers with a non-2xx status
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.Code, e.Body)
}

// StatusCode returns the HTTP status of the failed response
func (e *StatusError) StatusCode() int {
	return e.Code
}

// apiClient holds the JSON-over-HTTP plumbing shared by the collaborator clients
type apiClient struct {
	httpClient *http.Client
	baseURL    string
	service    string
	logger     *zap.Logger
	authorize  func(req *http.Request)
}

func newAPIClient(service, baseURL string, timeout time.Duration, logger *zap.Logger) apiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return apiClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		service:    service,
		logger:     logger.With(zap.String("service", service)),
	}
}

// post sends a POST request with JSON body
func (c *apiClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *apiClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *apiClient) doRequest(req *http.Request, result interface{}) error {
	respBody, _, err := c.do(req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		c.logger.Warn("unmarshal failed", zap.String("url", req.URL.String()), zap.Error(err))
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// do executes an HTTP request and returns the raw body of a 2xx response
func (c *apiClient) do(req *http.Request) ([]byte, http.Header, error) {
	if c.authorize != nil {
		c.authorize(req)
	}

	c.logger.Debug("request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("method", req.Method), zap.String("url", req.URL.String()), zap.Error(err))
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("response", zap.Int("status", resp.StatusCode), zap.String("url", req.URL.String()))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &StatusError{Service: c.service, Code: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, resp.Header, nil
}

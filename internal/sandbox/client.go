package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultHTTPTimeout = 60 * time.Second

// APIError is a non-2xx response from a provider control plane
type APIError struct {
	Provider ProviderName
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Is lets callers match provider 404s against ErrNotFound
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// apiClient is the JSON-over-HTTP plumbing shared by the hosted providers
type apiClient struct {
	provider ProviderName
	baseURL  string
	http     *http.Client
	headers  map[string]string
	logger   *zap.Logger
}

func newAPIClient(provider ProviderName, baseURL string, httpClient *http.Client, logger *zap.Logger) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &apiClient{
		provider: provider,
		baseURL:  baseURL,
		http:     httpClient,
		headers:  make(map[string]string),
		logger:   logger,
	}
}

// do sends body as JSON and decodes a JSON response into result when non-nil
func (c *apiClient) do(ctx context.Context, method, url string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request %s %s failed: %w", c.provider, method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("provider call",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: c.provider, Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", c.provider, err)
		}
	}
	return nil
}

// ignoreNotFound treats a missing sandbox as already gone
func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

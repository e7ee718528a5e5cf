// Package proxy implements the proxy variant of the kokoro-worker: it
// supervises a locally launched Kokoro HTTP server and translates serverless
// jobs into calls against it.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Backing server endpoints.
const (
	apiHealth               = "/health"
	apiSpeech               = "/v1/audio/speech"
	apiVoices               = "/v1/audio/voices"
	apiModels               = "/v1/models"
	apiPhonemize            = "/dev/phonemize"
	apiGenerateFromPhonemes = "/dev/generate_from_phonemes"
	apiCombineVoices        = "/v1/audio/voices/combine"
	apiCaptionedSpeech      = "/dev/captioned_speech"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// Client is an HTTP client for the backing Kokoro server. Deadlines vary per
// route, so the client carries no global timeout; callers bound every call
// through the context.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for the backing server at baseURL. The baseURL
// must include the protocol and port (e.g. "http://localhost:8880").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Get performs a GET against the given endpoint and returns the raw body.
// Non-2xx responses are converted into an error carrying the upstream status
// and body.
func (c *Client) Get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+endpoint,
		http.NoBody,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", endpoint, err)
	}

	return c.do(req)
}

// PostJSON marshals payload, POSTs it to the given endpoint and returns the
// raw response body. Non-2xx responses are converted into an error carrying
// the upstream status and body.
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+endpoint,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", endpoint, err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)

	return c.do(req)
}

// HealthCheck verifies that the backing server is up and answering on its
// health endpoint with HTTP 200.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+apiHealth,
		http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to backing server at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response body: %w", readErr)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf(
			"backing server returned %s: %s",
			resp.Status,
			string(body),
		)
	}

	return body, nil
}

// Package visual provides a client for the frame-sampling brand detection
// service. The detector is an opaque collaborator: frames go in, brand
// sightings with timestamps and confidences come out.
package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/adlens/adlens/internal/extractor"
)

// Client defines the visual detector operations.
type Client interface {
	// Detect samples frames from the media file and returns brand sightings.
	Detect(ctx context.Context, req DetectRequest) (*DetectResponse, error)
}

// DetectRequest describes one detection call.
type DetectRequest struct {
	MediaPath          string  `json:"media_path"`
	SampleIntervalSecs float64 `json:"sample_interval_secs"`
	MaxFrames          int     `json:"max_frames"`
}

// DetectResponse is the parsed detector response.
type DetectResponse struct {
	Detections []Detection `json:"detections"`
}

// Detection is one brand sighting in one sampled frame.
type Detection struct {
	Brand      string  `json:"brand"`
	Confidence float64 `json:"confidence"`
	Timestamp  float64 `json:"timestamp"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a visual detector client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:9081",
		http: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Detect(ctx context.Context, req DetectRequest) (*DetectResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "visual: marshal request")
	}

	body, statusCode, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(payload))
		if reqErr != nil {
			return nil, reqErr
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "visual: request failed")
	}

	if statusCode != http.StatusOK {
		err := eris.Errorf("visual: unexpected status %d: %s", statusCode, string(body))
		if extractor.IsRecoverableHTTPStatus(statusCode) {
			return nil, extractor.NewRecoverableError(err, statusCode)
		}
		return nil, err
	}

	var result DetectResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "visual: unmarshal response")
	}
	return &result, nil
}

// doWithRetry executes an HTTP request with exponential backoff on
// transient failures. The request is rebuilt per attempt so POST bodies
// replay correctly.
func doWithRetry(ctx context.Context, hc *http.Client, build func() (*http.Request, error)) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, 0, err
		}

		resp, err := hc.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, extractor.NewRecoverableError(lastErr, 0)
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "read response body")
		}

		if extractor.IsRecoverableHTTPStatus(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

// Package audio provides a client for the speech-to-text and keyword
// scoring service.
package audio

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

// Client defines the audio detector operations.
type Client interface {
	// Transcribe extracts speech from the media file and counts
	// advertising keyword hits in the transcript.
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error)
}

// TranscribeRequest describes one transcription call.
type TranscribeRequest struct {
	MediaPath string `json:"media_path"`
}

// TranscribeResponse is the parsed detector response.
type TranscribeResponse struct {
	Transcript  string       `json:"transcript"`
	KeywordHits []KeywordHit `json:"keyword_hits"`
}

// KeywordHit counts occurrences of one advertising keyword.
type KeywordHit struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
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

// NewClient creates an audio detector client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:9082",
		http: &http.Client{
			Timeout: 15 * time.Minute,
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

func (c *httpClient) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "audio: marshal request")
	}

	body, statusCode, err := c.retryDo(ctx, payload)
	if err != nil {
		return nil, eris.Wrap(err, "audio: request failed")
	}

	if statusCode != http.StatusOK {
		err := eris.Errorf("audio: unexpected status %d: %s", statusCode, string(body))
		if extractor.IsRecoverableHTTPStatus(statusCode) {
			return nil, extractor.NewRecoverableError(err, statusCode)
		}
		return nil, err
	}

	var result TranscribeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "audio: unmarshal response")
	}
	return &result, nil
}

func (c *httpClient) retryDo(ctx context.Context, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcribe", bytes.NewReader(payload))
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
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
			return nil, resp.StatusCode, eris.Wrap(readErr, "audio: read response body")
		}

		if extractor.IsRecoverableHTTPStatus(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("audio: status %d: %s", resp.StatusCode, string(body))
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

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/model"
)

// ErrChannelTimeout is returned when no payload or heartbeat arrives
// within the idle window. The job may still be running; only this
// consumer's view went stale.
var ErrChannelTimeout = eris.New("gateway: progress stream idle timeout")

// TransportError reports a stream that could not be established or died
// mid-flight, after the fallback chain was exhausted.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return "gateway: " + e.Transport + " transport failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Consumer watches a job's progress stream from the client side. It
// prefers WebSocket and falls back to SSE when the upgrade cannot be
// established. Canceling the context is a local operation only; the job
// keeps running on the server.
type Consumer struct {
	baseURL        string
	dialer         *websocket.Dialer
	httpc          *http.Client
	connectTimeout time.Duration
	idleTimeout    time.Duration
}

// NewConsumer creates a progress consumer for the given gateway base URL.
func NewConsumer(baseURL string, cfg config.StreamConfig) *Consumer {
	connect := time.Duration(cfg.ConnectTimeoutSecs) * time.Second
	return &Consumer{
		baseURL:        strings.TrimRight(baseURL, "/"),
		dialer:         &websocket.Dialer{HandshakeTimeout: connect},
		httpc:          &http.Client{},
		connectTimeout: connect,
		idleTimeout:    time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}
}

// Watch streams progress payloads to fn until the job reaches a terminal
// payload (nil return), the context is canceled, or the stream fails.
// Heartbeats refresh the idle window and are not passed to fn.
func (c *Consumer) Watch(ctx context.Context, jobID string, fn func(model.ProgressPayload)) error {
	wsErr := c.watchWebSocket(ctx, jobID, fn)
	if wsErr == nil || ctx.Err() != nil {
		return wsErr
	}

	var terr *TransportError
	if !eris.As(wsErr, &terr) {
		return wsErr
	}
	zap.L().Debug("gateway: websocket unavailable, falling back to sse",
		zap.String("job_id", jobID), zap.Error(wsErr))

	return c.watchSSE(ctx, jobID, fn)
}

func (c *Consumer) wsURL(jobID string) string {
	url := c.baseURL + "/api/jobs/" + jobID + "/ws"
	url = strings.Replace(url, "https://", "wss://", 1)
	return strings.Replace(url, "http://", "ws://", 1)
}

func (c *Consumer) watchWebSocket(ctx context.Context, jobID string, fn func(model.ProgressPayload)) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.wsURL(jobID), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return eris.Errorf("gateway: job %s not found", jobID)
		}
		return &TransportError{Transport: "websocket", Err: err}
	}
	defer conn.Close()

	// Close the connection when the caller cancels so the read unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		var payload model.ProgressPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if netTimeout(err) {
				return ErrChannelTimeout
			}
			return &TransportError{Transport: "websocket", Err: err}
		}
		if payload.IsHeartbeat() {
			continue
		}
		fn(payload)
		if payload.Terminal() {
			return nil
		}
	}
}

func (c *Consumer) watchSSE(ctx context.Context, jobID string, fn func(model.ProgressPayload)) error {
	// The idle window is enforced by canceling the request when no event
	// arrives in time; each event pushes the deadline out again.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(c.idleTimeout, cancel)
	defer idle.Stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/api/jobs/"+jobID+"/events", nil)
	if err != nil {
		return eris.Wrap(err, "gateway: build sse request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Transport: "sse", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return eris.Errorf("gateway: job %s not found", jobID)
	default:
		return &TransportError{Transport: "sse", Err: eris.Errorf("unexpected status %d", resp.StatusCode)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(after))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		var payload model.ProgressPayload
		if err := json.Unmarshal([]byte(data.String()), &payload); err != nil {
			return eris.Wrap(err, "gateway: decode sse payload")
		}
		data.Reset()
		idle.Reset(c.idleTimeout)

		if payload.IsHeartbeat() {
			continue
		}
		fn(payload)
		if payload.Terminal() {
			return nil
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamCtx.Err() != nil {
		return ErrChannelTimeout
	}
	if err := scanner.Err(); err != nil {
		return &TransportError{Transport: "sse", Err: err}
	}
	return &TransportError{Transport: "sse", Err: eris.New("stream closed before terminal payload")}
}

func netTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return eris.As(err, &t) && t.Timeout()
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/store"
)

const wsWriteTimeout = 10 * time.Second

// snapshotPayload rebuilds a progress tuple from the durable job row, used
// when the channel entry has expired or the job is already terminal.
func snapshotPayload(job *model.AnalysisJob) model.ProgressPayload {
	p := model.ProgressPayload{
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: job.Progress,
	}
	if job.Status.Terminal() {
		p.Progress = 100
	}
	if job.Error != nil {
		p.Message = job.Error.Message
	}
	return p
}

// openStream loads the job and subscribes to its progress. The returned
// initial payload is the channel's current tuple when present, otherwise a
// snapshot from the store. A nil updates channel means the job is already
// terminal and there is nothing to stream.
func (s *Server) openStream(ctx context.Context, jobID string) (model.ProgressPayload, <-chan model.ProgressPayload, func(), error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return model.ProgressPayload{}, nil, nil, err
	}
	initial := snapshotPayload(job)

	if job.Status.Terminal() {
		return initial, nil, func() {}, nil
	}

	updates, cancel, err := s.progress.Subscribe(ctx, jobID)
	if err != nil {
		return model.ProgressPayload{}, nil, nil, eris.Wrap(err, "gateway: subscribe")
	}
	if current, cerr := s.progress.Current(ctx, jobID); cerr == nil && current != nil {
		initial = *current
	}
	return initial, updates, cancel, nil
}

// handleWebSocket is the primary push transport: one JSON payload per
// frame, heartbeats when the pipeline is quiet, closed by the server after
// the terminal payload.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	initial, updates, cancel, err := s.openStream(r.Context(), jobID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		zap.L().Error("gateway: open stream failed", zap.String("job_id", jobID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to open stream")
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		zap.L().Debug("gateway: websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	log := zap.L().With(zap.String("job_id", jobID), zap.String("transport", "websocket"))

	writeJSON := func(p model.ProgressPayload) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(p)
	}

	if err := writeJSON(initial); err != nil {
		return
	}
	if updates == nil || initial.Terminal() {
		s.closeWebSocket(conn)
		return
	}

	// The read pump only detects the client going away; inbound frames
	// carry no meaning.
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(time.Duration(s.cfg.Stream.HeartbeatSecs) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("gateway: client disconnected")
			return
		case <-heartbeat.C:
			if err := writeJSON(model.Heartbeat()); err != nil {
				return
			}
		case payload, ok := <-updates:
			if !ok {
				return
			}
			if err := writeJSON(payload); err != nil {
				return
			}
			if payload.Terminal() {
				s.closeWebSocket(conn)
				return
			}
			heartbeat.Reset(time.Duration(s.cfg.Stream.HeartbeatSecs) * time.Second)
		}
	}
}

func (s *Server) closeWebSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

// handleSSE is the fallback transport for clients that cannot hold a
// WebSocket. Same payloads, framed as server-sent events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	initial, updates, cancel, err := s.openStream(r.Context(), jobID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		zap.L().Error("gateway: open stream failed", zap.String("job_id", jobID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to open stream")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(p model.ProgressPayload) error {
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeEvent(initial); err != nil {
		return
	}
	if updates == nil || initial.Terminal() {
		return
	}

	heartbeat := time.NewTicker(time.Duration(s.cfg.Stream.HeartbeatSecs) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := writeEvent(model.Heartbeat()); err != nil {
				return
			}
		case payload, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(payload); err != nil {
				return
			}
			if payload.Terminal() {
				return
			}
			heartbeat.Reset(time.Duration(s.cfg.Stream.HeartbeatSecs) * time.Second)
		}
	}
}

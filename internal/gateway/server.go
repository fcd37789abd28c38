// Package gateway is the HTTP surface of the analysis service: job
// submission and retrieval over REST, live progress over WebSocket with an
// SSE fallback for clients that cannot upgrade.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adlens/adlens/internal/config"
	"github.com/adlens/adlens/internal/model"
	"github.com/adlens/adlens/internal/progress"
	"github.com/adlens/adlens/internal/queue"
	"github.com/adlens/adlens/internal/store"
)

// Server hosts the REST API and the streaming endpoints.
type Server struct {
	cfg      *config.Config
	store    store.Store
	dispatch *queue.Dispatcher
	progress progress.Channel
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer wires the router and middleware.
func NewServer(cfg *config.Config, st store.Store, d *queue.Dispatcher, ch progress.Channel) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		dispatch: d,
		progress: ch,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Server.SubmitPerMin/60.0), cfg.Server.SubmitBurst),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{jobID}", s.handleGet)
		r.Get("/{jobID}/ws", s.handleWebSocket)
		r.Get("/{jobID}/events", s.handleSSE)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the context is canceled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		zap.L().Info("gateway: listening", zap.String("addr", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return eris.Wrap(err, "gateway: serve")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "gateway: shutdown")
		}
		return nil
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req queue.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	job, err := s.dispatch.Submit(r.Context(), req)
	if err != nil {
		var verr *queue.ValidationError
		switch {
		case eris.As(err, &verr):
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		case eris.Is(err, queue.ErrQueueFull):
			// The job is durably queued; it just waits longer for a worker.
		default:
			zap.L().Error("gateway: submit failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to create job")
			return
		}
	}

	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		zap.L().Error("gateway: get job failed", zap.String("job_id", jobID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("gateway: list jobs failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("gateway: write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

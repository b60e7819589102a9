// Package webhook exposes the task queue over HTTP: webhook deliveries
// create jobs, and job records can be read back by ID.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/joshfire/hookmachine"
	"github.com/joshfire/hookmachine/id"
	"github.com/joshfire/hookmachine/job"
)

// EventHeader carries the delivery's event name, GitHub-style.
const EventHeader = "X-GitHub-Event"

// Queue is the part of the task queue the HTTP surface needs.
type Queue interface {
	Push(ctx context.Context, params job.Params) (id.JobID, error)
	Get(ctx context.Context, jobID id.JobID) (*job.Job, error)
}

// Server routes webhook deliveries and job lookups to the queue.
type Server struct {
	queue   Queue
	hooks   map[string]hookmachine.Hook
	event   string
	limiter *rate.Limiter
	logger  *slog.Logger
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithEvent restricts accepted deliveries to the named event. Empty
// accepts any event.
func WithEvent(event string) Option {
	return func(s *Server) { s.event = event }
}

// WithRateLimit bounds accepted deliveries to limit per second with the
// given burst. A non-positive limit disables rate limiting.
func WithRateLimit(limit float64, burst int) Option {
	return func(s *Server) {
		if limit > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(limit), burst)
		}
	}
}

// WithLogger sets the structured logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the HTTP surface over q for the given hooks.
func NewServer(q Queue, hooks []hookmachine.Hook, opts ...Option) *Server {
	s := &Server{
		queue:  q,
		hooks:  make(map[string]hookmachine.Hook, len(hooks)),
		logger: slog.Default(),
	}
	for _, h := range hooks {
		s.hooks[h.Name] = h
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/hooks/{name}", s.handleHook)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHook accepts a webhook delivery for a named hook and pushes a
// job. The delivery body is ignored; the hook definition alone decides
// what runs.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	hook, ok := s.hooks[name]
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown hook")
		return
	}

	if event := r.Header.Get(EventHeader); s.event != "" && event != s.event {
		s.logger.Info("ignoring webhook delivery for unmatched event",
			slog.String("hook", name),
			slog.String("event", event),
		)
		s.respond(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("webhook delivery rate limited",
			slog.String("hook", name),
		)
		s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	jobID, err := s.queue.Push(r.Context(), job.Params(hook.JobParams()))
	if err != nil {
		s.logger.Error("webhook push failed",
			slog.String("hook", name),
			slog.String("error", err.Error()),
		)
		s.respondError(w, http.StatusInternalServerError, "could not accept job")
		return
	}

	s.respond(w, http.StatusAccepted, map[string]any{
		"id":     jobID.String(),
		"status": string(job.StatusPending),
	})
}

// handleGetJob returns the persisted record for a job ID.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := s.queue.Get(r.Context(), jobID)
	switch {
	case errors.Is(err, hookmachine.ErrJobNotFound):
		s.respondError(w, http.StatusNotFound, "job not found")
	case err != nil:
		s.logger.Error("job lookup failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		s.respondError(w, http.StatusInternalServerError, "could not read job")
	default:
		s.respond(w, http.StatusOK, j)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]any{"error": msg})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"note-summarizer/internal/logger"
	"note-summarizer/internal/models"
	"note-summarizer/internal/producer"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/ratelimit"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
)

// Headers set by the authenticating proxy in front of the API.
const (
	HeaderOwnerID = "X-Owner-ID"
	HeaderRole    = "X-Role"
	RoleAdmin     = "admin"
)

// Producer is the job API the handlers expose.
type Producer interface {
	Submit(ctx context.Context, input string, ownerRef int64) (models.Job, error)
	GetByID(ctx context.Context, id int64) (models.Job, error)
	ListByOwner(ctx context.Context, ownerRef int64, page models.Page) ([]models.Job, error)
	ListAll(ctx context.Context, page models.Page) ([]models.Job, error)
	Requeue(ctx context.Context, id int64) (models.Job, error)
}

// Limiter throttles submissions per owner.
type Limiter interface {
	AllowOwner(ctx context.Context, owner int64) (ratelimit.Decision, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	producer Producer
	limiter  Limiter
	dlq      queue.DeadLetterReader
	health   Pinger
	logger   *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLimiter enables per-owner rate limiting on submit.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithDeadLetters enables GET /api/v1/dlq.
func WithDeadLetters(d queue.DeadLetterReader) Option { return func(s *Server) { s.dlq = d } }

// WithHealth makes /healthz check a backend.
func WithHealth(p Pinger) Option { return func(s *Server) { s.health = p } }

// New constructs the API server.
func New(p Producer, l *slog.Logger, opts ...Option) *Server {
	if l == nil {
		l = slog.Default()
	}
	s := &Server{producer: p, logger: l}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requirePrincipal)
		r.Post("/notes", s.handleSubmit)
		r.Get("/notes", s.handleList)
		r.Get("/notes/{id}", s.handleGet)
		r.Post("/notes/{id}/requeue", s.handleRequeue)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type submitRequest struct {
	Input string `json:"input"`
}

type errorResponse struct {
	Error string      `json:"error"`
	Job   *models.Job `json:"job,omitempty"`
}

type listResponse struct {
	Items  []models.Job `json:"items"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log(r).WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.AllowOwner(r.Context(), p.owner)
		if err != nil {
			s.log(r).ErrorContext(r.Context(), "rate limiter failed", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.producer.Submit(r.Context(), req.Input, p.owner)
	switch {
	case errors.Is(err, producer.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, producer.ErrPublishFailed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job recorded but not queued", Job: &job})
	case err != nil:
		s.log(r).ErrorContext(r.Context(), "submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
	default:
		writeJSON(w, http.StatusCreated, job)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.producer.GetByID(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if p := principalFrom(r.Context()); !p.admin && job.OwnerRef != p.owner {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var page models.Page
	var err error
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		if page.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	page = page.Normalize()

	p := principalFrom(r.Context())
	var jobs []models.Job
	if p.admin {
		jobs, err = s.producer.ListAll(r.Context(), page)
	} else {
		jobs, err = s.producer.ListByOwner(r.Context(), p.owner, page)
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: jobs, Offset: page.Offset, Limit: page.Limit})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r.Context()).admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.producer.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrStaleTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "only FAILED jobs can be requeued", Job: &job})
	case errors.Is(err, producer.ErrPublishFailed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job requeued but not published", Job: &job})
	case err != nil:
		s.storeError(w, r, err)
	default:
		s.log(r).InfoContext(r.Context(), "job requeued by admin", "job_id", id)
		writeJSON(w, http.StatusOK, job)
	}
}

// handleDLQ returns dead-lettered job ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r.Context()).admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	if s.dlq == nil {
		writeError(w, http.StatusNotImplemented, "dead-letter listing not supported by this queue backend")
		return
	}
	items, err := s.dlq.DeadLetters(r.Context(), 100)
	if err != nil {
		s.log(r).ErrorContext(r.Context(), "read dlq failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.log(r).ErrorContext(r.Context(), "store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := s.logger.With("request_id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), l)))
		l.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

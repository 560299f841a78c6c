// Package api exposes the job service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/ledger"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

const healthCheckTimeout = 3 * time.Second

type JobService interface {
	CreateJob(ctx context.Context, spec domain.JobSpec) (domain.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter, limit int) ([]domain.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

type InvocationReader interface {
	QueryByJob(ctx context.Context, jobID uuid.UUID, q domain.InvocationQuery) ([]domain.Invocation, error)
	Statistics(ctx context.Context, jobID uuid.UUID, limit int) (ledger.Statistics, error)
}

// HealthChecker reports whether a backing component is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	jobs        JobService
	invocations InvocationReader
	checks      map[string]HealthChecker
	logger      *zap.SugaredLogger
	router      chi.Router
}

func NewHandler(jobs JobService, invocations InvocationReader) *Handler {
	h := &Handler{
		jobs:        jobs,
		invocations: invocations,
		checks:      make(map[string]HealthChecker),
		logger:      zap.NewNop().Sugar(),
	}
	h.router = h.routes()
	return h
}

func (h *Handler) WithLogger(l *zap.SugaredLogger) *Handler {
	h.logger = l
	return h
}

// WithHealthCheck adds a named component to verbose /health responses.
func (h *Handler) WithHealthCheck(name string, c HealthChecker) *Handler {
	h.checks[name] = c
	return h
}

// WithMetricsHandler mounts the metrics exposition at path.
func (h *Handler) WithMetricsHandler(path string, mh http.Handler) *Handler {
	h.router.Method(http.MethodGet, path, mh)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.deleteJob)
		})
	})
	return r
}

// cors allows any origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), req.spec())
	if err != nil {
		h.writeServiceError(w, r, err, "create job")
		return
	}
	writeJSON(w, http.StatusCreated, NewJobResponse(job))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, "limit", DefaultLimit, MaxLimit)
	if err != nil {
		h.writeServiceError(w, r, err, "list jobs")
		return
	}
	filter, err := parseJobFilter(r)
	if err != nil {
		h.writeServiceError(w, r, err, "list jobs")
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), filter, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "list jobs")
		return
	}

	resp := ListJobsResponse{Count: len(jobs), Jobs: make([]JobResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = NewJobResponse(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeServiceError(w, r, err, "get job")
		return
	}
	q, err := parseInvocationQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err, "get job")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "get job")
		return
	}
	invs, err := h.invocations.QueryByJob(r.Context(), id, q)
	if err != nil {
		h.writeServiceError(w, r, err, "list invocations")
		return
	}
	stats, err := h.invocations.Statistics(r.Context(), id, ledger.DefaultStatisticsLimit)
	if err != nil {
		h.writeServiceError(w, r, err, "invocation statistics")
		return
	}

	resp := JobDetailResponse{
		Job:         NewJobResponse(job),
		Invocations: make([]InvocationResponse, len(invs)),
		Statistics:  stats,
	}
	for i, inv := range invs {
		resp.Invocations[i] = NewInvocationResponse(inv)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeServiceError(w, r, err, "delete job")
		return
	}
	if err := h.jobs.DeleteJob(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "delete job")
		return
	}
	writeJSON(w, http.StatusOK, DeleteJobResponse{Message: "job deleted", JobID: id.String()})
}

// writeServiceError maps the domain error taxonomy onto status codes.
// Unclassified errors are logged and reported without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrScheduling):
		h.logger.Warnw(op+" failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusBadGateway, "failed to schedule job")
	case errors.Is(err, domain.ErrTransientStore):
		h.logger.Warnw(op+" failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		h.logger.Errorw(op+" failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

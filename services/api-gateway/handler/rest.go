package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/notifier"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

// Submitter enqueues a URL and returns its task id.
type Submitter interface {
	Submit(ctx context.Context, sourceURL string) (string, error)
}

// StatusSource produces the client-facing status of a task.
type StatusSource interface {
	Snapshot(ctx context.Context, taskID string) (notifier.StatusPayload, error)
	Watch(ctx context.Context, taskID string, send func(notifier.StatusPayload) error) error
}

// REST handles HTTP requests for the API Gateway.
type REST struct {
	submitter Submitter
	status    StatusSource
	limiter   redisstore.RateLimiter
	checks    []telemetry.Check
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewREST creates a new REST handler. limiter may be nil to disable rate
// limiting; checks back /readyz.
func NewREST(submitter Submitter, status StatusSource, limiter redisstore.RateLimiter, logger *slog.Logger, checks ...telemetry.Check) *REST {
	return &REST{
		submitter: submitter,
		status:    status,
		limiter:   limiter,
		checks:    checks,
		validate:  validator.New(),
		logger:    logger,
	}
}

// SubmitURLRequest is the JSON body for POST /submit_url.
type SubmitURLRequest struct {
	URL string `json:"url" validate:"required,http_url,max=2048"`
}

// SubmitURLResponse is the 202 response body.
type SubmitURLResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// Root handles GET /.
func (h *REST) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the MyFoods Backend API"})
}

// SubmitURL handles POST /submit_url.
func (h *REST) SubmitURL(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_url")
	defer span.End()

	if h.limiter != nil {
		client := clientIP(r)
		allowed, err := h.limiter.Allow(ctx, client)
		switch {
		case err != nil:
			// Fail open: a Redis hiccup should not block submissions.
			h.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		case !allowed:
			limitErr := &domain.RateLimitExceededError{Key: client, Limit: h.limiter.Limit()}
			span.RecordError(limitErr)
			telemetry.APISubmitFailures.WithLabelValues("rate_limited").Inc()
			h.logger.Info("submission rate limited", slog.String("client", client))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req SubmitURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.APISubmitFailures.WithLabelValues("invalid_body").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := h.validate.Struct(req); err != nil {
		telemetry.APISubmitFailures.WithLabelValues("invalid_url").Inc()
		writeError(w, http.StatusBadRequest, "field 'url' must be a valid http(s) URL")
		return
	}

	taskID, err := h.submitter.Submit(ctx, req.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		reason := "store"
		var qerr *domain.QueueUnavailableError
		if errors.As(err, &qerr) {
			reason = "queue_unavailable"
		}
		telemetry.APISubmitFailures.WithLabelValues(reason).Inc()
		h.logger.Error("failed to queue url",
			slog.String("task_id", taskID),
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Failed to queue URL for processing. Please try again later.")
		return
	}

	span.SetAttributes(attribute.String("task.id", taskID))
	writeJSON(w, http.StatusAccepted, SubmitURLResponse{
		Message: "URL received and queued for processing.",
		TaskID:  taskID,
	})
}

// GetTaskStatus handles GET /task_status/{task_id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	payload, err := h.status.Snapshot(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("failed to read task status", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and runs every dependency check.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	telemetry.ReadyHandler(h.checks...).ServeHTTP(w, r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

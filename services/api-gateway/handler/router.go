package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zianncupcake/myfoods-backend/services/api-gateway/middleware"
)

// NewRouter wires the gateway routes.
func NewRouter(rest *REST, ws *WS, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))

	r.Get("/", rest.Root)
	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.With(middleware.MaxBodySize(1<<20)).Post("/submit_url", rest.SubmitURL)
	r.Get("/task_status/{task_id}", rest.GetTaskStatus)
	r.Get("/ws/task_status/{task_id}", ws.TaskStatus)
	return r
}

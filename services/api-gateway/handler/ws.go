package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zianncupcake/myfoods-backend/internal/notifier"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

const (
	writeWait    = 10 * time.Second
	maxReadBytes = 512
)

// WS bridges the status notifier onto WebSocket connections.
type WS struct {
	status   StatusSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWS returns a WebSocket handler. An empty allowedOrigins accepts any
// origin.
func NewWS(status StatusSource, allowedOrigins []string, logger *slog.Logger) *WS {
	return &WS{
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		logger: logger,
	}
}

// TaskStatus handles GET /ws/task_status/{task_id}. The connection receives
// one terminal or error payload and is then closed.
func (h *WS) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	logger := h.logger.With(slog.String("task_id", taskID))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	telemetry.APIWatchersActive.Inc()
	defer telemetry.APIWatchersActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends data; any read error means it went away.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxReadBytes)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(p notifier.StatusPayload) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(p)
	}

	if err := h.status.Watch(ctx, taskID, send); err != nil {
		logger.Warn("status watch ended with error", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		logger.Debug("client disconnected")
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

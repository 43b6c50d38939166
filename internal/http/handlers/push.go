package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/service/progress"
)

// heartbeatInterval is how often an idle push channel emits a keepalive
// comment.
const heartbeatInterval = 30 * time.Second

// PushHandler streams per-task progress events over SSE.
type PushHandler struct {
	registry *progress.Registry
	logger   *slog.Logger
}

// NewPushHandler creates a new push handler.
func NewPushHandler(registry *progress.Registry, logger *slog.Logger) *PushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHandler{
		registry: registry,
		logger:   logger.With(slog.String("component", "push_handler")),
	}
}

// PushStreamInput defines the path parameter for the push endpoint.
type PushStreamInput struct {
	TaskID string `path:"task_id" doc:"Task ULID"`
}

// SSE event type wrappers, required by huma for OpenAPI schema generation.

// ProgressUpdateEvent is sent for each persisted stage status change.
type ProgressUpdateEvent progress.Event

// BatchStateEvent is sent after each batch scheduler transition.
type BatchStateEvent progress.Event

// Register registers the push endpoint with the API for OpenAPI schema
// generation. The actual handler is registered separately via RegisterSSE on
// the chi router, which takes precedence.
func (h *PushHandler) Register(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "taskEvents",
		Method:      "GET",
		Path:        "/ws/tasks/{task_id}",
		Summary:     "Subscribe to task events",
		Description: `Server-Sent Events stream of task progress.

## Connection Protocol
- On connect: receives ` + "`" + `:connected` + "`" + ` comment
- Every 30s without events: receives ` + "`" + `:heartbeat <unix_epoch>` + "`" + ` comment

## Event Types
- ` + "`" + `progress_update` + "`" + `: one stage's persisted status change
- ` + "`" + `batch_state` + "`" + `: the batch snapshot after a scheduler transition

The stream closes when the task is deleted.`,
		Tags: []string{"Push"},
	}, map[string]any{
		progress.EventTypeProgress:   ProgressUpdateEvent{},
		progress.EventTypeBatchState: BatchStateEvent{},
	}, func(ctx context.Context, input *PushStreamInput, send sse.Sender) {
		// Placeholder for OpenAPI schema generation; the chi route handles
		// the actual streaming.
		<-ctx.Done()
	})
}

// RegisterSSE registers the SSE endpoint on a chi router.
func (h *PushHandler) RegisterSSE(router chi.Router) {
	router.Get("/ws/tasks/{task_id}", h.handleStream)
}

// handleStream is the raw HTTP handler for the push channel.
func (h *PushHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if _, err := models.ParseULID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "invalid task id")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
	w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sink, unsubscribe := h.registry.Subscribe(taskID)
	defer unsubscribe()

	// Use ResponseController for reliable flushing with error handling.
	// The write deadline is cleared because the stream outlives the server's
	// per-request write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Initial comment establishes the connection and triggers onopen in
	// browsers.
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial push connection",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected",
					slog.String("task_id", taskID),
				)
				return
			}
		case event, ok := <-sink.Events():
			if !ok {
				// Sink closed: the task was deleted or the subscriber was
				// dropped for not keeping up.
				return
			}
			if _, err := h.writeEvent(w, event); err != nil {
				h.logger.Error("failed to write push event",
					slog.String("task_id", taskID),
					slog.String("type", event.Type),
					slog.String("error", err.Error()),
				)
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("event flush failed, client likely disconnected",
					slog.String("task_id", taskID),
				)
				return
			}
		}
	}
}

// writeEvent writes one event in SSE format with short write detection.
func (h *PushHandler) writeEvent(w http.ResponseWriter, event progress.Event) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		n, _ := fmt.Fprintf(w, "event: %s\ndata: {\"error\": \"marshal error\"}\n\n", event.Type)
		return n, err
	}

	// One write per message for better atomicity.
	message := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data))
	n, err := w.Write(message)
	if err != nil {
		return n, err
	}
	if n < len(message) {
		return n, fmt.Errorf("short write: wrote %d of %d bytes", n, len(message))
	}
	return n, nil
}

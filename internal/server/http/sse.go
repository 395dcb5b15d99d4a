package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"leadflow/internal/logging"
	"leadflow/internal/run"
	"leadflow/internal/stream"
)

const heartbeatInterval = 30 * time.Second

// SSEHandler streams run events to browsers over Server-Sent Events.
type SSEHandler struct {
	broadcaster *stream.Broadcaster
	store       run.Store
	logger      logging.Logger
}

// NewSSEHandler wires the handler.
func NewSSEHandler(broadcaster *stream.Broadcaster, store run.Store) *SSEHandler {
	return &SSEHandler{
		broadcaster: broadcaster,
		store:       store,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleStream handles GET /api/sse. With run_id it replays the run's
// history and then follows live events; without it, it follows the firehose.
// Subscribing before the replay, then deduping on seq, closes the gap where
// an event lands between replay and subscription.
func (h *SSEHandler) HandleStream(c *gin.Context) {
	// Resolve the run before committing to the stream content type so an
	// unknown run_id still gets a plain JSON 404.
	runID := c.Query("run_id")
	if runID != "" {
		if _, err := h.store.GetRun(c.Request.Context(), runID); err != nil {
			respondError(c, err)
			return
		}
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var (
		events <-chan *run.Event
		cancel func()
	)
	if runID != "" {
		events, cancel = h.broadcaster.Subscribe(runID)
	} else {
		events, cancel = h.broadcaster.SubscribeAll()
	}
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"run_id\":%q}\n\n", runID)
	flusher.Flush()
	h.logger.Info("SSE connection established (run_id=%q)", runID)

	var lastSeq int64
	if runID != "" {
		history, err := h.store.ListEventsByRun(c.Request.Context(), runID, 0)
		if err != nil {
			h.logger.Error("SSE replay failed for run %s: %v", runID, err)
			return
		}
		for _, event := range history {
			h.writeEvent(w, event)
			lastSeq = event.Seq
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			// Replay already covered this one.
			if runID != "" && event.Seq <= lastSeq {
				continue
			}
			h.writeEvent(w, event)
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			h.logger.Info("SSE connection closed (run_id=%q)", runID)
			return
		}
	}
}

func (h *SSEHandler) writeEvent(w gin.ResponseWriter, event *run.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to serialize event %s: %v", event.ID, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

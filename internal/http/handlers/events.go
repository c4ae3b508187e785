package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
	"github.com/tddforge/tddforge-backend/internal/sse"
)

type EventsHandler struct {
	broadcaster *sse.Broadcaster
	metrics     *observability.Metrics
	log         *logger.Logger
}

func NewEventsHandler(broadcaster *sse.Broadcaster, metrics *observability.Metrics, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		broadcaster: broadcaster,
		metrics:     metrics,
		log:         log.With("handler", "EventsHandler"),
	}
}

// GET /events
//
// Streams broadcaster events as `event: <type>\ndata: <json>\n\n` frames.
// The stream ends cleanly when the broadcaster shuts down; a client
// disconnect unsubscribes and stops delivery.
func (h *EventsHandler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub)
	h.metrics.SubscriberAdded()
	defer h.metrics.SubscriberRemoved()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := ev.MarshalData()
			if err != nil {
				h.log.Warn("failed to marshal sse event", "event_type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
			c.Writer.Flush()
		}
	}
}

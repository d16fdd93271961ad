package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/api/middleware"
	"github.com/mooncorn/payrecon/internal/services/broadcast"
	"go.uber.org/zap"
)

const streamHeartbeat = 30 * time.Second

type EventSubscriber interface {
	Subscribe(userID uuid.UUID) chan broadcast.PaymentEvent
	Unsubscribe(userID uuid.UUID, ch chan broadcast.PaymentEvent)
}

// EventsHandler streams payment status changes to their owner
type EventsHandler struct {
	hub       EventSubscriber
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewEventsHandler(hub EventSubscriber, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, heartbeat: streamHeartbeat, logger: logger}
}

// Stream sends the caller's payment status changes via SSE
func (h *EventsHandler) Stream(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID := caller.UserID

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()

	eventCh := h.hub.Subscribe(userID)
	defer h.hub.Unsubscribe(userID, eventCh)

	c.SSEvent("connected", gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("payment stream started", zap.String("user_id", userID.String()))

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("payment stream ended", zap.String("user_id", userID.String()))
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			c.SSEvent("payment", event)
			c.Writer.Flush()

		case <-ticker.C:
			c.SSEvent("heartbeat", gin.H{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		}
	}
}

package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/api/middleware"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/cardgate"
	"go.uber.org/zap"
)

type SessionService interface {
	CreateSession(ctx context.Context, userID uuid.UUID, req *models.CreateSessionRequest) (*models.SessionResponse, error)
	GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.SessionResponse, error)
}

// FiatHandler serves card checkout sessions and the card gateway postback
type FiatHandler struct {
	sessions   SessionService
	verifier   *cardgate.Verifier
	reconciler EventApplier
	logger     *zap.Logger
}

func NewFiatHandler(sessions SessionService, verifier *cardgate.Verifier, applier EventApplier, logger *zap.Logger) *FiatHandler {
	return &FiatHandler{
		sessions:   sessions,
		verifier:   verifier,
		reconciler: applier,
		logger:     logger,
	}
}

// CreateSession starts a card checkout and returns the gateway redirect URL
func (h *FiatHandler) CreateSession(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.sessions.CreateSession(c.Request.Context(), caller.UserID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if resp.Replay {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// GetSession returns one of the caller's sessions
func (h *FiatHandler) GetSession(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	resp, err := h.sessions.GetSession(c.Request.Context(), caller.UserID, sessionID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleWebhook receives card gateway postbacks, as form posts or query strings.
// Authenticated postbacks are always acknowledged with "OK".
func (h *FiatHandler) HandleWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.logger.Warn("failed to parse fiat postback", zap.Error(err))
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}
	fields := c.Request.Form
	clientIP := c.ClientIP()

	if err := h.verifier.Verify(clientIP, fields); err != nil {
		h.logger.Warn("rejected unauthenticated fiat postback",
			zap.String("client_ip", clientIP),
			zap.Bool("digest_present", fields.Get("digest") != ""),
		)
		c.String(http.StatusForbidden, "Forbidden")
		return
	}

	event, err := cardgate.ParseNotification(fields)
	if err != nil {
		h.logger.Warn("ignoring malformed fiat postback", zap.Error(err))
		c.String(http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), webhookTimeout)
	defer cancel()

	res := h.reconciler.Apply(ctx, event)
	if !res.OK() {
		h.logger.Warn("fiat postback acknowledged without effect",
			zap.String("transaction_id", event.TransactionID),
			zap.String("outcome", string(res.Outcome)),
		)
	}

	c.String(http.StatusOK, "OK")
}

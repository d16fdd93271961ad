package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/api/middleware"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/nowpayments"
	"github.com/mooncorn/payrecon/internal/services/reconciler"
	"go.uber.org/zap"
)

// webhookTimeout bounds reconciliation of one event after the request returns
const webhookTimeout = 30 * time.Second

type IntentService interface {
	CreateIntent(ctx context.Context, userID uuid.UUID, req *models.CreateIntentRequest) (*models.IntentResponse, error)
	GetIntent(ctx context.Context, userID, intentID uuid.UUID) (*models.IntentResponse, error)
}

type PayoutService interface {
	Approve(ctx context.Context, caller *models.Caller, payoutID uuid.UUID) (*models.PayoutResponse, error)
}

// EventApplier reconciles authenticated webhook events
type EventApplier interface {
	Apply(ctx context.Context, event models.Event) reconciler.Result
}

// CryptoHandler serves crypto intents, payouts and the crypto gateway IPN
type CryptoHandler struct {
	intents    IntentService
	payouts    PayoutService
	reconciler EventApplier
	ipnSecret  string
	logger     *zap.Logger
}

func NewCryptoHandler(intents IntentService, payouts PayoutService, applier EventApplier, ipnSecret string, logger *zap.Logger) *CryptoHandler {
	return &CryptoHandler{
		intents:    intents,
		payouts:    payouts,
		reconciler: applier,
		ipnSecret:  ipnSecret,
		logger:     logger,
	}
}

// CreateIntent opens a crypto charge for the caller
func (h *CryptoHandler) CreateIntent(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req models.CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.intents.CreateIntent(c.Request.Context(), caller.UserID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetIntent returns one of the caller's intents
func (h *CryptoHandler) GetIntent(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	intentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid intent ID"})
		return
	}

	resp, err := h.intents.GetIntent(c.Request.Context(), caller.UserID, intentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ApprovePayout approves a pending payout request
func (h *CryptoHandler) ApprovePayout(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req models.ApprovePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payoutID, err := uuid.Parse(req.PayoutRequestID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout request ID"})
		return
	}

	resp, err := h.payouts.Approve(c.Request.Context(), caller, payoutID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleWebhook receives payment status notifications. Every authenticated
// notification is acknowledged with 200; ok reports whether it was applied.
func (h *CryptoHandler) HandleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "failed to read request body"})
		return
	}

	if h.ipnSecret == "" {
		h.logger.Warn("IPN secret not configured, accepting unsigned notification",
			zap.Bool("critical", true),
			zap.String("client_ip", c.ClientIP()),
		)
	} else {
		signature := c.GetHeader("x-nowpayments-sig")
		if signature == "" {
			signature = c.GetHeader("X-Signature")
		}
		if signature == "" || !nowpayments.VerifySignature(h.ipnSecret, body, signature) {
			h.logger.Warn("rejected crypto webhook with invalid signature",
				zap.String("client_ip", c.ClientIP()),
				zap.Bool("signature_present", signature != ""),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid signature"})
			return
		}
	}

	event, err := nowpayments.ParseIPN(body)
	if err != nil {
		h.logger.Warn("ignoring malformed crypto webhook", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "malformed_payload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), webhookTimeout)
	defer cancel()

	res := h.reconciler.Apply(ctx, event)
	if !res.OK() {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": string(res.Outcome)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

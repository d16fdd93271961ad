package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mooncorn/payrecon/internal/api/middleware"
	"github.com/mooncorn/payrecon/internal/models"
	"go.uber.org/zap"
)

const (
	defaultReviewLimit = 100
	maxReviewLimit     = 500
)

type ReviewStore interface {
	ListOpenReviewFlags(ctx context.Context, limit int) ([]models.ReviewFlag, error)
	CountOpenReviewFlags(ctx context.Context) (int, error)
}

// AdminHandler exposes payments awaiting manual reconciliation
type AdminHandler struct {
	store  ReviewStore
	logger *zap.Logger
}

func NewAdminHandler(store ReviewStore, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{store: store, logger: logger}
}

// ListReviews returns open review flags, oldest first
func (h *AdminHandler) ListReviews(c *gin.Context) {
	caller := middleware.GetCaller(c)
	if !caller.HasAnyRole(models.PayoutApproverRoles...) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	limit := defaultReviewLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxReviewLimit)
	}

	ctx := c.Request.Context()
	flags, err := h.store.ListOpenReviewFlags(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list review flags", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list review flags"})
		return
	}
	total, err := h.store.CountOpenReviewFlags(ctx)
	if err != nil {
		h.logger.Error("failed to count review flags", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list review flags"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flags": flags,
		"total": total,
	})
}

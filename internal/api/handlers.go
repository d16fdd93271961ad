package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mooncorn/payrecon/internal/api/middleware"
	"go.uber.org/zap"
)

// Pinger reports database reachability for the health check
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Crypto *CryptoHandler
	Fiat   *FiatHandler
	Admin  *AdminHandler
	Events *EventsHandler

	Tokens         middleware.TokenParser
	DB             Pinger
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewEngine builds the router. X-Forwarded-For is honored only from
// trustedProxies, so the fiat IP allow-list sees the real peer by default.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	r.ForwardedByClientIP = len(trustedProxies) > 0
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	return r, nil
}

// RegisterRoutes registers all API routes
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	if len(h.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     h.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", h.health)

	// Gateway callbacks (public, authenticated per provider)
	r.POST("/payments/crypto/webhook", h.Crypto.HandleWebhook)
	r.POST("/payments/fiat/webhook", h.Fiat.HandleWebhook)
	r.GET("/payments/fiat/webhook", h.Fiat.HandleWebhook)

	protected := r.Group("")
	protected.Use(middleware.AuthMiddleware(h.Tokens))
	{
		protected.POST("/payments/crypto/intents", h.Crypto.CreateIntent)
		protected.GET("/payments/crypto/intents/:id", h.Crypto.GetIntent)
		protected.POST("/payments/crypto/payouts", h.Crypto.ApprovePayout)

		protected.POST("/payments/fiat/sessions", h.Fiat.CreateSession)
		protected.GET("/payments/fiat/sessions/:id", h.Fiat.GetSession)

		protected.GET("/admin/reviews", h.Admin.ListReviews)

		if h.Events != nil {
			protected.GET("/payments/events", h.Events.Stream)
		}
	}
}

func (h *Handlers) health(c *gin.Context) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			h.Logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

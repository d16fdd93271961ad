package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mooncorn/payrecon/config"
	"github.com/mooncorn/payrecon/internal/api"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/services/auth"
	"github.com/mooncorn/payrecon/internal/services/broadcast"
	"github.com/mooncorn/payrecon/internal/services/cache"
	"github.com/mooncorn/payrecon/internal/services/cardgate"
	"github.com/mooncorn/payrecon/internal/services/email"
	"github.com/mooncorn/payrecon/internal/services/nowpayments"
	"github.com/mooncorn/payrecon/internal/services/payout"
	"github.com/mooncorn/payrecon/internal/services/reconciler"
	"github.com/mooncorn/payrecon/internal/services/sweeper"
	"go.uber.org/zap"
)

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Connected to database successfully")

	if err := db.Migrate(ctx, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis is optional; leave the interface nil when it is not configured
	var minAmounts nowpayments.MinAmountCache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, minimum-amount cache disabled", zap.Error(err))
		} else {
			defer redisCache.Close()
			minAmounts = cache.NewMinAmounts(redisCache)
		}
	}

	logMissingGatewayConfig(cfg, logger)

	alerter := email.NewService(cfg, logger)
	gateway := nowpayments.NewClient(&cfg.NowPayments, logger)
	tokens := auth.NewService(cfg.JWTSecret)

	intents := nowpayments.NewIntentService(cfg, gateway, db, minAmounts, alerter, logger.Named("intents"))
	sessions := cardgate.NewSessionService(cfg, db, logger.Named("sessions"))
	payouts := payout.NewService(cfg, gateway, db, alerter, logger.Named("payouts"))
	hub := broadcast.NewHub(logger.Named("hub"))
	rec := reconciler.New(db, db, alerter, logger.Named("reconciler")).WithPublisher(hub)
	verifier := cardgate.NewVerifier(cfg.Fiat.WebhookSecret, cfg.Fiat.AllowedIPPrefixes, logger)

	sweep := sweeper.NewService(db, sweeper.Config{
		Interval: cfg.ReviewSweepInterval,
		Grace:    sweeper.DefaultConfig().Grace,
	}, logger.Named("sweeper"))
	if cfg.ReviewSweepInterval > 0 {
		sweep.Start(ctx)
		defer sweep.Stop()
	}

	handlers := &api.Handlers{
		Crypto:         api.NewCryptoHandler(intents, payouts, rec, cfg.NowPayments.IPNSecret, logger.Named("crypto")),
		Fiat:           api.NewFiatHandler(sessions, verifier, rec, logger.Named("fiat")),
		Admin:          api.NewAdminHandler(db, logger.Named("admin")),
		Events:         api.NewEventsHandler(hub, logger.Named("events")),
		Tokens:         tokens,
		DB:             db,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}

	gin.SetMode(cfg.GinMode)
	r, err := api.NewEngine(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal("Failed to configure router", zap.Error(err))
	}
	handlers.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// logMissingGatewayConfig reports gateway settings whose absence disables operations
func logMissingGatewayConfig(cfg *config.Config, logger *zap.Logger) {
	if cfg.NowPayments.APIKey == "" {
		logger.Error("NOWPAYMENTS_API_KEY not set, crypto intents and payouts disabled", zap.Bool("critical", true))
	}
	if cfg.NowPayments.IPNSecret == "" {
		logger.Warn("NOWPAYMENTS_IPN_SECRET not set, crypto webhook signatures are not verified", zap.Bool("critical", true))
	}
	if !cfg.NowPayments.PayoutConfigured() {
		logger.Warn("NowPayments payout credentials not set, crypto payouts fall back to manual approval")
	}
	if cfg.Fiat.GatewayURL == "" {
		logger.Error("FIAT_GATEWAY_URL not set, card sessions disabled", zap.Bool("critical", true))
	}
	if cfg.Fiat.WebhookSecret == "" && len(cfg.Fiat.AllowedIPPrefixes) == 0 {
		logger.Error("Neither FIAT_WEBHOOK_SECRET nor FIAT_ALLOWED_IP_PREFIXES set, card postbacks will be rejected", zap.Bool("critical", true))
	}
}

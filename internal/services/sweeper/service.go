package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/mooncorn/payrecon/internal/models"
	"go.uber.org/zap"
)

// batchLimit bounds how many rows one sweep reports
const batchLimit = 100

// Config holds configuration for the sweeper
type Config struct {
	// Interval is how often to sweep (default: 15 minutes)
	Interval time.Duration
	// Grace is how long past expiry a waiting intent is left alone
	Grace time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Minute,
		Grace:    time.Hour,
	}
}

type Store interface {
	CountOpenReviewFlags(ctx context.Context) (int, error)
	ListOpenReviewFlags(ctx context.Context, limit int) ([]models.ReviewFlag, error)
	ListStaleWaitingIntents(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentIntent, error)
}

// Report is the result of one sweep
type Report struct {
	OpenReviewFlags int
	StaleIntents    int
}

// Service periodically reports records that need manual reconciliation.
// It never mutates anything.
type Service struct {
	store    Store
	config   Config
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewService creates a new sweeper
func NewService(store Store, config Config, logger *zap.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		store:  store,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start runs an initial sweep and then one per interval until Stop or ctx ends
func (s *Service) Start(ctx context.Context) {
	s.Sweep(ctx)

	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stopCh:
				s.logger.Info("sweeper stopped")
				return
			case <-ctx.Done():
				s.logger.Info("sweeper context cancelled")
				return
			}
		}
	}()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.config.Interval),
	)
}

// Stop stops the sweeper
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Sweep logs open review flags and crypto intents still waiting past expiry
func (s *Service) Sweep(ctx context.Context) Report {
	startTime := s.now()
	var report Report

	count, err := s.store.CountOpenReviewFlags(ctx)
	if err != nil {
		s.logger.Error("failed to count open review flags", zap.Error(err))
	} else if count > 0 {
		report.OpenReviewFlags = count

		flags, err := s.store.ListOpenReviewFlags(ctx, batchLimit)
		if err != nil {
			s.logger.Error("failed to list open review flags", zap.Error(err))
		}
		for _, f := range flags {
			s.logger.Warn("payment awaiting manual review",
				zap.Bool("reconciliation_gap", true),
				zap.String("provider", string(f.Provider)),
				zap.String("reference", f.Reference),
				zap.String("reason", f.Reason),
				zap.Duration("age", startTime.Sub(f.CreatedAt)),
			)
		}
	}

	intents, err := s.store.ListStaleWaitingIntents(ctx, startTime.Add(-s.config.Grace), batchLimit)
	if err != nil {
		s.logger.Error("failed to list stale intents", zap.Error(err))
	}
	report.StaleIntents = len(intents)
	for _, intent := range intents {
		s.logger.Warn("crypto intent still waiting past expiry",
			zap.String("intent_id", intent.ID.String()),
			zap.String("payment_id", intent.ProviderPaymentID),
			zap.Time("expires_at", intent.ExpiresAt),
		)
	}

	s.logger.Info("sweep complete",
		zap.Int("open_review_flags", report.OpenReviewFlags),
		zap.Int("stale_intents", report.StaleIntents),
		zap.Duration("duration", time.Since(startTime)),
	)

	return report
}

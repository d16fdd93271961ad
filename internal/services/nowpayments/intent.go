package nowpayments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/config"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/advisory"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultIntentTTL applies when the gateway gives no expiration estimate
const DefaultIntentTTL = 30 * time.Minute

// PaymentGateway is the subset of Client used to open charges
type PaymentGateway interface {
	HasAPIKey() bool
	MinAmount(ctx context.Context, currency string) (decimal.Decimal, error)
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error)
}

type IntentStore interface {
	CreatePaymentIntent(ctx context.Context, params *database.CreatePaymentIntentParams) (*models.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
}

// MinAmountCache is optional; a nil cache always asks the gateway
type MinAmountCache interface {
	Get(ctx context.Context, currency string) (decimal.Decimal, bool)
	Set(ctx context.Context, currency string, min decimal.Decimal)
}

// Alerter notifies operators about reconciliation gaps
type Alerter interface {
	SendOpsAlert(ctx context.Context, subject, body string) error
}

// IntentService creates crypto payment intents
type IntentService struct {
	gateway         PaymentGateway
	store           IntentStore
	minAmounts      MinAmountCache
	alerter         Alerter
	currencies      map[string]string
	callbackURL     string
	minCheckTimeout time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

func NewIntentService(
	cfg *config.Config,
	gateway PaymentGateway,
	store IntentStore,
	minAmounts MinAmountCache,
	alerter Alerter,
	logger *zap.Logger,
) *IntentService {
	return &IntentService{
		gateway:         gateway,
		store:           store,
		minAmounts:      minAmounts,
		alerter:         alerter,
		currencies:      cfg.NowPayments.Currencies,
		callbackURL:     cfg.BaseURL + "/payments/crypto/webhook",
		minCheckTimeout: cfg.NowPayments.MinCheckTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// CreateIntent validates the request, opens a charge at the gateway and
// persists it. Persistence happens only after the gateway succeeded; if it
// then fails, the caller still receives the deposit address.
func (s *IntentService) CreateIntent(ctx context.Context, userID uuid.UUID, req *models.CreateIntentRequest) (*models.IntentResponse, error) {
	if !req.Amount.IsPositive() {
		return nil, payerr.Invalid("amount must be greater than zero")
	}
	if !req.Purpose.Valid() {
		return nil, payerr.Invalid("unsupported purpose %q", req.Purpose)
	}
	code, ok := ResolveCurrency(s.currencies, req.Currency)
	if !ok {
		return nil, payerr.Invalid("unsupported currency %q", req.Currency)
	}
	if !s.gateway.HasAPIKey() {
		s.logger.Error("Crypto gateway API key not configured", zap.Bool("critical", true))
		return nil, payerr.NotConfigured(errors.New("NOWPAYMENTS_API_KEY is empty"))
	}

	if min, ok := s.minimum(ctx, code); ok && req.Amount.LessThan(min) {
		return nil, amountTooSmall(code, min, nil)
	}

	intentID := uuid.New()
	payment, err := s.gateway.CreatePayment(ctx, &CreatePaymentRequest{
		PriceAmount:      Amount(req.Amount),
		PriceCurrency:    "usd",
		PayCurrency:      code,
		OrderID:          intentID.String(),
		OrderDescription: string(req.Purpose),
		IPNCallbackURL:   s.callbackURL,
	})
	if err != nil {
		if CategoryOf(err) == CategoryAmountTooSmall {
			return nil, amountTooSmall(code, decimal.Zero, err)
		}
		s.logger.Error("Failed to create crypto payment",
			zap.String("currency", code),
			zap.String("category", CategoryOf(err).String()),
			zap.Error(err),
		)
		return nil, payerr.Upstream("payment provider unavailable", err)
	}

	expiresAt := s.now().Add(DefaultIntentTTL)
	if payment.ExpirationEstimateDate != nil && !payment.ExpirationEstimateDate.IsZero() {
		expiresAt = *payment.ExpirationEstimateDate
	}

	params := &database.CreatePaymentIntentParams{
		ID:                intentID,
		UserID:            userID,
		Purpose:           req.Purpose,
		PriceAmount:       req.Amount,
		PriceCurrency:     "usd",
		PayCurrency:       code,
		ProviderPaymentID: string(payment.PaymentID),
		PayAddress:        payment.PayAddress,
		PayAmount:         payment.PayAmount,
		Status:            models.CryptoStatusWaiting,
		Metadata:          req.Metadata,
		ExpiresAt:         expiresAt,
	}

	intent, err := s.store.CreatePaymentIntent(ctx, params)
	if err != nil {
		s.logger.Error("Payment created upstream but not persisted",
			zap.Bool("reconciliation_gap", true),
			zap.String("payment_id", params.ProviderPaymentID),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		advisory.Run(ctx, s.logger, "alert_unpersisted_intent", func(ctx context.Context) error {
			return s.alerter.SendOpsAlert(ctx,
				"Crypto payment not persisted",
				fmt.Sprintf("payment_id=%s user_id=%s amount=%s currency=%s: %v",
					params.ProviderPaymentID, userID, req.Amount, code, err),
			)
		}, zap.String("payment_id", params.ProviderPaymentID))

		unsaved := &models.PaymentIntent{
			ProviderPaymentID: params.ProviderPaymentID,
			PayAddress:        params.PayAddress,
			PayAmount:         params.PayAmount,
			PayCurrency:       code,
			Status:            models.CryptoStatusWaiting,
			ExpiresAt:         expiresAt,
		}
		return unsaved.ToResponse(), nil
	}

	s.logger.Info("Crypto payment intent created",
		zap.String("intent_id", intent.ID.String()),
		zap.String("payment_id", intent.ProviderPaymentID),
		zap.String("currency", code),
	)

	return intent.ToResponse(), nil
}

// GetIntent returns an intent owned by userID
func (s *IntentService) GetIntent(ctx context.Context, userID, intentID uuid.UUID) (*models.IntentResponse, error) {
	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, payerr.NotFound("payment intent")
		}
		return nil, payerr.Internal(err)
	}
	// Other users' intents are reported as missing
	if intent.UserID != userID {
		return nil, payerr.NotFound("payment intent")
	}
	return intent.ToResponse(), nil
}

// minimum returns the gateway minimum for code in USD. Any failure to learn
// it reports ok=false and the request proceeds.
func (s *IntentService) minimum(ctx context.Context, code string) (decimal.Decimal, bool) {
	if s.minAmounts != nil {
		if min, ok := s.minAmounts.Get(ctx, code); ok {
			return min, true
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.minCheckTimeout)
	defer cancel()

	min, err := s.gateway.MinAmount(checkCtx, code)
	if err != nil {
		s.logger.Warn("Minimum amount check failed, proceeding",
			zap.String("currency", code),
			zap.Error(err),
		)
		return decimal.Zero, false
	}

	if s.minAmounts != nil {
		s.minAmounts.Set(ctx, code, min)
	}
	return min, true
}

func amountTooSmall(code string, min decimal.Decimal, cause error) *payerr.Error {
	msg := fmt.Sprintf("amount is below the minimum for %s", code)
	if min.IsPositive() {
		msg = fmt.Sprintf("minimum amount for %s is $%s", code, min.StringFixed(2))
	}
	if code != SuggestedCurrency {
		msg += fmt.Sprintf("; try %s for a lower minimum", SuggestedCurrency)
	}
	return payerr.New(payerr.KindAmountTooSmall, msg, cause)
}

package cardgate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/config"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// billingPeriodDays is the recurring cycle length sent to the gateway
const billingPeriodDays = "30"

type SessionStore interface {
	CreatePaymentSession(ctx context.Context, params *database.CreatePaymentSessionParams) (*models.PaymentSession, error)
	GetPaymentSession(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error)
	GetPaymentSessionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.PaymentSession, error)
}

// SessionService creates redirect checkout sessions at the card gateway
type SessionService struct {
	store   SessionStore
	cfg     *config.FiatConfig
	baseURL string
	logger  *zap.Logger
}

func NewSessionService(cfg *config.Config, store SessionStore, logger *zap.Logger) *SessionService {
	return &SessionService{
		store:   store,
		cfg:     &cfg.Fiat,
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// CreateSession records a pending session and returns the gateway redirect URL.
// A repeated idempotency key returns the original session with Replay set.
func (s *SessionService) CreateSession(ctx context.Context, userID uuid.UUID, req *models.CreateSessionRequest) (*models.SessionResponse, error) {
	if !req.Purpose.Valid() {
		return nil, payerr.Invalid("unsupported purpose %q", req.Purpose)
	}
	if req.Amount.LessThan(s.cfg.MinAmount) || req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return nil, payerr.Invalid("amount must be between %s and %s", s.cfg.MinAmount.StringFixed(2), s.cfg.MaxAmount.StringFixed(2))
	}

	recurring := req.Recurring || req.Purpose == models.PurposeSubscription
	if err := s.checkConfigured(recurring); err != nil {
		s.logger.Error("Card gateway not configured", zap.Bool("critical", true), zap.Error(err))
		return nil, payerr.NotConfigured(err)
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := s.store.GetPaymentSessionByIdempotencyKey(ctx, userID, key)
		if err == nil {
			return s.replay(existing)
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, payerr.Internal(err)
		}
	}

	params := &database.CreatePaymentSessionParams{
		UserID:    userID,
		Purpose:   req.Purpose,
		Amount:    req.Amount.Round(2),
		Currency:  s.cfg.Currency,
		Recurring: recurring,
		Metadata:  req.Metadata,
	}
	if key != "" {
		params.IdempotencyKey = &key
	}

	session, err := s.store.CreatePaymentSession(ctx, params)
	if err != nil {
		// A concurrent request with the same key won the insert
		if key != "" && database.IsUniqueViolation(err) {
			winner, getErr := s.store.GetPaymentSessionByIdempotencyKey(ctx, userID, key)
			if getErr != nil {
				return nil, payerr.Internal(getErr)
			}
			return s.replay(winner)
		}
		return nil, payerr.Internal(err)
	}

	s.logger.Info("Card payment session created",
		zap.String("session_id", session.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Bool("recurring", recurring),
	)

	return &models.SessionResponse{
		SessionID:   session.ID.String(),
		RedirectURL: s.RedirectURL(session),
		Status:      session.Status,
	}, nil
}

// GetSession returns a session owned by userID
func (s *SessionService) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.SessionResponse, error) {
	session, err := s.store.GetPaymentSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, payerr.NotFound("payment session")
		}
		return nil, payerr.Internal(err)
	}
	if session.UserID != userID {
		return nil, payerr.NotFound("payment session")
	}

	resp := &models.SessionResponse{SessionID: session.ID.String(), Status: session.Status}
	if session.Status == models.SessionStatusPending {
		resp.RedirectURL = s.RedirectURL(session)
	}
	return resp, nil
}

func (s *SessionService) replay(session *models.PaymentSession) (*models.SessionResponse, error) {
	s.logger.Info("Replaying card payment session", zap.String("session_id", session.ID.String()))
	return &models.SessionResponse{
		SessionID:   session.ID.String(),
		RedirectURL: s.RedirectURL(session),
		Status:      session.Status,
		Replay:      true,
	}, nil
}

// RedirectURL builds the hosted checkout URL. Query keys are encoded in
// sorted order so the URL is stable for a given session.
func (s *SessionService) RedirectURL(session *models.PaymentSession) string {
	amount := session.Amount.StringFixed(2)
	sessionQuery := "?session_id=" + url.QueryEscape(session.ID.String())

	q := url.Values{}
	q.Set("amount", amount)
	q.Set("currency", session.Currency)
	q.Set("description", describe(session.Purpose))
	q.Set(fieldCustom, EncodeCustom(session.ID))
	q.Set("return_url", s.baseURL+"/payments/fiat/success"+sessionQuery)
	q.Set("cancel_url", s.baseURL+"/payments/fiat/cancel"+sessionQuery)

	if session.Recurring {
		q.Set("pi_code", s.cfg.PICodeRecurring)
		q.Set("initial_period", billingPeriodDays)
		q.Set("recurring_period", billingPeriodDays)
		q.Set("recurring_amount", amount)
	} else {
		q.Set("pi_code", s.cfg.PICodeOneTime)
	}

	return s.cfg.GatewayURL + "?" + q.Encode()
}

func (s *SessionService) checkConfigured(recurring bool) error {
	switch {
	case s.cfg.GatewayURL == "":
		return fmt.Errorf("FIAT_GATEWAY_URL is empty")
	case recurring && s.cfg.PICodeRecurring == "":
		return fmt.Errorf("FIAT_PI_CODE_RECURRING is empty")
	case !recurring && s.cfg.PICodeOneTime == "":
		return fmt.Errorf("FIAT_PI_CODE_ONETIME is empty")
	}
	return nil
}

// describe renders a purpose as a human title, e.g. "Pay Per View".
// Casers are stateful, so one is built per call.
func describe(purpose models.PaymentPurpose) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(purpose), "_", " "))
}

package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/config"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/advisory"
	"github.com/mooncorn/payrecon/internal/services/nowpayments"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"go.uber.org/zap"
)

// NoteCredentialsMissing is recorded when a crypto payout is approved for
// manual settlement because automated payouts are not configured.
const NoteCredentialsMissing = "crypto payout credentials not configured; settle manually"

// Gateway is the subset of the crypto gateway client used for payouts
type Gateway interface {
	HasAPIKey() bool
	HasPayoutCredentials() bool
	ValidateAddress(ctx context.Context, currency, address string) error
	Authenticate(ctx context.Context) (string, error)
	CreatePayout(ctx context.Context, token string, req *nowpayments.CreatePayoutRequest) (*nowpayments.PayoutResponse, error)
}

type Store interface {
	GetPayoutRequest(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	TransitionPayoutStatus(ctx context.Context, id uuid.UUID, from, to models.PayoutStatus, approvedBy *uuid.UUID) (bool, error)
	SetPayoutProviderIDs(ctx context.Context, id uuid.UUID, payoutID, withdrawalID string) error
	ApproveManualPayout(ctx context.Context, payoutID, approvedBy uuid.UUID, note string) (bool, error)
}

type Alerter interface {
	SendOpsAlert(ctx context.Context, subject, body string) error
}

// Service approves payout requests
type Service struct {
	gateway  Gateway
	store    Store
	alerter  Alerter
	currency string
	logger   *zap.Logger
}

func NewService(cfg *config.Config, gateway Gateway, store Store, alerter Alerter, logger *zap.Logger) *Service {
	return &Service{
		gateway:  gateway,
		store:    store,
		alerter:  alerter,
		currency: cfg.NowPayments.PayoutCurrency,
		logger:   logger,
	}
}

// Approve approves a pending payout. Manual payouts become a single ledger
// call. Crypto payouts are validated and submitted to the gateway with the
// payout id as the gateway-side idempotency key.
func (s *Service) Approve(ctx context.Context, caller *models.Caller, payoutID uuid.UUID) (*models.PayoutResponse, error) {
	if !caller.HasAnyRole(models.PayoutApproverRoles...) {
		return nil, payerr.Forbidden()
	}

	logger := s.logger.With(
		zap.String("payout_id", payoutID.String()),
		zap.String("approved_by", caller.UserID.String()),
	)

	payout, err := s.store.GetPayoutRequest(ctx, payoutID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, payerr.NotFound("payout request")
		}
		return nil, payerr.Internal(err)
	}
	if payout.Status != models.PayoutStatusPending {
		return nil, payerr.Conflict("payout request is %s", payout.Status)
	}

	if payout.Method != models.PayoutMethodCrypto {
		return s.approveManual(ctx, logger, payout, caller.UserID, "")
	}

	destination := ""
	if payout.Destination != nil {
		destination = strings.TrimSpace(*payout.Destination)
	}
	if destination == "" {
		return nil, payerr.Invalid("payout request has no destination address")
	}

	if !s.gateway.HasAPIKey() {
		logger.Error("Crypto gateway API key not configured", zap.Bool("critical", true))
		return nil, payerr.NotConfigured(errors.New("NOWPAYMENTS_API_KEY is empty"))
	}

	if err := s.gateway.ValidateAddress(ctx, s.currency, destination); err != nil {
		switch nowpayments.CategoryOf(err) {
		case nowpayments.CategoryUnavailable, nowpayments.CategoryTimeout, nowpayments.CategoryRateLimited, nowpayments.CategoryUnauthorized:
			return nil, payerr.Upstream("address validation unavailable", err)
		}
		logger.Info("Payout address rejected", zap.Error(err))
		return nil, payerr.New(payerr.KindInvalid, fmt.Sprintf("invalid %s payout address", s.currency), err)
	}

	if !s.gateway.HasPayoutCredentials() {
		logger.Warn("Payout credentials not configured, approving for manual settlement")
		return s.approveManual(ctx, logger, payout, caller.UserID, NoteCredentialsMissing)
	}

	token, err := s.gateway.Authenticate(ctx)
	if err != nil {
		logger.Error("Failed to authenticate with payout gateway", zap.Error(err))
		return nil, payerr.Upstream("payout provider unavailable", err)
	}

	approver := caller.UserID
	moved, err := s.store.TransitionPayoutStatus(ctx, payout.ID, models.PayoutStatusPending, models.PayoutStatusProcessing, &approver)
	if err != nil {
		return nil, payerr.Internal(err)
	}
	if !moved {
		return nil, payerr.Conflict("payout request is no longer pending")
	}

	resp, err := s.gateway.CreatePayout(ctx, token, &nowpayments.CreatePayoutRequest{
		Withdrawals: []nowpayments.Withdrawal{{
			Address:          destination,
			Currency:         s.currency,
			Amount:           nowpayments.Amount(payout.Amount),
			UniqueExternalID: payout.ID.String(),
		}},
	})
	if err != nil {
		category := nowpayments.CategoryOf(err)
		if category.Rejected() {
			logger.Error("Payout rejected by gateway", zap.String("category", category.String()), zap.Error(err))
			advisory.Run(ctx, logger, "mark_payout_failed", func(ctx context.Context) error {
				_, err := s.store.TransitionPayoutStatus(ctx, payout.ID, models.PayoutStatusProcessing, models.PayoutStatusFailed, nil)
				return err
			})
			return nil, payerr.Upstream("payout rejected by provider", err)
		}

		// The withdrawal may exist; the row stays processing until ops confirm it
		logger.Error("Payout outcome unknown",
			zap.Bool("reconciliation_gap", true),
			zap.String("category", category.String()),
			zap.Error(err),
		)
		advisory.Run(ctx, logger, "ops_alert", func(ctx context.Context) error {
			return s.alerter.SendOpsAlert(ctx, "Payout outcome unknown",
				fmt.Sprintf("payout_id=%s amount=%s %s destination=%s left processing after %s: %v",
					payout.ID, payout.Amount, s.currency, destination, category, err))
		})
		return nil, payerr.Upstream("payout provider unavailable", err)
	}

	res := advisory.Run(ctx, logger, "persist_payout_ids", func(ctx context.Context) error {
		return s.store.SetPayoutProviderIDs(ctx, payout.ID, resp.PayoutID(), resp.WithdrawalID())
	}, zap.String("provider_payout_id", resp.PayoutID()))
	if !res.OK() {
		advisory.Run(ctx, logger, "ops_alert", func(ctx context.Context) error {
			return s.alerter.SendOpsAlert(ctx, "Payout ids not persisted",
				fmt.Sprintf("payout_id=%s provider_payout_id=%s withdrawal_id=%s: %v",
					payout.ID, resp.PayoutID(), resp.WithdrawalID(), res.Err))
		})
	}

	logger.Info("Crypto payout submitted",
		zap.String("provider_payout_id", resp.PayoutID()),
		zap.String("withdrawal_id", resp.WithdrawalID()),
	)

	return &models.PayoutResponse{
		PayoutID:     resp.PayoutID(),
		WithdrawalID: resp.WithdrawalID(),
		Status:       models.PayoutStatusProcessing,
	}, nil
}

func (s *Service) approveManual(ctx context.Context, logger *zap.Logger, payout *models.PayoutRequest, approver uuid.UUID, note string) (*models.PayoutResponse, error) {
	applied, err := s.store.ApproveManualPayout(ctx, payout.ID, approver, note)
	if err != nil {
		logger.Error("Failed to approve manual payout", zap.Error(err))
		return nil, payerr.Internal(err)
	}
	if !applied {
		return nil, payerr.Conflict("payout request is no longer pending")
	}

	logger.Info("Payout approved for manual settlement", zap.String("method", string(payout.Method)))

	return &models.PayoutResponse{
		PayoutID: payout.ID.String(),
		Status:   models.PayoutStatusApproved,
		Note:     note,
	}, nil
}

package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
)

// Ledger operations are single atomic function calls. Each returns true when
// it applied the effect and false when the operation key was already applied.

// SettleCryptoPayment grants the effect of a settled crypto payment
func (db *DB) SettleCryptoPayment(ctx context.Context, paymentID string, status models.CryptoStatus) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx, `SELECT settle_crypto_payment($1, $2)`, paymentID, status).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to settle crypto payment: %w", err)
	}
	return applied, nil
}

// ActivateFiatPurchase grants the effect of an approved card purchase
func (db *DB) ActivateFiatPurchase(ctx context.Context, sessionID uuid.UUID, transactionID, subscriptionID string) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx,
		`SELECT activate_fiat_purchase($1, $2, NULLIF($3, ''))`,
		sessionID, transactionID, subscriptionID,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to activate fiat purchase: %w", err)
	}
	return applied, nil
}

// RenewSubscription extends a recurring subscription by one cycle
func (db *DB) RenewSubscription(ctx context.Context, subscriptionID, transactionID string, amount decimal.Decimal) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx,
		`SELECT renew_subscription($1, $2, $3)`,
		subscriptionID, transactionID, amount,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to renew subscription: %w", err)
	}
	return applied, nil
}

// CancelSubscription stops future renewals of a subscription
func (db *DB) CancelSubscription(ctx context.Context, subscriptionID, transactionID string) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx,
		`SELECT cancel_subscription($1, $2)`,
		subscriptionID, transactionID,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return applied, nil
}

// FlagForReview records a reversal that needs manual reconciliation
func (db *DB) FlagForReview(
	ctx context.Context,
	provider models.Provider,
	reference string,
	reason string,
	sessionID *uuid.UUID,
	transactionID string,
) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx,
		`SELECT flag_for_review($1, $2, $3, $4, NULLIF($5, ''))`,
		provider, reference, reason, sessionID, transactionID,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to flag for review: %w", err)
	}
	return applied, nil
}

// ApproveManualPayout approves a pending payout for out-of-band settlement
func (db *DB) ApproveManualPayout(ctx context.Context, payoutID, approvedBy uuid.UUID, note string) (bool, error) {
	var applied bool
	err := db.Pool.QueryRow(ctx,
		`SELECT approve_manual_payout($1, $2, NULLIF($3, ''))`,
		payoutID, approvedBy, note,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to approve manual payout: %w", err)
	}
	return applied, nil
}

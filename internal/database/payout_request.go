package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
)

const payoutRequestColumns = `
	id, payee_id, amount, currency, method, destination, status,
	provider_payout_id, provider_withdrawal_id, approved_by, note, created_at, updated_at
`

type CreatePayoutRequestParams struct {
	PayeeID     uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Method      models.PayoutMethod
	Destination *string
}

func scanPayoutRequest(row interface{ Scan(dest ...any) error }) (*models.PayoutRequest, error) {
	var p models.PayoutRequest
	err := row.Scan(
		&p.ID,
		&p.PayeeID,
		&p.Amount,
		&p.Currency,
		&p.Method,
		&p.Destination,
		&p.Status,
		&p.ProviderPayoutID,
		&p.ProviderWithdrawalID,
		&p.ApprovedBy,
		&p.Note,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayoutRequest inserts a pending payout request
func (db *DB) CreatePayoutRequest(ctx context.Context, params *CreatePayoutRequestParams) (*models.PayoutRequest, error) {
	query := `
		INSERT INTO payout_requests (payee_id, amount, currency, method, destination, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + payoutRequestColumns

	payout, err := scanPayoutRequest(db.Pool.QueryRow(ctx, query,
		params.PayeeID,
		params.Amount,
		params.Currency,
		params.Method,
		params.Destination,
		models.PayoutStatusPending,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	return payout, nil
}

// GetPayoutRequest retrieves a payout request by ID
func (db *DB) GetPayoutRequest(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	query := `SELECT ` + payoutRequestColumns + ` FROM payout_requests WHERE id = $1`

	payout, err := scanPayoutRequest(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get payout request: %w", notFound(err))
	}
	return payout, nil
}

// TransitionPayoutStatus atomically changes status only if the current status
// matches from. Returns true if the transition happened, false if the payout
// was already in a different state.
func (db *DB) TransitionPayoutStatus(
	ctx context.Context,
	id uuid.UUID,
	from models.PayoutStatus,
	to models.PayoutStatus,
	approvedBy *uuid.UUID,
) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $3, approved_by = COALESCE($4, approved_by), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	tag, err := db.Pool.Exec(ctx, query, id, from, to, approvedBy)
	if err != nil {
		return false, fmt.Errorf("failed to transition payout status: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// SetPayoutProviderIDs records the gateway identifiers of a submitted payout
func (db *DB) SetPayoutProviderIDs(ctx context.Context, id uuid.UUID, payoutID, withdrawalID string) error {
	query := `
		UPDATE payout_requests
		SET provider_payout_id = $2, provider_withdrawal_id = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`

	tag, err := db.Pool.Exec(ctx, query, id, payoutID, withdrawalID)
	if err != nil {
		return fmt.Errorf("failed to set payout provider ids: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to set payout provider ids: %w", ErrNotFound)
	}

	return nil
}

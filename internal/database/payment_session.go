package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
)

const paymentSessionColumns = `
	id, user_id, purpose, amount, currency, recurring, metadata, idempotency_key,
	status, provider_transaction_id, provider_subscription_id, created_at, updated_at
`

type CreatePaymentSessionParams struct {
	UserID         uuid.UUID
	Purpose        models.PaymentPurpose
	Amount         decimal.Decimal
	Currency       string
	Recurring      bool
	Metadata       json.RawMessage
	IdempotencyKey *string
}

func scanPaymentSession(row interface{ Scan(dest ...any) error }) (*models.PaymentSession, error) {
	var session models.PaymentSession
	var metadata []byte
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Purpose,
		&session.Amount,
		&session.Currency,
		&session.Recurring,
		&metadata,
		&session.IdempotencyKey,
		&session.Status,
		&session.ProviderTransactionID,
		&session.ProviderSubscriptionID,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Metadata = metadata
	return &session, nil
}

// CreatePaymentSession inserts a pending card checkout session. A duplicate
// (user, idempotency key) surfaces as a unique violation; see IsUniqueViolation.
func (db *DB) CreatePaymentSession(ctx context.Context, params *CreatePaymentSessionParams) (*models.PaymentSession, error) {
	query := `
		INSERT INTO payment_sessions (user_id, purpose, amount, currency, recurring, metadata, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb), $7, $8)
		RETURNING ` + paymentSessionColumns

	session, err := scanPaymentSession(db.Pool.QueryRow(ctx, query,
		params.UserID,
		params.Purpose,
		params.Amount,
		params.Currency,
		params.Recurring,
		nullableJSON(params.Metadata),
		params.IdempotencyKey,
		models.SessionStatusPending,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment session: %w", err)
	}

	return session, nil
}

// GetPaymentSession retrieves a session by ID
func (db *DB) GetPaymentSession(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	query := `SELECT ` + paymentSessionColumns + ` FROM payment_sessions WHERE id = $1`

	session, err := scanPaymentSession(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment session: %w", notFound(err))
	}
	return session, nil
}

// GetPaymentSessionByIdempotencyKey retrieves the session a user created with key
func (db *DB) GetPaymentSessionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.PaymentSession, error) {
	query := `SELECT ` + paymentSessionColumns + `
		FROM payment_sessions
		WHERE user_id = $1 AND idempotency_key = $2`

	session, err := scanPaymentSession(db.Pool.QueryRow(ctx, query, userID, key))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment session by idempotency key: %w", notFound(err))
	}
	return session, nil
}

// GetPaymentSessionByTransactionID retrieves a session by the gateway transaction ID
func (db *DB) GetPaymentSessionByTransactionID(ctx context.Context, transactionID string) (*models.PaymentSession, error) {
	query := `SELECT ` + paymentSessionColumns + `
		FROM payment_sessions
		WHERE provider_transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	session, err := scanPaymentSession(db.Pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment session by transaction id: %w", notFound(err))
	}
	return session, nil
}

// GetPaymentSessionBySubscriptionID retrieves the session that started a recurring subscription
func (db *DB) GetPaymentSessionBySubscriptionID(ctx context.Context, subscriptionID string) (*models.PaymentSession, error) {
	query := `SELECT ` + paymentSessionColumns + `
		FROM payment_sessions
		WHERE provider_subscription_id = $1
		ORDER BY created_at
		LIMIT 1`

	session, err := scanPaymentSession(db.Pool.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment session by subscription id: %w", notFound(err))
	}
	return session, nil
}

// TransitionSessionStatus atomically moves a session to status if it is
// currently in one of from. Provider IDs are recorded when not already set.
// Returns false if the session was not in an allowed state.
func (db *DB) TransitionSessionStatus(
	ctx context.Context,
	id uuid.UUID,
	from []models.SessionStatus,
	to models.SessionStatus,
	transactionID string,
	subscriptionID string,
) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE payment_sessions
		SET status = $2,
		    provider_transaction_id = COALESCE(provider_transaction_id, NULLIF($3, '')),
		    provider_subscription_id = COALESCE(provider_subscription_id, NULLIF($4, '')),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`

	tag, err := db.Pool.Exec(ctx, query, id, to, transactionID, subscriptionID, allowed)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment session status: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

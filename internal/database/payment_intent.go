package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
)

const paymentIntentColumns = `
	id, user_id, purpose, price_amount, price_currency, pay_currency,
	provider_payment_id, pay_address, pay_amount, actually_paid, status,
	metadata, expires_at, created_at, updated_at
`

type CreatePaymentIntentParams struct {
	// ID doubles as the gateway order_id; generated when zero
	ID                uuid.UUID
	UserID            uuid.UUID
	Purpose           models.PaymentPurpose
	PriceAmount       decimal.Decimal
	PriceCurrency     string
	PayCurrency       string
	ProviderPaymentID string
	PayAddress        string
	PayAmount         decimal.Decimal
	Status            models.CryptoStatus
	Metadata          json.RawMessage
	ExpiresAt         time.Time
}

func scanPaymentIntent(row interface{ Scan(dest ...any) error }) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	var metadata []byte
	err := row.Scan(
		&intent.ID,
		&intent.UserID,
		&intent.Purpose,
		&intent.PriceAmount,
		&intent.PriceCurrency,
		&intent.PayCurrency,
		&intent.ProviderPaymentID,
		&intent.PayAddress,
		&intent.PayAmount,
		&intent.ActuallyPaid,
		&intent.Status,
		&metadata,
		&intent.ExpiresAt,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	intent.Metadata = metadata
	return &intent, nil
}

// CreatePaymentIntent inserts a crypto payment intent after the gateway created the charge
func (db *DB) CreatePaymentIntent(ctx context.Context, params *CreatePaymentIntentParams) (*models.PaymentIntent, error) {
	query := `
		INSERT INTO payment_intents (
			id, user_id, purpose, price_amount, price_currency, pay_currency,
			provider_payment_id, pay_address, pay_amount, status, metadata, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::jsonb, '{}'::jsonb), $12)
		RETURNING ` + paymentIntentColumns

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	intent, err := scanPaymentIntent(db.Pool.QueryRow(ctx, query,
		id,
		params.UserID,
		params.Purpose,
		params.PriceAmount,
		params.PriceCurrency,
		params.PayCurrency,
		params.ProviderPaymentID,
		params.PayAddress,
		params.PayAmount,
		params.Status,
		nullableJSON(params.Metadata),
		params.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return intent, nil
}

// GetPaymentIntent retrieves an intent by internal ID
func (db *DB) GetPaymentIntent(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	query := `SELECT ` + paymentIntentColumns + ` FROM payment_intents WHERE id = $1`

	intent, err := scanPaymentIntent(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", notFound(err))
	}
	return intent, nil
}

// GetPaymentIntentByProviderID retrieves an intent by the gateway-assigned payment ID
func (db *DB) GetPaymentIntentByProviderID(ctx context.Context, providerPaymentID string) (*models.PaymentIntent, error) {
	query := `SELECT ` + paymentIntentColumns + ` FROM payment_intents WHERE provider_payment_id = $1`

	intent, err := scanPaymentIntent(db.Pool.QueryRow(ctx, query, providerPaymentID))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent by provider id: %w", notFound(err))
	}
	return intent, nil
}

// TransitionPaymentIntentStatus atomically moves an intent to status if its
// current status is one of the allowed predecessors. Returns false when the
// row was not in an allowed state, which makes stale or duplicate updates no-ops.
func (db *DB) TransitionPaymentIntentStatus(
	ctx context.Context,
	providerPaymentID string,
	status models.CryptoStatus,
	actuallyPaid decimal.Decimal,
) (bool, error) {
	from := models.CryptoPredecessors(status)
	if len(from) == 0 {
		return false, nil
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE payment_intents
		SET status = $2,
		    actually_paid = GREATEST(actually_paid, $3),
		    updated_at = NOW()
		WHERE provider_payment_id = $1 AND status = ANY($4)
	`

	tag, err := db.Pool.Exec(ctx, query, providerPaymentID, status, actuallyPaid, allowed)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment intent status: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListStaleWaitingIntents returns intents still waiting after their expiry
func (db *DB) ListStaleWaitingIntents(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentIntent, error) {
	query := `
		SELECT ` + paymentIntentColumns + `
		FROM payment_intents
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`

	rows, err := db.Pool.Query(ctx, query, models.CryptoStatusWaiting, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale intents: %w", err)
	}
	defer rows.Close()

	var intents []models.PaymentIntent
	for rows.Next() {
		intent, err := scanPaymentIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment intent: %w", err)
		}
		intents = append(intents, *intent)
	}

	return intents, rows.Err()
}

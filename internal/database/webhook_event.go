package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mooncorn/payrecon/internal/models"
)

// webhookClaimTTL is how long a "processing" claim blocks redelivery before
// it is treated as abandoned by a crashed worker.
const webhookClaimTTL = 5 * time.Minute

// ClaimWebhookEvent records the event as processing and reports whether
// this caller owns it. A new event or a previously failed one is claimed;
// a completed event, or one currently being processed, is not.
func (db *DB) ClaimWebhookEvent(
	ctx context.Context,
	provider models.Provider,
	eventKey string,
	eventType string,
	payload json.RawMessage,
) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider, event_key, event_type, status, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_key) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = NULL,
		    payload = EXCLUDED.payload,
		    updated_at = NOW()
		WHERE webhook_events.status = $6
		   OR (webhook_events.status = $4 AND webhook_events.updated_at < $7)
		RETURNING id
	`

	rows, err := db.Pool.Query(ctx, query,
		provider,
		eventKey,
		eventType,
		models.WebhookStatusProcessing,
		nullableJSON(payload),
		models.WebhookStatusFailed,
		time.Now().Add(-webhookClaimTTL),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	defer rows.Close()

	claimed := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}

	return claimed, nil
}

// GetWebhookEvent retrieves a webhook event by provider and event key
func (db *DB) GetWebhookEvent(ctx context.Context, provider models.Provider, eventKey string) (*models.WebhookEventRecord, error) {
	query := `
		SELECT id, provider, event_key, event_type, status, error_message, payload, processed_at, created_at
		FROM webhook_events
		WHERE provider = $1 AND event_key = $2
	`

	event := &models.WebhookEventRecord{}
	var payload []byte

	err := db.Pool.QueryRow(ctx, query, provider, eventKey).Scan(
		&event.ID, &event.Provider, &event.EventKey, &event.EventType, &event.Status,
		&event.ErrorMessage, &payload, &event.ProcessedAt, &event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", notFound(err))
	}
	event.Payload = payload

	return event, nil
}

// UpdateWebhookEventStatus records the outcome of processing an event
func (db *DB) UpdateWebhookEventStatus(
	ctx context.Context,
	provider models.Provider,
	eventKey string,
	status models.WebhookStatus,
	errorMessage *string,
) error {
	query := `
		UPDATE webhook_events
		SET status = $1, error_message = $2, processed_at = NOW(), updated_at = NOW()
		WHERE provider = $3 AND event_key = $4
	`

	_, err := db.Pool.Exec(ctx, query, status, errorMessage, provider, eventKey)
	if err != nil {
		return fmt.Errorf("failed to update webhook event status: %w", err)
	}

	return nil
}

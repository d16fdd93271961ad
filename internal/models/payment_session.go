package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SessionStatus string

// PaymentSession status constants
const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusRefunded  SessionStatus = "refunded"
)

// PaymentSession is a redirect-based card checkout
type PaymentSession struct {
	ID                     uuid.UUID       `json:"id"`
	UserID                 uuid.UUID       `json:"user_id"`
	Purpose                PaymentPurpose  `json:"purpose"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	Recurring              bool            `json:"recurring"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey         *string         `json:"idempotency_key,omitempty"`
	Status                 SessionStatus   `json:"status"`
	ProviderTransactionID  *string         `json:"provider_transaction_id,omitempty"`
	ProviderSubscriptionID *string         `json:"provider_subscription_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// CreateSessionRequest is the payload for creating a card checkout session
type CreateSessionRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Purpose        PaymentPurpose  `json:"purpose" binding:"required"`
	Recurring      bool            `json:"recurring"`
	IdempotencyKey string          `json:"idempotencyKey" binding:"omitempty,max=128"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// SessionResponse is returned after creating or replaying a session
type SessionResponse struct {
	SessionID   string        `json:"sessionId"`
	RedirectURL string        `json:"redirectUrl"`
	Status      SessionStatus `json:"status,omitempty"`
	Replay      bool          `json:"replay,omitempty"`
}

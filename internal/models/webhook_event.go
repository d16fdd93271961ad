package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider identifies the gateway that sent a webhook
type Provider string

const (
	ProviderNowPayments Provider = "nowpayments"
	ProviderCardGate    Provider = "cardgate"
)

// Event is a normalized, authenticated webhook notification.
// It is implemented by CryptoEvent and FiatEvent only.
type Event interface {
	Provider() Provider
	// EventKey identifies one real-world state change for deduplication
	EventKey() string
	EventType() string
	Payload() json.RawMessage
	isEvent()
}

// CryptoEvent is a payment status notification from the crypto gateway
type CryptoEvent struct {
	PaymentID    string
	OrderID      string
	Status       CryptoStatus
	PayAmount    decimal.Decimal
	ActuallyPaid decimal.Decimal
	PayCurrency  string
	Raw          json.RawMessage
}

func (e *CryptoEvent) Provider() Provider       { return ProviderNowPayments }
func (e *CryptoEvent) EventKey() string         { return e.PaymentID + ":" + string(e.Status) }
func (e *CryptoEvent) EventType() string        { return "payment." + string(e.Status) }
func (e *CryptoEvent) Payload() json.RawMessage { return e.Raw }
func (e *CryptoEvent) isEvent()                 {}

// FiatAction is the card gateway's postback vocabulary
type FiatAction string

const (
	FiatActionPurchase   FiatAction = "purchase"
	FiatActionRebill     FiatAction = "rebill"
	FiatActionCancel     FiatAction = "cancel"
	FiatActionRefund     FiatAction = "refund"
	FiatActionChargeback FiatAction = "chargeback"
)

// Valid reports whether a is a recognized action
func (a FiatAction) Valid() bool {
	switch a {
	case FiatActionPurchase, FiatActionRebill, FiatActionCancel, FiatActionRefund, FiatActionChargeback:
		return true
	}
	return false
}

// FiatEvent is a postback from the card gateway
type FiatEvent struct {
	Action         FiatAction
	Approved       bool
	TransactionID  string
	SubscriptionID string
	// SessionID is round-tripped through the gateway's opaque custom field
	SessionID *uuid.UUID
	Amount    decimal.Decimal
	Currency  string
	Raw       json.RawMessage
}

func (e *FiatEvent) Provider() Provider { return ProviderCardGate }
func (e *FiatEvent) EventKey() string {
	return e.TransactionID + ":" + string(e.Action)
}
func (e *FiatEvent) EventType() string        { return string(e.Action) }
func (e *FiatEvent) Payload() json.RawMessage { return e.Raw }
func (e *FiatEvent) isEvent()                 {}

type WebhookStatus string

// WebhookEventRecord status constants
const (
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusCompleted  WebhookStatus = "completed"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// WebhookEventRecord is the persisted audit row for a processed webhook
type WebhookEventRecord struct {
	ID           uuid.UUID       `json:"id"`
	Provider     Provider        `json:"provider"`
	EventKey     string          `json:"event_key"`
	EventType    string          `json:"event_type"`
	Status       WebhookStatus   `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ReviewFlag marks a payment that needs manual reconciliation
type ReviewFlag struct {
	ID            uuid.UUID  `json:"id"`
	Provider      Provider   `json:"provider"`
	Reference     string     `json:"reference"`
	Reason        string     `json:"reason"`
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	TransactionID *string    `json:"transaction_id,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

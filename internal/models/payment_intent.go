package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentPurpose is what a payment pays for
type PaymentPurpose string

const (
	PurposeSubscription        PaymentPurpose = "subscription"
	PurposeTip                 PaymentPurpose = "tip"
	PurposePayPerView          PaymentPurpose = "pay_per_view"
	PurposeMessageUnlock       PaymentPurpose = "message_unlock"
	PurposePaymentRequest      PaymentPurpose = "payment_request"
	PurposePremiumSubscription PaymentPurpose = "premium_subscription"
	PurposeCustomRequest       PaymentPurpose = "custom_request"
)

var validPurposes = map[PaymentPurpose]struct{}{
	PurposeSubscription:        {},
	PurposeTip:                 {},
	PurposePayPerView:          {},
	PurposeMessageUnlock:       {},
	PurposePaymentRequest:      {},
	PurposePremiumSubscription: {},
	PurposeCustomRequest:       {},
}

// Valid reports whether p is one of the recognized purposes
func (p PaymentPurpose) Valid() bool {
	_, ok := validPurposes[p]
	return ok
}

// CryptoStatus is the lifecycle status of a crypto payment intent.
// Values mirror the gateway's payment_status vocabulary.
type CryptoStatus string

const (
	CryptoStatusWaiting       CryptoStatus = "waiting"
	CryptoStatusConfirming    CryptoStatus = "confirming"
	CryptoStatusPartiallyPaid CryptoStatus = "partially_paid"
	CryptoStatusConfirmed     CryptoStatus = "confirmed"
	CryptoStatusSending       CryptoStatus = "sending"
	CryptoStatusFinished      CryptoStatus = "finished"
	CryptoStatusFailed        CryptoStatus = "failed"
	CryptoStatusExpired       CryptoStatus = "expired"
	CryptoStatusRefunded      CryptoStatus = "refunded"
)

// cryptoStatusRank orders the success path. Terminal statuses share the top rank.
var cryptoStatusRank = map[CryptoStatus]int{
	CryptoStatusWaiting:       0,
	CryptoStatusConfirming:    1,
	CryptoStatusPartiallyPaid: 2,
	CryptoStatusConfirmed:     3,
	CryptoStatusSending:       4,
	CryptoStatusFinished:      5,
	CryptoStatusFailed:        5,
	CryptoStatusExpired:       5,
	CryptoStatusRefunded:      5,
}

// Known reports whether s is part of the gateway vocabulary
func (s CryptoStatus) Known() bool {
	_, ok := cryptoStatusRank[s]
	return ok
}

// Terminal reports whether no further transition may leave s
func (s CryptoStatus) Terminal() bool {
	switch s {
	case CryptoStatusFinished, CryptoStatusFailed, CryptoStatusExpired, CryptoStatusRefunded:
		return true
	}
	return false
}

// Settles reports whether a reported status triggers settlement
func (s CryptoStatus) Settles() bool {
	return s == CryptoStatusConfirmed || s == CryptoStatusFinished
}

// HasSettled reports whether an intent in status s has passed the settlement point
func (s CryptoStatus) HasSettled() bool {
	switch s {
	case CryptoStatusConfirmed, CryptoStatusSending, CryptoStatusFinished:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a forward transition
func (s CryptoStatus) CanTransitionTo(next CryptoStatus) bool {
	if s.Terminal() || !next.Known() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return cryptoStatusRank[next] > cryptoStatusRank[s]
}

// CryptoPredecessors returns every status from which next may be reached.
// Used as the allowed-from set of an atomic status update.
func CryptoPredecessors(next CryptoStatus) []CryptoStatus {
	var from []CryptoStatus
	for s := range cryptoStatusRank {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// PaymentIntent is a single cryptocurrency charge
type PaymentIntent struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Purpose           PaymentPurpose  `json:"purpose"`
	PriceAmount       decimal.Decimal `json:"price_amount"`
	PriceCurrency     string          `json:"price_currency"`
	PayCurrency       string          `json:"pay_currency"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	PayAddress        string          `json:"pay_address"`
	PayAmount         decimal.Decimal `json:"pay_amount"`
	ActuallyPaid      decimal.Decimal `json:"actually_paid"`
	Status            CryptoStatus    `json:"status"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CreateIntentRequest is the payload for creating a crypto payment intent
type CreateIntentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"required,max=20"`
	Purpose  PaymentPurpose  `json:"purpose" binding:"required"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// IntentResponse is returned to the caller after creating or reading an intent
type IntentResponse struct {
	IntentID       string          `json:"intentId"`
	PaymentID      string          `json:"paymentId"`
	DepositAddress string          `json:"depositAddress"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         CryptoStatus    `json:"status"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// ToResponse converts the intent into its API shape
func (p *PaymentIntent) ToResponse() *IntentResponse {
	resp := &IntentResponse{
		PaymentID:      p.ProviderPaymentID,
		DepositAddress: p.PayAddress,
		Amount:         p.PayAmount,
		Currency:       p.PayCurrency,
		Status:         p.Status,
		ExpiresAt:      p.ExpiresAt,
	}
	if p.ID != uuid.Nil {
		resp.IntentID = p.ID.String()
	}
	return resp
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PayoutMethod string

const (
	PayoutMethodCrypto PayoutMethod = "crypto"
	PayoutMethodManual PayoutMethod = "manual"
)

type PayoutStatus string

// PayoutRequest status constants
const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusApproved   PayoutStatus = "approved"
	PayoutStatusRejected   PayoutStatus = "rejected"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// PayoutRequest is an outbound transfer to a creator
type PayoutRequest struct {
	ID                   uuid.UUID       `json:"id"`
	PayeeID              uuid.UUID       `json:"payee_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Method               PayoutMethod    `json:"method"`
	Destination          *string         `json:"destination,omitempty"`
	Status               PayoutStatus    `json:"status"`
	ProviderPayoutID     *string         `json:"provider_payout_id,omitempty"`
	ProviderWithdrawalID *string         `json:"provider_withdrawal_id,omitempty"`
	ApprovedBy           *uuid.UUID      `json:"approved_by,omitempty"`
	Note                 *string         `json:"note,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ApprovePayoutRequest is the payload for approving a payout
type ApprovePayoutRequest struct {
	PayoutRequestID string `json:"payoutRequestId" binding:"required,uuid"`
}

// PayoutResponse is returned after approving a payout
type PayoutResponse struct {
	PayoutID     string       `json:"payoutId"`
	WithdrawalID string       `json:"withdrawalId,omitempty"`
	Status       PayoutStatus `json:"status"`
	Note         string       `json:"note,omitempty"`
}

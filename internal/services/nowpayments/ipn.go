package nowpayments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
)

// ErrMalformedIPN is returned when an authenticated payload cannot be normalized
var ErrMalformedIPN = errors.New("malformed ipn payload")

type ipnPayload struct {
	PaymentID     flexString       `json:"payment_id"`
	OrderID       flexString       `json:"order_id"`
	PaymentStatus string           `json:"payment_status"`
	PayAmount     *decimal.Decimal `json:"pay_amount"`
	ActuallyPaid  *decimal.Decimal `json:"actually_paid"`
	PayCurrency   string           `json:"pay_currency"`
}

// ParseIPN normalizes an authenticated payment notification
func ParseIPN(body []byte) (*models.CryptoEvent, error) {
	var p ipnPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIPN, err)
	}

	paymentID := strings.TrimSpace(string(p.PaymentID))
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment_id missing", ErrMalformedIPN)
	}

	status := models.CryptoStatus(strings.ToLower(strings.TrimSpace(p.PaymentStatus)))
	if !status.Known() {
		return nil, fmt.Errorf("%w: unknown payment_status %q", ErrMalformedIPN, p.PaymentStatus)
	}

	event := &models.CryptoEvent{
		PaymentID:   paymentID,
		OrderID:     strings.TrimSpace(string(p.OrderID)),
		Status:      status,
		PayCurrency: strings.ToLower(p.PayCurrency),
		Raw:         json.RawMessage(body),
	}
	if p.PayAmount != nil {
		event.PayAmount = *p.PayAmount
	}
	if p.ActuallyPaid != nil {
		event.ActuallyPaid = *p.ActuallyPaid
	}

	return event, nil
}

package cardgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
)

// ErrMalformedPostback is returned when an authenticated postback cannot be normalized
var ErrMalformedPostback = errors.New("malformed postback")

// Postback field names
const (
	fieldAction         = "action"
	fieldStatus         = "status"
	fieldTransactionID  = "tranid"
	fieldAmount         = "amount"
	fieldCurrency       = "currency"
	fieldCustom         = "x-custom"
	fieldSubscriptionID = "subscription_id"
)

// customPayload is round-tripped through the gateway's opaque x-custom field
type customPayload struct {
	SessionID string `json:"session_id"`
}

// EncodeCustom builds the x-custom value for a session
func EncodeCustom(sessionID uuid.UUID) string {
	data, _ := json.Marshal(customPayload{SessionID: sessionID.String()})
	return string(data)
}

// ParseNotification normalizes an authenticated postback
func ParseNotification(fields url.Values) (*models.FiatEvent, error) {
	action := models.FiatAction(strings.ToLower(strings.TrimSpace(fields.Get(fieldAction))))
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedPostback, fields.Get(fieldAction))
	}

	tranID := strings.TrimSpace(fields.Get(fieldTransactionID))
	if tranID == "" {
		return nil, fmt.Errorf("%w: tranid missing", ErrMalformedPostback)
	}

	event := &models.FiatEvent{
		Action:         action,
		Approved:       approved(fields.Get(fieldStatus)),
		TransactionID:  tranID,
		SubscriptionID: strings.TrimSpace(fields.Get(fieldSubscriptionID)),
		Currency:       strings.ToUpper(strings.TrimSpace(fields.Get(fieldCurrency))),
	}

	if raw := strings.TrimSpace(fields.Get(fieldAmount)); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid amount %q", ErrMalformedPostback, raw)
		}
		event.Amount = amount
	}

	if raw := strings.TrimSpace(fields.Get(fieldCustom)); raw != "" {
		var custom customPayload
		if err := json.Unmarshal([]byte(raw), &custom); err == nil && custom.SessionID != "" {
			if id, err := uuid.Parse(custom.SessionID); err == nil {
				event.SessionID = &id
			}
		}
	}

	if action == models.FiatActionPurchase && event.SessionID == nil {
		return nil, fmt.Errorf("%w: purchase without session reference", ErrMalformedPostback)
	}

	flat := make(map[string]string, len(fields))
	for k := range fields {
		if k == digestField {
			continue
		}
		flat[k] = fields.Get(k)
	}
	event.Raw, _ = json.Marshal(flat)

	return event, nil
}

func approved(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "1", "approved", "success", "ok":
		return true
	}
	return false
}

package nowpayments

import (
	"testing"

	"github.com/mooncorn/payrecon/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPN(t *testing.T) {
	body := []byte(`{
		"payment_id": 5077125051,
		"order_id": "0f8fad5b-d9cb-469f-a165-70867728950e",
		"payment_status": "Finished",
		"pay_amount": 25.1,
		"actually_paid": "25.10",
		"pay_currency": "USDTTRC20"
	}`)

	event, err := ParseIPN(body)
	require.NoError(t, err)

	assert.Equal(t, "5077125051", event.PaymentID)
	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", event.OrderID)
	assert.Equal(t, models.CryptoStatusFinished, event.Status)
	assert.True(t, decimal.RequireFromString("25.1").Equal(event.PayAmount))
	assert.True(t, decimal.RequireFromString("25.1").Equal(event.ActuallyPaid))
	assert.Equal(t, "usdttrc20", event.PayCurrency)
	assert.Equal(t, "5077125051:finished", event.EventKey())
	assert.Equal(t, models.ProviderNowPayments, event.Provider())
}

func TestParseIPN_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"missing id":     `{"payment_status":"finished"}`,
		"unknown status": `{"payment_id":"1","payment_status":"teleported"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIPN([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedIPN)
		})
	}
}

package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mooncorn/payrecon/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// Client talks to the crypto gateway REST API
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	email      string
	password   string
	logger     *zap.Logger
}

func NewClient(cfg *config.NowPaymentsConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		email:      cfg.PayoutEmail,
		password:   cfg.PayoutPassword,
		logger:     logger,
	}
}

// HasAPIKey reports whether charge endpoints can be called
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// HasPayoutCredentials reports whether the payout auth flow can run
func (c *Client) HasPayoutCredentials() bool { return c.email != "" && c.password != "" }

// flexString accepts both JSON strings and numbers. The gateway is not
// consistent about the type of identifiers across endpoints.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type MinAmountResponse struct {
	CurrencyFrom   string          `json:"currency_from"`
	CurrencyTo     string          `json:"currency_to"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	FiatEquivalent decimal.Decimal `json:"fiat_equivalent"`
}

// MinAmount returns the smallest payable amount for currency, expressed in USD
func (c *Client) MinAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/min-amount?currency_from=usd&currency_to=%s&fiat_equivalent=usd", currency)

	var resp MinAmountResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.FiatEquivalent, nil
}

// Amount renders a decimal as an exact JSON number
func Amount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

type CreatePaymentRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayCurrency      string      `json:"pay_currency"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description,omitempty"`
	IPNCallbackURL   string      `json:"ipn_callback_url,omitempty"`
}

type PaymentResponse struct {
	PaymentID              flexString      `json:"payment_id"`
	PaymentStatus          string          `json:"payment_status"`
	PayAddress             string          `json:"pay_address"`
	PayAmount              decimal.Decimal `json:"pay_amount"`
	PayCurrency            string          `json:"pay_currency"`
	PriceAmount            decimal.Decimal `json:"price_amount"`
	OrderID                string          `json:"order_id"`
	ExpirationEstimateDate *time.Time      `json:"expiration_estimate_date"`
}

// CreatePayment opens a charge with a deposit address
func (c *Client) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error) {
	var resp PaymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payment", "", req, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentID == "" || resp.PayAddress == "" {
		return nil, &APIError{Category: CategoryUnavailable, Message: "payment response missing id or address"}
	}
	return &resp, nil
}

// Authenticate exchanges payout credentials for a short-lived bearer token
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	body := map[string]string{"email": c.email, "password": c.password}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth", "", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &APIError{Category: CategoryUnauthorized, Message: "auth response missing token"}
	}
	return resp.Token, nil
}

// ValidateAddress checks that address can receive currency
func (c *Client) ValidateAddress(ctx context.Context, currency, address string) error {
	body := map[string]string{"address": address, "currency": currency}
	return c.do(ctx, http.MethodPost, "/v1/payout/validate-address", "", body, nil)
}

type Withdrawal struct {
	Address          string      `json:"address"`
	Currency         string      `json:"currency"`
	Amount           json.Number `json:"amount"`
	UniqueExternalID string      `json:"unique_external_id,omitempty"`
}

type CreatePayoutRequest struct {
	IPNCallbackURL string       `json:"ipn_callback_url,omitempty"`
	Withdrawals    []Withdrawal `json:"withdrawals"`
}

type PayoutResponse struct {
	ID          flexString `json:"id"`
	Withdrawals []struct {
		ID     flexString `json:"id"`
		Status string     `json:"status"`
	} `json:"withdrawals"`
}

// PayoutID returns the batch identifier
func (r *PayoutResponse) PayoutID() string { return string(r.ID) }

// WithdrawalID returns the first withdrawal identifier, if any
func (r *PayoutResponse) WithdrawalID() string {
	if len(r.Withdrawals) == 0 {
		return ""
	}
	return string(r.Withdrawals[0].ID)
}

// CreatePayout submits a payout batch using a token from Authenticate
func (c *Client) CreatePayout(ctx context.Context, token string, req *CreatePayoutRequest) (*PayoutResponse, error) {
	var resp PayoutResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payout", token, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &APIError{Category: CategoryUnavailable, Message: "payout response missing id"}
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		apiErr := &APIError{
			Category:   classifyStatus(resp.StatusCode, eb),
			StatusCode: resp.StatusCode,
			Code:       eb.Code,
			Message:    eb.Message,
		}
		c.logger.Warn("Gateway request failed",
			zap.String("method", method),
			zap.String("path", strings.SplitN(path, "?", 2)[0]),
			zap.Int("status", resp.StatusCode),
			zap.String("category", apiErr.Category.String()),
			zap.String("code", eb.Code),
		)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Category: CategoryUnavailable, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

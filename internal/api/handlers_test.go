package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/auth"
	"github.com/mooncorn/payrecon/internal/services/broadcast"
	"github.com/mooncorn/payrecon/internal/services/cardgate"
	"github.com/mooncorn/payrecon/internal/services/nowpayments"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"github.com/mooncorn/payrecon/internal/services/reconciler"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret  = "handler-test-secret-0123"
	testIPNSecret  = "ipn-secret"
	testFiatSecret = "fiat-secret"
)

type recordingApplier struct {
	mu      sync.Mutex
	events  []models.Event
	outcome reconciler.Outcome
}

func (a *recordingApplier) Apply(ctx context.Context, event models.Event) reconciler.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	if a.outcome == "" {
		return reconciler.Result{Outcome: reconciler.OutcomeApplied}
	}
	return reconciler.Result{Outcome: a.outcome}
}

type stubIntents struct {
	lastUser uuid.UUID
	err      error
}

func (s *stubIntents) CreateIntent(ctx context.Context, userID uuid.UUID, req *models.CreateIntentRequest) (*models.IntentResponse, error) {
	s.lastUser = userID
	if s.err != nil {
		return nil, s.err
	}
	return &models.IntentResponse{
		IntentID:       uuid.NewString(),
		PaymentID:      "5077125051",
		DepositAddress: "TDeposit",
		Amount:         decimal.RequireFromString("25.1"),
		Currency:       "usdttrc20",
		Status:         models.CryptoStatusWaiting,
		ExpiresAt:      time.Now().Add(30 * time.Minute),
	}, nil
}

func (s *stubIntents) GetIntent(ctx context.Context, userID, intentID uuid.UUID) (*models.IntentResponse, error) {
	return nil, payerr.NotFound("payment intent")
}

type stubPayouts struct{}

func (stubPayouts) Approve(ctx context.Context, caller *models.Caller, payoutID uuid.UUID) (*models.PayoutResponse, error) {
	if !caller.HasAnyRole(models.PayoutApproverRoles...) {
		return nil, payerr.Forbidden()
	}
	return &models.PayoutResponse{PayoutID: payoutID.String(), Status: models.PayoutStatusApproved}, nil
}

type stubSessions struct{}

func (stubSessions) CreateSession(ctx context.Context, userID uuid.UUID, req *models.CreateSessionRequest) (*models.SessionResponse, error) {
	return &models.SessionResponse{SessionID: uuid.NewString(), RedirectURL: "https://gateway.example.com/pay", Replay: req.IdempotencyKey == "seen"}, nil
}

func (stubSessions) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.SessionResponse, error) {
	return nil, payerr.NotFound("payment session")
}

type stubReviews struct {
	flags []models.ReviewFlag
}

func (s *stubReviews) ListOpenReviewFlags(ctx context.Context, limit int) ([]models.ReviewFlag, error) {
	return s.flags, nil
}

func (s *stubReviews) CountOpenReviewFlags(ctx context.Context) (int, error) {
	return len(s.flags), nil
}

type testServer struct {
	router  *gin.Engine
	applier *recordingApplier
	intents *stubIntents
	tokens  *auth.Service
	hub     *broadcast.Hub
}

func newTestServer(t *testing.T, ipnSecret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	applier := &recordingApplier{}
	intents := &stubIntents{}
	tokens := auth.NewService(testJWTSecret)

	reviews := &stubReviews{flags: []models.ReviewFlag{
		{ID: uuid.New(), Provider: models.ProviderCardGate, Reference: "T-1", Reason: "chargeback"},
	}}
	verifier := cardgate.NewVerifier(testFiatSecret, []string{"203.0.113."}, logger)
	hub := broadcast.NewHub(logger)

	h := &Handlers{
		Crypto: NewCryptoHandler(intents, stubPayouts{}, applier, ipnSecret, logger),
		Fiat:   NewFiatHandler(stubSessions{}, verifier, applier, logger),
		Admin:  NewAdminHandler(reviews, logger),
		Events: NewEventsHandler(hub, logger),
		Tokens: tokens,
		Logger: logger,
	}

	r, err := NewEngine(nil)
	require.NoError(t, err)
	h.RegisterRoutes(r)
	return &testServer{router: r, applier: applier, intents: intents, tokens: tokens, hub: hub}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) bearer(t *testing.T, roles ...string) (string, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	token, err := s.tokens.GenerateAccessToken(&models.Caller{UserID: userID, Roles: roles}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token, userID
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

const ipnBody = `{"payment_id":5077125051,"payment_status":"finished","pay_address":"TDeposit","price_amount":25,"actually_paid":25.1,"order_id":"abc"}`

func signedIPN(t *testing.T, header string) *http.Request {
	t.Helper()
	sig, err := nowpayments.Sign(testIPNSecret, []byte(ipnBody))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/payments/crypto/webhook", strings.NewReader(ipnBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, sig)
	return req
}

func TestCryptoWebhook_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t, testIPNSecret)

	for name, sig := range map[string]string{"missing": "", "wrong": strings.Repeat("ab", 64)} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payments/crypto/webhook", strings.NewReader(ipnBody))
			if sig != "" {
				req.Header.Set("x-nowpayments-sig", sig)
			}
			w := s.do(req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	assert.Empty(t, s.applier.events)
}

func TestCryptoWebhook_AppliesSignedEvent(t *testing.T) {
	for _, header := range []string{"x-nowpayments-sig", "X-Signature"} {
		t.Run(header, func(t *testing.T) {
			s := newTestServer(t, testIPNSecret)

			w := s.do(signedIPN(t, header))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, true, decodeBody(t, w)["ok"])

			require.Len(t, s.applier.events, 1)
			event, ok := s.applier.events[0].(*models.CryptoEvent)
			require.True(t, ok)
			assert.Equal(t, "5077125051", event.PaymentID)
			assert.Equal(t, models.CryptoStatusFinished, event.Status)
		})
	}
}

func TestCryptoWebhook_UnknownRecordIsAcknowledged(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	s.applier.outcome = reconciler.OutcomeNotFound

	w := s.do(signedIPN(t, "x-nowpayments-sig"))
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "not_found", body["error"])
}

func TestCryptoWebhook_EmptySecretBypassesVerification(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/payments/crypto/webhook", strings.NewReader(ipnBody))
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, s.applier.events, 1)
}

func TestCryptoWebhook_MalformedPayload(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/payments/crypto/webhook", strings.NewReader(`{"payment_status":"finished"}`))
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "malformed_payload", decodeBody(t, w)["error"])
	assert.Empty(t, s.applier.events)
}

func fiatFields(sessionID uuid.UUID) url.Values {
	fields := url.Values{}
	fields.Set("action", "purchase")
	fields.Set("status", "declined")
	fields.Set("tranid", "T-900")
	fields.Set("amount", "9.99")
	fields.Set("currency", "usd")
	fields.Set("x-custom", cardgate.EncodeCustom(sessionID))
	return fields
}

func TestFiatWebhook_RejectsUnauthenticated(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	fields := fiatFields(uuid.New())
	fields.Set("digest", strings.Repeat("0", 64))

	req := httptest.NewRequest(http.MethodPost, "/payments/fiat/webhook", strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "198.51.100.7:40000"
	w := s.do(req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, s.applier.events)
}

func TestFiatWebhook_ForwardedForFromUntrustedPeerIgnored(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	fields := fiatFields(uuid.New())
	fields.Set("digest", strings.Repeat("0", 64))

	req := httptest.NewRequest(http.MethodPost, "/payments/fiat/webhook", strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Real-IP", "203.0.113.9")
	req.RemoteAddr = "198.51.100.7:40000"
	w := s.do(req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, s.applier.events)
}

func TestFiatWebhook_ForwardedForFromTrustedProxy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	applier := &recordingApplier{}
	verifier := cardgate.NewVerifier(testFiatSecret, []string{"203.0.113."}, logger)

	r, err := NewEngine([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	r.POST("/payments/fiat/webhook", NewFiatHandler(stubSessions{}, verifier, applier, logger).HandleWebhook)

	req := httptest.NewRequest(http.MethodPost, "/payments/fiat/webhook", strings.NewReader(fiatFields(uuid.New()).Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.RemoteAddr = "10.1.2.3:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, applier.events, 1)
}

func TestNewEngine_RejectsInvalidProxy(t *testing.T) {
	_, err := NewEngine([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestFiatWebhook_DigestAuthenticatedPost(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	sessionID := uuid.New()
	fields := fiatFields(sessionID)
	fields.Set("digest", cardgate.Digest(testFiatSecret, fields))

	req := httptest.NewRequest(http.MethodPost, "/payments/fiat/webhook", strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "198.51.100.7:40000"
	w := s.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	require.Len(t, s.applier.events, 1)
	event := s.applier.events[0].(*models.FiatEvent)
	assert.False(t, event.Approved)
	require.NotNil(t, event.SessionID)
	assert.Equal(t, sessionID, *event.SessionID)
}

func TestFiatWebhook_AllowListedGet(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	s.applier.outcome = reconciler.OutcomeNotFound

	req := httptest.NewRequest(http.MethodGet, "/payments/fiat/webhook?"+fiatFields(uuid.New()).Encode(), nil)
	req.RemoteAddr = "203.0.113.9:40000"
	w := s.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Len(t, s.applier.events, 1)
}

func TestCreateIntent_RequiresBearer(t *testing.T) {
	s := newTestServer(t, testIPNSecret)

	req := httptest.NewRequest(http.MethodPost, "/payments/crypto/intents", strings.NewReader(`{"amount":"25","currency":"usdt","purpose":"tip"}`))
	w := s.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, userID := s.bearer(t)
	req = httptest.NewRequest(http.MethodPost, "/payments/crypto/intents", strings.NewReader(`{"amount":"25","currency":"usdt","purpose":"tip"}`))
	req.Header.Set("Authorization", token)
	w = s.do(req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, userID, s.intents.lastUser)
	assert.Equal(t, "TDeposit", decodeBody(t, w)["depositAddress"])
}

func TestCreateIntent_MapsDomainErrors(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	s.intents.err = payerr.New(payerr.KindAmountTooSmall, "minimum amount for btc is $10.00", nil)

	token, _ := s.bearer(t)
	req := httptest.NewRequest(http.MethodPost, "/payments/crypto/intents", strings.NewReader(`{"amount":"1","currency":"btc","purpose":"tip"}`))
	req.Header.Set("Authorization", token)
	w := s.do(req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "minimum amount for btc is $10.00", body["error"])
	assert.Equal(t, "amount_too_small", body["code"])
}

func TestGetIntent_OtherUsersIntentIsNotFound(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	token, _ := s.bearer(t)

	req := httptest.NewRequest(http.MethodGet, "/payments/crypto/intents/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusNotFound, s.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/payments/crypto/intents/not-a-uuid", nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestApprovePayout_Roles(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	body := `{"payoutRequestId":"` + uuid.NewString() + `"}`

	token, _ := s.bearer(t, "creator")
	req := httptest.NewRequest(http.MethodPost, "/payments/crypto/payouts", strings.NewReader(body))
	req.Header.Set("Authorization", token)
	w := s.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeBody(t, w)["error"])

	token, _ = s.bearer(t, models.RoleFinance)
	req = httptest.NewRequest(http.MethodPost, "/payments/crypto/payouts", strings.NewReader(body))
	req.Header.Set("Authorization", token)
	w = s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "approved", decodeBody(t, w)["status"])
}

func TestCreateSession_ReplayReturns200(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	token, _ := s.bearer(t)

	req := httptest.NewRequest(http.MethodPost, "/payments/fiat/sessions", strings.NewReader(`{"amount":"9.99","purpose":"tip","idempotencyKey":"seen"}`))
	req.Header.Set("Authorization", token)
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["replay"])

	req = httptest.NewRequest(http.MethodPost, "/payments/fiat/sessions", strings.NewReader(`{"amount":"9.99","purpose":"tip"}`))
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusCreated, s.do(req).Code)
}

func TestListReviews(t *testing.T) {
	s := newTestServer(t, testIPNSecret)

	token, _ := s.bearer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/reviews", nil)
	req.Header.Set("Authorization", token)
	assert.Equal(t, http.StatusForbidden, s.do(req).Code)

	token, _ = s.bearer(t, models.RoleAdmin)
	req = httptest.NewRequest(http.MethodGet, "/admin/reviews?limit=10", nil)
	req.Header.Set("Authorization", token)
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testIPNSecret)
	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

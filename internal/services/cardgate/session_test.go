package cardgate

import (
	"context"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mooncorn/payrecon/config"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.PaymentSession
	inserts  int
	// hideNextLookup simulates losing the race: the first key lookup misses
	// although a concurrent insert already committed
	hideNextLookup bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[uuid.UUID]*models.PaymentSession{}}
}

func (f *fakeSessionStore) CreatePaymentSession(ctx context.Context, p *database.CreatePaymentSessionParams) (*models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.IdempotencyKey != nil {
		for _, s := range f.sessions {
			if s.UserID == p.UserID && s.IdempotencyKey != nil && *s.IdempotencyKey == *p.IdempotencyKey {
				return nil, &pgconn.PgError{Code: "23505"}
			}
		}
	}
	f.inserts++
	s := &models.PaymentSession{
		ID:             uuid.New(),
		UserID:         p.UserID,
		Purpose:        p.Purpose,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Recurring:      p.Recurring,
		IdempotencyKey: p.IdempotencyKey,
		Status:         models.SessionStatusPending,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessionStore) GetPaymentSession(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessionStore) GetPaymentSessionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideNextLookup {
		f.hideNextLookup = false
		return nil, database.ErrNotFound
	}
	for _, s := range f.sessions {
		if s.UserID == userID && s.IdempotencyKey != nil && *s.IdempotencyKey == key {
			return s, nil
		}
	}
	return nil, database.ErrNotFound
}

func testSessionConfig() *config.Config {
	return &config.Config{
		BaseURL: "https://pay.example.com",
		Fiat: config.FiatConfig{
			GatewayURL:      "https://checkout.gateway.test/pay",
			PICodeOneTime:   "PI-ONE",
			PICodeRecurring: "PI-REC",
			Currency:        "USD",
			MinAmount:       decimal.RequireFromString("3.00"),
			MaxAmount:       decimal.RequireFromString("500.00"),
		},
	}
}

func TestCreateSession_RedirectURL(t *testing.T) {
	svc := NewSessionService(testSessionConfig(), newFakeSessionStore(), zap.NewNop())

	resp, err := svc.CreateSession(context.Background(), uuid.New(), &models.CreateSessionRequest{
		Amount:  decimal.RequireFromString("12.5"),
		Purpose: models.PurposePayPerView,
	})
	require.NoError(t, err)
	assert.False(t, resp.Replay)

	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "checkout.gateway.test", u.Host)

	q := u.Query()
	assert.Equal(t, "PI-ONE", q.Get("pi_code"))
	assert.Equal(t, "12.50", q.Get("amount"))
	assert.Equal(t, "USD", q.Get("currency"))
	assert.Equal(t, "Pay Per View", q.Get("description"))
	assert.Equal(t, EncodeCustom(uuid.MustParse(resp.SessionID)), q.Get("x-custom"))
	assert.Equal(t, "https://pay.example.com/payments/fiat/success?session_id="+resp.SessionID, q.Get("return_url"))
	assert.Equal(t, "https://pay.example.com/payments/fiat/cancel?session_id="+resp.SessionID, q.Get("cancel_url"))
	assert.Empty(t, q.Get("recurring_period"))
}

func TestCreateSession_SubscriptionIsRecurring(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(testSessionConfig(), store, zap.NewNop())

	resp, err := svc.CreateSession(context.Background(), uuid.New(), &models.CreateSessionRequest{
		Amount:  decimal.RequireFromString("9.99"),
		Purpose: models.PurposeSubscription,
	})
	require.NoError(t, err)

	session := store.sessions[uuid.MustParse(resp.SessionID)]
	assert.True(t, session.Recurring)

	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "PI-REC", q.Get("pi_code"))
	assert.Equal(t, "30", q.Get("initial_period"))
	assert.Equal(t, "30", q.Get("recurring_period"))
	assert.Equal(t, "9.99", q.Get("recurring_amount"))
}

func TestCreateSession_AmountBand(t *testing.T) {
	svc := NewSessionService(testSessionConfig(), newFakeSessionStore(), zap.NewNop())

	for _, amount := range []string{"0", "2.99", "500.01"} {
		_, err := svc.CreateSession(context.Background(), uuid.New(), &models.CreateSessionRequest{
			Amount:  decimal.RequireFromString(amount),
			Purpose: models.PurposeTip,
		})
		assert.True(t, payerr.Is(err, payerr.KindInvalid), amount)
	}

	for _, amount := range []string{"3.00", "500"} {
		_, err := svc.CreateSession(context.Background(), uuid.New(), &models.CreateSessionRequest{
			Amount:  decimal.RequireFromString(amount),
			Purpose: models.PurposeTip,
		})
		assert.NoError(t, err, amount)
	}
}

func TestCreateSession_Idempotent(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(testSessionConfig(), store, zap.NewNop())
	userID := uuid.New()

	req := &models.CreateSessionRequest{
		Amount:         decimal.RequireFromString("25"),
		Purpose:        models.PurposeTip,
		IdempotencyKey: "checkout-42",
	}

	first, err := svc.CreateSession(context.Background(), userID, req)
	require.NoError(t, err)

	second, err := svc.CreateSession(context.Background(), userID, req)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.RedirectURL, second.RedirectURL, "replay rebuilds the same redirect")
	assert.True(t, second.Replay)
	assert.Equal(t, 1, store.inserts)

	// The same key for another user is a separate session
	other, err := svc.CreateSession(context.Background(), uuid.New(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, other.SessionID)
}

func TestCreateSession_RaceLoserReturnsWinner(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(testSessionConfig(), store, zap.NewNop())
	userID := uuid.New()

	req := &models.CreateSessionRequest{
		Amount:         decimal.RequireFromString("25"),
		Purpose:        models.PurposeTip,
		IdempotencyKey: "checkout-race",
	}

	winner, err := svc.CreateSession(context.Background(), userID, req)
	require.NoError(t, err)

	store.hideNextLookup = true
	loser, err := svc.CreateSession(context.Background(), userID, req)
	require.NoError(t, err)

	assert.Equal(t, winner.SessionID, loser.SessionID)
	assert.True(t, loser.Replay)
	assert.Equal(t, 1, store.inserts)
}

func TestCreateSession_NotConfigured(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Fiat.PICodeRecurring = ""
	svc := NewSessionService(cfg, newFakeSessionStore(), zap.NewNop())

	_, err := svc.CreateSession(context.Background(), uuid.New(), &models.CreateSessionRequest{
		Amount:  decimal.RequireFromString("10"),
		Purpose: models.PurposeSubscription,
	})
	assert.True(t, payerr.Is(err, payerr.KindNotConfigured))
}

func TestGetSession_Owner(t *testing.T) {
	svc := NewSessionService(testSessionConfig(), newFakeSessionStore(), zap.NewNop())
	userID := uuid.New()

	resp, err := svc.CreateSession(context.Background(), userID, &models.CreateSessionRequest{
		Amount:  decimal.RequireFromString("10"),
		Purpose: models.PurposeTip,
	})
	require.NoError(t, err)

	got, err := svc.GetSession(context.Background(), userID, uuid.MustParse(resp.SessionID))
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, got.Status)
	assert.Equal(t, resp.RedirectURL, got.RedirectURL)

	_, err = svc.GetSession(context.Background(), uuid.New(), uuid.MustParse(resp.SessionID))
	assert.True(t, payerr.Is(err, payerr.KindNotFound))
}

package payout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/config"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/nowpayments"
	"github.com/mooncorn/payrecon/internal/services/payerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu          sync.Mutex
	payouts     map[uuid.UUID]*models.PayoutRequest
	manualNotes []string
	setIDsErr   error
	providerIDs map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payouts:     map[uuid.UUID]*models.PayoutRequest{},
		providerIDs: map[uuid.UUID]string{},
	}
}

func (f *fakeStore) add(method models.PayoutMethod, destination string) *models.PayoutRequest {
	p := &models.PayoutRequest{
		ID:       uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   decimal.NewFromInt(150),
		Currency: "usd",
		Method:   method,
		Status:   models.PayoutStatusPending,
	}
	if destination != "" {
		p.Destination = &destination
	}
	f.payouts[p.ID] = p
	return p
}

func (f *fakeStore) status(id uuid.UUID) models.PayoutStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payouts[id].Status
}

func (f *fakeStore) GetPayoutRequest(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) TransitionPayoutStatus(ctx context.Context, id uuid.UUID, from, to models.PayoutStatus, approvedBy *uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if approvedBy != nil {
		p.ApprovedBy = approvedBy
	}
	return true, nil
}

func (f *fakeStore) SetPayoutProviderIDs(ctx context.Context, id uuid.UUID, payoutID, withdrawalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setIDsErr != nil {
		return f.setIDsErr
	}
	f.providerIDs[id] = payoutID
	return nil
}

func (f *fakeStore) ApproveManualPayout(ctx context.Context, id, approvedBy uuid.UUID, note string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok || p.Status != models.PayoutStatusPending {
		return false, nil
	}
	p.Status = models.PayoutStatusApproved
	f.manualNotes = append(f.manualNotes, note)
	return true, nil
}

type fakeGateway struct {
	noCredentials bool
	validateErr   error
	payoutErr     error
	validated     []string
	payouts       []*nowpayments.CreatePayoutRequest
}

func (g *fakeGateway) HasAPIKey() bool            { return true }
func (g *fakeGateway) HasPayoutCredentials() bool { return !g.noCredentials }

func (g *fakeGateway) ValidateAddress(ctx context.Context, currency, address string) error {
	g.validated = append(g.validated, currency+":"+address)
	return g.validateErr
}

func (g *fakeGateway) Authenticate(ctx context.Context) (string, error) {
	return "token", nil
}

func (g *fakeGateway) CreatePayout(ctx context.Context, token string, req *nowpayments.CreatePayoutRequest) (*nowpayments.PayoutResponse, error) {
	g.payouts = append(g.payouts, req)
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return &nowpayments.PayoutResponse{ID: "5000000713"}, nil
}

type recordingAlerter struct {
	subjects []string
}

func (r *recordingAlerter) SendOpsAlert(ctx context.Context, subject, body string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

func newTestService(gateway *fakeGateway, store *fakeStore, alerter *recordingAlerter) *Service {
	cfg := &config.Config{NowPayments: config.NowPaymentsConfig{PayoutCurrency: "usdttrc20"}}
	return NewService(cfg, gateway, store, alerter, zap.NewNop())
}

func admin() *models.Caller {
	return &models.Caller{UserID: uuid.New(), Roles: []string{models.RoleAdmin}}
}

func TestApprove_RequiresElevatedRole(t *testing.T) {
	store := newFakeStore()
	p := store.add(models.PayoutMethodManual, "")
	svc := newTestService(&fakeGateway{}, store, &recordingAlerter{})

	_, err := svc.Approve(context.Background(), &models.Caller{UserID: uuid.New(), Roles: []string{"creator"}}, p.ID)
	assert.True(t, payerr.Is(err, payerr.KindForbidden))
	assert.Equal(t, "forbidden", err.Error())
	assert.Equal(t, models.PayoutStatusPending, store.status(p.ID))

	// unknown payouts are not revealed to unauthorized callers either
	_, err = svc.Approve(context.Background(), nil, uuid.New())
	assert.True(t, payerr.Is(err, payerr.KindForbidden))
}

func TestApprove_NotPendingNamesStatus(t *testing.T) {
	store := newFakeStore()
	p := store.add(models.PayoutMethodManual, "")
	p.Status = models.PayoutStatusCompleted
	svc := newTestService(&fakeGateway{}, store, &recordingAlerter{})

	_, err := svc.Approve(context.Background(), admin(), p.ID)
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindConflict))
	assert.Contains(t, err.Error(), "completed")
}

func TestApprove_NotFound(t *testing.T) {
	svc := newTestService(&fakeGateway{}, newFakeStore(), &recordingAlerter{})
	_, err := svc.Approve(context.Background(), admin(), uuid.New())
	assert.True(t, payerr.Is(err, payerr.KindNotFound))
}

func TestApprove_ManualSkipsGateway(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	p := store.add(models.PayoutMethodManual, "")
	svc := newTestService(gateway, store, &recordingAlerter{})

	resp, err := svc.Approve(context.Background(), &models.Caller{UserID: uuid.New(), Roles: []string{models.RoleFinance}}, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusApproved, resp.Status)
	assert.Equal(t, p.ID.String(), resp.PayoutID)
	assert.Empty(t, gateway.validated)
	assert.Empty(t, gateway.payouts)
}

func TestApprove_CryptoRequiresDestination(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	p := store.add(models.PayoutMethodCrypto, "")
	svc := newTestService(gateway, store, &recordingAlerter{})

	_, err := svc.Approve(context.Background(), admin(), p.ID)
	assert.True(t, payerr.Is(err, payerr.KindInvalid))
	assert.Empty(t, gateway.payouts)
}

func TestApprove_CryptoInvalidAddress(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{validateErr: &nowpayments.APIError{Category: nowpayments.CategoryBadRequest, StatusCode: 400}}
	p := store.add(models.PayoutMethodCrypto, "TBadAddress")
	svc := newTestService(gateway, store, &recordingAlerter{})

	_, err := svc.Approve(context.Background(), admin(), p.ID)
	assert.True(t, payerr.Is(err, payerr.KindInvalid))
	assert.Equal(t, []string{"usdttrc20:TBadAddress"}, gateway.validated)
	assert.Empty(t, gateway.payouts)
	assert.Equal(t, models.PayoutStatusPending, store.status(p.ID))
}

func TestApprove_CryptoWithoutCredentialsFallsBackToManual(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{noCredentials: true}
	p := store.add(models.PayoutMethodCrypto, "TValidAddress")
	svc := newTestService(gateway, store, &recordingAlerter{})

	resp, err := svc.Approve(context.Background(), admin(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusApproved, resp.Status)
	assert.Equal(t, NoteCredentialsMissing, resp.Note)
	assert.Equal(t, []string{NoteCredentialsMissing}, store.manualNotes)
	assert.Empty(t, gateway.payouts)
}

func TestApprove_CryptoSubmitsWithPayoutIDAsExternalID(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	p := store.add(models.PayoutMethodCrypto, "TValidAddress")
	svc := newTestService(gateway, store, &recordingAlerter{})

	resp, err := svc.Approve(context.Background(), admin(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000000713", resp.PayoutID)
	assert.Equal(t, models.PayoutStatusProcessing, resp.Status)
	assert.Equal(t, models.PayoutStatusProcessing, store.status(p.ID))
	assert.Equal(t, "5000000713", store.providerIDs[p.ID])

	require.Len(t, gateway.payouts, 1)
	w := gateway.payouts[0].Withdrawals[0]
	assert.Equal(t, p.ID.String(), w.UniqueExternalID)
	assert.Equal(t, "usdttrc20", w.Currency)
	assert.Equal(t, json.Number("150"), w.Amount)

	// a second approval does not resubmit
	_, err = svc.Approve(context.Background(), admin(), p.ID)
	assert.True(t, payerr.Is(err, payerr.KindConflict))
	assert.Len(t, gateway.payouts, 1)
}

func TestApprove_GatewayRejectionMarksFailed(t *testing.T) {
	store := newFakeStore()
	alerter := &recordingAlerter{}
	gateway := &fakeGateway{payoutErr: &nowpayments.APIError{Category: nowpayments.CategoryBadRequest, StatusCode: 400}}
	p := store.add(models.PayoutMethodCrypto, "TValidAddress")
	svc := newTestService(gateway, store, alerter)

	_, err := svc.Approve(context.Background(), admin(), p.ID)
	assert.True(t, payerr.Is(err, payerr.KindUpstream))
	assert.Equal(t, models.PayoutStatusFailed, store.status(p.ID))
	assert.Empty(t, alerter.subjects)
}

func TestApprove_AmbiguousGatewayFailureStaysProcessing(t *testing.T) {
	tests := map[string]error{
		"timeout":     &nowpayments.APIError{Category: nowpayments.CategoryTimeout, Err: context.DeadlineExceeded},
		"unavailable": &nowpayments.APIError{Category: nowpayments.CategoryUnavailable, StatusCode: 503},
		"transport":   errors.New("connection reset by peer"),
	}

	for name, payoutErr := range tests {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			alerter := &recordingAlerter{}
			gateway := &fakeGateway{payoutErr: payoutErr}
			p := store.add(models.PayoutMethodCrypto, "TValidAddress")
			svc := newTestService(gateway, store, alerter)

			_, err := svc.Approve(context.Background(), admin(), p.ID)
			assert.True(t, payerr.Is(err, payerr.KindUpstream))
			assert.Equal(t, models.PayoutStatusProcessing, store.status(p.ID))
			assert.Equal(t, []string{"Payout outcome unknown"}, alerter.subjects)

			// not resubmitted while the outcome is unknown
			_, err = svc.Approve(context.Background(), admin(), p.ID)
			assert.True(t, payerr.Is(err, payerr.KindConflict))
			assert.Len(t, gateway.payouts, 1)
		})
	}
}

func TestApprove_PersistFailureIsAdvisory(t *testing.T) {
	store := newFakeStore()
	store.setIDsErr = errors.New("connection reset")
	alerter := &recordingAlerter{}
	p := store.add(models.PayoutMethodCrypto, "TValidAddress")
	svc := newTestService(&fakeGateway{}, store, alerter)

	resp, err := svc.Approve(context.Background(), admin(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000000713", resp.PayoutID)
	assert.Len(t, alerter.subjects, 1)
}

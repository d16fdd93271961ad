package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mooncorn/payrecon/internal/database"
	"github.com/mooncorn/payrecon/internal/models"
	"github.com/mooncorn/payrecon/internal/services/advisory"
	"github.com/mooncorn/payrecon/internal/services/broadcast"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome is how an authenticated event was handled. Every outcome is
// acknowledged to the gateway; only some report ok.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeLedgerError Outcome = "ledger_error"
	OutcomeStoreError  Outcome = "store_error"
)

// Result of applying one event
type Result struct {
	Outcome Outcome
	Err     error
}

// OK reports whether the event was handled without a reportable problem
func (r Result) OK() bool {
	switch r.Outcome {
	case OutcomeApplied, OutcomeDuplicate, OutcomeIgnored:
		return true
	}
	return false
}

// Store is the record side of reconciliation
type Store interface {
	GetPaymentIntentByProviderID(ctx context.Context, providerPaymentID string) (*models.PaymentIntent, error)
	TransitionPaymentIntentStatus(ctx context.Context, providerPaymentID string, status models.CryptoStatus, actuallyPaid decimal.Decimal) (bool, error)

	GetPaymentSession(ctx context.Context, id uuid.UUID) (*models.PaymentSession, error)
	GetPaymentSessionByTransactionID(ctx context.Context, transactionID string) (*models.PaymentSession, error)
	GetPaymentSessionBySubscriptionID(ctx context.Context, subscriptionID string) (*models.PaymentSession, error)
	TransitionSessionStatus(ctx context.Context, id uuid.UUID, from []models.SessionStatus, to models.SessionStatus, transactionID, subscriptionID string) (bool, error)

	ClaimWebhookEvent(ctx context.Context, provider models.Provider, eventKey, eventType string, payload json.RawMessage) (bool, error)
	UpdateWebhookEventStatus(ctx context.Context, provider models.Provider, eventKey string, status models.WebhookStatus, errorMessage *string) error
}

// Ledger operations are atomic and idempotent by their own keys.
// The bool reports whether the call applied a new effect.
type Ledger interface {
	SettleCryptoPayment(ctx context.Context, paymentID string, status models.CryptoStatus) (bool, error)
	ActivateFiatPurchase(ctx context.Context, sessionID uuid.UUID, transactionID, subscriptionID string) (bool, error)
	RenewSubscription(ctx context.Context, subscriptionID, transactionID string, amount decimal.Decimal) (bool, error)
	CancelSubscription(ctx context.Context, subscriptionID, transactionID string) (bool, error)
	FlagForReview(ctx context.Context, provider models.Provider, reference, reason string, sessionID *uuid.UUID, transactionID string) (bool, error)
}

type Alerter interface {
	SendOpsAlert(ctx context.Context, subject, body string) error
}

// Publisher receives status changes for the owning user's live streams
type Publisher interface {
	Publish(userID uuid.UUID, event broadcast.PaymentEvent)
}

// Reconciler applies gateway events to internal records exactly once
type Reconciler struct {
	store     Store
	ledger    Ledger
	alerter   Alerter
	publisher Publisher
	logger    *zap.Logger
}

func New(store Store, ledger Ledger, alerter Alerter, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		alerter: alerter,
		logger:  logger,
	}
}

// WithPublisher makes the reconciler announce status changes
func (r *Reconciler) WithPublisher(p Publisher) *Reconciler {
	r.publisher = p
	return r
}

func (r *Reconciler) publish(userID uuid.UUID, kind string, id uuid.UUID, status string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(userID, broadcast.PaymentEvent{Kind: kind, ID: id.String(), Status: status})
}

// errLedger marks failures of a ledger call, as opposed to record updates
type errLedger struct{ err error }

func (e *errLedger) Error() string { return e.err.Error() }
func (e *errLedger) Unwrap() error { return e.err }

func ledgerErr(op string, err error) error {
	return &errLedger{err: fmt.Errorf("%s: %w", op, err)}
}

// Apply locates the record an authenticated event refers to, claims the
// event for deduplication and performs at most one ledger operation.
func (r *Reconciler) Apply(ctx context.Context, event models.Event) Result {
	logger := r.logger.With(
		zap.String("provider", string(event.Provider())),
		zap.String("event_key", event.EventKey()),
		zap.String("event_type", event.EventType()),
	)

	var (
		locate func(ctx context.Context) error
		apply  func(ctx context.Context, logger *zap.Logger) (Outcome, error)
	)

	switch e := event.(type) {
	case *models.CryptoEvent:
		var intent *models.PaymentIntent
		locate = func(ctx context.Context) (err error) {
			intent, err = r.store.GetPaymentIntentByProviderID(ctx, e.PaymentID)
			return err
		}
		apply = func(ctx context.Context, logger *zap.Logger) (Outcome, error) {
			return r.applyCrypto(ctx, logger, e, intent)
		}
	case *models.FiatEvent:
		var session *models.PaymentSession
		locate = func(ctx context.Context) (err error) {
			session, err = r.locateSession(ctx, e)
			return err
		}
		apply = func(ctx context.Context, logger *zap.Logger) (Outcome, error) {
			return r.applyFiat(ctx, logger, e, session)
		}
	default:
		logger.Error("Unsupported event type")
		return Result{Outcome: OutcomeIgnored}
	}

	if err := locate(ctx); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Warn("Webhook references unknown record")
			return Result{Outcome: OutcomeNotFound}
		}
		logger.Error("Failed to locate webhook record", zap.Error(err))
		return Result{Outcome: OutcomeStoreError, Err: err}
	}

	claimed, err := r.store.ClaimWebhookEvent(ctx, event.Provider(), event.EventKey(), event.EventType(), event.Payload())
	if err != nil {
		logger.Error("Failed to claim webhook event", zap.Error(err))
		return Result{Outcome: OutcomeStoreError, Err: err}
	}
	if !claimed {
		logger.Info("Webhook event already processed")
		return Result{Outcome: OutcomeDuplicate}
	}

	outcome, err := apply(ctx, logger)
	if err != nil {
		var le *errLedger
		if errors.As(err, &le) {
			outcome = OutcomeLedgerError
		} else {
			outcome = OutcomeStoreError
		}
		logger.Error("Failed to apply webhook event", zap.String("outcome", string(outcome)), zap.Error(err))

		msg := err.Error()
		r.recordStatus(ctx, logger, event, models.WebhookStatusFailed, &msg)
		return Result{Outcome: outcome, Err: err}
	}

	r.recordStatus(ctx, logger, event, models.WebhookStatusCompleted, nil)
	logger.Info("Webhook event reconciled", zap.String("outcome", string(outcome)))
	return Result{Outcome: outcome}
}

func (r *Reconciler) recordStatus(ctx context.Context, logger *zap.Logger, event models.Event, status models.WebhookStatus, msg *string) {
	advisory.Run(ctx, logger, "record_webhook_status", func(ctx context.Context) error {
		return r.store.UpdateWebhookEventStatus(ctx, event.Provider(), event.EventKey(), status, msg)
	})
}

func (r *Reconciler) applyCrypto(ctx context.Context, logger *zap.Logger, e *models.CryptoEvent, intent *models.PaymentIntent) (Outcome, error) {
	logger = logger.With(zap.String("payment_id", e.PaymentID), zap.String("status", string(e.Status)))

	if e.OrderID != "" && e.OrderID != intent.ID.String() {
		logger.Warn("IPN order_id does not match intent", zap.String("order_id", e.OrderID), zap.String("intent_id", intent.ID.String()))
	}

	moved, err := r.store.TransitionPaymentIntentStatus(ctx, e.PaymentID, e.Status, e.ActuallyPaid)
	if err != nil {
		return "", err
	}

	current := e.Status
	if moved {
		r.publish(intent.UserID, broadcast.KindCryptoIntent, intent.ID, string(e.Status))
	} else {
		latest, err := r.store.GetPaymentIntentByProviderID(ctx, e.PaymentID)
		if err != nil {
			return "", err
		}
		current = latest.Status
		logger.Info("Stale or repeated status ignored", zap.String("current_status", string(current)))
	}

	if !e.Status.Settles() {
		if moved {
			return OutcomeApplied, nil
		}
		return OutcomeIgnored, nil
	}

	if !current.HasSettled() {
		// Funds confirmed for an intent that already ended without settling
		logger.Warn("Settlement reported for closed intent", zap.String("current_status", string(current)))
		reason := "late_settlement"
		if _, err := r.ledger.FlagForReview(ctx, models.ProviderNowPayments, e.PaymentID, reason, nil, ""); err != nil {
			return "", ledgerErr("flag for review", err)
		}
		r.alert(ctx, logger, "Crypto payment needs review",
			fmt.Sprintf("payment_id=%s reported %s while intent is %s", e.PaymentID, e.Status, current))
		return OutcomeApplied, nil
	}

	applied, err := r.ledger.SettleCryptoPayment(ctx, e.PaymentID, e.Status)
	if err != nil {
		return "", ledgerErr("settle crypto payment", err)
	}
	if applied {
		logger.Info("Crypto payment settled")
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) locateSession(ctx context.Context, e *models.FiatEvent) (*models.PaymentSession, error) {
	bySession := func() (*models.PaymentSession, error) {
		if e.SessionID == nil {
			return nil, database.ErrNotFound
		}
		return r.store.GetPaymentSession(ctx, *e.SessionID)
	}

	switch e.Action {
	case models.FiatActionPurchase:
		return bySession()
	case models.FiatActionRebill, models.FiatActionCancel:
		if e.SubscriptionID == "" {
			return bySession()
		}
		session, err := r.store.GetPaymentSessionBySubscriptionID(ctx, e.SubscriptionID)
		if errors.Is(err, database.ErrNotFound) {
			return bySession()
		}
		return session, err
	default:
		session, err := r.store.GetPaymentSessionByTransactionID(ctx, e.TransactionID)
		if errors.Is(err, database.ErrNotFound) {
			return bySession()
		}
		return session, err
	}
}

func (r *Reconciler) applyFiat(ctx context.Context, logger *zap.Logger, e *models.FiatEvent, session *models.PaymentSession) (Outcome, error) {
	logger = logger.With(
		zap.String("session_id", session.ID.String()),
		zap.String("transaction_id", e.TransactionID),
	)

	subscriptionID := e.SubscriptionID
	if subscriptionID == "" && session.ProviderSubscriptionID != nil {
		subscriptionID = *session.ProviderSubscriptionID
	}

	switch e.Action {
	case models.FiatActionPurchase:
		if !e.Approved {
			moved, err := r.store.TransitionSessionStatus(ctx, session.ID,
				[]models.SessionStatus{models.SessionStatusPending},
				models.SessionStatusFailed, e.TransactionID, "")
			if err != nil {
				return "", err
			}
			logger.Info("Card purchase declined")
			if !moved {
				return OutcomeIgnored, nil
			}
			r.publish(session.UserID, broadcast.KindFiatSession, session.ID, string(models.SessionStatusFailed))
			return OutcomeApplied, nil
		}

		if session.Status != models.SessionStatusCompleted {
			if mismatch := purchaseMismatch(e, session); mismatch != "" {
				return r.flagMismatch(ctx, logger, e, session, mismatch)
			}
		}

		moved, err := r.store.TransitionSessionStatus(ctx, session.ID,
			[]models.SessionStatus{models.SessionStatusPending, models.SessionStatusFailed},
			models.SessionStatusCompleted, e.TransactionID, subscriptionID)
		if err != nil {
			return "", err
		}
		// A retry of this same transaction after a ledger failure may still activate
		retry := session.Status == models.SessionStatusCompleted &&
			session.ProviderTransactionID != nil && *session.ProviderTransactionID == e.TransactionID
		if !moved && !retry {
			logger.Info("Purchase for closed session ignored", zap.String("session_status", string(session.Status)))
			return OutcomeIgnored, nil
		}
		if moved {
			r.publish(session.UserID, broadcast.KindFiatSession, session.ID, string(models.SessionStatusCompleted))
		}

		if _, err := r.ledger.ActivateFiatPurchase(ctx, session.ID, e.TransactionID, subscriptionID); err != nil {
			return "", ledgerErr("activate fiat purchase", err)
		}
		return OutcomeApplied, nil

	case models.FiatActionRebill:
		if !e.Approved {
			logger.Info("Declined rebill ignored")
			return OutcomeIgnored, nil
		}
		if !e.Amount.IsPositive() {
			logger.Warn("Rebill without positive amount ignored", zap.String("amount", e.Amount.String()))
			return OutcomeIgnored, nil
		}
		if subscriptionID == "" {
			logger.Warn("Rebill without subscription id ignored")
			return OutcomeIgnored, nil
		}
		if _, err := r.ledger.RenewSubscription(ctx, subscriptionID, e.TransactionID, e.Amount); err != nil {
			return "", ledgerErr("renew subscription", err)
		}
		return OutcomeApplied, nil

	case models.FiatActionCancel:
		if subscriptionID == "" {
			logger.Warn("Cancel without subscription id ignored")
			return OutcomeIgnored, nil
		}
		if _, err := r.ledger.CancelSubscription(ctx, subscriptionID, e.TransactionID); err != nil {
			return "", ledgerErr("cancel subscription", err)
		}
		return OutcomeApplied, nil

	case models.FiatActionRefund, models.FiatActionChargeback:
		moved, err := r.store.TransitionSessionStatus(ctx, session.ID,
			[]models.SessionStatus{models.SessionStatusPending, models.SessionStatusCompleted},
			models.SessionStatusRefunded, e.TransactionID, "")
		if err != nil {
			return "", err
		}
		if moved {
			r.publish(session.UserID, broadcast.KindFiatSession, session.ID, string(models.SessionStatusRefunded))
		}

		sessionID := session.ID
		applied, err := r.ledger.FlagForReview(ctx, models.ProviderCardGate, e.TransactionID, string(e.Action), &sessionID, e.TransactionID)
		if err != nil {
			return "", ledgerErr("flag for review", err)
		}
		if applied {
			r.alert(ctx, logger, fmt.Sprintf("Card %s needs review", e.Action),
				fmt.Sprintf("session_id=%s transaction_id=%s amount=%s %s", session.ID, e.TransactionID, e.Amount, e.Currency))
		}
		return OutcomeApplied, nil
	}

	return OutcomeIgnored, nil
}

// purchaseMismatch names the postback field that disagrees with the session.
// Fields the gateway omitted are not compared.
func purchaseMismatch(e *models.FiatEvent, session *models.PaymentSession) string {
	if !e.Amount.IsZero() && !e.Amount.Equal(session.Amount) {
		return "amount"
	}
	if e.Currency != "" && !strings.EqualFold(e.Currency, session.Currency) {
		return "currency"
	}
	return ""
}

// flagMismatch leaves the session unactivated and records it for review
func (r *Reconciler) flagMismatch(ctx context.Context, logger *zap.Logger, e *models.FiatEvent, session *models.PaymentSession, field string) (Outcome, error) {
	logger.Warn("Purchase does not match session",
		zap.String("mismatch", field),
		zap.String("amount", e.Amount.String()),
		zap.String("currency", e.Currency),
		zap.String("session_amount", session.Amount.String()),
		zap.String("session_currency", session.Currency),
	)

	sessionID := session.ID
	applied, err := r.ledger.FlagForReview(ctx, models.ProviderCardGate, e.TransactionID, "amount_mismatch", &sessionID, e.TransactionID)
	if err != nil {
		return "", ledgerErr("flag for review", err)
	}
	if applied {
		r.alert(ctx, logger, "Card purchase amount mismatch",
			fmt.Sprintf("session_id=%s transaction_id=%s paid=%s %s expected=%s %s",
				session.ID, e.TransactionID, e.Amount, e.Currency, session.Amount, session.Currency))
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) alert(ctx context.Context, logger *zap.Logger, subject, body string) {
	advisory.Run(ctx, logger, "ops_alert", func(ctx context.Context) error {
		return r.alerter.SendOpsAlert(ctx, subject, body)
	})
}

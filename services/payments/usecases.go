package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"github.com/matheusmosca/checkout-core/services/cart"
	"github.com/matheusmosca/checkout-core/services/notifications"
	"github.com/matheusmosca/checkout-core/services/orders"
)

var (
	// ErrPaymentNotSucceeded is returned when a confirmation is attempted but
	// the provider does not report the intent as succeeded.
	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")

	// ErrOrderAlreadyPaid is returned when an intent is requested for an
	// order whose payment already settled.
	ErrOrderAlreadyPaid = errors.New("order already paid")

	// ErrNoPaymentTransaction is returned when a refund is requested for an
	// order that never got a provider transaction id.
	ErrNoPaymentTransaction = errors.New("order has no payment transaction")

	// ErrAlreadyRefunded is returned when a refund is requested twice.
	ErrAlreadyRefunded = errors.New("payment already refunded")

	// ErrRefundTooLarge is returned when the requested amount exceeds what is
	// left to refund.
	ErrRefundTooLarge = errors.New("refund amount exceeds remaining total")
)

// Reconciler maps provider payment events onto order state, idempotently.
// It is the only writer of the payment sub-record.
type Reconciler struct {
	repository orders.Repository
	provider   Provider
	events     notifications.Events
	currency   string

	confirmations metric.Int64Counter
	failures      metric.Int64Counter
	refunds       metric.Int64Counter
}

// NewReconciler creates a new Reconciler.
func NewReconciler(repository orders.Repository, provider Provider, events notifications.Events,
	currency string, meter metric.Meter) *Reconciler {
	r := &Reconciler{
		repository: repository,
		provider:   provider,
		events:     events,
		currency:   currency,
	}
	if meter != nil {
		r.confirmations, _ = meter.Int64Counter("payments.confirmations")
		r.failures, _ = meter.Int64Counter("payments.failures")
		r.refunds, _ = meter.Int64Counter("payments.refunds")
	}
	return r
}

// minorUnits converts a decimal money amount to provider minor units.
func minorUnits(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreateIntentForOrder creates (or returns) the payment intent for an order.
// The amount is always taken from the stored order total; a client-supplied
// amount is never trusted.
func (r *Reconciler) CreateIntentForOrder(ctx context.Context, orderID string, requester *cart.Identity) (*Intent, error) {
	log.Printf("➡️ [CREATE INTENT] OrderID=%s", orderID)

	tx, err := r.repository.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := r.repository.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if requester != nil && !orderOwnedBy(o, *requester) {
		return nil, orders.ErrForbidden
	}
	if o.Payment.Status == orders.PaymentCompleted || o.Payment.Status == orders.PaymentRefunded {
		return nil, ErrOrderAlreadyPaid
	}

	// Reuse an intent created by an earlier attempt so a double-clicked
	// checkout page does not mint parallel charges.
	if o.Payment.TransactionID != "" {
		intent, err := r.provider.GetIntent(ctx, o.Payment.TransactionID)
		if err == nil && intent.Status != IntentCanceled {
			return intent, nil
		}
		log.Printf("ℹ️  [CREATE INTENT] OrderID=%s replacing unusable intent %s", orderID, o.Payment.TransactionID)
	}

	intent, err := r.provider.CreateIntent(ctx, minorUnits(o.Total), r.currency, map[string]string{
		"order_id":     o.ID,
		"order_number": o.Number,
	})
	if err != nil {
		return nil, err
	}

	o.Payment.TransactionID = intent.ID
	if err := r.repository.Update(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit intent: %w", err)
	}

	log.Printf("✅ [CREATE INTENT] OrderID=%s IntentID=%s", orderID, intent.ID)
	return intent, nil
}

// ConfirmPayment settles an order after the client reports payment success.
// Safe to call more than once: an already-completed payment short-circuits
// without mutating anything. The provider is the authority — the intent must
// report succeeded before any state flips.
func (r *Reconciler) ConfirmPayment(ctx context.Context, orderID, intentID string, requester *cart.Identity) (*orders.Order, error) {
	log.Printf("➡️ [CONFIRM] OrderID=%s IntentID=%s", orderID, intentID)

	tx, err := r.repository.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := r.repository.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if requester != nil && !orderOwnedBy(o, *requester) {
		return nil, orders.ErrForbidden
	}

	if o.Payment.Status == orders.PaymentCompleted {
		log.Printf("ℹ️  [CONFIRM] OrderID=%s already completed, idempotent return", orderID)
		return o, nil
	}

	intent, err := r.provider.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != IntentSucceeded {
		if r.failures != nil {
			r.failures.Add(ctx, 1)
		}
		return nil, fmt.Errorf("%w: intent %s is %s", ErrPaymentNotSucceeded, intentID, intent.Status)
	}
	if intent.Amount != minorUnits(o.Total) {
		return nil, fmt.Errorf("%w: intent amount %d does not match order total", ErrPaymentNotSucceeded, intent.Amount)
	}

	r.settle(ctx, o, intentID)

	if err := r.repository.Update(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit confirmation: %w", err)
	}

	r.notifyConfirmed(ctx, o)
	if r.confirmations != nil {
		r.confirmations.Add(ctx, 1)
	}
	log.Printf("✅ [CONFIRM] OrderID=%s", orderID)
	return o, nil
}

// settle applies the succeeded-payment state change in memory. The caller
// persists and commits.
func (r *Reconciler) settle(ctx context.Context, o *orders.Order, intentID string) {
	now := time.Now().UTC()
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = intentID
	o.Payment.PaidAt = &now

	if o.Status == orders.StatusPending {
		// Cannot fail: pending -> processing is always legal.
		_ = o.Transition(orders.StatusProcessing, "system", "Payment confirmed")
	} else {
		// Payment landed on an order that already left pending (e.g. the
		// reaper cancelled it moments ago). Record the payment and shout:
		// this needs an operator-driven refund.
		log.Printf("🚨 [CONFIRM] OrderID=%s payment completed but order is %s — manual reconciliation required", o.ID, o.Status)
	}
}

func (r *Reconciler) notifyConfirmed(ctx context.Context, o *orders.Order) {
	r.events.OrderConfirmed(ctx, notifications.OrderConfirmed{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Email:       o.Email,
		Total:       o.Total.StringFixed(2),
		Currency:    r.currency,
		ItemCount:   len(o.Items),
	})
}

// HandleWebhook authenticates and dispatches a provider event. Only a bad
// signature is surfaced as an error the HTTP layer turns into a 4xx; internal
// processing failures are returned for logging but acknowledged to the
// provider so it does not retry forever.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	ev, err := r.provider.VerifyWebhookSignature(payload, signatureHeader)
	if err != nil {
		return err
	}

	log.Printf("➡️ [WEBHOOK] type=%s id=%s", ev.Type, ev.ID)

	switch ev.Type {
	case EventIntentSucceeded:
		return r.webhookSucceeded(ctx, ev)
	case EventIntentFailed, EventIntentCanceled:
		return r.webhookFailed(ctx, ev)
	case EventChargeRefunded:
		return r.webhookRefunded(ctx, ev)
	default:
		log.Printf("ℹ️  [WEBHOOK] unhandled event type %s, acknowledged", ev.Type)
		return nil
	}
}

// lockOrderForEvent locates the order an event refers to, preferring the
// intent id (refund events only carry that) and falling back to the order id
// stamped into the intent metadata at creation.
func (r *Reconciler) lockOrderForEvent(ctx context.Context, tx orders.DBTX, ev *Event) (*orders.Order, error) {
	o, err := r.repository.GetByTransactionIDForUpdate(ctx, tx, ev.IntentID())
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, orders.ErrOrderNotFound) {
		return nil, err
	}
	if orderID := ev.Data.Object.Metadata["order_id"]; orderID != "" {
		return r.repository.GetByIDForUpdate(ctx, tx, orderID)
	}
	return nil, orders.ErrOrderNotFound
}

func (r *Reconciler) webhookSucceeded(ctx context.Context, ev *Event) error {
	tx, err := r.repository.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := r.lockOrderForEvent(ctx, tx, ev)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.ID, err)
	}
	if o.Payment.Status == orders.PaymentCompleted {
		log.Printf("ℹ️  [WEBHOOK] OrderID=%s already completed, idempotent ack", o.ID)
		return nil
	}

	r.settle(ctx, o, ev.IntentID())
	if err := r.repository.Update(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit webhook settlement: %w", err)
	}

	r.notifyConfirmed(ctx, o)
	if r.confirmations != nil {
		r.confirmations.Add(ctx, 1)
	}
	log.Printf("✅ [WEBHOOK] OrderID=%s payment settled", o.ID)
	return nil
}

// webhookFailed marks the payment failed but leaves the order pending so the
// customer can retry with another method. Reserved stock is released by the
// expiry reaper or an explicit cancellation, not here. A failure event
// arriving after a success is ignored: the terminal state wins.
func (r *Reconciler) webhookFailed(ctx context.Context, ev *Event) error {
	tx, err := r.repository.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := r.lockOrderForEvent(ctx, tx, ev)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.ID, err)
	}
	if o.Payment.Status == orders.PaymentCompleted || o.Payment.Status == orders.PaymentRefunded {
		log.Printf("ℹ️  [WEBHOOK] OrderID=%s is %s, ignoring stale failure event", o.ID, o.Payment.Status)
		return nil
	}
	if o.Payment.Status == orders.PaymentFailed {
		return nil
	}

	o.Payment.Status = orders.PaymentFailed
	if err := r.repository.Update(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit webhook failure: %w", err)
	}

	if r.failures != nil {
		r.failures.Add(ctx, 1)
	}
	log.Printf("❌ [WEBHOOK] OrderID=%s payment failed, order left pending for retry", o.ID)
	return nil
}

func (r *Reconciler) webhookRefunded(ctx context.Context, ev *Event) error {
	tx, err := r.repository.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := r.repository.GetByTransactionIDForUpdate(ctx, tx, ev.IntentID())
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.ID, err)
	}
	if o.Payment.Status == orders.PaymentRefunded {
		log.Printf("ℹ️  [WEBHOOK] OrderID=%s already refunded, idempotent ack", o.ID)
		return nil
	}

	o.Payment.Status = orders.PaymentRefunded
	if o.CanTransition(orders.StatusRefunded) {
		_ = o.Transition(orders.StatusRefunded, "provider", "Charge refunded")
	} else {
		log.Printf("🚨 [WEBHOOK] OrderID=%s refunded but order is %s — manual reconciliation required", o.ID, o.Status)
	}

	if err := r.repository.Update(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit webhook refund: %w", err)
	}

	if r.refunds != nil {
		r.refunds.Add(ctx, 1)
	}
	log.Printf("↩️ [WEBHOOK] OrderID=%s marked refunded", o.ID)
	return nil
}

// CreateRefund refunds an order through the provider. State flips only after
// the provider confirms — never optimistically. An omitted amount refunds the
// full order total. Refunds do not restore inventory.
func (r *Reconciler) CreateRefund(ctx context.Context, orderID string, amount *decimal.Decimal, reason string) (*orders.Refund, *orders.Order, error) {
	log.Printf("➡️ [REFUND] OrderID=%s", orderID)

	tx, err := r.repository.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := r.repository.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if o.Payment.TransactionID == "" {
		return nil, nil, ErrNoPaymentTransaction
	}
	if o.Payment.Status == orders.PaymentRefunded {
		return nil, nil, ErrAlreadyRefunded
	}

	refundAmount := o.Total
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount.Add(o.RefundedAmount()).GreaterThan(o.Total) {
		return nil, nil, ErrRefundTooLarge
	}

	result, err := r.provider.Refund(ctx, o.Payment.TransactionID, minorUnits(refundAmount), reason)
	if err != nil {
		return nil, nil, err
	}
	if result.Status != IntentSucceeded {
		return nil, nil, fmt.Errorf("%w: refund %s is %s", ErrProvider, result.ID, result.Status)
	}

	record := orders.Refund{
		ID:               uuid.New().String(),
		ProviderRefundID: result.ID,
		Amount:           refundAmount,
		Reason:           reason,
		CreatedAt:        time.Now().UTC(),
	}
	o.Refunds = append(o.Refunds, record)
	o.Payment.Status = orders.PaymentRefunded
	if o.CanTransition(orders.StatusRefunded) {
		_ = o.Transition(orders.StatusRefunded, "admin", "Refund issued")
	}

	if err := r.repository.Update(ctx, tx, o); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	if r.refunds != nil {
		r.refunds.Add(ctx, 1)
	}
	log.Printf("✅ [REFUND] OrderID=%s RefundID=%s Amount=%s", orderID, result.ID, refundAmount.StringFixed(2))
	return &record, o, nil
}

func orderOwnedBy(o *orders.Order, id cart.Identity) bool {
	return (id.CustomerID != "" && o.CustomerID == id.CustomerID) ||
		(id.SessionID != "" && o.CustomerID == id.SessionID)
}

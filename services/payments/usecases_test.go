package payments

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-core/services/cart"
	"github.com/matheusmosca/checkout-core/services/notifications"
	"github.com/matheusmosca/checkout-core/services/orders"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// fakeTx satisfies pgx.Tx; the repository methods themselves are mocked.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// MockOrderRepository simulates order persistence.
type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	args := m.Called(ctx)
	return args.Get(0).(pgx.Tx), args.Error(1)
}

func (m *MockOrderRepository) NextNumber(ctx context.Context, q orders.DBTX, period string) (int, error) {
	args := m.Called(ctx, q, period)
	return args.Int(0), args.Error(1)
}

func (m *MockOrderRepository) Create(ctx context.Context, q orders.DBTX, o *orders.Order) error {
	args := m.Called(ctx, q, o)
	return args.Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, orderID string) (*orders.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orders.Order), args.Error(1)
}

func (m *MockOrderRepository) GetByIDForUpdate(ctx context.Context, q orders.DBTX, orderID string) (*orders.Order, error) {
	args := m.Called(ctx, q, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orders.Order), args.Error(1)
}

func (m *MockOrderRepository) GetByTransactionID(ctx context.Context, transactionID string) (*orders.Order, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orders.Order), args.Error(1)
}

func (m *MockOrderRepository) GetByTransactionIDForUpdate(ctx context.Context, q orders.DBTX, transactionID string) (*orders.Order, error) {
	args := m.Called(ctx, q, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orders.Order), args.Error(1)
}

func (m *MockOrderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*orders.Order, error) {
	args := m.Called(ctx, customerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*orders.Order), args.Error(1)
}

func (m *MockOrderRepository) Update(ctx context.Context, q orders.DBTX, o *orders.Order) error {
	args := m.Called(ctx, q, o)
	return args.Error(0)
}

func (m *MockOrderRepository) FindExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockProvider simulates the payment gateway.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error) {
	args := m.Called(ctx, amount, currency, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Intent), args.Error(1)
}

func (m *MockProvider) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Intent), args.Error(1)
}

func (m *MockProvider) Refund(ctx context.Context, intentID string, amount int64, reason string) (*RefundResult, error) {
	args := m.Called(ctx, intentID, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RefundResult), args.Error(1)
}

func (m *MockProvider) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	args := m.Called(payload, signatureHeader)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Event), args.Error(1)
}

type reconcilerFixture struct {
	repo       *MockOrderRepository
	provider   *MockProvider
	reconciler *Reconciler
	tx         *fakeTx
}

func newReconcilerFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		repo:     new(MockOrderRepository),
		provider: new(MockProvider),
		tx:       &fakeTx{},
	}
	f.reconciler = NewReconciler(f.repo, f.provider, notifications.NoopEvents{}, "usd", nil)
	return f
}

func pendingOrder() *orders.Order {
	return &orders.Order{
		ID:         "order-1",
		Number:     "ORD-202608-00001",
		CustomerID: "customer-1",
		Email:      "ana@example.com",
		Total:      d("27.00"),
		Status:     orders.StatusPending,
		Payment:    orders.Payment{Method: "card", Status: orders.PaymentPending},
	}
}

func TestCreateIntentForOrderUsesStoredTotal(t *testing.T) {
	// Arrange
	f := newReconcilerFixture()
	o := pendingOrder()

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("CreateIntent", mock.Anything, int64(2700), "usd", mock.Anything).
		Return(&Intent{ID: "pi_1", ClientSecret: "secret", Status: IntentProcessing, Amount: 2700}, nil)
	f.repo.On("Update", mock.Anything, f.tx, o).Return(nil)

	// Act
	intent, err := f.reconciler.CreateIntentForOrder(context.Background(), "order-1", nil)

	// Assert: 27.00 becomes 2700 minor units and the intent id is stored.
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1", o.Payment.TransactionID)
	assert.True(t, f.tx.committed)
}

func TestCreateIntentForOrderReusesExistingIntent(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Payment.TransactionID = "pi_1"

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("GetIntent", mock.Anything, "pi_1").
		Return(&Intent{ID: "pi_1", Status: IntentProcessing, Amount: 2700}, nil)

	intent, err := f.reconciler.CreateIntentForOrder(context.Background(), "order-1", nil)

	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	f.provider.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateIntentForOrderAlreadyPaid(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Payment.Status = orders.PaymentCompleted

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)

	_, err := f.reconciler.CreateIntentForOrder(context.Background(), "order-1", nil)

	assert.ErrorIs(t, err, ErrOrderAlreadyPaid)
}

func TestConfirmPaymentHappyPath(t *testing.T) {
	// Arrange
	f := newReconcilerFixture()
	o := pendingOrder()

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("GetIntent", mock.Anything, "pi_1").
		Return(&Intent{ID: "pi_1", Status: IntentSucceeded, Amount: 2700}, nil)
	f.repo.On("Update", mock.Anything, f.tx, o).Return(nil)

	// Act
	confirmed, err := f.reconciler.ConfirmPayment(context.Background(), "order-1", "pi_1", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, confirmed.Status)
	assert.Equal(t, orders.PaymentCompleted, confirmed.Payment.Status)
	assert.Equal(t, "pi_1", confirmed.Payment.TransactionID)
	require.NotNil(t, confirmed.Payment.PaidAt)
	assert.True(t, f.tx.committed)
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	// Arrange: the payment already settled; a duplicate confirm must not
	// touch the order again.
	f := newReconcilerFixture()
	paidAt := time.Now().UTC().Add(-time.Minute)
	o := pendingOrder()
	o.Status = orders.StatusProcessing
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = "pi_1"
	o.Payment.PaidAt = &paidAt

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)

	// Act
	confirmed, err := f.reconciler.ConfirmPayment(context.Background(), "order-1", "pi_1", nil)

	// Assert: no provider call, no update, PaidAt unchanged.
	require.NoError(t, err)
	assert.Equal(t, paidAt, *confirmed.Payment.PaidAt)
	f.provider.AssertNotCalled(t, "GetIntent", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirmPaymentNotSucceeded(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("GetIntent", mock.Anything, "pi_1").
		Return(&Intent{ID: "pi_1", Status: IntentProcessing, Amount: 2700}, nil)

	_, err := f.reconciler.ConfirmPayment(context.Background(), "order-1", "pi_1", nil)

	assert.ErrorIs(t, err, ErrPaymentNotSucceeded)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentPending, o.Payment.Status)
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestConfirmPaymentAmountMismatch(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("GetIntent", mock.Anything, "pi_1").
		Return(&Intent{ID: "pi_1", Status: IntentSucceeded, Amount: 100}, nil)

	_, err := f.reconciler.ConfirmPayment(context.Background(), "order-1", "pi_1", nil)

	assert.ErrorIs(t, err, ErrPaymentNotSucceeded)
	assert.Equal(t, orders.PaymentPending, o.Payment.Status)
}

func TestConfirmPaymentForbiddenForNonOwner(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)

	_, err := f.reconciler.ConfirmPayment(context.Background(), "order-1", "pi_1",
		&cart.Identity{CustomerID: "someone-else"})

	assert.ErrorIs(t, err, orders.ErrForbidden)
}

func succeededEvent(intentID, orderID string) *Event {
	ev := &Event{ID: "evt_1", Type: EventIntentSucceeded}
	ev.Data.Object.ID = intentID
	ev.Data.Object.Status = IntentSucceeded
	ev.Data.Object.Amount = 2700
	ev.Data.Object.Metadata = map[string]string{"order_id": orderID}
	return ev
}

func TestHandleWebhookSucceededSettlesOrder(t *testing.T) {
	// Arrange
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Payment.TransactionID = "pi_1"
	payload := []byte(`{}`)

	f.provider.On("VerifyWebhookSignature", payload, "sig").Return(succeededEvent("pi_1", "order-1"), nil)
	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByTransactionIDForUpdate", mock.Anything, f.tx, "pi_1").Return(o, nil)
	f.repo.On("Update", mock.Anything, f.tx, o).Return(nil)

	// Act
	err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, orders.PaymentCompleted, o.Payment.Status)
	assert.True(t, f.tx.committed)
}

func TestHandleWebhookSucceededIdempotent(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Status = orders.StatusProcessing
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = "pi_1"
	payload := []byte(`{}`)

	f.provider.On("VerifyWebhookSignature", payload, "sig").Return(succeededEvent("pi_1", "order-1"), nil)
	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByTransactionIDForUpdate", mock.Anything, f.tx, "pi_1").Return(o, nil)

	err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")

	require.NoError(t, err)
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhookFailedLeavesOrderPending(t *testing.T) {
	// Arrange: a failed payment must not cancel the order; the customer can
	// retry with another method.
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Payment.TransactionID = "pi_1"
	payload := []byte(`{}`)

	ev := &Event{ID: "evt_2", Type: EventIntentFailed}
	ev.Data.Object.ID = "pi_1"

	f.provider.On("VerifyWebhookSignature", payload, "sig").Return(ev, nil)
	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByTransactionIDForUpdate", mock.Anything, f.tx, "pi_1").Return(o, nil)
	f.repo.On("Update", mock.Anything, f.tx, o).Return(nil)

	// Act
	err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentFailed, o.Payment.Status)
}

func TestHandleWebhookFailedAfterSuccessIgnored(t *testing.T) {
	// A late failure event must never downgrade a completed payment.
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Status = orders.StatusProcessing
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = "pi_1"
	payload := []byte(`{}`)

	ev := &Event{ID: "evt_2", Type: EventIntentFailed}
	ev.Data.Object.ID = "pi_1"

	f.provider.On("VerifyWebhookSignature", payload, "sig").Return(ev, nil)
	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByTransactionIDForUpdate", mock.Anything, f.tx, "pi_1").Return(o, nil)

	err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")

	require.NoError(t, err)
	assert.Equal(t, orders.PaymentCompleted, o.Payment.Status)
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhookBadSignature(t *testing.T) {
	f := newReconcilerFixture()
	payload := []byte(`{}`)

	f.provider.On("VerifyWebhookSignature", payload, "bad").Return(nil, ErrInvalidWebhookSignature)

	err := f.reconciler.HandleWebhook(context.Background(), payload, "bad")

	assert.ErrorIs(t, err, ErrInvalidWebhookSignature)
	f.repo.AssertNotCalled(t, "Begin", mock.Anything)
}

func TestHandleWebhookUnknownEventIsNoop(t *testing.T) {
	f := newReconcilerFixture()
	payload := []byte(`{}`)

	ev := &Event{ID: "evt_3", Type: "customer.updated"}
	f.provider.On("VerifyWebhookSignature", payload, "sig").Return(ev, nil)

	err := f.reconciler.HandleWebhook(context.Background(), payload, "sig")

	require.NoError(t, err)
	f.repo.AssertNotCalled(t, "Begin", mock.Anything)
}

func TestCreateRefundHappyPath(t *testing.T) {
	// Arrange
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Status = orders.StatusDelivered
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = "pi_1"

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("Refund", mock.Anything, "pi_1", int64(2700), "requested").
		Return(&RefundResult{ID: "re_1", Status: IntentSucceeded, Amount: 2700}, nil)
	f.repo.On("Update", mock.Anything, f.tx, o).Return(nil)

	// Act
	refund, updated, err := f.reconciler.CreateRefund(context.Background(), "order-1", nil, "requested")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.ProviderRefundID)
	assert.True(t, refund.Amount.Equal(d("27.00")))
	assert.Equal(t, orders.StatusRefunded, updated.Status)
	assert.Equal(t, orders.PaymentRefunded, updated.Payment.Status)
	require.Len(t, updated.Refunds, 1)
}

func TestCreateRefundNoTransaction(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)

	_, _, err := f.reconciler.CreateRefund(context.Background(), "order-1", nil, "")

	assert.ErrorIs(t, err, ErrNoPaymentTransaction)
	f.provider.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRefundTwiceRejected(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Status = orders.StatusRefunded
	o.Payment.Status = orders.PaymentRefunded
	o.Payment.TransactionID = "pi_1"
	o.Refunds = []orders.Refund{{ID: "r1", Amount: d("27.00")}}

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)

	_, _, err := f.reconciler.CreateRefund(context.Background(), "order-1", nil, "")

	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	f.provider.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRefundProviderFailureLeavesStateUntouched(t *testing.T) {
	// The local state flips only after the provider confirms.
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Status = orders.StatusDelivered
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = "pi_1"

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)
	f.provider.On("Refund", mock.Anything, "pi_1", int64(2700), "").
		Return(nil, ErrProvider)

	_, _, err := f.reconciler.CreateRefund(context.Background(), "order-1", nil, "")

	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, orders.PaymentCompleted, o.Payment.Status)
	assert.Equal(t, orders.StatusDelivered, o.Status)
	assert.Empty(t, o.Refunds)
	f.repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateRefundAmountExceedsTotal(t *testing.T) {
	f := newReconcilerFixture()
	o := pendingOrder()
	o.Payment.Status = orders.PaymentCompleted
	o.Payment.TransactionID = "pi_1"

	f.repo.On("Begin", mock.Anything).Return(f.tx, nil)
	f.repo.On("GetByIDForUpdate", mock.Anything, f.tx, "order-1").Return(o, nil)

	amount := d("100.00")
	_, _, err := f.reconciler.CreateRefund(context.Background(), "order-1", &amount, "")

	assert.ErrorIs(t, err, ErrRefundTooLarge)
}

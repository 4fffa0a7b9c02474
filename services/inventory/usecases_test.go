package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRepository simulates the stock store.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CheckAvailable(ctx context.Context, productID, variantID string, quantity int) (bool, error) {
	args := m.Called(ctx, productID, variantID, quantity)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) GetStockForUpdate(ctx context.Context, q DBTX, productID, variantID string) (int, error) {
	args := m.Called(ctx, q, productID, variantID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) Decrement(ctx context.Context, q DBTX, productID, variantID string, quantity int, orderID string) error {
	args := m.Called(ctx, q, productID, variantID, quantity, orderID)
	return args.Error(0)
}

func (m *MockRepository) Increment(ctx context.Context, q DBTX, productID, variantID string, quantity int) error {
	args := m.Called(ctx, q, productID, variantID, quantity)
	return args.Error(0)
}

func (m *MockRepository) RestoreForOrder(ctx context.Context, q DBTX, orderID string) (int, error) {
	args := m.Called(ctx, q, orderID)
	return args.Int(0), args.Error(1)
}

func TestInsufficientStockErrorWrapsSentinel(t *testing.T) {
	err := &InsufficientStockError{ProductID: "prod-1", Requested: 5}

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Contains(t, err.Error(), "prod-1")
	assert.Contains(t, err.Error(), "5")

	withVariant := &InsufficientStockError{ProductID: "prod-1", VariantID: "var-1", Requested: 2}
	assert.Contains(t, withVariant.Error(), "var-1")
}

func TestDecrementPropagatesStockError(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, nil, nil)
	stockErr := &InsufficientStockError{ProductID: "prod-1", Requested: 3}

	repo.On("Decrement", mock.Anything, nil, "prod-1", "", 3, "order-1").Return(stockErr)

	// Act
	err := ledger.Decrement(context.Background(), nil, "prod-1", "", 3, "order-1")

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

func TestRestoreForOrderAlreadyRestoredIsNoop(t *testing.T) {
	// Arrange: the repository reports zero movements inserted, meaning a
	// prior cancellation already re-credited this order.
	repo := new(MockRepository)
	ledger := NewLedger(repo, nil, nil)

	repo.On("RestoreForOrder", mock.Anything, nil, "order-1").Return(0, nil)

	// Act
	err := ledger.RestoreForOrder(context.Background(), nil, "order-1")

	// Assert
	assert.NoError(t, err)
}

func TestRestoreForOrderFailure(t *testing.T) {
	repo := new(MockRepository)
	ledger := NewLedger(repo, nil, nil)
	dbErr := errors.New("connection reset")

	repo.On("RestoreForOrder", mock.Anything, nil, "order-1").Return(0, dbErr)

	err := ledger.RestoreForOrder(context.Background(), nil, "order-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
}

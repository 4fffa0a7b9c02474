package cart

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-core/services/catalog"
	"github.com/matheusmosca/checkout-core/services/inventory"
)

// MockRepository simulates cart persistence.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetByID(ctx context.Context, cartID string) (*Cart, error) {
	args := m.Called(ctx, cartID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Cart), args.Error(1)
}

func (m *MockRepository) GetByCustomer(ctx context.Context, customerID string) (*Cart, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Cart), args.Error(1)
}

func (m *MockRepository) GetBySession(ctx context.Context, sessionID string) (*Cart, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Cart), args.Error(1)
}

func (m *MockRepository) Save(ctx context.Context, c *Cart) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockRepository) Delete(ctx context.Context, cartID string) error {
	args := m.Called(ctx, cartID)
	return args.Error(0)
}

func (m *MockRepository) DeleteExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) GetDiscountCode(ctx context.Context, code string) (*Discount, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Discount), args.Error(1)
}

func (m *MockRepository) GetShippingMethod(ctx context.Context, methodID string) (*ShippingMethod, error) {
	args := m.Called(ctx, methodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ShippingMethod), args.Error(1)
}

// MockCatalog simulates the product read model.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) GetProduct(ctx context.Context, productID string) (*catalog.Product, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Product), args.Error(1)
}

// MockStock simulates the inventory availability check.
type MockStock struct {
	mock.Mock
}

func (m *MockStock) CheckAvailable(ctx context.Context, productID, variantID string, quantity int) (bool, error) {
	args := m.Called(ctx, productID, variantID, quantity)
	return args.Bool(0), args.Error(1)
}

func newTestService(repo *MockRepository, cat *MockCatalog, stock *MockStock) *Service {
	return NewService(repo, NoopCache{}, cat, stock, decimal.Zero)
}

func activeProduct() *catalog.Product {
	return &catalog.Product{
		ID:       "prod-1",
		Name:     "Widget",
		SKU:      "W-1",
		Price:    d("10.00"),
		IsActive: true,
		Stock:    10,
	}
}

func TestAddItemCreatesCartOnFirstAccess(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	cat.On("GetProduct", mock.Anything, "prod-1").Return(activeProduct(), nil)
	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(nil, ErrCartNotFound)
	stock.On("CheckAvailable", mock.Anything, "prod-1", "", 2).Return(true, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	// Act
	c, err := service.AddItem(context.Background(), Identity{CustomerID: "customer-1"}, "prod-1", "", 2)

	// Assert
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, 2, c.Lines[0].Quantity)
	assert.True(t, c.Subtotal.Equal(d("20.00")))
	repo.AssertExpectations(t)
}

func TestAddItemValidatesMergedQuantityAgainstStock(t *testing.T) {
	// Arrange: the cart already holds 3, adding 4 must check availability of 7.
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	existing, _ := NewCart("customer-1", "", decimal.Zero)
	existing.UpsertLine("prod-1", "", "Widget", "W-1", "", d("10.00"), 3, 10)
	existing.Version = 1

	cat.On("GetProduct", mock.Anything, "prod-1").Return(activeProduct(), nil)
	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(existing, nil)
	stock.On("CheckAvailable", mock.Anything, "prod-1", "", 7).Return(false, nil)

	// Act
	_, err := service.AddItem(context.Background(), Identity{CustomerID: "customer-1"}, "prod-1", "", 4)

	// Assert
	require.Error(t, err)
	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-1", stockErr.ProductID)
	assert.Equal(t, 7, stockErr.Requested)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestAddItemInactiveProduct(t *testing.T) {
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	p := activeProduct()
	p.IsActive = false
	cat.On("GetProduct", mock.Anything, "prod-1").Return(p, nil)

	_, err := service.AddItem(context.Background(), Identity{CustomerID: "customer-1"}, "prod-1", "", 1)

	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestAddItemUnknownVariant(t *testing.T) {
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	cat.On("GetProduct", mock.Anything, "prod-1").Return(activeProduct(), nil)

	_, err := service.AddItem(context.Background(), Identity{CustomerID: "customer-1"}, "prod-1", "var-missing", 1)

	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestUpdateItemQuantityZeroRemoves(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	existing, _ := NewCart("customer-1", "", decimal.Zero)
	existing.UpsertLine("prod-1", "", "Widget", "W-1", "", d("10.00"), 3, 10)
	existing.Version = 1
	lineID := existing.Lines[0].ID

	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(existing, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	// Act
	c, err := service.UpdateItemQuantity(context.Background(), Identity{CustomerID: "customer-1"}, lineID, 0)

	// Assert: no stock check needed for a removal
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	stock.AssertNotCalled(t, "CheckAvailable", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyDiscountInvalidCode(t *testing.T) {
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	repo.On("GetDiscountCode", mock.Anything, "NOPE").Return(nil, ErrInvalidDiscountCode)

	_, err := service.ApplyDiscount(context.Background(), Identity{CustomerID: "customer-1"}, "NOPE")

	assert.ErrorIs(t, err, ErrInvalidDiscountCode)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestMutateRetriesOnceOnVersionConflict(t *testing.T) {
	// Arrange: first save loses the CAS race, the retry wins.
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	first, _ := NewCart("customer-1", "", decimal.Zero)
	first.UpsertLine("prod-1", "", "Widget", "W-1", "", d("10.00"), 1, 10)
	first.Version = 1
	second, _ := NewCart("customer-1", "", decimal.Zero)
	second.UpsertLine("prod-1", "", "Widget", "W-1", "", d("10.00"), 1, 10)
	second.Version = 2
	lineID := first.Lines[0].ID
	second.Lines[0].ID = lineID

	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(first, nil).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(ErrVersionConflict).Once()
	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(second, nil).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()

	// Act
	c, err := service.RemoveItem(context.Background(), Identity{CustomerID: "customer-1"}, lineID)

	// Assert
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())
	repo.AssertExpectations(t)
}

func TestMergeFromSkipsUnavailableLines(t *testing.T) {
	// Arrange: the guest cart has two lines; one no longer has stock.
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	guest, _ := NewCart("", "session-1", decimal.Zero)
	guest.UpsertLine("prod-1", "", "Widget", "W-1", "", d("10.00"), 2, 10)
	guest.UpsertLine("prod-2", "", "Gadget", "G-1", "", d("5.00"), 1, 10)

	gone := activeProduct()
	gone.ID = "prod-2"
	gone.Name = "Gadget"
	gone.SKU = "G-1"
	gone.Price = d("5.00")

	repo.On("GetBySession", mock.Anything, "session-1").Return(guest, nil)
	cat.On("GetProduct", mock.Anything, "prod-1").Return(activeProduct(), nil)
	cat.On("GetProduct", mock.Anything, "prod-2").Return(gone, nil)
	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(nil, ErrCartNotFound)
	stock.On("CheckAvailable", mock.Anything, "prod-1", "", 2).Return(true, nil)
	stock.On("CheckAvailable", mock.Anything, "prod-2", "", 1).Return(false, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	repo.On("Delete", mock.Anything, guest.ID).Return(nil)

	// Act
	merged, err := service.MergeFrom(context.Background(), "customer-1", "session-1")

	// Assert: the available line is carried, the unavailable one is skipped,
	// and the guest cart is deleted.
	require.NoError(t, err)
	require.NotNil(t, merged)
	repo.AssertCalled(t, "Delete", mock.Anything, guest.ID)
}

func TestMergeFromNoGuestCart(t *testing.T) {
	repo := new(MockRepository)
	cat := new(MockCatalog)
	stock := new(MockStock)
	service := newTestService(repo, cat, stock)

	repo.On("GetBySession", mock.Anything, "session-1").Return(nil, ErrCartNotFound)
	repo.On("GetByCustomer", mock.Anything, "customer-1").Return(nil, ErrCartNotFound)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)

	merged, err := service.MergeFrom(context.Background(), "customer-1", "session-1")

	require.NoError(t, err)
	assert.True(t, merged.IsEmpty())
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

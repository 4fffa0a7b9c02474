package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-core/services/cart"
	"github.com/matheusmosca/checkout-core/services/inventory"
)

// Handler contains the order HTTP handlers.
type Handler struct {
	service *Service
	tracer  trace.Tracer
}

// NewHandler creates a new order Handler.
func NewHandler(service *Service, tracer trace.Tracer) *Handler {
	return &Handler{service: service, tracer: tracer}
}

// AddressPayload is the wire shape of an address.
type AddressPayload struct {
	Name       string `json:"name" binding:"required"`
	Line1      string `json:"line1" binding:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code" binding:"required"`
	Country    string `json:"country" binding:"required"`
	Phone      string `json:"phone"`
}

func (a AddressPayload) toAddress() Address {
	return Address{
		Name: a.Name, Line1: a.Line1, Line2: a.Line2, City: a.City,
		State: a.State, PostalCode: a.PostalCode, Country: a.Country, Phone: a.Phone,
	}
}

// CreateOrderRequest is the payload for POST /api/orders.
type CreateOrderRequest struct {
	CartID          string          `json:"cart_id" binding:"required"`
	Email           string          `json:"email" binding:"required,email"`
	ShippingAddress AddressPayload  `json:"shipping_address" binding:"required"`
	BillingAddress  *AddressPayload `json:"billing_address"`
	PaymentMethod   string          `json:"payment_method" binding:"required"`
	ShippingMethod  string          `json:"shipping_method"`
	Notes           string          `json:"notes"`
}

// UpdateStatusRequest is the payload for PUT /api/orders/:id/status (admin).
type UpdateStatusRequest struct {
	Status         Status `json:"status" binding:"required"`
	TrackingNumber string `json:"tracking_number"`
}

// CancelRequest is the payload for POST /api/orders/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /api/orders: the checkout.
func (h *Handler) Create(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.checkout")
	defer span.End()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("cart_id", req.CartID))

	id := cart.IdentityFromHeaders(c)
	var billing *Address
	if req.BillingAddress != nil {
		b := req.BillingAddress.toAddress()
		billing = &b
	}

	order, err := h.service.Checkout(ctx, CheckoutRequest{
		CartID:           req.CartID,
		CustomerID:       id.CustomerID,
		SessionID:        id.SessionID,
		Email:            req.Email,
		ShippingAddress:  req.ShippingAddress.toAddress(),
		BillingAddress:   billing,
		PaymentMethod:    req.PaymentMethod,
		ShippingMethodID: req.ShippingMethod,
		Notes:            req.Notes,
	})
	if err != nil {
		respondError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("order_id", order.ID), attribute.String("order_number", order.Number))
	c.JSON(http.StatusCreated, order)
}

// Get handles GET /api/orders/:id.
func (h *Handler) Get(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.get")
	defer span.End()

	requester := requesterFrom(c)
	order, err := h.service.Get(ctx, c.Param("id"), requester)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// List handles GET /api/orders.
func (h *Handler) List(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.list")
	defer span.End()

	ordersList, err := h.service.List(ctx, cart.IdentityFromHeaders(c), 50)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": ordersList})
}

// Cancel handles POST /api/orders/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.cancel")
	defer span.End()

	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	requester := requesterFrom(c)
	actor := "admin"
	if requester != nil {
		actor = "customer"
	}

	order, err := h.service.Cancel(ctx, c.Param("id"), requester, actor, req.Reason)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// UpdateStatus handles PUT /api/orders/:id/status (admin fulfillment).
func (h *Handler) UpdateStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "orders.update_status")
	defer span.End()

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		order *Order
		err   error
	)
	switch req.Status {
	case StatusShipped:
		order, err = h.service.MarkShipped(ctx, c.Param("id"), req.TrackingNumber, "admin")
	case StatusDelivered:
		order, err = h.service.MarkDelivered(ctx, c.Param("id"), "admin")
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be shipped or delivered", "code": "invalid_status"})
		return
	}
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// requesterFrom returns nil for admin requests, which bypass ownership checks.
func requesterFrom(c *gin.Context) *cart.Identity {
	if c.GetBool("is_admin") {
		return nil
	}
	id := cart.IdentityFromHeaders(c)
	return &id
}

// respondError maps order domain errors to HTTP status codes.
func respondError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)

	var stockErr *inventory.InsufficientStockError
	var transitionErr *InvalidTransitionError
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, cart.ErrCartNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "forbidden"})
	case errors.Is(err, ErrEmptyCart):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "empty_cart"})
	case errors.Is(err, cart.ErrProductUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "product_unavailable"})
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{"error": stockErr.Error(), "code": "insufficient_stock", "product_id": stockErr.ProductID})
	case errors.Is(err, cart.ErrInvalidShippingMethod):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "invalid_shipping_method"})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{"error": transitionErr.Error(), "code": "invalid_state_transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

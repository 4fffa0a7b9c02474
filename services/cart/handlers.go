package cart

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-core/services/inventory"
)

// ServiceInterface defines the use-case surface the handlers depend on.
type ServiceInterface interface {
	Get(ctx context.Context, id Identity) (*Cart, error)
	AddItem(ctx context.Context, id Identity, productID, variantID string, quantity int) (*Cart, error)
	UpdateItemQuantity(ctx context.Context, id Identity, lineID string, quantity int) (*Cart, error)
	RemoveItem(ctx context.Context, id Identity, lineID string) (*Cart, error)
	Clear(ctx context.Context, id Identity) (*Cart, error)
	ApplyDiscount(ctx context.Context, id Identity, code string) (*Cart, error)
	SetShippingMethod(ctx context.Context, id Identity, methodID string) (*Cart, error)
	MergeFrom(ctx context.Context, customerID, sessionID string) (*Cart, error)
}

// Handler contains the cart HTTP handlers.
type Handler struct {
	service ServiceInterface
	tracer  trace.Tracer
}

// NewHandler creates a new cart Handler.
func NewHandler(service ServiceInterface, tracer trace.Tracer) *Handler {
	return &Handler{service: service, tracer: tracer}
}

// AddItemRequest is the payload for POST /api/cart/items.
type AddItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
	VariantID string `json:"variant_id"`
}

// UpdateItemRequest is the payload for PUT /api/cart/items/:lineID.
// A quantity of zero or less removes the line.
type UpdateItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

// ApplyDiscountRequest is the payload for POST /api/cart/discount.
type ApplyDiscountRequest struct {
	Code string `json:"code" binding:"required"`
}

// SetShippingRequest is the payload for PUT /api/cart/shipping.
type SetShippingRequest struct {
	MethodID string `json:"method_id" binding:"required"`
}

// MergeRequest is the payload for POST /api/cart/merge.
type MergeRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// IdentityFromHeaders builds the requester identity from the auth headers set
// by the (out of scope) authentication layer.
func IdentityFromHeaders(c *gin.Context) Identity {
	return Identity{
		CustomerID: c.GetHeader("X-Customer-ID"),
		SessionID:  c.GetHeader("X-Session-ID"),
	}
}

// Get handles GET /api/cart.
func (h *Handler) Get(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.get")
	defer span.End()

	crt, err := h.service.Get(ctx, IdentityFromHeaders(c))
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// AddItem handles POST /api/cart/items.
func (h *Handler) AddItem(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.add_item")
	defer span.End()

	var req AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	crt, err := h.service.AddItem(ctx, IdentityFromHeaders(c), req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// UpdateItem handles PUT /api/cart/items/:lineID.
func (h *Handler) UpdateItem(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.update_item")
	defer span.End()

	var req UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	crt, err := h.service.UpdateItemQuantity(ctx, IdentityFromHeaders(c), c.Param("lineID"), *req.Quantity)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// RemoveItem handles DELETE /api/cart/items/:lineID.
func (h *Handler) RemoveItem(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.remove_item")
	defer span.End()

	crt, err := h.service.RemoveItem(ctx, IdentityFromHeaders(c), c.Param("lineID"))
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// Clear handles DELETE /api/cart.
func (h *Handler) Clear(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.clear")
	defer span.End()

	crt, err := h.service.Clear(ctx, IdentityFromHeaders(c))
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// ApplyDiscount handles POST /api/cart/discount.
func (h *Handler) ApplyDiscount(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.apply_discount")
	defer span.End()

	var req ApplyDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	crt, err := h.service.ApplyDiscount(ctx, IdentityFromHeaders(c), req.Code)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// SetShipping handles PUT /api/cart/shipping.
func (h *Handler) SetShipping(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.set_shipping")
	defer span.End()

	var req SetShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	crt, err := h.service.SetShippingMethod(ctx, IdentityFromHeaders(c), req.MethodID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// Merge handles POST /api/cart/merge: a freshly logged-in customer absorbs
// their guest session cart.
func (h *Handler) Merge(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cart.merge")
	defer span.End()

	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	customerID := c.GetHeader("X-Customer-ID")
	if customerID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "merge requires a logged-in customer"})
		return
	}

	crt, err := h.service.MergeFrom(ctx, customerID, req.SessionID)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

// respondError maps cart domain errors to HTTP status codes.
func respondError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)

	var stockErr *inventory.InsufficientStockError
	switch {
	case errors.Is(err, ErrCartNotFound), errors.Is(err, ErrLineNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, ErrCartIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_identity"})
	case errors.Is(err, ErrProductUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "product_unavailable"})
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{"error": stockErr.Error(), "code": "insufficient_stock", "product_id": stockErr.ProductID})
	case errors.Is(err, ErrInvalidDiscountCode):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "invalid_discount_code"})
	case errors.Is(err, ErrInvalidShippingMethod):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "invalid_shipping_method"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

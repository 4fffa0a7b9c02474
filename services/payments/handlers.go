package payments

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-core/services/cart"
	"github.com/matheusmosca/checkout-core/services/orders"
)

// Handler contains the payment HTTP handlers.
type Handler struct {
	reconciler      *Reconciler
	signatureHeader string
	tracer          trace.Tracer
}

// NewHandler creates a new payment Handler.
func NewHandler(reconciler *Reconciler, signatureHeader string, tracer trace.Tracer) *Handler {
	if signatureHeader == "" {
		signatureHeader = "Stripe-Signature"
	}
	return &Handler{reconciler: reconciler, signatureHeader: signatureHeader, tracer: tracer}
}

// CreateIntentRequest is the payload for POST /api/payment/create-intent.
// The amount is charged from the stored order, never from the request.
type CreateIntentRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// ConfirmRequest is the payload for POST /api/payment/confirm.
type ConfirmRequest struct {
	OrderID  string `json:"order_id" binding:"required"`
	IntentID string `json:"payment_intent_id" binding:"required"`
}

// RefundRequest is the payload for POST /api/payment/refund (admin). A nil
// amount refunds the full order total.
type RefundRequest struct {
	OrderID string           `json:"order_id" binding:"required"`
	Amount  *decimal.Decimal `json:"amount"`
	Reason  string           `json:"reason"`
}

// CreateIntent handles POST /api/payment/create-intent.
func (h *Handler) CreateIntent(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.create_intent")
	defer span.End()

	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	intent, err := h.reconciler.CreateIntentForOrder(ctx, req.OrderID, requesterFrom(c))
	if err != nil {
		respondError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("order_id", req.OrderID), attribute.String("intent_id", intent.ID))
	c.JSON(http.StatusOK, gin.H{
		"payment_intent_id": intent.ID,
		"client_secret":     intent.ClientSecret,
		"amount":            intent.Amount,
		"currency":          intent.Currency,
	})
}

// Confirm handles POST /api/payment/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.confirm")
	defer span.End()

	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.reconciler.ConfirmPayment(ctx, req.OrderID, req.IntentID, requesterFrom(c))
	if err != nil {
		respondError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("order_id", order.ID))
	c.JSON(http.StatusOK, order)
}

// Webhook handles POST /api/payment/webhook. The raw body is needed for
// signature verification, so no JSON binding here. The provider only cares
// whether we acknowledged: processing failures are logged and acked so it
// does not retry an event we cannot handle, while a bad signature gets a 400.
func (h *Handler) Webhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.webhook")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if err := h.reconciler.HandleWebhook(ctx, payload, c.GetHeader(h.signatureHeader)); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInvalidWebhookSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_webhook_signature"})
			return
		}
		log.Printf("⚠️ [WEBHOOK] processing failed, acknowledging anyway: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Refund handles POST /api/payment/refund (admin).
func (h *Handler) Refund(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "payments.refund")
	defer span.End()

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refund, order, err := h.reconciler.CreateRefund(ctx, req.OrderID, req.Amount, req.Reason)
	if err != nil {
		respondError(c, span, err)
		return
	}

	span.SetAttributes(attribute.String("order_id", order.ID), attribute.String("refund_id", refund.ID))
	c.JSON(http.StatusOK, gin.H{"refund": refund, "order": order})
}

func requesterFrom(c *gin.Context) *cart.Identity {
	if c.GetBool("is_admin") {
		return nil
	}
	id := cart.IdentityFromHeaders(c)
	return &id
}

// respondError maps payment domain errors to HTTP status codes.
func respondError(c *gin.Context, span trace.Span, err error) {
	span.RecordError(err)

	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, orders.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "forbidden"})
	case errors.Is(err, ErrPaymentNotSucceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "payment_not_succeeded"})
	case errors.Is(err, ErrOrderAlreadyPaid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "order_already_paid"})
	case errors.Is(err, ErrNoPaymentTransaction):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "no_payment_transaction"})
	case errors.Is(err, ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_refunded"})
	case errors.Is(err, ErrRefundTooLarge):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "refund_too_large"})
	case errors.Is(err, ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "provider_error"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrProvider wraps any payment-gateway communication failure. Callers
	// treat it as retryable.
	ErrProvider = errors.New("payment provider error")

	// ErrInvalidWebhookSignature is returned before any webhook processing
	// when the signature header does not match the payload.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
)

// Intent statuses reported by the provider.
const (
	IntentSucceeded  = "succeeded"
	IntentProcessing = "processing"
	IntentCanceled   = "canceled"
)

// Webhook event types this core reconciles.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
	EventChargeRefunded  = "charge.refunded"
)

// Intent is a provider-side payment attempt. Amount is in minor units.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
}

// RefundResult is the provider's view of a refund.
type RefundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// EventObject is the payload object inside a webhook event.
type EventObject struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// Event is a provider webhook event.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object EventObject `json:"object"`
	} `json:"data"`
}

// IntentID returns the payment-intent id the event refers to, whichever field
// carries it: intent events put it in the object id, charge events reference
// it separately.
func (e *Event) IntentID() string {
	if e.Data.Object.PaymentIntent != "" {
		return e.Data.Object.PaymentIntent
	}
	return e.Data.Object.ID
}

// Provider is the payment-gateway collaborator.
type Provider interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	Refund(ctx context.Context, intentID string, amount int64, reason string) (*RefundResult, error)
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error)
}

// RestProvider talks to a Stripe-style REST gateway. Every call goes through
// a circuit breaker so a struggling gateway sheds load fast instead of tying
// up request handlers.
type RestProvider struct {
	client        *resty.Client
	breaker       *gobreaker.CircuitBreaker[*resty.Response]
	webhookSecret []byte
	tolerance     time.Duration
}

// NewRestProvider creates a new RestProvider.
func NewRestProvider(baseURL, apiKey, webhookSecret string) *RestProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(10 * time.Second)

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    "payment-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &RestProvider{
		client:        client,
		breaker:       breaker,
		webhookSecret: []byte(webhookSecret),
		tolerance:     5 * time.Minute,
	}
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *RestProvider) do(call func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := p.breaker.Execute(call)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if resp.IsError() {
		body := resp.Error()
		if pe, ok := body.(*providerError); ok && pe.Error.Message != "" {
			return nil, fmt.Errorf("%w: %s (%d)", ErrProvider, pe.Error.Message, resp.StatusCode())
		}
		return nil, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode())
	}
	return resp, nil
}

// CreateIntent creates a payment intent for the given amount in minor units.
func (p *RestProvider) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*Intent, error) {
	var intent Intent
	_, err := p.do(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"amount":   amount,
				"currency": currency,
				"metadata": metadata,
			}).
			SetResult(&intent).
			SetError(&providerError{}).
			Post("/v1/payment_intents")
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetIntent fetches the current state of a payment intent.
func (p *RestProvider) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	var intent Intent
	_, err := p.do(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetResult(&intent).
			SetError(&providerError{}).
			Get("/v1/payment_intents/" + intentID)
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// Refund asks the provider to refund an intent. amount 0 means a full refund.
func (p *RestProvider) Refund(ctx context.Context, intentID string, amount int64, reason string) (*RefundResult, error) {
	body := map[string]any{"payment_intent": intentID}
	if amount > 0 {
		body["amount"] = amount
	}
	if reason != "" {
		body["reason"] = reason
	}

	var refund RefundResult
	_, err := p.do(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&refund).
			SetError(&providerError{}).
			Post("/v1/refunds")
	})
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// VerifyWebhookSignature authenticates a webhook payload against the
// `t=<unix>,v1=<hex hmac>` signature header and decodes the event. The
// signed string is "<t>.<payload>"; timestamps outside the tolerance window
// are rejected to blunt replay.
func (p *RestProvider) VerifyWebhookSignature(payload []byte, signatureHeader string) (*Event, error) {
	var (
		timestamp int64
		signature string
	)
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, ErrInvalidWebhookSignature
			}
			timestamp = ts
		case "v1":
			signature = v
		}
	}
	if timestamp == 0 || signature == "" {
		return nil, ErrInvalidWebhookSignature
	}
	if p.tolerance > 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age > p.tolerance || age < -p.tolerance {
			return nil, ErrInvalidWebhookSignature
		}
	}

	mac := hmac.New(sha256.New, p.webhookSecret)
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrInvalidWebhookSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &ev, nil
}

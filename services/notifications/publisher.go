package notifications

import (
	"context"
	"encoding/json"
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Events is how the order and payment flows hand notifications off. Every
// method is best effort: publishing happens off the request's critical path
// and a failure is logged, never returned to the caller.
type Events interface {
	OrderConfirmed(ctx context.Context, ev OrderConfirmed)
	OrderShipped(ctx context.Context, ev OrderShipped)
}

// Publisher pushes notification events onto the watermill bus.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher creates a new Publisher.
func NewPublisher(publisher message.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

func (p *Publisher) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️ [NOTIFY] failed to encode %s event: %v", topic, err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := p.publisher.Publish(topic, msg); err != nil {
		log.Printf("⚠️ [NOTIFY] failed to publish %s event: %v", topic, err)
	}
}

// OrderConfirmed publishes an order-confirmation event, fire and forget.
func (p *Publisher) OrderConfirmed(_ context.Context, ev OrderConfirmed) {
	p.publish(TopicOrderConfirmed, ev)
}

// OrderShipped publishes a shipping-notification event, fire and forget.
func (p *Publisher) OrderShipped(_ context.Context, ev OrderShipped) {
	p.publish(TopicOrderShipped, ev)
}

// NoopEvents satisfies Events when the bus is not configured (tests).
type NoopEvents struct{}

func (NoopEvents) OrderConfirmed(context.Context, OrderConfirmed) {}
func (NoopEvents) OrderShipped(context.Context, OrderShipped)    {}

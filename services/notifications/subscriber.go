package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Notifier is the external email collaborator. Delivery internals (templates,
// SMTP, retries) live outside this core.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, email string, ev OrderConfirmed) error
	SendShippingNotification(ctx context.Context, email string, ev OrderShipped) error
}

// LogNotifier is the shipped-with Notifier: it records the notification and
// does nothing else. Real delivery is wired in by the hosting deployment.
type LogNotifier struct{}

func (LogNotifier) SendOrderConfirmation(_ context.Context, email string, ev OrderConfirmed) error {
	log.Printf("📧 [NOTIFY] order confirmation to %s for order %s (total %s)", email, ev.OrderNumber, ev.Total)
	return nil
}

func (LogNotifier) SendShippingNotification(_ context.Context, email string, ev OrderShipped) error {
	log.Printf("📧 [NOTIFY] shipping notification to %s for order %s (tracking %s)", email, ev.OrderNumber, ev.TrackingNumber)
	return nil
}

// Consumer drains the notification topics and invokes the Notifier. Handler
// failures are logged and the message acked anyway; notifications are best
// effort by contract.
type Consumer struct {
	subscriber message.Subscriber
	notifier   Notifier
}

// NewConsumer creates a new Consumer.
func NewConsumer(subscriber message.Subscriber, notifier Notifier) *Consumer {
	return &Consumer{subscriber: subscriber, notifier: notifier}
}

// Run subscribes to every notification topic and blocks until the context is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	confirmed, err := c.subscriber.Subscribe(ctx, TopicOrderConfirmed)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicOrderConfirmed, err)
	}
	shipped, err := c.subscriber.Subscribe(ctx, TopicOrderShipped)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicOrderShipped, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-confirmed:
			if !ok {
				return nil
			}
			c.handleConfirmed(ctx, msg)
		case msg, ok := <-shipped:
			if !ok {
				return nil
			}
			c.handleShipped(ctx, msg)
		}
	}
}

func (c *Consumer) handleConfirmed(ctx context.Context, msg *message.Message) {
	defer msg.Ack()
	var ev OrderConfirmed
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Printf("⚠️ [NOTIFY] bad order.confirmed payload: %v", err)
		return
	}
	if err := c.notifier.SendOrderConfirmation(ctx, ev.Email, ev); err != nil {
		log.Printf("⚠️ [NOTIFY] order confirmation for %s failed: %v", ev.OrderNumber, err)
	}
}

func (c *Consumer) handleShipped(ctx context.Context, msg *message.Message) {
	defer msg.Ack()
	var ev OrderShipped
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		log.Printf("⚠️ [NOTIFY] bad order.shipped payload: %v", err)
		return
	}
	if err := c.notifier.SendShippingNotification(ctx, ev.Email, ev); err != nil {
		log.Printf("⚠️ [NOTIFY] shipping notification for %s failed: %v", ev.OrderNumber, err)
	}
}

package notifications

// Topics carried over the in-process bus.
const (
	TopicOrderConfirmed = "order.confirmed"
	TopicOrderShipped   = "order.shipped"
)

// OrderConfirmed is published after a payment settles. It carries the order
// summary the confirmation email needs; consumers never reach back into the
// order store.
type OrderConfirmed struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Email       string `json:"email"`
	Total       string `json:"total"`
	Currency    string `json:"currency"`
	ItemCount   int    `json:"item_count"`
}

// OrderShipped is published when fulfillment marks an order shipped.
type OrderShipped struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	Email          string `json:"email"`
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier,omitempty"`
}

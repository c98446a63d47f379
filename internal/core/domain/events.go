package domain

import (
	"time"
)

// Event is a domain event published on the event bus. Events are immutable values
// and only exist transiently; nothing persists them except webhook deliveries.
type Event interface {
	// EventType identifies the concrete event, e.g. "order.created".
	EventType() string
	// OccurredAt is when the underlying business fact happened.
	OccurredAt() time.Time
}

// Event types published by the write tools.
const (
	EventOrderCreated      = "order.created"
	EventPaymentPosted     = "payment.posted"
	EventInventoryAdjusted = "inventory.adjusted"
)

// KnownEventTypes lists the event types that webhook subscriptions may target.
var KnownEventTypes = []string{
	EventOrderCreated,
	EventPaymentPosted,
	EventInventoryAdjusted,
}

// OrderCreated is published after a sales order is accepted by the ERP.
type OrderCreated struct {
	OrderID    string    `json:"orderId"`
	CustomerID string    `json:"customerId"`
	Total      float64   `json:"total"`
	Currency   string    `json:"currency"`
	Lines      int       `json:"lines"`
	CreatedBy  string    `json:"createdBy"`
	At         time.Time `json:"at"`
}

func (OrderCreated) EventType() string       { return EventOrderCreated }
func (e OrderCreated) OccurredAt() time.Time { return e.At }

// PaymentPosted is published after a customer payment is posted.
type PaymentPosted struct {
	PaymentID  string    `json:"paymentId"`
	CustomerID string    `json:"customerId"`
	InvoiceID  string    `json:"invoiceId,omitempty"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	PostedBy   string    `json:"postedBy"`
	At         time.Time `json:"at"`
}

func (PaymentPosted) EventType() string       { return EventPaymentPosted }
func (e PaymentPosted) OccurredAt() time.Time { return e.At }

// InventoryAdjusted is published after an on-hand quantity changes.
type InventoryAdjusted struct {
	ItemID     string    `json:"itemId"`
	Warehouse  string    `json:"warehouse"`
	Delta      float64   `json:"delta"`
	OnHand     float64   `json:"onHand"`
	Reason     string    `json:"reason,omitempty"`
	AdjustedBy string    `json:"adjustedBy"`
	At         time.Time `json:"at"`
}

func (InventoryAdjusted) EventType() string       { return EventInventoryAdjusted }
func (e InventoryAdjusted) OccurredAt() time.Time { return e.At }

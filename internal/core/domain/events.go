package domain

import "time"

const (
	EventTypeCheckoutCompleted = "checkout.completed"
	EventTypeCheckoutExpired   = "checkout.expired"
	EventTypeCheckoutCancelled = "checkout.cancelled"
)

// CheckoutCompletedEvent is published after the checkout has committed, keyed
// by checkout ID. Consumers (shipment, notification) are external.
type CheckoutCompletedEvent struct {
	Type        string    `json:"type"`
	CheckoutID  string    `json:"checkout_id"`
	PaymentID   string    `json:"payment_id"`
	MemberID    string    `json:"member_id"`
	OrderIDs    []string  `json:"order_ids"`
	TotalAmount int64     `json:"total_amount"`
	CompletedAt time.Time `json:"completed_at"`
}

type CheckoutExpiredEvent struct {
	Type       string    `json:"type"`
	CheckoutID string    `json:"checkout_id"`
	MemberID   string    `json:"member_id"`
	ExpiredAt  time.Time `json:"expired_at"`
}

type CheckoutCancelledEvent struct {
	Type        string    `json:"type"`
	CheckoutID  string    `json:"checkout_id"`
	MemberID    string    `json:"member_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

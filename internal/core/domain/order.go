package domain

import "time"

type OrderItem struct {
	ProductID   string
	StockID     string
	ProductName string
	Quantity    int
	UnitPrice   int64
}

// Order is created exactly once per (checkout, seller) pair. It references
// its Checkout and Payment by ID only and is immutable at creation; later
// lifecycle (fulfillment, claims) lives elsewhere.
type Order struct {
	ID          string
	OrderNumber string
	CheckoutID  string
	PaymentID   string
	SellerID    string
	MemberID    string
	Items       []OrderItem
	Shipping    ShippingAddress
	TotalAmount int64
	CreatedAt   time.Time
}

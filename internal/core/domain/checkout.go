package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoCheckoutItems        = errors.New("checkout requires at least one item")
	ErrInvalidCheckoutItem    = errors.New("invalid checkout item")
	ErrCheckoutNotCompletable = errors.New("checkout is not in a completable state")
	ErrCheckoutNotExpirable   = errors.New("checkout is not in an expirable state")
	ErrCheckoutNotCancellable = errors.New("checkout is not in a cancellable state")
)

type CheckoutStatus string

const (
	CheckoutStatusCreated   CheckoutStatus = "CREATED"
	CheckoutStatusCompleted CheckoutStatus = "COMPLETED"
	CheckoutStatusExpired   CheckoutStatus = "EXPIRED"
	CheckoutStatusCancelled CheckoutStatus = "CANCELLED"
)

type CheckoutItem struct {
	ProductID   string
	StockID     string
	SellerID    string
	ProductName string
	Quantity    int
	UnitPrice   int64
}

// ShippingAddress is the point-in-time delivery snapshot captured at checkout
// creation. Orders carry a copy, never a reference.
type ShippingAddress struct {
	ReceiverName  string
	ReceiverPhone string
	Address       string
	AddressDetail string
	ZipCode       string
	Memo          string
}

// StockRequirement is the aggregated quantity needed for one SKU.
type StockRequirement struct {
	StockID  string
	Quantity int
}

// Checkout is a snapshot of purchase intent awaiting payment confirmation.
// Line items are immutable after creation; status moves one-directionally
// from CREATED to exactly one of COMPLETED, EXPIRED or CANCELLED. Transition
// methods return a new value and never mutate the receiver.
type Checkout struct {
	ID          string
	MemberID    string
	Status      CheckoutStatus
	Items       []CheckoutItem
	Shipping    ShippingAddress
	TotalAmount int64
	OrderIDs    []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time
}

func NewCheckout(memberID string, items []CheckoutItem, shipping ShippingAddress, ttl time.Duration, now time.Time) (Checkout, error) {
	if memberID == "" {
		return Checkout{}, errors.New("member id is required")
	}
	if len(items) == 0 {
		return Checkout{}, ErrNoCheckoutItems
	}

	var total int64
	for _, item := range items {
		if item.StockID == "" || item.SellerID == "" {
			return Checkout{}, fmt.Errorf("%w: stock and seller ids are required", ErrInvalidCheckoutItem)
		}
		if item.Quantity <= 0 {
			return Checkout{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidCheckoutItem)
		}
		if item.UnitPrice < 0 {
			return Checkout{}, fmt.Errorf("%w: unit price must not be negative", ErrInvalidCheckoutItem)
		}
		total += int64(item.Quantity) * item.UnitPrice
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Checkout{}, fmt.Errorf("generate checkout id: %w", err)
	}

	return Checkout{
		ID:          id.String(),
		MemberID:    memberID,
		Status:      CheckoutStatusCreated,
		Items:       append([]CheckoutItem(nil), items...),
		Shipping:    shipping,
		TotalAmount: total,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Complete transitions CREATED -> COMPLETED and records the resulting order
// IDs. The order-ID list is set exactly once.
func (c Checkout) Complete(orderIDs []string, now time.Time) (Checkout, error) {
	if c.Status != CheckoutStatusCreated {
		return Checkout{}, fmt.Errorf("%w: status %s", ErrCheckoutNotCompletable, c.Status)
	}
	if len(orderIDs) == 0 {
		return Checkout{}, errors.New("completion requires at least one order id")
	}

	completed := c
	completed.Status = CheckoutStatusCompleted
	completed.OrderIDs = append([]string(nil), orderIDs...)
	completed.CompletedAt = now
	return completed, nil
}

func (c Checkout) Expire() (Checkout, error) {
	if c.Status != CheckoutStatusCreated {
		return Checkout{}, fmt.Errorf("%w: status %s", ErrCheckoutNotExpirable, c.Status)
	}
	expired := c
	expired.Status = CheckoutStatusExpired
	return expired, nil
}

func (c Checkout) Cancel() (Checkout, error) {
	if c.Status != CheckoutStatusCreated {
		return Checkout{}, fmt.Errorf("%w: status %s", ErrCheckoutNotCancellable, c.Status)
	}
	cancelled := c
	cancelled.Status = CheckoutStatusCancelled
	return cancelled, nil
}

func (c Checkout) IsExpiredAt(now time.Time) bool {
	return c.Status == CheckoutStatusCreated && !now.Before(c.ExpiresAt)
}

// StockRequirements aggregates item quantities per SKU, sorted ascending by
// stock ID. Every multi-SKU decrement path must follow this order so that
// concurrent checkouts touching the same SKUs cannot deadlock each other.
func (c Checkout) StockRequirements() []StockRequirement {
	quantities := make(map[string]int, len(c.Items))
	for _, item := range c.Items {
		quantities[item.StockID] += item.Quantity
	}

	reqs := make([]StockRequirement, 0, len(quantities))
	for stockID, qty := range quantities {
		reqs = append(reqs, StockRequirement{StockID: stockID, Quantity: qty})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].StockID < reqs[j].StockID })
	return reqs
}

// ItemsBySeller partitions the line items by seller reference.
func (c Checkout) ItemsBySeller() map[string][]CheckoutItem {
	partitions := make(map[string][]CheckoutItem)
	for _, item := range c.Items {
		partitions[item.SellerID] = append(partitions[item.SellerID], item)
	}
	return partitions
}

// SellerIDs returns the distinct seller references in ascending order, so
// per-seller order creation is deterministic.
func (c Checkout) SellerIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, item := range c.Items {
		if _, ok := seen[item.SellerID]; !ok {
			seen[item.SellerID] = struct{}{}
			ids = append(ids, item.SellerID)
		}
	}
	sort.Strings(ids)
	return ids
}

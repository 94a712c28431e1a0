package port

import (
	"context"
	"errors"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
)

// ErrStateConflict is returned by conditional updates when the aggregate was
// no longer in the expected source state. It is the store-level guard against
// double-approval and double-completion.
var ErrStateConflict = errors.New("aggregate state conflict")

type CheckoutRepository interface {
	// CreateCheckout persists a new checkout with its line items
	CreateCheckout(ctx context.Context, checkout domain.Checkout) error

	// FindCheckoutByID returns nil when no checkout exists
	FindCheckoutByID(ctx context.Context, id string) (*domain.Checkout, error)

	// UpdateCheckoutStatus persists a status transition; the update is
	// conditional on the stored status still being CREATED
	UpdateCheckoutStatus(ctx context.Context, checkout domain.Checkout) error

	// FindExpiredCheckouts lists CREATED checkouts whose expiry has passed
	FindExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Checkout, error)
}

type PaymentRepository interface {
	// CreatePayment persists a new PENDING payment
	CreatePayment(ctx context.Context, payment domain.Payment) error

	// FindPaymentByID returns nil when no payment exists
	FindPaymentByID(ctx context.Context, id string) (*domain.Payment, error)

	// FindPaymentByCheckoutID returns the 1:1 payment of a checkout, nil when
	// absent
	FindPaymentByCheckoutID(ctx context.Context, checkoutID string) (*domain.Payment, error)

	// UpdatePaymentStatus persists a PENDING -> APPROVED/FAILED transition;
	// conditional on the stored status still being PENDING
	UpdatePaymentStatus(ctx context.Context, payment domain.Payment) error
}

type OrderRepository interface {
	// CreateOrders persists all orders of one completion attempt in a single
	// transaction
	CreateOrders(ctx context.Context, orders []domain.Order) error

	// FindOrdersByCheckoutID lists orders already created for a checkout,
	// ordered by seller
	FindOrdersByCheckoutID(ctx context.Context, checkoutID string) ([]domain.Order, error)
}

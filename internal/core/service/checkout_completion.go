package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/metrics"
	"github.com/setof/checkout-pipeline/internal/port"
)

const (
	completionLockPrefix = "checkout-completion:"

	// DefaultLockTTL must exceed the worst-case completion sequence with
	// margin. There is no background renewal; lock loss is treated as fatal.
	DefaultLockTTL = 30 * time.Second

	// DefaultCheckoutTTL bounds how long a created checkout may await gateway
	// confirmation before the sweeper expires it.
	DefaultCheckoutTTL = 30 * time.Minute
)

var (
	ErrCompletionInProgress = errors.New("completion already in progress")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrCheckoutNotFound     = errors.New("checkout not found")
	ErrInvalidState         = errors.New("invalid state for completion")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrAmountMismatch       = errors.New("approved amount does not match checkout total")
)

// CompletionResult is returned to the webhook/confirmation caller. Replayed
// marks an idempotent replay of an already-completed checkout.
type CompletionResult struct {
	CheckoutID string
	PaymentID  string
	OrderIDs   []string
	Replayed   bool
}

// StartResult identifies a newly created checkout session and its pending
// payment.
type StartResult struct {
	CheckoutID  string
	PaymentID   string
	TotalAmount int64
	ExpiresAt   time.Time
}

// CheckoutService coordinates checkout completion across the stock ledger,
// the payment/checkout/order stores and the distributed lock. Cross-store
// consistency is this service's responsibility: forward steps are ordered so
// that the only step left inconsistent by a late failure is order creation,
// which is retryable against the already-APPROVED payment.
type CheckoutService struct {
	lock      port.DistributedLock
	stock     port.StockCounter
	checkouts port.CheckoutRepository
	payments  port.PaymentRepository
	orders    port.OrderRepository
	events    port.EventPublisher
	metrics   *metrics.CompletionMetrics
	logger    *slog.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

type Option func(*CheckoutService)

func WithEventPublisher(events port.EventPublisher) Option {
	return func(s *CheckoutService) { s.events = events }
}

func WithMetrics(m *metrics.CompletionMetrics) Option {
	return func(s *CheckoutService) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *CheckoutService) { s.logger = logger }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *CheckoutService) { s.lockTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *CheckoutService) { s.now = now }
}

func NewCheckoutService(
	lock port.DistributedLock,
	stock port.StockCounter,
	checkouts port.CheckoutRepository,
	payments port.PaymentRepository,
	orders port.OrderRepository,
	opts ...Option,
) *CheckoutService {
	s := &CheckoutService{
		lock:      lock,
		stock:     stock,
		checkouts: checkouts,
		payments:  payments,
		orders:    orders,
		logger:    slog.Default(),
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartCheckout snapshots the purchase intent and creates the 1:1 PENDING
// payment awaiting gateway confirmation.
func (s *CheckoutService) StartCheckout(ctx context.Context, memberID string, items []domain.CheckoutItem, shipping domain.ShippingAddress, ttl time.Duration) (*StartResult, error) {
	if ttl <= 0 {
		ttl = DefaultCheckoutTTL
	}
	now := s.now()

	checkout, err := domain.NewCheckout(memberID, items, shipping, ttl, now)
	if err != nil {
		return nil, err
	}
	payment, err := domain.NewPayment(checkout.ID, checkout.TotalAmount, now)
	if err != nil {
		return nil, err
	}

	if err := s.checkouts.CreateCheckout(ctx, checkout); err != nil {
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	if err := s.payments.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	return &StartResult{
		CheckoutID:  checkout.ID,
		PaymentID:   payment.ID,
		TotalAmount: checkout.TotalAmount,
		ExpiresAt:   checkout.ExpiresAt,
	}, nil
}

// CompleteCheckout settles an authorized gateway approval exactly once:
// lock -> state checks -> stock decrement -> payment approval -> per-seller
// orders -> checkout commit, unwinding via stock compensation on failure.
// The gateway confirmation is assumed already obtained by the caller, so no
// external network call happens while the lock is held.
func (s *CheckoutService) CompleteCheckout(ctx context.Context, paymentID, gatewayTxID string, approvedAmount int64) (*CompletionResult, error) {
	if paymentID == "" || gatewayTxID == "" {
		return nil, fmt.Errorf("%w: payment and gateway transaction ids are required", ErrInvalidState)
	}

	start := s.now()
	lockKey := completionLockPrefix + paymentID

	token, acquired, err := s.lock.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire completion lock: %w", err)
	}
	if !acquired {
		s.metrics.RecordAttempt("in_progress", s.now().Sub(start).Seconds())
		return nil, fmt.Errorf("%w: payment %s", ErrCompletionInProgress, paymentID)
	}
	defer func() {
		if releaseErr := s.lock.Release(ctx, lockKey, token); releaseErr != nil {
			// Lock loss means another process may have believed it owned this
			// payment. Never continue silently.
			s.logger.Error("completion lock release failed",
				"payment_id", paymentID,
				"error", releaseErr)
		}
	}()

	result, err := s.complete(ctx, paymentID, gatewayTxID, approvedAmount)
	s.metrics.RecordAttempt(outcomeLabel(result, err), s.now().Sub(start).Seconds())
	return result, err
}

// CancelCheckout abandons a CREATED checkout before settlement and fails its
// pending payment. It takes the same per-payment lock as completion; a payment
// that is already APPROVED cannot be cancelled, the captured money settles
// through the completion retry instead.
func (s *CheckoutService) CancelCheckout(ctx context.Context, checkoutID string) error {
	if checkoutID == "" {
		return fmt.Errorf("%w: checkout id is required", ErrCheckoutNotFound)
	}

	checkout, err := s.checkouts.FindCheckoutByID(ctx, checkoutID)
	if err != nil {
		return fmt.Errorf("load checkout: %w", err)
	}
	if checkout == nil {
		return fmt.Errorf("%w: %s", ErrCheckoutNotFound, checkoutID)
	}

	payment, err := s.payments.FindPaymentByCheckoutID(ctx, checkoutID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}

	if payment != nil {
		paymentID := payment.ID
		lockKey := completionLockPrefix + paymentID
		token, acquired, err := s.lock.Acquire(ctx, lockKey, s.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire completion lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("%w: payment %s", ErrCompletionInProgress, paymentID)
		}
		defer func() {
			if releaseErr := s.lock.Release(ctx, lockKey, token); releaseErr != nil {
				s.logger.Error("completion lock release failed",
					"payment_id", paymentID,
					"error", releaseErr)
			}
		}()

		// Re-read under the lock; a completion may have approved it.
		payment, err = s.payments.FindPaymentByID(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if payment != nil && payment.Status != domain.PaymentStatusPending {
			return fmt.Errorf("%w: payment %s is %s", ErrInvalidState, paymentID, payment.Status)
		}
	}

	now := s.now()

	cancelled, err := checkout.Cancel()
	if err != nil {
		return fmt.Errorf("%w: checkout %s is %s", ErrInvalidState, checkout.ID, checkout.Status)
	}
	if err := s.checkouts.UpdateCheckoutStatus(ctx, cancelled); err != nil {
		if errors.Is(err, port.ErrStateConflict) {
			return fmt.Errorf("%w: checkout %s changed concurrently", ErrInvalidState, checkout.ID)
		}
		return fmt.Errorf("persist checkout cancellation: %w", err)
	}

	if payment != nil {
		failed, err := payment.Fail(now)
		if err == nil {
			if err := s.payments.UpdatePaymentStatus(ctx, failed); err != nil && !errors.Is(err, port.ErrStateConflict) {
				return fmt.Errorf("persist payment failure: %w", err)
			}
		}
	}

	s.publish(ctx, cancelled.ID, domain.CheckoutCancelledEvent{
		Type:        domain.EventTypeCheckoutCancelled,
		CheckoutID:  cancelled.ID,
		MemberID:    cancelled.MemberID,
		CancelledAt: now,
	})
	return nil
}

func (s *CheckoutService) complete(ctx context.Context, paymentID, gatewayTxID string, approvedAmount int64) (*CompletionResult, error) {
	now := s.now()

	payment, err := s.payments.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if payment == nil {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}

	if payment.IsApprovedWith(gatewayTxID) {
		return s.resume(ctx, *payment, now)
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrInvalidState, payment.ID, payment.Status)
	}

	checkout, err := s.checkouts.FindCheckoutByID(ctx, payment.CheckoutID)
	if err != nil {
		return nil, fmt.Errorf("load checkout: %w", err)
	}
	if checkout == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckoutNotFound, payment.CheckoutID)
	}
	if checkout.Status != domain.CheckoutStatusCreated {
		return nil, fmt.Errorf("%w: checkout %s is %s", ErrInvalidState, checkout.ID, checkout.Status)
	}

	requirements := checkout.StockRequirements()
	if err := s.decrementStock(ctx, requirements); err != nil {
		return nil, err
	}

	if approvedAmount != checkout.TotalAmount {
		s.restoreStock(ctx, requirements)
		// Possible tampering or partial approval by the gateway. Surface
		// loudly for manual review, never retry.
		s.logger.Error("approved amount mismatch",
			"payment_id", payment.ID,
			"checkout_id", checkout.ID,
			"expected_amount", checkout.TotalAmount,
			"approved_amount", approvedAmount)
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, checkout.TotalAmount, approvedAmount)
	}

	approved, err := payment.Approve(gatewayTxID, approvedAmount, now)
	if err != nil {
		s.restoreStock(ctx, requirements)
		return nil, fmt.Errorf("approve payment: %w", err)
	}
	if err := s.payments.UpdatePaymentStatus(ctx, approved); err != nil {
		s.restoreStock(ctx, requirements)
		if errors.Is(err, port.ErrStateConflict) {
			return nil, fmt.Errorf("%w: payment %s was approved concurrently", ErrInvalidState, payment.ID)
		}
		return nil, fmt.Errorf("persist payment approval: %w", err)
	}

	return s.finish(ctx, *checkout, approved, requirements, now)
}

// resume handles redelivery for a payment that is already APPROVED with the
// same gateway transaction ID. A completed checkout yields the prior result
// untouched; a still-CREATED checkout is the documented safe retry point and
// re-runs from order creation.
func (s *CheckoutService) resume(ctx context.Context, payment domain.Payment, now time.Time) (*CompletionResult, error) {
	checkout, err := s.checkouts.FindCheckoutByID(ctx, payment.CheckoutID)
	if err != nil {
		return nil, fmt.Errorf("load checkout: %w", err)
	}
	if checkout == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckoutNotFound, payment.CheckoutID)
	}

	switch checkout.Status {
	case domain.CheckoutStatusCompleted:
		return &CompletionResult{
			CheckoutID: checkout.ID,
			PaymentID:  payment.ID,
			OrderIDs:   checkout.OrderIDs,
			Replayed:   true,
		}, nil

	case domain.CheckoutStatusCreated:
		existing, err := s.orders.FindOrdersByCheckoutID(ctx, checkout.ID)
		if err != nil {
			return nil, fmt.Errorf("load orders: %w", err)
		}
		if len(existing) > 0 {
			// Orders were persisted but the checkout commit failed. Stock is
			// already committed to them; only the commit step is redone.
			orderIDs := make([]string, len(existing))
			for i, order := range existing {
				orderIDs[i] = order.ID
			}
			return s.commit(ctx, *checkout, payment, orderIDs, now)
		}

		requirements := checkout.StockRequirements()
		if err := s.decrementStock(ctx, requirements); err != nil {
			return nil, err
		}
		return s.finish(ctx, *checkout, payment, requirements, now)

	default:
		s.logger.Error("approved payment references a dead checkout",
			"payment_id", payment.ID,
			"checkout_id", checkout.ID,
			"checkout_status", checkout.Status)
		return nil, fmt.Errorf("%w: checkout %s is %s", ErrInvalidState, checkout.ID, checkout.Status)
	}
}

// finish runs order creation and the checkout commit. Stock must already be
// decremented; it is restored only if order creation fails, because after
// that the decrement is backed by persisted orders.
func (s *CheckoutService) finish(ctx context.Context, checkout domain.Checkout, payment domain.Payment, requirements []domain.StockRequirement, now time.Time) (*CompletionResult, error) {
	orders, err := BuildOrders(checkout, payment, now)
	if err != nil {
		s.restoreStock(ctx, requirements)
		return nil, fmt.Errorf("build orders: %w", err)
	}
	if err := s.orders.CreateOrders(ctx, orders); err != nil {
		s.restoreStock(ctx, requirements)
		return nil, fmt.Errorf("create orders: %w", err)
	}

	orderIDs := make([]string, len(orders))
	for i, order := range orders {
		orderIDs[i] = order.ID
	}
	return s.commit(ctx, checkout, payment, orderIDs, now)
}

func (s *CheckoutService) commit(ctx context.Context, checkout domain.Checkout, payment domain.Payment, orderIDs []string, now time.Time) (*CompletionResult, error) {
	completed, err := checkout.Complete(orderIDs, now)
	if err != nil {
		return nil, fmt.Errorf("complete checkout: %w", err)
	}
	if err := s.checkouts.UpdateCheckoutStatus(ctx, completed); err != nil {
		return nil, fmt.Errorf("persist checkout completion: %w", err)
	}

	s.publish(ctx, completed.ID, domain.CheckoutCompletedEvent{
		Type:        domain.EventTypeCheckoutCompleted,
		CheckoutID:  completed.ID,
		PaymentID:   payment.ID,
		MemberID:    completed.MemberID,
		OrderIDs:    orderIDs,
		TotalAmount: completed.TotalAmount,
		CompletedAt: now,
	})

	return &CompletionResult{
		CheckoutID: completed.ID,
		PaymentID:  payment.ID,
		OrderIDs:   orderIDs,
	}, nil
}

// decrementStock applies the per-SKU decrements in ascending SKU order. On
// any insufficiency the previously decremented SKUs are rolled back before
// returning, so the ledger is never left partially decremented.
func (s *CheckoutService) decrementStock(ctx context.Context, requirements []domain.StockRequirement) error {
	for i, req := range requirements {
		ok, err := s.stock.DecrementStock(ctx, req.StockID, req.Quantity)
		if err != nil {
			s.restoreStock(ctx, requirements[:i])
			return fmt.Errorf("decrement stock %s: %w", req.StockID, err)
		}
		if !ok {
			s.restoreStock(ctx, requirements[:i])
			return fmt.Errorf("%w: sku %s", ErrInsufficientStock, req.StockID)
		}
	}
	return nil
}

// restoreStock compensates decremented SKUs. A failed restore is retried
// once, then escalated: it is the one failure mode that can silently drift
// the ledger, so it must be loud.
func (s *CheckoutService) restoreStock(ctx context.Context, requirements []domain.StockRequirement) {
	if len(requirements) == 0 {
		return
	}
	s.metrics.RecordStockCompensation()

	for _, req := range requirements {
		if err := s.stock.IncrementStock(ctx, req.StockID, req.Quantity); err != nil {
			if retryErr := s.stock.IncrementStock(ctx, req.StockID, req.Quantity); retryErr != nil {
				s.metrics.RecordCompensationFailure()
				s.logger.Error("stock restore failed, manual reconciliation required",
					"stock_id", req.StockID,
					"quantity", req.Quantity,
					"error", retryErr)
			}
		}
	}
}

func (s *CheckoutService) publish(ctx context.Context, key string, event any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, key, event); err != nil {
		s.logger.Warn("event publish failed", "key", key, "error", err)
	}
}

func outcomeLabel(result *CompletionResult, err error) string {
	switch {
	case err == nil && result != nil && result.Replayed:
		return "replayed"
	case err == nil:
		return "completed"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrCheckoutNotFound):
		return "invalid_state"
	default:
		return "error"
	}
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/metrics"
	"github.com/setof/checkout-pipeline/internal/port"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100
)

// ExpirySweeper moves CREATED checkouts past their expiry to EXPIRED and
// fails their pending payments. It takes the same per-payment completion
// lock as the orchestrator, so it never races an in-flight completion.
type ExpirySweeper struct {
	lock      port.DistributedLock
	checkouts port.CheckoutRepository
	payments  port.PaymentRepository
	events    port.EventPublisher
	metrics   *metrics.CompletionMetrics
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
}

type SweeperConfig struct {
	Lock      port.DistributedLock
	Checkouts port.CheckoutRepository
	Payments  port.PaymentRepository
	Events    port.EventPublisher
	Metrics   *metrics.CompletionMetrics
	Logger    *slog.Logger
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
}

func NewExpirySweeper(cfg SweeperConfig) *ExpirySweeper {
	sweeper := &ExpirySweeper{
		lock:      cfg.Lock,
		checkouts: cfg.Checkouts,
		payments:  cfg.Payments,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		lockTTL:   DefaultLockTTL,
		now:       cfg.Clock,
	}
	if sweeper.logger == nil {
		sweeper.logger = slog.Default()
	}
	if sweeper.interval <= 0 {
		sweeper.interval = defaultSweepInterval
	}
	if sweeper.batchSize <= 0 {
		sweeper.batchSize = defaultSweepBatchSize
	}
	if sweeper.now == nil {
		sweeper.now = time.Now
	}
	return sweeper
}

// Run sweeps on a fixed interval until the context is cancelled.
func (w *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires one batch of overdue checkouts.
func (w *ExpirySweeper) SweepOnce(ctx context.Context) error {
	expired, err := w.checkouts.FindExpiredCheckouts(ctx, w.now(), w.batchSize)
	if err != nil {
		return err
	}

	for _, checkout := range expired {
		if err := w.expire(ctx, checkout); err != nil {
			w.logger.Error("checkout expiry failed",
				"checkout_id", checkout.ID,
				"error", err)
		}
	}
	return nil
}

func (w *ExpirySweeper) expire(ctx context.Context, checkout domain.Checkout) error {
	payment, err := w.payments.FindPaymentByCheckoutID(ctx, checkout.ID)
	if err != nil {
		return err
	}

	if payment != nil {
		paymentID := payment.ID
		lockKey := completionLockPrefix + paymentID
		token, acquired, err := w.lock.Acquire(ctx, lockKey, w.lockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			// A completion attempt is in flight; leave this checkout to it.
			return nil
		}
		defer func() {
			if releaseErr := w.lock.Release(ctx, lockKey, token); releaseErr != nil {
				w.logger.Error("sweeper lock release failed",
					"payment_id", paymentID,
					"error", releaseErr)
			}
		}()

		// Re-read under the lock; a completion attempt may have advanced the
		// payment since the batch was listed. An APPROVED payment is the retry
		// anchor for order creation and its checkout must stay CREATED, or the
		// webhook retry has no path to the captured money.
		payment, err = w.payments.FindPaymentByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment != nil && payment.Status == domain.PaymentStatusApproved {
			w.metrics.RecordApprovedPastExpiry()
			w.logger.Error("approved payment past checkout expiry, leaving for retry",
				"checkout_id", checkout.ID,
				"payment_id", paymentID)
			return nil
		}
	}

	now := w.now()

	expired, err := checkout.Expire()
	if err != nil {
		return err
	}
	if err := w.checkouts.UpdateCheckoutStatus(ctx, expired); err != nil {
		if errors.Is(err, port.ErrStateConflict) {
			// Completed or cancelled since the batch was listed.
			return nil
		}
		return err
	}

	if payment != nil && payment.Status == domain.PaymentStatusPending {
		failed, err := payment.Fail(now)
		if err == nil {
			if err := w.payments.UpdatePaymentStatus(ctx, failed); err != nil && !errors.Is(err, port.ErrStateConflict) {
				return err
			}
		}
	}

	w.metrics.RecordExpiredCheckout()
	if w.events != nil {
		event := domain.CheckoutExpiredEvent{
			Type:       domain.EventTypeCheckoutExpired,
			CheckoutID: checkout.ID,
			MemberID:   checkout.MemberID,
			ExpiredAt:  now,
		}
		if err := w.events.Publish(ctx, checkout.ID, event); err != nil {
			w.logger.Warn("expired event publish failed",
				"checkout_id", checkout.ID,
				"error", err)
		}
	}
	return nil
}

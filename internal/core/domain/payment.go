package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPaymentNotApprovable = errors.New("payment is not in an approvable state")
	ErrPaymentNotFailable   = errors.New("payment is not in a failable state")
	ErrInvalidApproval      = errors.New("invalid approval")
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusApproved PaymentStatus = "APPROVED"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Payment tracks the gateway settlement of one Checkout. It is created in
// PENDING alongside its Checkout, before gateway confirmation. PENDING ->
// APPROVED is the only path into APPROVED, and the approved amount and
// gateway transaction ID are immutable once set.
type Payment struct {
	ID             string
	CheckoutID     string
	Status         PaymentStatus
	ExpectedAmount int64
	ApprovedAmount int64
	GatewayTxID    string
	ApprovedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewPayment(checkoutID string, expectedAmount int64, now time.Time) (Payment, error) {
	if checkoutID == "" {
		return Payment{}, errors.New("checkout id is required")
	}
	if expectedAmount <= 0 {
		return Payment{}, errors.New("expected amount must be positive")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Payment{}, fmt.Errorf("generate payment id: %w", err)
	}

	return Payment{
		ID:             id.String(),
		CheckoutID:     checkoutID,
		Status:         PaymentStatusPending,
		ExpectedAmount: expectedAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Approve transitions PENDING -> APPROVED, recording the gateway transaction
// ID and the settled amount.
func (p Payment) Approve(gatewayTxID string, approvedAmount int64, now time.Time) (Payment, error) {
	if p.Status != PaymentStatusPending {
		return Payment{}, fmt.Errorf("%w: status %s", ErrPaymentNotApprovable, p.Status)
	}
	if gatewayTxID == "" {
		return Payment{}, fmt.Errorf("%w: gateway transaction id is required", ErrInvalidApproval)
	}
	if approvedAmount <= 0 {
		return Payment{}, fmt.Errorf("%w: approved amount must be positive", ErrInvalidApproval)
	}

	approved := p
	approved.Status = PaymentStatusApproved
	approved.GatewayTxID = gatewayTxID
	approved.ApprovedAmount = approvedAmount
	approved.ApprovedAt = now
	approved.UpdatedAt = now
	return approved, nil
}

func (p Payment) Fail(now time.Time) (Payment, error) {
	if p.Status != PaymentStatusPending {
		return Payment{}, fmt.Errorf("%w: status %s", ErrPaymentNotFailable, p.Status)
	}
	failed := p
	failed.Status = PaymentStatusFailed
	failed.UpdatedAt = now
	return failed, nil
}

// IsApprovedWith reports whether this payment was already approved for the
// given gateway transaction. This is the anchor for idempotent webhook
// replay: a matching redelivery gets the prior result instead of re-running
// side effects.
func (p Payment) IsApprovedWith(gatewayTxID string) bool {
	return p.Status == PaymentStatusApproved && p.GatewayTxID == gatewayTxID
}

package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/setof/checkout-pipeline/internal/core/domain"
)

// BuildOrders partitions the checkout line items by seller and builds one
// order per partition, iterating sellers in ascending order so the result is
// deterministic. The shipping snapshot is copied into each order. Pure over
// its inputs; persistence is the caller's job.
func BuildOrders(checkout domain.Checkout, payment domain.Payment, now time.Time) ([]domain.Order, error) {
	partitions := checkout.ItemsBySeller()
	sellerIDs := checkout.SellerIDs()

	orders := make([]domain.Order, 0, len(sellerIDs))
	for _, sellerID := range sellerIDs {
		items := partitions[sellerID]

		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate order id: %w", err)
		}

		var total int64
		orderItems := make([]domain.OrderItem, 0, len(items))
		for _, item := range items {
			total += int64(item.Quantity) * item.UnitPrice
			orderItems = append(orderItems, domain.OrderItem{
				ProductID:   item.ProductID,
				StockID:     item.StockID,
				ProductName: item.ProductName,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
			})
		}

		orders = append(orders, domain.Order{
			ID:          id.String(),
			OrderNumber: newOrderNumber(now),
			CheckoutID:  checkout.ID,
			PaymentID:   payment.ID,
			SellerID:    sellerID,
			MemberID:    checkout.MemberID,
			Items:       orderItems,
			Shipping:    checkout.Shipping,
			TotalAmount: total,
			CreatedAt:   now,
		})
	}
	return orders, nil
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}

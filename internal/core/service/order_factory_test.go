package service

import (
	"strings"
	"testing"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
)

func buildTestCheckout(t *testing.T, items []domain.CheckoutItem) domain.Checkout {
	t.Helper()
	shipping := domain.ShippingAddress{
		ReceiverName:  "Hong Gildong",
		ReceiverPhone: "010-1234-5678",
		Address:       "123 Teheran-ro",
		ZipCode:       "06234",
	}
	checkout, err := domain.NewCheckout("member-1", items, shipping, time.Hour, testTime)
	if err != nil {
		t.Fatalf("new checkout failed: %v", err)
	}
	return checkout
}

func TestBuildOrders_PartitionsBySeller(t *testing.T) {
	checkout := buildTestCheckout(t, []domain.CheckoutItem{
		{ProductID: "p-1", StockID: "sku-a", SellerID: "seller-b", ProductName: "Keyboard", Quantity: 1, UnitPrice: 50000},
		{ProductID: "p-2", StockID: "sku-b", SellerID: "seller-a", ProductName: "Mouse", Quantity: 2, UnitPrice: 20000},
		{ProductID: "p-3", StockID: "sku-c", SellerID: "seller-b", ProductName: "Monitor", Quantity: 1, UnitPrice: 300000},
	})
	payment, err := domain.NewPayment(checkout.ID, checkout.TotalAmount, testTime)
	if err != nil {
		t.Fatalf("new payment failed: %v", err)
	}

	orders, err := BuildOrders(checkout, payment, testTime)
	if err != nil {
		t.Fatalf("build orders failed: %v", err)
	}

	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	// Sellers come out in ascending order.
	if orders[0].SellerID != "seller-a" || orders[1].SellerID != "seller-b" {
		t.Errorf("expected seller-a then seller-b, got %s then %s", orders[0].SellerID, orders[1].SellerID)
	}

	if orders[0].TotalAmount != 40000 {
		t.Errorf("expected seller-a total 40000, got %d", orders[0].TotalAmount)
	}
	if orders[1].TotalAmount != 350000 {
		t.Errorf("expected seller-b total 350000, got %d", orders[1].TotalAmount)
	}
	if len(orders[0].Items) != 1 || len(orders[1].Items) != 2 {
		t.Errorf("expected 1 and 2 items, got %d and %d", len(orders[0].Items), len(orders[1].Items))
	}

	sum := orders[0].TotalAmount + orders[1].TotalAmount
	if sum != checkout.TotalAmount {
		t.Errorf("order totals %d must add up to checkout total %d", sum, checkout.TotalAmount)
	}

	for _, order := range orders {
		if order.CheckoutID != checkout.ID {
			t.Errorf("order %s not linked to checkout", order.ID)
		}
		if order.PaymentID != payment.ID {
			t.Errorf("order %s not linked to payment", order.ID)
		}
		if order.MemberID != "member-1" {
			t.Errorf("order %s missing member", order.ID)
		}
		if order.Shipping != checkout.Shipping {
			t.Errorf("order %s must carry the shipping snapshot", order.ID)
		}
	}
}

func TestBuildOrders_SingleSeller(t *testing.T) {
	checkout := buildTestCheckout(t, []domain.CheckoutItem{
		{ProductID: "p-1", StockID: "sku-a", SellerID: "seller-1", ProductName: "Keyboard", Quantity: 3, UnitPrice: 10000},
	})
	payment, err := domain.NewPayment(checkout.ID, checkout.TotalAmount, testTime)
	if err != nil {
		t.Fatalf("new payment failed: %v", err)
	}

	orders, err := BuildOrders(checkout, payment, testTime)
	if err != nil {
		t.Fatalf("build orders failed: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].TotalAmount != 30000 {
		t.Errorf("expected total 30000, got %d", orders[0].TotalAmount)
	}
}

func TestNewOrderNumber(t *testing.T) {
	number := newOrderNumber(testTime)

	if !strings.HasPrefix(number, "ORD-20250601-") {
		t.Errorf("unexpected order number prefix: %s", number)
	}
	if len(number) != len("ORD-20250601-")+8 {
		t.Errorf("unexpected order number length: %s", number)
	}
	if number == newOrderNumber(testTime) {
		t.Error("order numbers must not repeat")
	}
}

// Contention driver for the completion pipeline: real Redis for the stock
// ledger and the distributed lock, in-memory aggregate stores. Verifies that
// same-payment contention admits one winner and that a shared SKU never
// oversells under concurrent checkouts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/setof/checkout-pipeline/internal/adapter/storage"
	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/core/service"
)

const (
	redisAddr      = "localhost:6379"
	stockID        = "stress-sku"
	initialStock   = 20
	totalCheckouts = 50
	replayCalls    = 25
)

func main() {
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	rdb.Del(ctx, "stock:counter:"+stockID)

	redisAdapter := storage.NewRedisAdapter(rdb)
	if err := redisAdapter.SetStock(ctx, stockID, initialStock); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}

	store := newMemoryStore()
	svc := service.NewCheckoutService(redisAdapter, redisAdapter, store, store, store)

	shipping := domain.ShippingAddress{ReceiverName: "stress", ReceiverPhone: "010-0000-0000", Address: "Seoul"}
	item := domain.CheckoutItem{ProductID: "p-1", StockID: stockID, SellerID: "seller-1", ProductName: "Widget", Quantity: 1, UnitPrice: 1000}

	// Phase 1: distinct checkouts racing for a shared SKU.
	paymentIDs := make([]string, totalCheckouts)
	for i := 0; i < totalCheckouts; i++ {
		result, err := svc.StartCheckout(ctx, fmt.Sprintf("member-%d", i), []domain.CheckoutItem{item}, shipping, 0)
		if err != nil {
			log.Fatalf("start checkout: %v", err)
		}
		paymentIDs[i] = result.PaymentID
	}

	var completed, soldOut atomic.Int32
	var winnersMu sync.Mutex
	var winners []int
	var wg sync.WaitGroup
	start := time.Now()

	for i, paymentID := range paymentIDs {
		wg.Add(1)
		go func(i int, paymentID string) {
			defer wg.Done()
			_, err := svc.CompleteCheckout(ctx, paymentID, fmt.Sprintf("pg-tx-%d", i), 1000)
			switch {
			case err == nil:
				completed.Add(1)
				winnersMu.Lock()
				winners = append(winners, i)
				winnersMu.Unlock()
			case errors.Is(err, service.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				log.Printf("unexpected error: %v", err)
			}
		}(i, paymentID)
	}
	wg.Wait()

	remaining, _ := redisAdapter.GetStock(ctx, stockID)
	fmt.Printf("shared-SKU phase: %d completed, %d sold out in %v (stock left %d)\n",
		completed.Load(), soldOut.Load(), time.Since(start), remaining)
	if int(completed.Load()) != initialStock || remaining != 0 {
		log.Fatalf("oversell or undersell detected")
	}

	// Phase 2: concurrent replays of one already-completed payment.
	winner := winners[0]
	var replayed, inProgress atomic.Int32
	for i := 0; i < replayCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.CompleteCheckout(ctx, paymentIDs[winner], fmt.Sprintf("pg-tx-%d", winner), 1000)
			switch {
			case err == nil && result.Replayed:
				replayed.Add(1)
			case errors.Is(err, service.ErrCompletionInProgress):
				inProgress.Add(1)
			case err != nil:
				log.Printf("unexpected replay error: %v", err)
			}
		}()
	}
	wg.Wait()

	fmt.Printf("replay phase: %d replayed, %d lock-busy, stock unchanged at %d\n",
		replayed.Load(), inProgress.Load(), remaining)
}

// memoryStore implements the three aggregate repositories for load runs
// without MySQL.
type memoryStore struct {
	mu        sync.Mutex
	checkouts map[string]domain.Checkout
	payments  map[string]domain.Payment
	orders    map[string][]domain.Order
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		checkouts: make(map[string]domain.Checkout),
		payments:  make(map[string]domain.Payment),
		orders:    make(map[string][]domain.Order),
	}
}

func (s *memoryStore) CreateCheckout(ctx context.Context, checkout domain.Checkout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkouts[checkout.ID] = checkout
	return nil
}

func (s *memoryStore) FindCheckoutByID(ctx context.Context, id string) (*domain.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkout, ok := s.checkouts[id]
	if !ok {
		return nil, nil
	}
	return &checkout, nil
}

func (s *memoryStore) UpdateCheckoutStatus(ctx context.Context, checkout domain.Checkout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.checkouts[checkout.ID]
	if !ok || current.Status != domain.CheckoutStatusCreated {
		return errors.New("state conflict")
	}
	s.checkouts[checkout.ID] = checkout
	return nil
}

func (s *memoryStore) FindExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Checkout, error) {
	return nil, nil
}

func (s *memoryStore) CreatePayment(ctx context.Context, payment domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[payment.ID] = payment
	return nil
}

func (s *memoryStore) FindPaymentByID(ctx context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[id]
	if !ok {
		return nil, nil
	}
	return &payment, nil
}

func (s *memoryStore) FindPaymentByCheckoutID(ctx context.Context, checkoutID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, payment := range s.payments {
		if payment.CheckoutID == checkoutID {
			return &payment, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) UpdatePaymentStatus(ctx context.Context, payment domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[payment.ID]
	if !ok || current.Status != domain.PaymentStatusPending {
		return errors.New("state conflict")
	}
	s.payments[payment.ID] = payment
	return nil
}

func (s *memoryStore) CreateOrders(ctx context.Context, orders []domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range orders {
		s.orders[order.CheckoutID] = append(s.orders[order.CheckoutID], order)
	}
	return nil
}

func (s *memoryStore) FindOrdersByCheckoutID(ctx context.Context, checkoutID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Order(nil), s.orders[checkoutID]...), nil
}

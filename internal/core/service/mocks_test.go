package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/port"
)

// Mock StockCounter
type mockStock struct {
	mu            sync.Mutex
	quantities    map[string]int
	failIncrement bool
	decrements    int
	increments    int
}

func newMockStock(quantities map[string]int) *mockStock {
	copied := make(map[string]int, len(quantities))
	for k, v := range quantities {
		copied[k] = v
	}
	return &mockStock{quantities: copied}
}

func (m *mockStock) DecrementStock(ctx context.Context, stockID string, quantity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.quantities[stockID]
	if !ok || current < quantity {
		return false, nil
	}
	m.quantities[stockID] = current - quantity
	m.decrements++
	return true, nil
}

func (m *mockStock) IncrementStock(ctx context.Context, stockID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failIncrement {
		return errors.New("redis unavailable")
	}
	m.quantities[stockID] += quantity
	m.increments++
	return nil
}

func (m *mockStock) quantity(stockID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quantities[stockID]
}

// Mock DistributedLock
type mockLock struct {
	mu       sync.Mutex
	held     map[string]string
	nextID   int
	acquires int
	busies   int
}

func newMockLock() *mockLock {
	return &mockLock{held: make(map[string]string)}
}

func (m *mockLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.held[key]; taken {
		m.busies++
		return "", false, nil
	}
	m.nextID++
	token := fmt.Sprintf("token-%d", m.nextID)
	m.held[key] = token
	m.acquires++
	return token, true, nil
}

func (m *mockLock) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[key] != token {
		return port.ErrLockNotHeld
	}
	delete(m.held, key)
	return nil
}

func (m *mockLock) holdKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = "foreign-token"
}

// Mock aggregate stores with injectable failures
type mockStore struct {
	mu        sync.Mutex
	checkouts map[string]domain.Checkout
	payments  map[string]domain.Payment
	orders    map[string][]domain.Order

	createOrdersErr   error
	updateCheckoutErr error
	updatePaymentErr  error
	orderBatches      int
}

func newMockStore() *mockStore {
	return &mockStore{
		checkouts: make(map[string]domain.Checkout),
		payments:  make(map[string]domain.Payment),
		orders:    make(map[string][]domain.Order),
	}
}

func (m *mockStore) CreateCheckout(ctx context.Context, checkout domain.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts[checkout.ID] = checkout
	return nil
}

func (m *mockStore) FindCheckoutByID(ctx context.Context, id string) (*domain.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkout, ok := m.checkouts[id]
	if !ok {
		return nil, nil
	}
	return &checkout, nil
}

func (m *mockStore) UpdateCheckoutStatus(ctx context.Context, checkout domain.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateCheckoutErr != nil {
		return m.updateCheckoutErr
	}
	current, ok := m.checkouts[checkout.ID]
	if !ok || current.Status != domain.CheckoutStatusCreated {
		return fmt.Errorf("update checkout %s: %w", checkout.ID, port.ErrStateConflict)
	}
	m.checkouts[checkout.ID] = checkout
	return nil
}

func (m *mockStore) FindExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []domain.Checkout
	for _, checkout := range m.checkouts {
		if checkout.IsExpiredAt(now) {
			expired = append(expired, checkout)
			if len(expired) == limit {
				break
			}
		}
	}
	return expired, nil
}

func (m *mockStore) CreatePayment(ctx context.Context, payment domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[payment.ID] = payment
	return nil
}

func (m *mockStore) FindPaymentByID(ctx context.Context, id string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &payment, nil
}

func (m *mockStore) FindPaymentByCheckoutID(ctx context.Context, checkoutID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, payment := range m.payments {
		if payment.CheckoutID == checkoutID {
			return &payment, nil
		}
	}
	return nil, nil
}

func (m *mockStore) UpdatePaymentStatus(ctx context.Context, payment domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updatePaymentErr != nil {
		return m.updatePaymentErr
	}
	current, ok := m.payments[payment.ID]
	if !ok || current.Status != domain.PaymentStatusPending {
		return fmt.Errorf("update payment %s: %w", payment.ID, port.ErrStateConflict)
	}
	m.payments[payment.ID] = payment
	return nil
}

func (m *mockStore) CreateOrders(ctx context.Context, orders []domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createOrdersErr != nil {
		return m.createOrdersErr
	}
	for _, order := range orders {
		m.orders[order.CheckoutID] = append(m.orders[order.CheckoutID], order)
	}
	m.orderBatches++
	return nil
}

func (m *mockStore) FindOrdersByCheckoutID(ctx context.Context, checkoutID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Order(nil), m.orders[checkoutID]...), nil
}

func (m *mockStore) checkout(id string) domain.Checkout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkouts[id]
}

func (m *mockStore) payment(id string) domain.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

func (m *mockStore) orderCount(checkoutID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders[checkoutID])
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	events []any
}

func (m *mockPublisher) Publish(ctx context.Context, key string, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

package tests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/setof/checkout-pipeline/internal/adapter/storage"
	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/core/service"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	svc     *service.CheckoutService
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/checkout?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	cache := storage.NewRedisAdapter(rdb)
	store := storage.NewMySQLAdapter(db)

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: cache,
		db:    store,
		svc:   service.NewCheckoutService(cache, cache, store, store, store),
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func (env *testEnv) startCheckout(t *testing.T, memberID string, items []domain.CheckoutItem) *service.StartResult {
	t.Helper()

	shipping := domain.ShippingAddress{
		ReceiverName:  "Hong Gildong",
		ReceiverPhone: "010-1234-5678",
		Address:       "123 Teheran-ro",
		ZipCode:       "06234",
	}
	result, err := env.svc.StartCheckout(context.Background(), memberID, items, shipping, 30*time.Minute)
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}
	return result
}

func TestIntegration_FullCompletionFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	skuA := "itg-flow-sku-a"
	skuB := "itg-flow-sku-b"

	env.cache.SetStock(ctx, skuA, 10)
	env.cache.SetStock(ctx, skuB, 10)

	start := env.startCheckout(t, "itg-member-1", []domain.CheckoutItem{
		{ProductID: "itg-p1", StockID: skuA, SellerID: "itg-seller-1", ProductName: "Keyboard", Quantity: 1, UnitPrice: 50000},
		{ProductID: "itg-p2", StockID: skuB, SellerID: "itg-seller-2", ProductName: "Mouse", Quantity: 2, UnitPrice: 20000},
	})

	result, err := env.svc.CompleteCheckout(ctx, start.PaymentID, "itg-pg-tx-1", 90000)
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if len(result.OrderIDs) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(result.OrderIDs))
	}

	// Redis ledger reflects the decrements.
	if stock, _ := env.cache.GetStock(ctx, skuA); stock != 9 {
		t.Errorf("expected stock 9 for %s, got %d", skuA, stock)
	}
	if stock, _ := env.cache.GetStock(ctx, skuB); stock != 8 {
		t.Errorf("expected stock 8 for %s, got %d", skuB, stock)
	}

	// MySQL holds one order per seller plus the terminal states.
	orders, err := env.db.FindOrdersByCheckoutID(ctx, start.CheckoutID)
	if err != nil {
		t.Fatalf("find orders failed: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("expected 2 persisted orders, got %d", len(orders))
	}

	checkout, err := env.db.FindCheckoutByID(ctx, start.CheckoutID)
	if err != nil || checkout == nil {
		t.Fatalf("find checkout failed: %v", err)
	}
	if checkout.Status != domain.CheckoutStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", checkout.Status)
	}

	payment, err := env.db.FindPaymentByID(ctx, start.PaymentID)
	if err != nil || payment == nil {
		t.Fatalf("find payment failed: %v", err)
	}
	if payment.Status != domain.PaymentStatusApproved {
		t.Errorf("expected APPROVED, got %s", payment.Status)
	}
}

func TestIntegration_NoOversell(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	sku := "itg-race-sku"
	initialStock := 10
	contenders := 30

	env.cache.SetStock(ctx, sku, initialStock)

	starts := make([]*service.StartResult, contenders)
	for i := 0; i < contenders; i++ {
		starts[i] = env.startCheckout(t, fmt.Sprintf("itg-member-%d", i), []domain.CheckoutItem{
			{ProductID: "itg-p1", StockID: sku, SellerID: "itg-seller-1", ProductName: "Drop Item", Quantity: 1, UnitPrice: 10000},
		})
	}

	var completed, soldOut atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.CompleteCheckout(ctx, starts[i].PaymentID, fmt.Sprintf("itg-pg-tx-%d", i), 10000)
			switch {
			case err == nil:
				completed.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if completed.Load() != int32(initialStock) {
		t.Errorf("expected %d completions, got %d", initialStock, completed.Load())
	}
	if soldOut.Load() != int32(contenders-initialStock) {
		t.Errorf("expected %d sold-out refusals, got %d", contenders-initialStock, soldOut.Load())
	}
	if stock, _ := env.cache.GetStock(ctx, sku); stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}
}

func TestIntegration_WebhookReplay(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	sku := "itg-replay-sku"

	env.cache.SetStock(ctx, sku, 10)

	start := env.startCheckout(t, "itg-member-replay", []domain.CheckoutItem{
		{ProductID: "itg-p1", StockID: sku, SellerID: "itg-seller-1", ProductName: "Keyboard", Quantity: 1, UnitPrice: 10000},
	})

	first, err := env.svc.CompleteCheckout(ctx, start.PaymentID, "itg-pg-replay-tx", 10000)
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}

	// Redeliveries settle nothing twice.
	const redeliveries = 10
	var replays, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < redeliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.svc.CompleteCheckout(ctx, start.PaymentID, "itg-pg-replay-tx", 10000)
			switch {
			case errors.Is(err, service.ErrCompletionInProgress):
				busy.Add(1)
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case !result.Replayed:
				t.Error("redelivery must be flagged as replay")
			default:
				replays.Add(1)
				if len(result.OrderIDs) != len(first.OrderIDs) {
					t.Error("replay must return the original order ids")
				}
			}
		}()
	}
	wg.Wait()

	if replays.Load()+busy.Load() != redeliveries {
		t.Errorf("expected %d redeliveries accounted for, got %d replays and %d busy",
			redeliveries, replays.Load(), busy.Load())
	}

	if stock, _ := env.cache.GetStock(ctx, sku); stock != 9 {
		t.Errorf("stock must be decremented exactly once, got %d", stock)
	}
	orders, err := env.db.FindOrdersByCheckoutID(ctx, start.CheckoutID)
	if err != nil {
		t.Fatalf("find orders failed: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("expected exactly 1 order, got %d", len(orders))
	}
}

func TestIntegration_ExpirySweep(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	sku := "itg-expire-sku"

	env.cache.SetStock(ctx, sku, 10)

	shipping := domain.ShippingAddress{
		ReceiverName:  "Hong Gildong",
		ReceiverPhone: "010-1234-5678",
		Address:       "123 Teheran-ro",
		ZipCode:       "06234",
	}
	start, err := env.svc.StartCheckout(ctx, "itg-member-expire", []domain.CheckoutItem{
		{ProductID: "itg-p1", StockID: sku, SellerID: "itg-seller-1", ProductName: "Keyboard", Quantity: 1, UnitPrice: 10000},
	}, shipping, time.Second)
	if err != nil {
		t.Fatalf("start checkout failed: %v", err)
	}

	sweeper := service.NewExpirySweeper(service.SweeperConfig{
		Lock:      env.cache,
		Checkouts: env.db,
		Payments:  env.db,
		Clock:     func() time.Time { return time.Now().Add(2 * time.Second) },
	})
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	checkout, err := env.db.FindCheckoutByID(ctx, start.CheckoutID)
	if err != nil || checkout == nil {
		t.Fatalf("find checkout failed: %v", err)
	}
	if checkout.Status != domain.CheckoutStatusExpired {
		t.Errorf("expected EXPIRED, got %s", checkout.Status)
	}

	payment, err := env.db.FindPaymentByID(ctx, start.PaymentID)
	if err != nil || payment == nil {
		t.Fatalf("find payment failed: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailed {
		t.Errorf("expected FAILED, got %s", payment.Status)
	}

	// An expired checkout refuses a late webhook.
	_, err = env.svc.CompleteCheckout(ctx, start.PaymentID, "itg-pg-late-tx", 10000)
	if !errors.Is(err, service.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if stock, _ := env.cache.GetStock(ctx, sku); stock != 10 {
		t.Errorf("stock must be untouched, got %d", stock)
	}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/setof/checkout-pipeline/internal/core/domain"
	"github.com/setof/checkout-pipeline/internal/port"
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) CreateCheckout(ctx context.Context, checkout domain.Checkout) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkouts
			(id, member_id, status, total_amount,
			 receiver_name, receiver_phone, address, address_detail, zip_code, memo,
			 created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		checkout.ID, checkout.MemberID, checkout.Status, checkout.TotalAmount,
		checkout.Shipping.ReceiverName, checkout.Shipping.ReceiverPhone,
		checkout.Shipping.Address, checkout.Shipping.AddressDetail,
		checkout.Shipping.ZipCode, checkout.Shipping.Memo,
		checkout.CreatedAt, checkout.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkout: %w", err)
	}

	for _, item := range checkout.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkout_items
				(checkout_id, product_id, stock_id, seller_id, product_name, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			checkout.ID, item.ProductID, item.StockID, item.SellerID,
			item.ProductName, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert checkout item: %w", err)
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) FindCheckoutByID(ctx context.Context, id string) (*domain.Checkout, error) {
	var (
		checkout    domain.Checkout
		orderIDs    sql.NullString
		completedAt sql.NullTime
	)

	err := m.db.QueryRowContext(ctx, `
		SELECT id, member_id, status, total_amount,
		       receiver_name, receiver_phone, address, address_detail, zip_code, memo,
		       order_ids, created_at, expires_at, completed_at
		FROM checkouts WHERE id = ?`, id,
	).Scan(
		&checkout.ID, &checkout.MemberID, &checkout.Status, &checkout.TotalAmount,
		&checkout.Shipping.ReceiverName, &checkout.Shipping.ReceiverPhone,
		&checkout.Shipping.Address, &checkout.Shipping.AddressDetail,
		&checkout.Shipping.ZipCode, &checkout.Shipping.Memo,
		&orderIDs, &checkout.CreatedAt, &checkout.ExpiresAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkout: %w", err)
	}

	if orderIDs.Valid && orderIDs.String != "" {
		if err := json.Unmarshal([]byte(orderIDs.String), &checkout.OrderIDs); err != nil {
			return nil, fmt.Errorf("decode order ids: %w", err)
		}
	}
	if completedAt.Valid {
		checkout.CompletedAt = completedAt.Time
	}

	items, err := m.findCheckoutItems(ctx, id)
	if err != nil {
		return nil, err
	}
	checkout.Items = items

	return &checkout, nil
}

func (m *MySQLAdapter) findCheckoutItems(ctx context.Context, checkoutID string) ([]domain.CheckoutItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, stock_id, seller_id, product_name, quantity, unit_price
		FROM checkout_items WHERE checkout_id = ? ORDER BY id`, checkoutID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkout items: %w", err)
	}
	defer rows.Close()

	var items []domain.CheckoutItem
	for rows.Next() {
		var item domain.CheckoutItem
		if err := rows.Scan(&item.ProductID, &item.StockID, &item.SellerID,
			&item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan checkout item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateCheckoutStatus commits a CREATED -> terminal transition. The
// conditional WHERE guards against a concurrent completion or expiry winning
// the race: zero affected rows means the stored status already moved on.
func (m *MySQLAdapter) UpdateCheckoutStatus(ctx context.Context, checkout domain.Checkout) error {
	var (
		orderIDs    any
		completedAt any
	)
	if len(checkout.OrderIDs) > 0 {
		encoded, err := json.Marshal(checkout.OrderIDs)
		if err != nil {
			return fmt.Errorf("encode order ids: %w", err)
		}
		orderIDs = string(encoded)
	}
	if !checkout.CompletedAt.IsZero() {
		completedAt = checkout.CompletedAt
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE checkouts
		SET status = ?, order_ids = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		checkout.Status, orderIDs, completedAt,
		checkout.ID, domain.CheckoutStatusCreated,
	)
	if err != nil {
		return fmt.Errorf("update checkout: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("update checkout %s: %w", checkout.ID, port.ErrStateConflict)
	}
	return nil
}

func (m *MySQLAdapter) FindExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Checkout, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM checkouts
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`,
		domain.CheckoutStatusCreated, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired checkouts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired checkout: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	checkouts := make([]domain.Checkout, 0, len(ids))
	for _, id := range ids {
		checkout, err := m.FindCheckoutByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if checkout != nil {
			checkouts = append(checkouts, *checkout)
		}
	}
	return checkouts, nil
}

func (m *MySQLAdapter) CreatePayment(ctx context.Context, payment domain.Payment) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO payments
			(id, checkout_id, status, expected_amount, approved_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.CheckoutID, payment.Status,
		payment.ExpectedAmount, approvedAmountValue(payment),
		payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// approvedAmountValue keeps approved_amount NULL until approval so an unset
// amount is never readable as an approved zero.
func approvedAmountValue(payment domain.Payment) any {
	if payment.Status != domain.PaymentStatusApproved {
		return nil
	}
	return payment.ApprovedAmount
}

func (m *MySQLAdapter) FindPaymentByID(ctx context.Context, id string) (*domain.Payment, error) {
	return m.scanPayment(m.db.QueryRowContext(ctx, `
		SELECT id, checkout_id, status, expected_amount, approved_amount,
		       gateway_tx_id, approved_at, created_at, updated_at
		FROM payments WHERE id = ?`, id))
}

func (m *MySQLAdapter) FindPaymentByCheckoutID(ctx context.Context, checkoutID string) (*domain.Payment, error) {
	return m.scanPayment(m.db.QueryRowContext(ctx, `
		SELECT id, checkout_id, status, expected_amount, approved_amount,
		       gateway_tx_id, approved_at, created_at, updated_at
		FROM payments WHERE checkout_id = ?`, checkoutID))
}

func (m *MySQLAdapter) scanPayment(row *sql.Row) (*domain.Payment, error) {
	var (
		payment        domain.Payment
		approvedAmount sql.NullInt64
		gatewayTxID    sql.NullString
		approvedAt     sql.NullTime
	)

	err := row.Scan(
		&payment.ID, &payment.CheckoutID, &payment.Status,
		&payment.ExpectedAmount, &approvedAmount,
		&gatewayTxID, &approvedAt, &payment.CreatedAt, &payment.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}

	if approvedAmount.Valid {
		payment.ApprovedAmount = approvedAmount.Int64
	}
	if gatewayTxID.Valid {
		payment.GatewayTxID = gatewayTxID.String
	}
	if approvedAt.Valid {
		payment.ApprovedAt = approvedAt.Time
	}
	return &payment, nil
}

// UpdatePaymentStatus commits a PENDING -> APPROVED/FAILED transition. The
// conditional WHERE is the idempotent guard against double-approval: a second
// writer finds zero affected rows and gets ErrStateConflict.
func (m *MySQLAdapter) UpdatePaymentStatus(ctx context.Context, payment domain.Payment) error {
	var (
		gatewayTxID any
		approvedAt  any
	)
	if payment.GatewayTxID != "" {
		gatewayTxID = payment.GatewayTxID
	}
	if !payment.ApprovedAt.IsZero() {
		approvedAt = payment.ApprovedAt
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, approved_amount = ?, gateway_tx_id = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		payment.Status, approvedAmountValue(payment), gatewayTxID, approvedAt, payment.UpdatedAt,
		payment.ID, domain.PaymentStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("update payment %s: %w", payment.ID, port.ErrStateConflict)
	}
	return nil
}

func (m *MySQLAdapter) CreateOrders(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return errors.New("no orders to create")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, order := range orders {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders
				(id, order_number, checkout_id, payment_id, seller_id, member_id, total_amount,
				 receiver_name, receiver_phone, address, address_detail, zip_code, memo,
				 created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.OrderNumber, order.CheckoutID, order.PaymentID,
			order.SellerID, order.MemberID, order.TotalAmount,
			order.Shipping.ReceiverName, order.Shipping.ReceiverPhone,
			order.Shipping.Address, order.Shipping.AddressDetail,
			order.Shipping.ZipCode, order.Shipping.Memo,
			order.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO order_items
					(order_id, product_id, stock_id, product_name, quantity, unit_price)
				VALUES (?, ?, ?, ?, ?, ?)`,
				order.ID, item.ProductID, item.StockID,
				item.ProductName, item.Quantity, item.UnitPrice,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (m *MySQLAdapter) FindOrdersByCheckoutID(ctx context.Context, checkoutID string) ([]domain.Order, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, order_number, checkout_id, payment_id, seller_id, member_id, total_amount,
		       receiver_name, receiver_phone, address, address_detail, zip_code, memo,
		       created_at
		FROM orders WHERE checkout_id = ? ORDER BY seller_id`, checkoutID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(
			&order.ID, &order.OrderNumber, &order.CheckoutID, &order.PaymentID,
			&order.SellerID, &order.MemberID, &order.TotalAmount,
			&order.Shipping.ReceiverName, &order.Shipping.ReceiverPhone,
			&order.Shipping.Address, &order.Shipping.AddressDetail,
			&order.Shipping.ZipCode, &order.Shipping.Memo,
			&order.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := m.findOrderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (m *MySQLAdapter) findOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT product_id, stock_id, product_name, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.StockID,
			&item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

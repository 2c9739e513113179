package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/followers-shop/internal/domain"
)

type OrderRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NewOrder carries lines whose products and prices were already validated
// against the catalog.
type NewOrder struct {
	UserID       int64
	ContactEmail string
	ShippingInfo string
	Lines        []domain.OrderLine
}

// StatusChange is the result of SetStatus and SettlePayment. Changed is false
// when nothing was written.
type StatusChange struct {
	Order    *domain.Order
	Previous domain.OrderStatus
	Changed  bool
}

type Stats struct {
	TotalOrders  int64           `json:"total_orders"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}

// Create persists the order and all of its lines in one transaction. The
// total is computed here from the line snapshots and never recomputed.
func (r *OrderRepository) Create(ctx context.Context, in NewOrder) (*domain.Order, error) {
	if len(in.Lines) == 0 {
		return nil, &domain.ValidationError{Field: "items", Reason: "order must contain at least one item"}
	}
	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, &domain.ValidationError{ProductID: line.ProductID, Reason: "quantity must be positive"}
		}
	}

	now := r.now()
	order := &domain.Order{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		ContactEmail: in.ContactEmail,
		Lines:        in.Lines,
		Total:        domain.SumLines(in.Lines),
		Status:       domain.OrderStatusPending,
		ShippingInfo: in.ShippingInfo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.insert(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w: %w", domain.ErrPersistence, err)
	}

	return order, nil
}

func (r *OrderRepository) insert(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, contact_email, total_amount, status, shipping_info, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, order.ID, order.UserID, order.ContactEmail, order.Total, order.Status, order.ShippingInfo, order.CreatedAt)
	if err != nil {
		return err
	}

	for i, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), order.ID, i, line.ProductID, line.Quantity, line.UnitPrice)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID returns domain.ErrNotFound when no order has the given id,
// including ids that are not well-formed.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	orders, err := r.list(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w: %w", id, domain.ErrPersistence, err)
	}

	if len(orders) == 0 {
		return nil, domain.ErrNotFound
	}

	return &orders[0], nil
}

// Get returns the order only when viewer owns it or is an admin. Orders the
// viewer may not see are reported as not found.
func (r *OrderRepository) Get(ctx context.Context, id string, viewer domain.Principal) (*domain.Order, error) {
	order, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !order.VisibleTo(viewer) {
		return nil, domain.ErrNotFound
	}

	return order, nil
}

// SetStatus moves the order to status under a row lock. Re-applying the
// current status is a successful no-op. paymentRef is stored only when
// non-empty.
func (r *OrderRepository) SetStatus(ctx context.Context, id string, status domain.OrderStatus, paymentRef string) (*StatusChange, error) {
	return r.transition(ctx, id, status, paymentRef, false)
}

// SettlePayment applies a payment outcome. Only pending orders move; an order
// in any other status is left untouched and reported with Changed false and
// Previous set to its current status.
func (r *OrderRepository) SettlePayment(ctx context.Context, id string, status domain.OrderStatus, paymentRef string) (*StatusChange, error) {
	return r.transition(ctx, id, status, paymentRef, true)
}

func (r *OrderRepository) transition(ctx context.Context, id string, status domain.OrderStatus, paymentRef string, pendingOnly bool) (*StatusChange, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("set order status: %w: %w", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.OrderStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("lock order %s: %w: %w", id, domain.ErrPersistence, err)
	}

	change := &StatusChange{Previous: current}

	if current != status && (!pendingOnly || current == domain.OrderStatusPending) {
		if !current.CanTransitionTo(status) {
			return nil, fmt.Errorf("order %s from %s to %s: %w", id, current, status, domain.ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $2, payment_id = COALESCE(NULLIF($3, ''), payment_id), updated_at = $4
			WHERE id = $1
		`, id, status, paymentRef, r.now())
		if err != nil {
			return nil, fmt.Errorf("update order %s: %w: %w", id, domain.ErrPersistence, err)
		}
		change.Changed = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit order %s: %w: %w", id, domain.ErrPersistence, err)
	}

	change.Order, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return change, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	orders, err := r.list(ctx, `WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %d: %w: %w", userID, domain.ErrPersistence, err)
	}
	return orders, nil
}

func (r *OrderRepository) ListAll(ctx context.Context) ([]domain.Order, error) {
	orders, err := r.list(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list orders: %w: %w", domain.ErrPersistence, err)
	}
	return orders, nil
}

func (r *OrderRepository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total_amount) FILTER (WHERE status IN ('paid', 'processing', 'completed')), 0)
		FROM orders
	`).Scan(&stats.TotalOrders, &stats.TotalRevenue)
	if err != nil {
		return nil, fmt.Errorf("order stats: %w: %w", domain.ErrPersistence, err)
	}

	return stats, nil
}

// list loads matching orders newest-first and fills their lines with a single
// batched query.
func (r *OrderRepository) list(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, contact_email, total_amount, status, payment_id, shipping_info, created_at, updated_at
		FROM orders
		`+where+`
		ORDER BY created_at DESC, id DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order := &domain.Order{Lines: []domain.OrderLine{}}
		var paymentRef sql.NullString
		if err := rows.Scan(&order.ID, &order.UserID, &order.ContactEmail, &order.Total, &order.Status,
			&paymentRef, &order.ShippingInfo, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		if paymentRef.Valid {
			order.PaymentRef = &paymentRef.String
		}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	lineRows, err := r.db.QueryContext(ctx, `
		SELECT oi.order_id, oi.product_id, p.name, oi.quantity, oi.price
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1::uuid[])
		ORDER BY oi.order_id, oi.position
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lineRows.Close() }()

	for lineRows.Next() {
		var orderID string
		var line domain.OrderLine
		if err := lineRows.Scan(&orderID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		order := orderMap[orderID]
		order.Lines = append(order.Lines, line)
	}

	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const EventOrderStatusChanged = "order.status_changed"

type OrderStatusChangedEvent struct {
	OrderID      string          `json:"order_id"`
	UserID       int64           `json:"user_id"`
	ContactEmail string          `json:"contact_email"`
	Previous     OrderStatus     `json:"previous_status"`
	Status       OrderStatus     `json:"status"`
	PaymentRef   string          `json:"payment_id,omitempty"`
	Total        decimal.Decimal `json:"total_amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

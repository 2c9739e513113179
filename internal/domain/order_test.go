package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusPending, OrderStatusPaid, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusProcessing, false},
		{OrderStatusPending, OrderStatusCompleted, false},
		{OrderStatusPaid, OrderStatusProcessing, true},
		{OrderStatusPaid, OrderStatusCancelled, true},
		{OrderStatusPaid, OrderStatusPending, false},
		{OrderStatusProcessing, OrderStatusCompleted, true},
		{OrderStatusProcessing, OrderStatusCancelled, false},
		{OrderStatusCompleted, OrderStatusCancelled, false},
		{OrderStatusCompleted, OrderStatusPaid, false},
		{OrderStatusCancelled, OrderStatusPaid, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusPaid, OrderStatusPaid, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusCompleted, OrderStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusPaid, OrderStatusProcessing} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestParseOrderStatus(t *testing.T) {
	if s, ok := ParseOrderStatus("processing"); !ok || s != OrderStatusProcessing {
		t.Errorf("expected processing, got %q (%v)", s, ok)
	}
	if _, ok := ParseOrderStatus("shipped"); ok {
		t.Error("expected shipped to be rejected")
	}
}

func TestSumLines(t *testing.T) {
	lines := []OrderLine{
		{ProductID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
		{ProductID: 2, Quantity: 1, UnitPrice: decimal.RequireFromString("39.99")},
	}

	total := SumLines(lines)
	if !total.Equal(decimal.RequireFromString("59.97")) {
		t.Errorf("expected total 59.97, got %s", total)
	}

	if !SumLines(nil).IsZero() {
		t.Error("expected zero total for no lines")
	}
}

func TestOrder_VisibleTo(t *testing.T) {
	order := &Order{ID: "o-1", UserID: 7}

	if !order.VisibleTo(Principal{ID: 7, Role: RoleUser}) {
		t.Error("expected owner to see order")
	}
	if order.VisibleTo(Principal{ID: 8, Role: RoleUser}) {
		t.Error("expected other user not to see order")
	}
	if !order.VisibleTo(Principal{ID: 1, Role: RoleAdmin}) {
		t.Error("expected admin to see order")
	}
}

func TestValidationError_MatchesSentinel(t *testing.T) {
	err := error(&ValidationError{ProductID: 42, Reason: "product not available"})

	if !errors.Is(err, ErrValidation) {
		t.Error("expected ValidationError to match ErrValidation")
	}
	if err.Error() != "product 42: product not available" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.ProductID != 42 {
		t.Error("expected errors.As to expose the product id")
	}
}

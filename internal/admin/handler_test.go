package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/orders"
)

type stubCheckout struct {
	orders map[string]*domain.Order
}

func (s *stubCheckout) ListAllOrders(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range s.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (s *stubCheckout) SetStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if order.Status != status && !order.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%s to %s: %w", order.Status, status, domain.ErrInvalidTransition)
	}
	order.Status = status
	return order, nil
}

type stubStats struct{}

func (stubStats) Stats(ctx context.Context) (*orders.Stats, error) {
	return &orders.Stats{TotalOrders: 4, TotalRevenue: decimal.RequireFromString("3500.50")}, nil
}

type stubProducts struct {
	active map[int64]bool
}

func (p *stubProducts) SetActive(ctx context.Context, id int64, active bool) error {
	if _, ok := p.active[id]; !ok {
		return domain.ErrNotFound
	}
	p.active[id] = active
	return nil
}

func (p *stubProducts) CountActive(ctx context.Context) (int64, error) {
	var n int64
	for _, a := range p.active {
		if a {
			n++
		}
	}
	return n, nil
}

type stubUsers struct{}

func (stubUsers) CountCustomers(ctx context.Context) (int64, error) { return 12, nil }

func newTestMux() (*http.ServeMux, *stubCheckout, *stubProducts) {
	checkout := &stubCheckout{orders: map[string]*domain.Order{
		"o-1": {ID: "o-1", Status: domain.OrderStatusPaid},
	}}
	products := &stubProducts{active: map[int64]bool{1: true, 2: true, 3: false}}
	handler := NewHandler(checkout, stubStats{}, products, stubUsers{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", handler.HandleListOrders)
	mux.HandleFunc("PUT /orders/{id}/status", handler.HandleUpdateStatus)
	mux.HandleFunc("GET /stats", handler.HandleStats)
	mux.HandleFunc("PUT /products/{id}/active", handler.HandleSetProductActive)
	return mux, checkout, products
}

func serve(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHandleUpdateStatus(t *testing.T) {
	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"legal move", "o-1", `{"status":"processing"}`, http.StatusOK},
		{"same status", "o-1", `{"status":"paid"}`, http.StatusOK},
		{"backwards", "o-1", `{"status":"pending"}`, http.StatusConflict},
		{"unknown status", "o-1", `{"status":"shipped"}`, http.StatusBadRequest},
		{"missing order", "o-9", `{"status":"cancelled"}`, http.StatusNotFound},
		{"bad body", "o-1", `nope`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _, _ := newTestMux()
			rec := serve(mux, http.MethodPut, "/orders/"+tt.id+"/status", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	mux, _, _ := newTestMux()

	rec := serve(mux, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got statsResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TotalOrders != 4 || got.ActiveProducts != 2 || got.TotalUsers != 12 {
		t.Errorf("unexpected stats %+v", got)
	}
	if !got.TotalRevenue.Equal(decimal.RequireFromString("3500.50")) {
		t.Errorf("expected revenue 3500.50, got %s", got.TotalRevenue)
	}
}

func TestHandleSetProductActive(t *testing.T) {
	t.Run("deactivates a product", func(t *testing.T) {
		mux, _, products := newTestMux()
		rec := serve(mux, http.MethodPut, "/products/1/active", `{"active":false}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if products.active[1] {
			t.Errorf("expected product 1 inactive")
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		mux, _, _ := newTestMux()
		rec := serve(mux, http.MethodPut, "/products/42/active", `{"active":true}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("requires the flag", func(t *testing.T) {
		mux, _, _ := newTestMux()
		rec := serve(mux, http.MethodPut, "/products/1/active", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("rejects non-numeric ids", func(t *testing.T) {
		mux, _, _ := newTestMux()
		rec := serve(mux, http.MethodPut, "/products/abc/active", `{"active":true}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleListOrders(t *testing.T) {
	mux, _, _ := newTestMux()
	rec := serve(mux, http.MethodGet, "/orders", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []domain.Order
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 order, got %d", len(list))
	}
}

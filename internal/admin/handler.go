package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/followers-shop/internal/apierror"
	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/orders"
)

type Checkout interface {
	ListAllOrders(ctx context.Context) ([]domain.Order, error)
	SetStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error)
}

type OrderStats interface {
	Stats(ctx context.Context) (*orders.Stats, error)
}

type Products interface {
	SetActive(ctx context.Context, id int64, active bool) error
	CountActive(ctx context.Context) (int64, error)
}

type Users interface {
	CountCustomers(ctx context.Context) (int64, error)
}

type Handler struct {
	checkout Checkout
	stats    OrderStats
	products Products
	users    Users
	logger   *slog.Logger
}

func NewHandler(checkout Checkout, stats OrderStats, products Products, users Users, logger *slog.Logger) *Handler {
	return &Handler{
		checkout: checkout,
		stats:    stats,
		products: products,
		users:    users,
		logger:   logger,
	}
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

type statsResponse struct {
	TotalOrders    int64           `json:"total_orders"`
	TotalRevenue   decimal.Decimal `json:"total_revenue"`
	ActiveProducts int64           `json:"active_products"`
	TotalUsers     int64           `json:"total_users"`
}

func (h *Handler) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.checkout.ListAllOrders(r.Context())
	if err != nil {
		h.logger.Error("failed to list all orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	order, err := h.checkout.SetStatus(r.Context(), id, status)
	if err != nil {
		code, message := apierror.Status(err)
		if apierror.Internal(err) {
			h.logger.Error("failed to update order status", "error", err, "order_id", id)
		}
		h.writeError(w, code, message)
		return
	}

	h.logger.Info("order status updated by admin", "order_id", order.ID, "status", order.Status)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderStats, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to load order stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	activeProducts, err := h.products.CountActive(ctx)
	if err != nil {
		h.logger.Error("failed to count products", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	customers, err := h.users.CountCustomers(ctx)
	if err != nil {
		h.logger.Error("failed to count users", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, statsResponse{
		TotalOrders:    orderStats.TotalOrders,
		TotalRevenue:   orderStats.TotalRevenue,
		ActiveProducts: activeProducts,
		TotalUsers:     customers,
	})
}

func (h *Handler) HandleSetProductActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.products.SetActive(r.Context(), id, *req.Active); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("failed to update product", "error", err, "product_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("product availability changed", "product_id", id, "active", *req.Active)
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": *req.Active})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/followers-shop/internal/accounts"
	"github.com/joao-fontenele/followers-shop/internal/apierror"
	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/idempotency"
)

const IdempotencyHeader = "Idempotency-Key"

type Checkout interface {
	CreateOrder(ctx context.Context, principal domain.Principal, cart domain.Cart) (*domain.Order, error)
	GetOrder(ctx context.Context, principal domain.Principal, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, principal domain.Principal) ([]domain.Order, error)
}

type IdempotencyStore interface {
	Begin(ctx context.Context, userID int64, key string) (orderID string, started bool, err error)
	Complete(ctx context.Context, userID int64, key, orderID string) error
	Abort(ctx context.Context, userID int64, key string) error
}

type createResponse struct {
	OrderID     string             `json:"order_id"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Status      domain.OrderStatus `json:"status"`
	Items       []domain.OrderLine `json:"items"`
	CreatedAt   time.Time          `json:"created_at"`
}

func newCreateResponse(order *domain.Order) createResponse {
	return createResponse{
		OrderID:     order.ID,
		TotalAmount: order.Total,
		Status:      order.Status,
		Items:       order.Lines,
		CreatedAt:   order.CreatedAt,
	}
}

type Handler struct {
	checkout Checkout
	idem     IdempotencyStore
	logger   *slog.Logger
}

// NewHandler builds the order endpoints. idem may be nil, in which case the
// Idempotency-Key header is ignored.
func NewHandler(checkout Checkout, idem IdempotencyStore, logger *slog.Logger) *Handler {
	return &Handler{
		checkout: checkout,
		idem:     idem,
		logger:   logger,
	}
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	principal, ok := accounts.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	var cart domain.Cart
	if err := json.NewDecoder(r.Body).Decode(&cart); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key == "" || h.idem == nil {
		h.create(w, r, principal, cart)
		return
	}

	existing, started, err := h.idem.Begin(r.Context(), principal.ID, key)
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		h.writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
		return
	case err != nil:
		// Redis is an optimization; fall through to a plain create.
		h.logger.Warn("idempotency store unavailable", "error", err, "user_id", principal.ID)
		h.create(w, r, principal, cart)
		return
	case !started:
		order, err := h.checkout.GetOrder(r.Context(), principal, existing)
		if err != nil {
			h.writeServiceError(w, err, "failed to load replayed order", "order_id", existing)
			return
		}
		h.logger.Info("order create replayed", "order_id", order.ID, "user_id", principal.ID)
		h.writeJSON(w, http.StatusOK, newCreateResponse(order))
		return
	}

	order := h.create(w, r, principal, cart)
	if order == nil {
		if err := h.idem.Abort(r.Context(), principal.ID, key); err != nil {
			h.logger.Warn("failed to release idempotency key", "error", err, "user_id", principal.ID)
		}
		return
	}
	if err := h.idem.Complete(r.Context(), principal.ID, key, order.ID); err != nil {
		h.logger.Warn("failed to record idempotency key", "error", err, "order_id", order.ID)
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, principal domain.Principal, cart domain.Cart) *domain.Order {
	order, err := h.checkout.CreateOrder(r.Context(), principal, cart)
	if err != nil {
		h.writeServiceError(w, err, "failed to create order", "user_id", principal.ID)
		return nil
	}

	h.writeJSON(w, http.StatusCreated, newCreateResponse(order))
	return order
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	principal, ok := accounts.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.checkout.GetOrder(r.Context(), principal, id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get order", "order_id", id)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	principal, ok := accounts.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	orders, err := h.checkout.ListOrders(r.Context(), principal)
	if err != nil {
		h.writeServiceError(w, err, "failed to list orders", "user_id", principal.ID)
		return
	}

	h.logger.Info("orders listed", "count", len(orders), "user_id", principal.ID)
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, args ...any) {
	status, message := apierror.Status(err)
	if apierror.Internal(err) {
		h.logger.Error(msg, append(args, "error", err)...)
	}
	h.writeError(w, status, message)
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

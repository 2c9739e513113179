package payments

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/followers-shop/internal/accounts"
	"github.com/joao-fontenele/followers-shop/internal/apierror"
	"github.com/joao-fontenele/followers-shop/internal/domain"
)

const maxWebhookBytes = 1 << 20

type Checkout interface {
	CreatePaymentPreference(ctx context.Context, principal domain.Principal, orderID string) (*domain.PaymentRedirect, error)
	GetOrder(ctx context.Context, principal domain.Principal, orderID string) (*domain.Order, error)
	ReconcileNotification(ctx context.Context, raw domain.RawNotification) (domain.PaymentNotification, error)
}

type Handler struct {
	checkout Checkout
	logger   *slog.Logger
}

func NewHandler(checkout Checkout, logger *slog.Logger) *Handler {
	return &Handler{
		checkout: checkout,
		logger:   logger,
	}
}

type preferenceRequestBody struct {
	OrderID string `json:"order_id"`
}

type statusResponse struct {
	OrderID   string             `json:"order_id"`
	Status    domain.OrderStatus `json:"status"`
	PaymentID *string            `json:"payment_id"`
}

func (h *Handler) HandleCreatePreference(w http.ResponseWriter, r *http.Request) {
	principal, ok := accounts.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	var req preferenceRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	redirect, err := h.checkout.CreatePaymentPreference(r.Context(), principal, req.OrderID)
	if err != nil {
		h.writeServiceError(w, err, "failed to create payment preference", "order_id", req.OrderID)
		return
	}

	h.writeJSON(w, http.StatusOK, redirect)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := accounts.PrincipalFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	orderID := r.PathValue("orderId")
	order, err := h.checkout.GetOrder(r.Context(), principal, orderID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get payment status", "order_id", orderID)
		return
	}

	h.writeJSON(w, http.StatusOK, statusResponse{
		OrderID:   order.ID,
		Status:    order.Status,
		PaymentID: order.PaymentRef,
	})
}

// HandleWebhook acknowledges every delivery it could read with 200, including
// ones it could not act on. The one exception is a ledger write failure: that
// answers 500 so MercadoPago redelivers the notification instead of the
// payment outcome being lost.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	note, err := h.checkout.ReconcileNotification(r.Context(), domain.RawNotification{
		Body:      body,
		Query:     query,
		Signature: r.Header.Get("x-signature"),
		RequestID: r.Header.Get("x-request-id"),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to reconcile payment notification", "error", err,
			"order_id", note.ExternalOrderRef, "payment_id", note.PaymentID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
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

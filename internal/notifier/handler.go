package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/email"
	"github.com/joao-fontenele/followers-shop/internal/messaging"
)

var statusTemplates = map[domain.OrderStatus]string{
	domain.OrderStatusPaid:      email.TemplateOrderPaid,
	domain.OrderStatusCancelled: email.TemplateOrderCancelled,
	domain.OrderStatusCompleted: email.TemplateOrderCompleted,
}

// NotificationHandler emails buyers when their order changes status. It only
// reads events and never writes to the order ledger.
type NotificationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

func (h *NotificationHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderStatusChangedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal order status event: %w", err))
	}

	tmpl, ok := statusTemplates[event.Status]
	if !ok {
		h.logger.Debug("no notification for status", "order_id", event.OrderID, "status", event.Status)
		return nil
	}

	if event.ContactEmail == "" {
		h.logger.Warn("order has no contact email", "order_id", event.OrderID)
		return nil
	}

	req := email.SendRequest{
		To:       event.ContactEmail,
		Template: tmpl,
		Data: map[string]string{
			"order_id":   event.OrderID,
			"total":      event.Total.StringFixed(2),
			"payment_id": event.PaymentRef,
			"status":     string(event.Status),
		},
	}

	if err := h.send(ctx, req); err != nil {
		return fmt.Errorf("send %s email for order %s: %w", tmpl, event.OrderID, err)
	}

	h.logger.Info("order notification sent", "order_id", event.OrderID, "status", event.Status, "template", tmpl)
	return nil
}

func (h *NotificationHandler) send(ctx context.Context, body email.SendRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return messaging.Permanent(fmt.Errorf("email service rejected request with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}
}

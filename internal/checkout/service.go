package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/orders"
)

var (
	tracer = otel.Tracer("checkout")
	meter  = otel.Meter("checkout")
)

type Catalog interface {
	GetActiveProduct(ctx context.Context, id int64) (*domain.Product, error)
}

type Ledger interface {
	Create(ctx context.Context, in orders.NewOrder) (*domain.Order, error)
	Get(ctx context.Context, id string, viewer domain.Principal) (*domain.Order, error)
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	SetStatus(ctx context.Context, id string, status domain.OrderStatus, paymentRef string) (*orders.StatusChange, error)
	SettlePayment(ctx context.Context, id string, status domain.OrderStatus, paymentRef string) (*orders.StatusChange, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
	ListAll(ctx context.Context) ([]domain.Order, error)
}

type PaymentGateway interface {
	CreatePreference(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRedirect, error)
	ParseNotification(ctx context.Context, raw domain.RawNotification) domain.PaymentNotification
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Service struct {
	catalog   Catalog
	ledger    Ledger
	gateway   PaymentGateway
	publisher EventPublisher
	baseURL   string
	logger    *slog.Logger

	ordersCreated metric.Int64Counter
	preferences   metric.Int64Counter
	notifications metric.Int64Counter
	statusChanges metric.Int64Counter
}

// NewService wires the checkout flow. publisher may be nil, in which case
// status changes are not broadcast. gateway may be nil for callers that only
// list orders and set statuses. baseURL is the public address buyers and
// the payment provider use to reach the shop.
func NewService(catalog Catalog, ledger Ledger, gateway PaymentGateway, publisher EventPublisher, baseURL string, logger *slog.Logger) (*Service, error) {
	s := &Service{
		catalog:   catalog,
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
	}

	var err error
	s.ordersCreated, err = meter.Int64Counter("checkout.orders.created",
		metric.WithDescription("Orders accepted into the ledger"))
	if err != nil {
		return nil, err
	}
	s.preferences, err = meter.Int64Counter("checkout.payment_preferences",
		metric.WithDescription("Payment preference attempts by result"))
	if err != nil {
		return nil, err
	}
	s.notifications, err = meter.Int64Counter("checkout.payment_notifications",
		metric.WithDescription("Payment notifications by outcome"))
	if err != nil {
		return nil, err
	}
	s.statusChanges, err = meter.Int64Counter("checkout.order_status_changes",
		metric.WithDescription("Applied order status changes by target status"))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// CreateOrder prices the cart from the catalog and records a pending order.
// Client-supplied prices never reach this point. Nothing is written unless
// every product is active.
func (s *Service) CreateOrder(ctx context.Context, principal domain.Principal, cart domain.Cart) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.CreateOrder",
		trace.WithAttributes(attribute.Int64("user.id", principal.ID), attribute.Int("cart.lines", len(cart.Items))))
	defer span.End()

	if len(cart.Items) == 0 {
		return nil, fail(span, &domain.ValidationError{Field: "items", Reason: "cart is empty"})
	}

	lines := make([]domain.OrderLine, 0, len(cart.Items))
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return nil, fail(span, &domain.ValidationError{ProductID: item.ProductID, Reason: "quantity must be positive"})
		}

		product, err := s.catalog.GetActiveProduct(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fail(span, &domain.ValidationError{ProductID: item.ProductID, Reason: "product not found or inactive"})
			}
			return nil, fail(span, err)
		}

		lines = append(lines, domain.OrderLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
		})
	}

	order, err := s.ledger.Create(ctx, orders.NewOrder{
		UserID:       principal.ID,
		ContactEmail: principal.Email,
		ShippingInfo: cart.ShippingInfo,
		Lines:        lines,
	})
	if err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.ordersCreated.Add(ctx, 1)
	s.logger.InfoContext(ctx, "order created", "order_id", order.ID, "user_id", principal.ID, "total", order.Total.String())

	return order, nil
}

// CreatePaymentPreference asks the payment provider for a checkout session for
// a pending order owned by principal. The order is left untouched whether or
// not the provider call succeeds.
func (s *Service) CreatePaymentPreference(ctx context.Context, principal domain.Principal, orderID string) (*domain.PaymentRedirect, error) {
	ctx, span := tracer.Start(ctx, "checkout.CreatePaymentPreference",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	order, err := s.ledger.GetByID(ctx, orderID)
	if err != nil {
		return nil, fail(span, err)
	}
	if order.UserID != principal.ID {
		return nil, fail(span, domain.ErrNotFound)
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fail(span, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, domain.ErrInvalidState))
	}

	req := domain.PaymentRequest{
		ExternalReference: order.ID,
		PayerEmail:        order.ContactEmail,
		Items:             make([]domain.PaymentLineItem, 0, len(order.Lines)),
		Callbacks: domain.CallbackURLs{
			Success: s.publicURL("/payment/success", order.ID),
			Failure: s.publicURL("/payment/failure", order.ID),
			Pending: s.publicURL("/payment/pending", order.ID),
		},
		NotificationURL: s.publicURL("/api/payments/webhook", order.ID),
	}
	for _, line := range order.Lines {
		req.Items = append(req.Items, domain.PaymentLineItem{
			Title:     line.ProductName,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	redirect, err := s.gateway.CreatePreference(ctx, req)
	if err != nil {
		s.preferences.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		s.logger.ErrorContext(ctx, "failed to create payment preference", "error", err, "order_id", order.ID)
		return nil, fail(span, err)
	}

	s.preferences.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	s.logger.InfoContext(ctx, "payment preference created", "order_id", order.ID, "preference_id", redirect.PreferenceID)

	return redirect, nil
}

// ReconcileNotification applies a payment provider notification to the
// ledger. Only pending orders are settled: deliveries for unknown orders or
// for orders that already left pending are acknowledged without effect, so
// repeated and out-of-order deliveries converge. Only persistence failures
// are returned.
func (s *Service) ReconcileNotification(ctx context.Context, raw domain.RawNotification) (domain.PaymentNotification, error) {
	ctx, span := tracer.Start(ctx, "checkout.ReconcileNotification")
	defer span.End()

	note := s.gateway.ParseNotification(ctx, raw)
	if note.ExternalOrderRef == "" {
		note.ExternalOrderRef = raw.Query["order_id"]
	}

	span.SetAttributes(
		attribute.String("order.id", note.ExternalOrderRef),
		attribute.String("payment.id", note.PaymentID),
		attribute.String("payment.outcome", string(note.Outcome)),
	)
	s.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(note.Outcome))))

	var target domain.OrderStatus
	switch note.Outcome {
	case domain.PaymentApproved:
		target = domain.OrderStatusPaid
	case domain.PaymentRejected:
		target = domain.OrderStatusCancelled
	default:
		s.logger.InfoContext(ctx, "payment notification without status change",
			"order_id", note.ExternalOrderRef, "payment_id", note.PaymentID, "outcome", note.Outcome)
		return note, nil
	}

	if note.ExternalOrderRef == "" {
		s.logger.WarnContext(ctx, "payment notification without order reference", "payment_id", note.PaymentID)
		return note, nil
	}

	change, err := s.ledger.SettlePayment(ctx, note.ExternalOrderRef, target, note.PaymentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "payment notification for unknown order",
			"order_id", note.ExternalOrderRef, "payment_id", note.PaymentID)
		return note, nil
	case err != nil:
		return note, fail(span, err)
	case !change.Changed && change.Previous != target:
		s.logger.InfoContext(ctx, "payment notification ignored for order state",
			"order_id", note.ExternalOrderRef, "payment_id", note.PaymentID, "outcome", note.Outcome, "status", change.Previous)
		return note, nil
	}

	s.record(ctx, note.ExternalOrderRef, target, change)
	return note, nil
}

// SetStatus is the administrative override. Any legal lifecycle step is
// allowed, including cancelling a paid order.
func (s *Service) SetStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.SetStatus",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("order.status", string(status))))
	defer span.End()

	change, err := s.applyStatus(ctx, orderID, status, "")
	if err != nil {
		return nil, fail(span, err)
	}

	return change.Order, nil
}

func (s *Service) GetOrder(ctx context.Context, principal domain.Principal, orderID string) (*domain.Order, error) {
	return s.ledger.Get(ctx, orderID, principal)
}

func (s *Service) ListOrders(ctx context.Context, principal domain.Principal) ([]domain.Order, error) {
	return s.ledger.ListByUser(ctx, principal.ID)
}

func (s *Service) ListAllOrders(ctx context.Context) ([]domain.Order, error) {
	return s.ledger.ListAll(ctx)
}

func (s *Service) applyStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentRef string) (*orders.StatusChange, error) {
	change, err := s.ledger.SetStatus(ctx, orderID, status, paymentRef)
	if err != nil {
		return nil, err
	}

	s.record(ctx, orderID, status, change)
	return change, nil
}

// record logs, counts and publishes a status change the ledger reported.
func (s *Service) record(ctx context.Context, orderID string, status domain.OrderStatus, change *orders.StatusChange) {
	if !change.Changed {
		s.logger.InfoContext(ctx, "order already in status", "order_id", orderID, "status", status)
		return
	}

	s.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	s.logger.InfoContext(ctx, "order status changed", "order_id", orderID, "from", change.Previous, "to", status)
	s.publish(ctx, change)
}

func (s *Service) publish(ctx context.Context, change *orders.StatusChange) {
	if s.publisher == nil {
		return
	}

	order := change.Order
	event := domain.OrderStatusChangedEvent{
		OrderID:      order.ID,
		UserID:       order.UserID,
		ContactEmail: order.ContactEmail,
		Previous:     change.Previous,
		Status:       order.Status,
		Total:        order.Total,
		Timestamp:    order.UpdatedAt,
	}
	if order.PaymentRef != nil {
		event.PaymentRef = *order.PaymentRef
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := s.publisher.Publish(ctx, order.ID, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish order status change", "error", err, "order_id", order.ID)
	}
}

func (s *Service) publicURL(path, orderID string) string {
	return s.baseURL + path + "?order_id=" + url.QueryEscape(orderID)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

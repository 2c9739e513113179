package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/followers-shop/internal/domain"
	"github.com/joao-fontenele/followers-shop/internal/orders"
)

type memoryCatalog struct {
	products map[int64]*domain.Product
	err      error
}

func (c *memoryCatalog) GetActiveProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.products[id]
	if !ok || !p.Active {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

type memoryLedger struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	seq     int
	creates int
	failSet error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{orders: make(map[string]*domain.Order)}
}

func (l *memoryLedger) Create(ctx context.Context, in orders.NewOrder) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.creates++
	order := &domain.Order{
		ID:           fmt.Sprintf("order-%d", l.seq),
		UserID:       in.UserID,
		ContactEmail: in.ContactEmail,
		Lines:        in.Lines,
		Total:        domain.SumLines(in.Lines),
		Status:       domain.OrderStatusPending,
		ShippingInfo: in.ShippingInfo,
		CreatedAt:    time.Now().UTC(),
	}
	l.orders[order.ID] = order
	return l.copy(order), nil
}

func (l *memoryLedger) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l.copy(order), nil
}

func (l *memoryLedger) Get(ctx context.Context, id string, viewer domain.Principal) (*domain.Order, error) {
	order, err := l.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.VisibleTo(viewer) {
		return nil, domain.ErrNotFound
	}
	return order, nil
}

func (l *memoryLedger) SetStatus(ctx context.Context, id string, status domain.OrderStatus, paymentRef string) (*orders.StatusChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failSet != nil {
		return nil, l.failSet
	}

	order, ok := l.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	change := &orders.StatusChange{Previous: order.Status}
	if order.Status != status {
		if !order.Status.CanTransitionTo(status) {
			return nil, fmt.Errorf("order %s from %s to %s: %w", id, order.Status, status, domain.ErrInvalidTransition)
		}
		order.Status = status
		if paymentRef != "" {
			ref := paymentRef
			order.PaymentRef = &ref
		}
		order.UpdatedAt = time.Now().UTC()
		change.Changed = true
	}
	change.Order = l.copy(order)
	return change, nil
}

func (l *memoryLedger) SettlePayment(ctx context.Context, id string, status domain.OrderStatus, paymentRef string) (*orders.StatusChange, error) {
	l.mu.Lock()
	if order, ok := l.orders[id]; ok && l.failSet == nil && order.Status != domain.OrderStatusPending {
		defer l.mu.Unlock()
		return &orders.StatusChange{Previous: order.Status, Order: l.copy(order)}, nil
	}
	l.mu.Unlock()

	return l.SetStatus(ctx, id, status, paymentRef)
}

func (l *memoryLedger) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Order
	for _, o := range l.orders {
		if o.UserID == userID {
			out = append(out, *l.copy(o))
		}
	}
	return out, nil
}

func (l *memoryLedger) ListAll(ctx context.Context) ([]domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Order
	for _, o := range l.orders {
		out = append(out, *l.copy(o))
	}
	return out, nil
}

func (l *memoryLedger) copy(o *domain.Order) *domain.Order {
	c := *o
	c.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return &c
}

func (l *memoryLedger) status(id string) domain.OrderStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[id].Status
}

type fakeGateway struct {
	requests     []domain.PaymentRequest
	err          error
	notification domain.PaymentNotification
}

func (g *fakeGateway) CreatePreference(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRedirect, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &domain.PaymentRedirect{PreferenceID: "pref-1", RedirectURL: "https://mp.test/checkout/pref-1"}, nil
}

func (g *fakeGateway) ParseNotification(ctx context.Context, raw domain.RawNotification) domain.PaymentNotification {
	return g.notification
}

type recordingPublisher struct {
	events []domain.OrderStatusChangedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, event any) error {
	p.events = append(p.events, event.(domain.OrderStatusChangedEvent))
	return nil
}

type fixture struct {
	service   *Service
	catalog   *memoryCatalog
	ledger    *memoryLedger
	gateway   *fakeGateway
	publisher *recordingPublisher
}

var (
	buyer = domain.Principal{ID: 7, Email: "buyer@example.com", Role: domain.RoleUser}
	other = domain.Principal{ID: 8, Email: "other@example.com", Role: domain.RoleUser}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		catalog: &memoryCatalog{products: map[int64]*domain.Product{
			1: {ID: 1, Name: "1000 Instagram Followers", Price: decimal.RequireFromString("1000"), Active: true},
			2: {ID: 2, Name: "500 TikTok Likes", Price: decimal.RequireFromString("9.99"), Active: true},
			3: {ID: 3, Name: "Retired Package", Price: decimal.RequireFromString("50"), Active: false},
		}},
		ledger:    newMemoryLedger(),
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
	}

	service, err := NewService(f.catalog, f.ledger, f.gateway, f.publisher, "https://shop.test/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.service = service
	return f
}

func (f *fixture) pendingOrder(t *testing.T) *domain.Order {
	t.Helper()
	order, err := f.service.CreateOrder(context.Background(), buyer, domain.Cart{
		Items: []domain.CartLine{{ProductID: 1, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) notify(t *testing.T, orderID string, outcome domain.PaymentOutcome) error {
	t.Helper()
	f.gateway.notification = domain.PaymentNotification{ExternalOrderRef: orderID, PaymentID: "pay-1", Outcome: outcome}
	_, err := f.service.ReconcileNotification(context.Background(), domain.RawNotification{})
	return err
}

func TestCreateOrder(t *testing.T) {
	t.Run("prices the cart from the catalog", func(t *testing.T) {
		f := newFixture(t)

		order := f.pendingOrder(t)

		if order.Status != domain.OrderStatusPending {
			t.Errorf("expected pending, got %s", order.Status)
		}
		if !order.Total.Equal(decimal.RequireFromString("2000")) {
			t.Errorf("expected total 2000, got %s", order.Total)
		}
		if len(order.Lines) != 1 || !order.Lines[0].UnitPrice.Equal(decimal.RequireFromString("1000")) {
			t.Errorf("unexpected lines %+v", order.Lines)
		}
		if order.ContactEmail != buyer.Email || order.UserID != buyer.ID {
			t.Errorf("expected order owned by buyer, got user %d email %s", order.UserID, order.ContactEmail)
		}
	})

	t.Run("sums several lines exactly", func(t *testing.T) {
		f := newFixture(t)

		order, err := f.service.CreateOrder(context.Background(), buyer, domain.Cart{
			Items: []domain.CartLine{{ProductID: 2, Quantity: 3}, {ProductID: 1, Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !order.Total.Equal(decimal.RequireFromString("1029.97")) {
			t.Errorf("expected total 1029.97, got %s", order.Total)
		}
	})

	t.Run("rejects inactive products without writing", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.CreateOrder(context.Background(), buyer, domain.Cart{
			Items: []domain.CartLine{{ProductID: 1, Quantity: 1}, {ProductID: 3, Quantity: 1}},
		})

		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if verr.ProductID != 3 {
			t.Errorf("expected error to name product 3, got %d", verr.ProductID)
		}
		if f.ledger.creates != 0 {
			t.Errorf("expected no ledger writes, got %d", f.ledger.creates)
		}
	})

	t.Run("rejects unknown products", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.CreateOrder(context.Background(), buyer, domain.Cart{
			Items: []domain.CartLine{{ProductID: 99, Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("rejects empty carts and bad quantities", func(t *testing.T) {
		f := newFixture(t)

		carts := []domain.Cart{
			{},
			{Items: []domain.CartLine{{ProductID: 1, Quantity: 0}}},
			{Items: []domain.CartLine{{ProductID: 1, Quantity: -2}}},
		}
		for _, cart := range carts {
			_, err := f.service.CreateOrder(context.Background(), buyer, cart)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("cart %+v: expected ErrValidation, got %v", cart, err)
			}
		}
		if f.ledger.creates != 0 {
			t.Errorf("expected no ledger writes, got %d", f.ledger.creates)
		}
	})

	t.Run("catalog failures surface as is", func(t *testing.T) {
		f := newFixture(t)
		f.catalog.err = fmt.Errorf("query: %w", domain.ErrPersistence)

		_, err := f.service.CreateOrder(context.Background(), buyer, domain.Cart{
			Items: []domain.CartLine{{ProductID: 1, Quantity: 1}},
		})
		if !errors.Is(err, domain.ErrPersistence) {
			t.Errorf("expected ErrPersistence, got %v", err)
		}
	})
}

func TestCreatePaymentPreference(t *testing.T) {
	t.Run("builds the provider request from the order", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		redirect, err := f.service.CreatePaymentPreference(context.Background(), buyer, order.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if redirect.RedirectURL != "https://mp.test/checkout/pref-1" {
			t.Errorf("unexpected redirect %s", redirect.RedirectURL)
		}

		req := f.gateway.requests[0]
		if req.ExternalReference != order.ID {
			t.Errorf("expected external reference %s, got %s", order.ID, req.ExternalReference)
		}
		if req.PayerEmail != buyer.Email {
			t.Errorf("expected payer %s, got %s", buyer.Email, req.PayerEmail)
		}
		if len(req.Items) != 1 || req.Items[0].Quantity != 2 || req.Items[0].Title != "1000 Instagram Followers" {
			t.Errorf("unexpected items %+v", req.Items)
		}
		want := "https://shop.test/payment/success?order_id=" + order.ID
		if req.Callbacks.Success != want {
			t.Errorf("expected success url %s, got %s", want, req.Callbacks.Success)
		}
		if !strings.HasPrefix(req.NotificationURL, "https://shop.test/api/payments/webhook?") {
			t.Errorf("unexpected notification url %s", req.NotificationURL)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusPending {
			t.Errorf("expected order to stay pending")
		}
	})

	t.Run("paid orders are not payable", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)
		if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
			t.Fatalf("notify: %v", err)
		}

		_, err := f.service.CreatePaymentPreference(context.Background(), buyer, order.ID)
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
		if len(f.gateway.requests) != 0 {
			t.Errorf("expected no provider calls, got %d", len(f.gateway.requests))
		}
	})

	t.Run("other users see not found", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		_, err := f.service.CreatePaymentPreference(context.Background(), other, order.ID)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("missing order is not found", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.CreatePaymentPreference(context.Background(), buyer, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("provider failure leaves the order pending", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)
		f.gateway.err = fmt.Errorf("timeout: %w", domain.ErrPaymentGateway)

		_, err := f.service.CreatePaymentPreference(context.Background(), buyer, order.ID)
		if !errors.Is(err, domain.ErrPaymentGateway) {
			t.Errorf("expected ErrPaymentGateway, got %v", err)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusPending {
			t.Errorf("expected order to stay pending, got %s", f.ledger.status(order.ID))
		}
	})
}

func TestReconcileNotification(t *testing.T) {
	t.Run("approved payment marks the order paid", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, _ := f.ledger.GetByID(context.Background(), order.ID)
		if got.Status != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", got.Status)
		}
		if got.PaymentRef == nil || *got.PaymentRef != "pay-1" {
			t.Errorf("expected payment ref pay-1, got %v", got.PaymentRef)
		}
		if len(f.publisher.events) != 1 || f.publisher.events[0].Status != domain.OrderStatusPaid {
			t.Errorf("expected one paid event, got %+v", f.publisher.events)
		}
		if f.publisher.events[0].Previous != domain.OrderStatusPending {
			t.Errorf("expected previous pending, got %s", f.publisher.events[0].Previous)
		}
	})

	t.Run("duplicate approval is a no-op", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		for i := 0; i < 2; i++ {
			if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
				t.Fatalf("delivery %d: unexpected error: %v", i, err)
			}
		}

		if f.ledger.status(order.ID) != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", f.ledger.status(order.ID))
		}
		if len(f.publisher.events) != 1 {
			t.Errorf("expected a single event, got %d", len(f.publisher.events))
		}
	})

	t.Run("rejected payment cancels a pending order", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		if err := f.notify(t, order.ID, domain.PaymentRejected); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusCancelled {
			t.Errorf("expected cancelled, got %s", f.ledger.status(order.ID))
		}
	})

	t.Run("late rejection does not cancel a paid order", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
			t.Fatalf("notify: %v", err)
		}
		if err := f.notify(t, order.ID, domain.PaymentRejected); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if f.ledger.status(order.ID) != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", f.ledger.status(order.ID))
		}
		if len(f.publisher.events) != 1 {
			t.Errorf("expected only the paid event, got %d", len(f.publisher.events))
		}
	})

	t.Run("admin can still cancel a paid order", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
			t.Fatalf("notify: %v", err)
		}
		if _, err := f.service.SetStatus(context.Background(), order.ID, domain.OrderStatusCancelled); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusCancelled {
			t.Errorf("expected cancelled, got %s", f.ledger.status(order.ID))
		}
	})

	t.Run("late rejection does not reopen a completed order", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)
		ctx := context.Background()

		if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
			t.Fatalf("notify: %v", err)
		}
		for _, status := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusCompleted} {
			if _, err := f.service.SetStatus(ctx, order.ID, status); err != nil {
				t.Fatalf("set %s: %v", status, err)
			}
		}

		if err := f.notify(t, order.ID, domain.PaymentRejected); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusCompleted {
			t.Errorf("expected completed, got %s", f.ledger.status(order.ID))
		}
	})

	t.Run("late approval does not revive a cancelled order", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		if err := f.notify(t, order.ID, domain.PaymentRejected); err != nil {
			t.Fatalf("notify: %v", err)
		}
		if err := f.notify(t, order.ID, domain.PaymentApproved); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusCancelled {
			t.Errorf("expected cancelled, got %s", f.ledger.status(order.ID))
		}
	})

	t.Run("pending review and unknown leave the order alone", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		for _, outcome := range []domain.PaymentOutcome{domain.PaymentPendingReview, domain.PaymentUnknown} {
			if err := f.notify(t, order.ID, outcome); err != nil {
				t.Fatalf("%s: unexpected error: %v", outcome, err)
			}
		}
		if f.ledger.status(order.ID) != domain.OrderStatusPending {
			t.Errorf("expected pending, got %s", f.ledger.status(order.ID))
		}
		if len(f.publisher.events) != 0 {
			t.Errorf("expected no events, got %d", len(f.publisher.events))
		}
	})

	t.Run("unknown order is acknowledged", func(t *testing.T) {
		f := newFixture(t)

		if err := f.notify(t, "no-such-order", domain.PaymentApproved); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("falls back to the order id in the callback url", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)
		f.gateway.notification = domain.PaymentNotification{PaymentID: "pay-2", Outcome: domain.PaymentApproved}

		note, err := f.service.ReconcileNotification(context.Background(), domain.RawNotification{
			Query: map[string]string{"order_id": order.ID},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if note.ExternalOrderRef != order.ID {
			t.Errorf("expected ref %s, got %s", order.ID, note.ExternalOrderRef)
		}
		if f.ledger.status(order.ID) != domain.OrderStatusPaid {
			t.Errorf("expected paid, got %s", f.ledger.status(order.ID))
		}
	})

	t.Run("persistence failures are returned", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)
		f.ledger.failSet = fmt.Errorf("connection reset: %w", domain.ErrPersistence)

		err := f.notify(t, order.ID, domain.PaymentApproved)
		if !errors.Is(err, domain.ErrPersistence) {
			t.Errorf("expected ErrPersistence, got %v", err)
		}
	})
}

func TestSetStatus(t *testing.T) {
	t.Run("rejects illegal transitions", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		_, err := f.service.SetStatus(context.Background(), order.ID, domain.OrderStatusCompleted)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("same status succeeds without an event", func(t *testing.T) {
		f := newFixture(t)
		order := f.pendingOrder(t)

		got, err := f.service.SetStatus(context.Background(), order.ID, domain.OrderStatusPending)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != domain.OrderStatusPending {
			t.Errorf("expected pending, got %s", got.Status)
		}
		if len(f.publisher.events) != 0 {
			t.Errorf("expected no events, got %d", len(f.publisher.events))
		}
	})

	t.Run("works without a publisher", func(t *testing.T) {
		f := newFixture(t)
		f.service.publisher = nil
		order := f.pendingOrder(t)

		if _, err := f.service.SetStatus(context.Background(), order.ID, domain.OrderStatusCancelled); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	order := f.pendingOrder(t)
	admin := domain.Principal{ID: 1, Role: domain.RoleAdmin}

	if _, err := f.service.GetOrder(context.Background(), buyer, order.ID); err != nil {
		t.Errorf("owner: unexpected error: %v", err)
	}
	if _, err := f.service.GetOrder(context.Background(), admin, order.ID); err != nil {
		t.Errorf("admin: unexpected error: %v", err)
	}
	if _, err := f.service.GetOrder(context.Background(), other, order.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("other: expected ErrNotFound, got %v", err)
	}
}

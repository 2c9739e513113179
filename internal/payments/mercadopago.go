package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joao-fontenele/followers-shop/internal/domain"
)

const (
	DefaultBaseURL = "https://api.mercadopago.com"
	DefaultTimeout = 10 * time.Second

	maxInstallments   = 12
	maxErrorBodyBytes = 4096
)

// Config replaces the provider SDK's process-wide credentials. Each Client
// carries its own.
type Config struct {
	AccessToken   string
	BaseURL       string
	Sandbox       bool
	Currency      string
	WebhookSecret string
	Timeout       time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a MercadoPago client. transport may be nil, in which case
// http.DefaultTransport is used. Every provider call is bounded by
// cfg.Timeout and is never retried.
func NewClient(cfg Config, transport http.RoundTripper, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Currency == "" {
		cfg.Currency = "CLP"
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	CurrencyID string  `json:"currency_id"`
	UnitPrice  float64 `json:"unit_price"`
}

type preferencePayer struct {
	Email string `json:"email"`
}

type paymentType struct {
	ID string `json:"id"`
}

type paymentMethods struct {
	ExcludedPaymentTypes []paymentType `json:"excluded_payment_types"`
	Installments         int           `json:"installments"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	Payer             preferencePayer  `json:"payer"`
	PaymentMethods    paymentMethods   `json:"payment_methods"`
	BackURLs          backURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// CreatePreference registers a payment preference and returns the URL the
// buyer must be redirected to. Every failure wraps domain.ErrPaymentGateway.
func (c *Client) CreatePreference(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentRedirect, error) {
	body := preferenceRequest{
		Items:          make([]preferenceItem, 0, len(req.Items)),
		Payer:          preferencePayer{Email: req.PayerEmail},
		PaymentMethods: paymentMethods{ExcludedPaymentTypes: []paymentType{{ID: "atm"}}, Installments: maxInstallments},
		BackURLs: backURLs{
			Success: req.Callbacks.Success,
			Failure: req.Callbacks.Failure,
			Pending: req.Callbacks.Pending,
		},
		AutoReturn:        "approved",
		ExternalReference: req.ExternalReference,
		NotificationURL:   req.NotificationURL,
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, preferenceItem{
			Title:      item.Title,
			Quantity:   item.Quantity,
			CurrencyID: c.cfg.Currency,
			UnitPrice:  item.UnitPrice.InexactFloat64(),
		})
	}

	var resp preferenceResponse
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", body, &resp); err != nil {
		return nil, fmt.Errorf("create preference for order %s: %w", req.ExternalReference, err)
	}

	redirect := resp.InitPoint
	if c.cfg.Sandbox && resp.SandboxInitPoint != "" {
		redirect = resp.SandboxInitPoint
	}
	if redirect == "" {
		return nil, fmt.Errorf("create preference for order %s: %w: response has no redirect url", req.ExternalReference, domain.ErrPaymentGateway)
	}

	return &domain.PaymentRedirect{PreferenceID: resp.ID, RedirectURL: redirect}, nil
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
}

func (c *Client) getPayment(ctx context.Context, id string) (*paymentResponse, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %w", domain.ErrPaymentGateway, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPaymentGateway, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPaymentGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: provider returned status %d: %s", domain.ErrPaymentGateway, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrPaymentGateway, err)
	}

	return nil
}

type notificationBody struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// flexibleID accepts the payment id as a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// ParseNotification resolves a webhook delivery into an order reference and a
// payment outcome. It never fails: malformed, unverifiable or unresolvable
// deliveries come back as domain.PaymentUnknown so the caller can still
// acknowledge them. The outcome is always read back from the provider, never
// trusted from the delivery itself.
func (c *Client) ParseNotification(ctx context.Context, raw domain.RawNotification) domain.PaymentNotification {
	unknown := domain.PaymentNotification{Outcome: domain.PaymentUnknown}

	kind, paymentID, err := notificationTarget(raw)
	if err != nil {
		c.logger.WarnContext(ctx, "malformed payment notification", "error", err)
		return unknown
	}

	if kind != "payment" {
		c.logger.InfoContext(ctx, "ignoring non-payment notification", "type", kind)
		return unknown
	}
	if paymentID == "" {
		c.logger.WarnContext(ctx, "payment notification without payment id")
		return unknown
	}
	unknown.PaymentID = paymentID

	if c.cfg.WebhookSecret != "" && !verifySignature(c.cfg.WebhookSecret, raw.Signature, raw.RequestID, paymentID) {
		c.logger.WarnContext(ctx, "payment notification signature mismatch", "payment_id", paymentID)
		return unknown
	}

	payment, err := c.getPayment(ctx, paymentID)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to resolve payment notification", "error", err, "payment_id", paymentID)
		return unknown
	}

	return domain.PaymentNotification{
		ExternalOrderRef: payment.ExternalReference,
		PaymentID:        paymentID,
		Outcome:          mapPaymentStatus(payment.Status),
	}
}

func notificationTarget(raw domain.RawNotification) (kind, id string, err error) {
	if len(bytes.TrimSpace(raw.Body)) > 0 {
		var body notificationBody
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return "", "", err
		}
		kind, id = body.Type, string(body.Data.ID)
	}

	// Legacy IPN deliveries carry everything in the query string.
	if kind == "" {
		kind = firstNonEmpty(raw.Query["type"], raw.Query["topic"])
	}
	if id == "" {
		id = firstNonEmpty(raw.Query["data.id"], raw.Query["id"])
	}

	return kind, id, nil
}

func mapPaymentStatus(status string) domain.PaymentOutcome {
	switch status {
	case "approved":
		return domain.PaymentApproved
	case "rejected", "cancelled":
		return domain.PaymentRejected
	case "pending", "in_process", "authorized", "in_mediation":
		return domain.PaymentPendingReview
	default:
		return domain.PaymentUnknown
	}
}

// verifySignature checks the x-signature header ("ts=...,v1=...") against an
// HMAC-SHA256 of the manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func verifySignature(secret, header, requestID, dataID string) bool {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	manifest := "id:" + strings.ToLower(dataID) + ";"
	if requestID != "" {
		manifest += "request-id:" + requestID + ";"
	}
	manifest += "ts:" + ts + ";"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(v1)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package domain

import "github.com/shopspring/decimal"

type PaymentLineItem struct {
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
}

type CallbackURLs struct {
	Success string
	Failure string
	Pending string
}

// PaymentRequest is everything the provider needs to build a payment
// preference. ExternalReference is the order id and comes back on every
// notification for that payment.
type PaymentRequest struct {
	ExternalReference string
	PayerEmail        string
	Items             []PaymentLineItem
	Callbacks         CallbackURLs
	NotificationURL   string
}

type PaymentRedirect struct {
	PreferenceID string `json:"preference_id"`
	RedirectURL  string `json:"redirect_url"`
}

type PaymentOutcome string

const (
	PaymentApproved      PaymentOutcome = "approved"
	PaymentRejected      PaymentOutcome = "rejected"
	PaymentPendingReview PaymentOutcome = "pending_review"
	PaymentUnknown       PaymentOutcome = "unknown"
)

// RawNotification is an inbound webhook delivery as received over HTTP.
type RawNotification struct {
	Body      []byte
	Query     map[string]string
	Signature string
	RequestID string
}

type PaymentNotification struct {
	ExternalOrderRef string
	PaymentID        string
	Outcome          PaymentOutcome
}

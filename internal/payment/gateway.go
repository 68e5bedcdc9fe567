// Package payment adapts the card processor used to collect online payments.
package payment

import (
	"context"

	"github.com/safar/storefront/internal/apperr"
)

const (
	StatusSucceeded = "succeeded"

	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"

	MetadataOrderID = "orderId"
	MetadataUserID  = "userId"
)

var (
	ErrWebhookSecretMissing = apperr.New(apperr.KindValidation, "Webhook secret not configured")
	ErrInvalidSignature     = apperr.New(apperr.KindValidation, "Webhook signature verification failed")
	ErrIntentNotFound       = apperr.New(apperr.KindNotFound, "Payment intent not found")
	ErrUnsupportedCurrency  = apperr.New(apperr.KindValidation, "Invalid currency")
)

var supportedCurrencies = map[string]bool{"inr": true, "usd": true}

func SupportedCurrency(c string) bool {
	return supportedCurrencies[c]
}

// Intent is the processor-side record of a charge attempt.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       int64
	Currency     string
	Metadata     map[string]string
	ReceiptEmail string
}

type CreateIntentParams struct {
	// Amount is in the currency's minor unit.
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Event is a verified webhook delivery. Intent is set for payment intent
// events and nil otherwise.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

type Gateway interface {
	CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	// ParseWebhook verifies signature over payload and decodes the event.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/safar/storefront/internal/apperr"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway talks to Stripe through a client owned by the gateway
// rather than the package-level stripe.Key.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, params CreateIntentParams) (*Intent, error) {
	currency := strings.ToLower(params.Currency)
	if !SupportedCurrency(currency) {
		return nil, ErrUnsupportedCurrency
	}

	p := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.Amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	p.Context = ctx
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(p)
	if err != nil {
		return nil, classifyStripeError("create payment intent", err)
	}

	return intentFromStripe(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	p := &stripe.PaymentIntentParams{}
	p.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, p)
	if err != nil {
		return nil, classifyStripeError("retrieve payment intent", err)
	}

	return intentFromStripe(pi), nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookSecret == "" {
		return nil, ErrWebhookSecretMissing
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, ErrInvalidSignature.Message, errors.Join(ErrInvalidSignature, err))
	}

	event := &Event{ID: evt.ID, Type: string(evt.Type)}
	if strings.HasPrefix(event.Type, "payment_intent.") && evt.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent from event %s: %w", evt.ID, err)
		}
		event.Intent = intentFromStripe(&pi)
	}

	return event, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
		ReceiptEmail: pi.ReceiptEmail,
	}
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return apperr.Wrap(apperr.KindNotFound, ErrIntentNotFound.Message, errors.Join(ErrIntentNotFound, err))
	}
	return apperr.Wrap(apperr.KindUpstream, "Payment provider error", fmt.Errorf("%s: %w", op, err))
}

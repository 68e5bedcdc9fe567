package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

const testWebhookSecret = "whsec_test"

func sign(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func succeededPayload(orderID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_1",
			"object": "payment_intent",
			"status": "succeeded",
			"amount": 101500,
			"currency": "inr",
			"receipt_email": "buyer@example.com",
			"metadata": {"orderId": %q, "userId": "7"}
		}}
	}`, orderID))
}

func TestParseWebhookVerifiesSignature(t *testing.T) {
	gw := NewStripeGateway("sk_test", testWebhookSecret, nil)
	payload := succeededPayload("42")

	event, err := gw.ParseWebhook(payload, sign(t, payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventPaymentSucceeded, event.Type)
	require.NotNil(t, event.Intent)
	assert.Equal(t, "pi_1", event.Intent.ID)
	assert.Equal(t, StatusSucceeded, event.Intent.Status)
	assert.Equal(t, "42", event.Intent.Metadata[MetadataOrderID])
	assert.Equal(t, "buyer@example.com", event.Intent.ReceiptEmail)
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	gw := NewStripeGateway("sk_test", testWebhookSecret, nil)
	payload := succeededPayload("42")

	_, err := gw.ParseWebhook(payload, sign(t, payload, "whsec_other"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = gw.ParseWebhook(payload, "")
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestParseWebhookFailsClosedWithoutSecret(t *testing.T) {
	gw := NewStripeGateway("sk_test", "", nil)
	payload := succeededPayload("42")

	_, err := gw.ParseWebhook(payload, sign(t, payload, ""))
	assert.True(t, errors.Is(err, ErrWebhookSecretMissing))
}

func TestParseWebhookNonIntentEvent(t *testing.T) {
	gw := NewStripeGateway("sk_test", testWebhookSecret, nil)
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)

	event, err := gw.ParseWebhook(payload, sign(t, payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, "customer.created", event.Type)
	assert.Nil(t, event.Intent)
}

func newTestBackends(srv *httptest.Server) *stripe.Backends {
	cfg := &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	return &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
}

func TestCreateIntentSendsMinorUnitsAndMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "101500", r.PostForm.Get("amount"))
		assert.Equal(t, "inr", r.PostForm.Get("currency"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[orderId]"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","client_secret":"pi_1_secret","status":"requires_payment_method","amount":101500,"currency":"inr"}`)
	}))
	defer srv.Close()

	gw := NewStripeGateway("sk_test", testWebhookSecret, newTestBackends(srv))
	intent, err := gw.CreateIntent(context.Background(), CreateIntentParams{
		Amount:   101500,
		Currency: "INR",
		Metadata: map[string]string{MetadataOrderID: "42"},
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "pi_1_secret", intent.ClientSecret)
}

func TestCreateIntentRejectsUnsupportedCurrency(t *testing.T) {
	gw := NewStripeGateway("sk_test", testWebhookSecret, nil)

	_, err := gw.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "eur"})
	assert.True(t, errors.Is(err, ErrUnsupportedCurrency))
}

func TestRetrieveIntentMapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/payment_intents/pi_missing" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"boom"}}`)
	}))
	defer srv.Close()

	gw := NewStripeGateway("sk_test", testWebhookSecret, newTestBackends(srv))

	_, err := gw.RetrieveIntent(context.Background(), "pi_missing")
	assert.True(t, errors.Is(err, ErrIntentNotFound))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = gw.RetrieveIntent(context.Background(), "pi_broken")
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
}

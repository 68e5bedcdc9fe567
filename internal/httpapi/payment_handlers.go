package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/orders"
	"github.com/shopspring/decimal"
)

const headerStripeSignature = "Stripe-Signature"

const maxWebhookBody = 64 << 10

type createIntentRequest struct {
	OrderID  int64           `json:"orderId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	OrderID         int64  `json:"orderId" validate:"required"`
}

func (s *Server) createPaymentIntent(c *gin.Context) {
	var req createIntentRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	intent, err := s.orders.CreatePaymentIntent(c.Request.Context(), identityOf(c), orders.PaymentIntentInput{
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, intent, "")
}

func (s *Server) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := bindAndValidate(c, &req, s.validate); err != nil {
		respondError(c, err)
		return
	}

	order, err := s.orders.ConfirmPayment(c.Request.Context(), identityOf(c), orders.ConfirmInput{
		PaymentIntentID: req.PaymentIntentID,
		OrderID:         req.OrderID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"order": order}, "Payment confirmed successfully")
}

// paymentWebhook reads the raw body so the signature is checked against the
// exact bytes the processor sent.
func (s *Server) paymentWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "Invalid webhook payload", err))
		return
	}

	if err := s.orders.HandleWebhook(c.Request.Context(), payload, c.GetHeader(headerStripeSignature)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

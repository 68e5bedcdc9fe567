package orders

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/payment"
	"github.com/safar/storefront/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAlreadyPaid         = apperr.New(apperr.KindConflict, "Order is already paid")
	ErrPaymentNotCompleted = apperr.New(apperr.KindValidation, "Payment not completed")
	ErrIntentMismatch      = apperr.New(apperr.KindValidation, "Payment intent does not belong to this order")
	ErrGatewayUnavailable  = apperr.New(apperr.KindUpstream, "Payment provider not configured")
)

const (
	webhookKeyPrefix = "stripe:event:"

	// releaseTimeout bounds the claim release, which runs even after the
	// request context is done.
	releaseTimeout = 2 * time.Second
)

type PaymentIntentInput struct {
	OrderID  int64
	Amount   decimal.Decimal
	Currency string
}

type PaymentIntent struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type ConfirmInput struct {
	PaymentIntentID string
	OrderID         int64
}

func (in PaymentIntentInput) validate() error {
	var fields []apperr.FieldError
	if in.OrderID <= 0 {
		fields = append(fields, apperr.FieldError{Field: "orderId", Message: "Invalid order ID"})
	}
	if !in.Amount.IsPositive() {
		fields = append(fields, apperr.FieldError{Field: "amount", Message: "Amount must be a positive number"})
	}
	if !payment.SupportedCurrency(strings.ToLower(in.Currency)) {
		fields = append(fields, apperr.FieldError{Field: "currency", Message: "Invalid currency"})
	}
	if len(fields) > 0 {
		return apperr.Validation(fields...)
	}
	return nil
}

func paymentResultFrom(intent *payment.Intent, at time.Time) models.PaymentResult {
	return models.PaymentResult{
		ID:           intent.ID,
		Status:       intent.Status,
		UpdateTime:   at.UTC().Format(time.RFC3339),
		EmailAddress: intent.ReceiptEmail,
	}
}

// upstream reclassifies gateway failures that carry no kind of their own.
func upstream(err error) error {
	if apperr.KindOf(err) == apperr.KindInternal {
		return apperr.Wrap(apperr.KindUpstream, "Payment provider error", err)
	}
	return err
}

// CreatePaymentIntent opens a charge for the full total of one of the
// caller's unpaid orders.
func (s *Service) CreatePaymentIntent(ctx context.Context, caller auth.Identity, in PaymentIntentInput) (*PaymentIntent, error) {
	var result *PaymentIntent

	err := s.observe(ctx, "create_payment_intent", func(ctx context.Context) error {
		if s.gateway == nil {
			return ErrGatewayUnavailable
		}
		if err := in.validate(); err != nil {
			return err
		}

		order, err := s.ledger.GetOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if order.UserID != caller.UserID {
			return ErrAccessDenied
		}
		if order.IsPaid {
			return ErrAlreadyPaid
		}
		if order.Status == models.OrderStatusCancelled {
			return database.ErrOrderCancelled
		}
		if !in.Amount.Equal(order.TotalPrice) {
			return apperr.Validation(apperr.FieldError{Field: "amount", Message: "Amount does not match order total"})
		}

		intent, err := s.gateway.CreateIntent(ctx, payment.CreateIntentParams{
			Amount:   pricing.MinorUnits(order.TotalPrice),
			Currency: strings.ToLower(in.Currency),
			Metadata: map[string]string{
				payment.MetadataOrderID: strconv.FormatInt(order.ID, 10),
				payment.MetadataUserID:  strconv.FormatInt(caller.UserID, 10),
			},
		})
		if err != nil {
			return upstream(err)
		}

		s.log(ctx).Info("payment intent created",
			zap.Int64("order_id", order.ID),
			zap.String("payment_intent_id", intent.ID),
		)
		result = &PaymentIntent{ClientSecret: intent.ClientSecret, PaymentIntentID: intent.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ConfirmPayment checks a payment intent with the processor and, once it has
// succeeded, marks the caller's order paid. Confirming an order that is
// already paid returns it unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, caller auth.Identity, in ConfirmInput) (*models.Order, error) {
	var order *models.Order

	err := s.observe(ctx, "confirm_payment", func(ctx context.Context) error {
		if s.gateway == nil {
			return ErrGatewayUnavailable
		}
		if strings.TrimSpace(in.PaymentIntentID) == "" || in.OrderID <= 0 {
			var fields []apperr.FieldError
			if strings.TrimSpace(in.PaymentIntentID) == "" {
				fields = append(fields, apperr.FieldError{Field: "paymentIntentId", Message: "Payment intent ID is required"})
			}
			if in.OrderID <= 0 {
				fields = append(fields, apperr.FieldError{Field: "orderId", Message: "Invalid order ID"})
			}
			return apperr.Validation(fields...)
		}

		intent, err := s.gateway.RetrieveIntent(ctx, in.PaymentIntentID)
		if err != nil {
			return upstream(err)
		}
		if intent.Status != payment.StatusSucceeded {
			return ErrPaymentNotCompleted
		}

		current, err := s.ledger.GetOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if current.UserID != caller.UserID {
			return ErrAccessDenied
		}
		if ref, ok := intent.Metadata[payment.MetadataOrderID]; ok && ref != strconv.FormatInt(current.ID, 10) {
			return ErrIntentMismatch
		}
		if current.IsPaid {
			order = current
			return nil
		}

		now := s.now()
		updated, changed, err := s.ledger.MarkPaid(ctx, current.ID, paymentResultFrom(intent, now), now)
		if err != nil {
			return err
		}
		if changed {
			s.log(ctx).Info("order paid",
				zap.Int64("order_id", updated.ID),
				zap.String("payment_intent_id", intent.ID),
				zap.String("source", "confirm"),
			)
		}
		order = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// HandleWebhook verifies and applies a processor event. Only a failed
// signature check is reported to the caller; every verified delivery is
// acknowledged so the processor stops retrying it. Deliveries already seen
// are skipped.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return s.observe(ctx, "payment_webhook", func(ctx context.Context) error {
		if s.gateway == nil {
			return ErrGatewayUnavailable
		}

		event, err := s.gateway.ParseWebhook(payload, signature)
		if err != nil {
			s.metrics.WebhookEvent("unknown", "rejected")
			s.log(ctx).Warn("webhook rejected", zap.Error(err))
			if apperr.KindOf(err) == apperr.KindInternal {
				return apperr.Wrap(apperr.KindValidation, "Invalid webhook payload", err)
			}
			return err
		}

		log := s.log(ctx).With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))

		key := webhookKeyPrefix + event.ID
		claimed, err := s.guard.Claim(ctx, key)
		if err != nil {
			// Redelivery is safe because marking an order paid is idempotent.
			log.Warn("webhook dedupe unavailable", zap.Error(err))
			claimed = true
		}
		if !claimed {
			s.metrics.WebhookEvent(event.Type, "duplicate")
			log.Info("webhook already processed")
			return nil
		}

		result, err := s.applyEvent(ctx, log, event)
		if err != nil {
			s.metrics.WebhookEvent(event.Type, "error")
			log.Error("webhook processing failed", zap.Error(err))
			if apperr.KindOf(err) == apperr.KindInternal {
				s.releaseClaim(ctx, log, key)
			}
			return nil
		}

		s.metrics.WebhookEvent(event.Type, result)
		return nil
	})
}

// releaseClaim forgets a webhook claim so the processor's retry is applied.
// It runs detached from ctx, which may already be cancelled.
func (s *Service) releaseClaim(ctx context.Context, log *zap.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := s.guard.Release(ctx, key); err != nil {
		log.Warn("release webhook claim", zap.Error(err))
	}
}

func (s *Service) applyEvent(ctx context.Context, log *zap.Logger, event *payment.Event) (string, error) {
	switch event.Type {
	case payment.EventPaymentSucceeded:
		if event.Intent == nil {
			log.Warn("payment event without intent")
			return "ignored", nil
		}
		ref := event.Intent.Metadata[payment.MetadataOrderID]
		orderID, err := strconv.ParseInt(ref, 10, 64)
		if err != nil || orderID <= 0 {
			log.Warn("payment intent without order reference", zap.String("payment_intent_id", event.Intent.ID))
			return "ignored", nil
		}

		now := s.now()
		order, changed, err := s.ledger.MarkPaid(ctx, orderID, paymentResultFrom(event.Intent, now), now)
		if err != nil {
			if errors.Is(err, database.ErrOrderNotFound) || errors.Is(err, database.ErrOrderCancelled) {
				log.Warn("payment for unpayable order", zap.Int64("order_id", orderID), zap.Error(err))
				return "ignored", nil
			}
			return "", err
		}
		if !changed {
			log.Info("order already paid", zap.Int64("order_id", order.ID))
			return "noop", nil
		}
		log.Info("order paid",
			zap.Int64("order_id", order.ID),
			zap.String("payment_intent_id", event.Intent.ID),
			zap.String("source", "webhook"),
		)
		return "applied", nil

	case payment.EventPaymentFailed:
		attrs := []zap.Field{}
		if event.Intent != nil {
			attrs = append(attrs,
				zap.String("payment_intent_id", event.Intent.ID),
				zap.String("order_ref", event.Intent.Metadata[payment.MetadataOrderID]),
			)
		}
		log.Warn("payment failed", attrs...)
		return "logged", nil

	default:
		log.Debug("unhandled webhook event")
		return "ignored", nil
	}
}

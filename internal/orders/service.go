// Package orders implements order placement, the order status lifecycle and
// payment reconciliation.
package orders

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/idempotency"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/payment"
	"github.com/safar/storefront/internal/pricing"
	"github.com/safar/storefront/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	DefaultUserPageSize  = 10
	DefaultAdminPageSize = 20

	// MaxLineQuantity bounds the quantity of one product in an order, before
	// and after repeated lines are merged. stock_quantity is an INTEGER column.
	MaxLineQuantity = math.MaxInt32
)

var (
	ErrAccessDenied      = apperr.New(apperr.KindAccessDenied, "Access denied")
	ErrInvalidTransition = apperr.New(apperr.KindConflict, "Invalid status transition")
	ErrNotPaid           = apperr.New(apperr.KindConflict, "Order must be paid before it can be fulfilled")
)

// Ledger is the order storage the workflow runs against.
type Ledger interface {
	PlaceOrder(ctx context.Context, userID int64, productIDs []int64, build store.OrderBuilder) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, filter store.OrderFilter, req store.PageRequest) (*store.OffsetPage[models.Order], error)
	MarkPaid(ctx context.Context, id int64, result models.PaymentResult, paidAt time.Time) (*models.Order, bool, error)
	UpdateStatus(ctx context.Context, id int64, from, to models.OrderStatus, at time.Time) (*models.Order, error)
}

type Deps struct {
	Ledger  Ledger
	Gateway payment.Gateway
	Guard   idempotency.Guard
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
	Now     func() time.Time
}

type Service struct {
	ledger  Ledger
	gateway payment.Gateway
	guard   idempotency.Guard
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		ledger:  d.Ledger,
		gateway: d.Gateway,
		guard:   d.Guard,
		metrics: d.Metrics,
		tracer:  d.Tracer,
		logger:  d.Logger,
		now:     d.Now,
	}
	if s.guard == nil {
		s.guard = idempotency.NopGuard{}
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("orders")
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logging.FromContextOr(ctx, s.logger)
}

// observe wraps a workflow operation in a span, records its outcome metric
// and logs unexpected failures.
func (s *Service) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "orders."+op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	outcome := "ok"
	if err != nil {
		kind := apperr.KindOf(err)
		outcome = kind.String()
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.MessageOf(err))
		if kind == apperr.KindInternal || kind == apperr.KindUpstream {
			s.log(ctx).Error("operation failed", zap.String("operation", op), zap.Error(err))
		}
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(start))

	return err
}

type LineItem struct {
	ProductID int64
	Quantity  int
}

type CreateOrderInput struct {
	Items           []LineItem
	ShippingAddress models.Address
	PaymentMethod   models.PaymentMethod
}

func (in CreateOrderInput) validate() error {
	var fields []apperr.FieldError
	add := func(field, msg string) {
		fields = append(fields, apperr.FieldError{Field: field, Message: msg})
	}

	if len(in.Items) == 0 {
		add("items", "Order must contain at least one item")
	}
	for i, item := range in.Items {
		if item.ProductID <= 0 {
			add(fmt.Sprintf("items[%d].product", i), "Invalid product ID")
		}
		if item.Quantity < 1 {
			add(fmt.Sprintf("items[%d].quantity", i), "Quantity must be at least 1")
		}
		if item.Quantity > MaxLineQuantity {
			add(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("Quantity cannot exceed %d", MaxLineQuantity))
		}
	}

	addr := in.ShippingAddress
	if strings.TrimSpace(addr.Street) == "" {
		add("shippingAddress.street", "Street address is required")
	}
	if strings.TrimSpace(addr.City) == "" {
		add("shippingAddress.city", "City is required")
	}
	if strings.TrimSpace(addr.State) == "" {
		add("shippingAddress.state", "State is required")
	}
	if strings.TrimSpace(addr.ZipCode) == "" {
		add("shippingAddress.zipCode", "ZIP code is required")
	}
	if !in.PaymentMethod.Valid() {
		add("paymentMethod", "Invalid payment method")
	}

	if len(fields) > 0 {
		return apperr.Validation(fields...)
	}
	return nil
}

func normalizeAddress(addr models.Address) models.Address {
	addr.Street = strings.TrimSpace(addr.Street)
	addr.City = strings.TrimSpace(addr.City)
	addr.State = strings.TrimSpace(addr.State)
	addr.ZipCode = strings.TrimSpace(addr.ZipCode)
	addr.Country = strings.TrimSpace(addr.Country)
	if addr.Country == "" {
		addr.Country = models.DefaultCountry
	}
	return addr
}

// mergeLines folds repeated products into one line, keeping first-seen order.
// Lines must already be validated; a merged quantity above MaxLineQuantity
// is reported against the line that pushed it over.
func mergeLines(items []LineItem) ([]LineItem, error) {
	merged := make([]LineItem, 0, len(items))
	index := make(map[int64]int, len(items))
	for i, item := range items {
		j, ok := index[item.ProductID]
		if !ok {
			index[item.ProductID] = len(merged)
			merged = append(merged, item)
			continue
		}
		if item.Quantity > MaxLineQuantity-merged[j].Quantity {
			return nil, apperr.Validation(apperr.FieldError{
				Field:   fmt.Sprintf("items[%d].quantity", i),
				Message: fmt.Sprintf("Total quantity for a product cannot exceed %d", MaxLineQuantity),
			})
		}
		merged[j].Quantity += item.Quantity
	}

	for j, line := range merged {
		if line.Quantity < 1 || line.Quantity > MaxLineQuantity {
			return nil, apperr.Validation(apperr.FieldError{
				Field:   fmt.Sprintf("items[%d].quantity", j),
				Message: "Invalid quantity",
			})
		}
	}
	return merged, nil
}

// buildOrder snapshots the products into order lines and prices the order.
func buildOrder(lines []LineItem, products map[int64]models.Product, addr models.Address, method models.PaymentMethod, now time.Time) (*models.Order, error) {
	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, database.ErrProductNotFound
		}
		if !product.InStock || product.StockQuantity < line.Quantity {
			return nil, apperr.Wrap(apperr.KindConflict,
				fmt.Sprintf("Insufficient stock for %s", product.Name), database.ErrInsufficientStock)
		}

		image := ""
		if len(product.Images) > 0 {
			image = product.Images[0]
		}
		items = append(items, models.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Image:     image,
			Price:     product.Price,
			Quantity:  line.Quantity,
		})
	}

	totals := pricing.Compute(items)
	order := &models.Order{
		Items:           items,
		ShippingAddress: addr,
		PaymentMethod:   method,
		ItemsPrice:      totals.ItemsPrice,
		TaxPrice:        totals.TaxPrice,
		ShippingPrice:   totals.ShippingPrice,
		TotalPrice:      totals.TotalPrice,
		Status:          models.OrderStatusPending,
	}
	if method != models.PaymentMethodCOD {
		paidAt := now
		order.IsPaid = true
		order.PaidAt = &paidAt
	}

	return order, nil
}

// CreateOrder validates the request, then prices and records the order while
// reserving stock for every line in a single ledger transaction.
func (s *Service) CreateOrder(ctx context.Context, caller auth.Identity, in CreateOrderInput) (*models.Order, error) {
	var order *models.Order

	err := s.observe(ctx, "create_order", func(ctx context.Context) error {
		if err := in.validate(); err != nil {
			return err
		}

		lines, err := mergeLines(in.Items)
		if err != nil {
			return err
		}
		addr := normalizeAddress(in.ShippingAddress)
		productIDs := make([]int64, 0, len(lines))
		for _, line := range lines {
			productIDs = append(productIDs, line.ProductID)
		}

		now := s.now()
		created, err := s.ledger.PlaceOrder(ctx, caller.UserID, productIDs, func(products map[int64]models.Product) (*models.Order, error) {
			return buildOrder(lines, products, addr, in.PaymentMethod, now)
		})
		if err != nil {
			return err
		}

		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("order.id", created.ID))
		s.log(ctx).Info("order created",
			zap.Int64("order_id", created.ID),
			zap.Int64("user_id", caller.UserID),
			zap.String("total_price", created.TotalPrice.String()),
			zap.String("payment_method", string(created.PaymentMethod)),
		)
		order = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder returns an order visible to caller: their own, or any for admins.
func (s *Service) GetOrder(ctx context.Context, caller auth.Identity, id int64) (*models.Order, error) {
	var order *models.Order

	err := s.observe(ctx, "get_order", func(ctx context.Context) error {
		found, err := s.ledger.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !caller.CanAccess(found.UserID) {
			return ErrAccessDenied
		}
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func (s *Service) ListMyOrders(ctx context.Context, caller auth.Identity, page, limit int) (*store.OffsetPage[models.Order], error) {
	if limit <= 0 {
		limit = DefaultUserPageSize
	}

	var result *store.OffsetPage[models.Order]
	err := s.observe(ctx, "list_my_orders", func(ctx context.Context) error {
		userID := caller.UserID
		var err error
		result, err = s.ledger.ListOrders(ctx, store.OrderFilter{UserID: &userID}, store.PageRequest{Page: page, PageSize: limit})
		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Service) ListAllOrders(ctx context.Context, caller auth.Identity, page, limit int) (*store.OffsetPage[models.Order], error) {
	if limit <= 0 {
		limit = DefaultAdminPageSize
	}

	var result *store.OffsetPage[models.Order]
	err := s.observe(ctx, "list_all_orders", func(ctx context.Context) error {
		if !caller.IsAdmin() {
			return auth.ErrAdminOnly
		}
		var err error
		result, err = s.ledger.ListOrders(ctx, store.OrderFilter{}, store.PageRequest{Page: page, PageSize: limit})
		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// awaitsPayment reports whether moving order to the given status would fulfil
// it while an online payment is still owed. Cash-on-delivery orders are collected at the door
// and may be fulfilled unpaid; cancellation never needs payment.
func awaitsPayment(order *models.Order, to models.OrderStatus) bool {
	if order.IsPaid || order.PaymentMethod == models.PaymentMethodCOD {
		return false
	}
	return to != models.OrderStatusCancelled && statusRank[to] > statusRank[models.OrderStatusPending]
}

// UpdateStatus applies an administrator status change.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Identity, id int64, to models.OrderStatus) (*models.Order, error) {
	var order *models.Order

	err := s.observe(ctx, "update_status", func(ctx context.Context) error {
		if !caller.IsAdmin() {
			return auth.ErrAdminOnly
		}
		if !ValidStatus(to) {
			return apperr.Validation(apperr.FieldError{Field: "status", Message: "Invalid status"})
		}

		current, err := s.ledger.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(current.Status, to) {
			return apperr.Wrap(apperr.KindConflict,
				fmt.Sprintf("Cannot change order status from %s to %s", current.Status, to), ErrInvalidTransition)
		}
		if awaitsPayment(current, to) {
			return ErrNotPaid
		}

		updated, err := s.ledger.UpdateStatus(ctx, id, current.Status, to, s.now())
		if err != nil {
			return err
		}

		s.log(ctx).Info("order status updated",
			zap.Int64("order_id", id),
			zap.String("from", string(current.Status)),
			zap.String("to", string(to)),
		)
		order = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

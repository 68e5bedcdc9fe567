// Package orderstest provides in-memory collaborators for exercising the
// order workflow without a database or payment processor.
package orderstest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/safar/storefront/internal/catalog"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/payment"
	"github.com/safar/storefront/internal/store"
)

// MemoryLedger is a mutex-guarded stand-in for the Postgres store. Every
// mutation holds the lock for its whole duration, which gives the same
// all-or-nothing placement the database transaction does.
type MemoryLedger struct {
	mu       sync.Mutex
	users    map[int64]bool
	products map[int64]models.Product
	orders   map[int64]models.Order
	events   []models.OrderEvent
	nextID   int64

	// MarkPaidCalls counts calls that changed an order.
	MarkPaidCalls int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		users:    make(map[int64]bool),
		products: make(map[int64]models.Product),
		orders:   make(map[int64]models.Order),
	}
}

func (l *MemoryLedger) id() int64 {
	l.nextID++
	return l.nextID
}

func (l *MemoryLedger) AddUser(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[id] = true
}

// AddProduct stores p after recomputing its derived fields and returns its id.
func (l *MemoryLedger) AddProduct(p models.Product) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == 0 {
		p.ID = l.id()
	}
	l.products[p.ID] = catalog.RecomputeStock(p)
	return p.ID
}

func (l *MemoryLedger) Product(id int64) models.Product {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.products[id]
}

// PutOrder stores an order as-is, bypassing placement.
func (l *MemoryLedger) PutOrder(o models.Order) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.ID == 0 {
		o.ID = l.id()
	}
	l.orders[o.ID] = o
	return o.ID
}

func (l *MemoryLedger) Events() []models.OrderEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.OrderEvent(nil), l.events...)
}

func (l *MemoryLedger) record(o models.Order, typ string) {
	payload, _ := json.Marshal(o)
	l.events = append(l.events, models.OrderEvent{
		ID:        int64(len(l.events) + 1),
		OrderID:   o.ID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

func (l *MemoryLedger) PlaceOrder(_ context.Context, userID int64, productIDs []int64, build store.OrderBuilder) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.users[userID] {
		return nil, database.ErrUserNotFound
	}

	locked := make(map[int64]models.Product, len(productIDs))
	for _, id := range productIDs {
		p, ok := l.products[id]
		if !ok {
			return nil, database.ErrProductNotFound
		}
		locked[id] = p
	}

	draft, err := build(locked)
	if err != nil {
		return nil, err
	}

	// Check every line before touching stock so a failure leaves no trace.
	for _, item := range draft.Items {
		if locked[item.ProductID].StockQuantity < item.Quantity {
			return nil, database.ErrInsufficientStock
		}
	}
	for _, item := range draft.Items {
		p := l.products[item.ProductID]
		p.StockQuantity -= item.Quantity
		l.products[item.ProductID] = catalog.RecomputeStock(p)
	}

	order := *draft
	order.ID = l.id()
	order.UserID = userID
	order.OrderNumber = fmt.Sprintf("ORD-%012d", order.ID)
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	order.Version = 1
	order.Items = append([]models.OrderItem(nil), draft.Items...)
	for i := range order.Items {
		order.Items[i].ID = l.id()
		order.Items[i].OrderID = order.ID
	}
	l.orders[order.ID] = order
	l.record(order, store.EventOrderCreated)

	return &order, nil
}

func (l *MemoryLedger) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	return &o, nil
}

func (l *MemoryLedger) ListOrders(_ context.Context, filter store.OrderFilter, req store.PageRequest) (*store.OffsetPage[models.Order], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req = req.Normalize()
	var matched []models.Order
	for _, o := range l.orders {
		if filter.UserID != nil && o.UserID != *filter.UserID {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	start := req.Offset()
	if start > total {
		start = total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}

	return store.NewOffsetPage(matched[start:end], int64(total), req), nil
}

func (l *MemoryLedger) MarkPaid(_ context.Context, id int64, result models.PaymentResult, paidAt time.Time) (*models.Order, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return nil, false, database.ErrOrderNotFound
	}
	if o.IsPaid {
		return &o, false, nil
	}
	if o.Status == models.OrderStatusCancelled {
		return nil, false, database.ErrOrderCancelled
	}

	at := paidAt
	o.IsPaid = true
	o.PaidAt = &at
	o.PaymentResult = &result
	if o.Status == models.OrderStatusPending {
		o.Status = models.OrderStatusProcessing
	}
	o.Version++
	l.orders[id] = o
	l.MarkPaidCalls++
	l.record(o, store.EventOrderPaid)

	return &o, true, nil
}

func (l *MemoryLedger) UpdateStatus(_ context.Context, id int64, from, to models.OrderStatus, at time.Time) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, database.ErrStatusMismatch
	}

	o.Status = to
	if to == models.OrderStatusDelivered {
		deliveredAt := at
		o.IsDelivered = true
		o.DeliveredAt = &deliveredAt
	}
	o.Version++
	l.orders[id] = o
	l.record(o, store.EventOrderStatusChanged)

	return &o, nil
}

// FakeGateway keeps intents in memory. Webhook payloads are JSON-encoded
// payment.Event values signed with Sign.
type FakeGateway struct {
	mu      sync.Mutex
	intents map[string]*payment.Intent
	secret  string
	seq     int

	// CreateErr and RetrieveErr, when set, are returned by the matching call.
	CreateErr   error
	RetrieveErr error
}

func NewFakeGateway(webhookSecret string) *FakeGateway {
	return &FakeGateway{intents: make(map[string]*payment.Intent), secret: webhookSecret}
}

func (g *FakeGateway) CreateIntent(_ context.Context, params payment.CreateIntentParams) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}

	g.seq++
	id := fmt.Sprintf("pi_test_%d", g.seq)
	intent := &payment.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       "requires_payment_method",
		Amount:       params.Amount,
		Currency:     params.Currency,
		Metadata:     params.Metadata,
	}
	g.intents[id] = intent

	copied := *intent
	return &copied, nil
}

func (g *FakeGateway) RetrieveIntent(_ context.Context, id string) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RetrieveErr != nil {
		return nil, g.RetrieveErr
	}

	intent, ok := g.intents[id]
	if !ok {
		return nil, payment.ErrIntentNotFound
	}
	copied := *intent
	return &copied, nil
}

// SetStatus changes the status the processor reports for an intent.
func (g *FakeGateway) SetStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if intent, ok := g.intents[id]; ok {
		intent.Status = status
	}
}

// PutIntent registers an intent directly.
func (g *FakeGateway) PutIntent(intent payment.Intent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intent.ID] = &intent
}

func (g *FakeGateway) Intent(id string) *payment.Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.intents[id]
}

// Sign returns the signature ParseWebhook accepts for payload.
func (g *FakeGateway) Sign(payload []byte) string {
	sum := sha256.Sum256(append([]byte(g.secret), payload...))
	return hex.EncodeToString(sum[:])
}

// EncodeEvent returns a signed webhook payload for event.
func (g *FakeGateway) EncodeEvent(event payment.Event) ([]byte, string) {
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	return payload, g.Sign(payload)
}

func (g *FakeGateway) ParseWebhook(payload []byte, signature string) (*payment.Event, error) {
	if g.secret == "" {
		return nil, payment.ErrWebhookSecretMissing
	}
	if signature == "" || signature != g.Sign(payload) {
		return nil, payment.ErrInvalidSignature
	}

	var event payment.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &event, nil
}

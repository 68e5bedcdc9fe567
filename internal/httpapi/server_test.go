package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/catalog"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/orders"
	"github.com/safar/storefront/internal/orders/orderstest"
	"github.com/safar/storefront/internal/payment"
	"github.com/safar/storefront/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryUsers struct {
	mu      sync.Mutex
	byEmail map[string]*models.User
	nextID  int64
}

func (m *memoryUsers) CreateUser(_ context.Context, email, name, hash string, role models.Role) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, database.ErrEmailTaken
	}
	m.nextID++
	u := &models.User{ID: m.nextID, Email: email, Name: name, PasswordHash: hash, Role: role}
	m.byEmail[email] = u
	return u, nil
}

func (m *memoryUsers) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, database.ErrUserNotFound
}

func (m *memoryUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byEmail[email]; ok {
		return u, nil
	}
	return nil, database.ErrUserNotFound
}

// memoryCatalog reads products from the ledger so orders and catalog routes
// see the same stock.
type memoryCatalog struct {
	ledger *orderstest.MemoryLedger
	mu     sync.Mutex
	ids    []int64
}

func (c *memoryCatalog) CreateProduct(_ context.Context, p models.Product) (*models.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.ledger.AddProduct(catalog.Prepare(p))
	c.ids = append(c.ids, id)
	created := c.ledger.Product(id)
	return &created, nil
}

func (c *memoryCatalog) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	p := c.ledger.Product(id)
	if p.ID == 0 {
		return nil, database.ErrProductNotFound
	}
	return &p, nil
}

func (c *memoryCatalog) ListProducts(_ context.Context, filter store.ProductFilter, req store.PageRequest) (*store.OffsetPage[models.Product], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req = req.Normalize()

	var items []models.Product
	for _, id := range c.ids {
		p := c.ledger.Product(id)
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if filter.InStock != nil && p.InStock != *filter.InStock {
			continue
		}
		items = append(items, p)
	}
	return store.NewOffsetPage(items, int64(len(items)), req), nil
}

func (c *memoryCatalog) update(id int64, fn func(models.Product) (models.Product, error)) (*models.Product, error) {
	p := c.ledger.Product(id)
	if p.ID == 0 {
		return nil, database.ErrProductNotFound
	}
	p, err := fn(p)
	if err != nil {
		return nil, err
	}
	c.ledger.AddProduct(p)
	updated := c.ledger.Product(id)
	return &updated, nil
}

func (c *memoryCatalog) AddReview(_ context.Context, productID int64, review models.Review) (*models.Product, error) {
	return c.update(productID, func(p models.Product) (models.Product, error) {
		return catalog.AddReview(p, review)
	})
}

func (c *memoryCatalog) SetStock(_ context.Context, productID int64, quantity int) (*models.Product, error) {
	return c.update(productID, func(p models.Product) (models.Product, error) {
		p.StockQuantity = quantity
		return catalog.RecomputeStock(p), nil
	})
}

func (c *memoryCatalog) AppendImage(_ context.Context, productID int64, url string) (*models.Product, error) {
	return c.update(productID, func(p models.Product) (models.Product, error) {
		p.Images = append(append([]string{}, p.Images...), url)
		return p, nil
	})
}

type fakeUploader struct {
	contentType string
	body        []byte
}

func (u *fakeUploader) UploadProductImage(_ context.Context, productID int64, contentType string, body []byte) (string, error) {
	u.contentType = contentType
	u.body = body
	return fmt.Sprintf("https://cdn.example.com/products/%d/image.png", productID), nil
}

type apiResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Message string              `json:"message"`
	Errors  []apperr.FieldError `json:"errors"`
}

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	ledger   *orderstest.MemoryLedger
	gateway  *orderstest.FakeGateway
	users    *memoryUsers
	catalog  *memoryCatalog
	uploader *fakeUploader
	tokens   *auth.TokenIssuer
}

type serverOption func(*httpapi.Deps)

func withoutImages() serverOption {
	return func(d *httpapi.Deps) { d.Images = nil }
}

func withReady(fn func(context.Context) error) serverOption {
	return func(d *httpapi.Deps) { d.Ready = fn }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	ts := &testServer{
		t:        t,
		ledger:   orderstest.NewMemoryLedger(),
		gateway:  orderstest.NewFakeGateway("whsec_test"),
		users:    &memoryUsers{byEmail: map[string]*models.User{}},
		uploader: &fakeUploader{},
		tokens:   auth.NewTokenIssuer("test-secret", time.Hour),
	}
	ts.catalog = &memoryCatalog{ledger: ts.ledger}

	m := metrics.New()
	deps := httpapi.Deps{
		Auth: auth.NewService(ts.users, ts.tokens),
		Orders: orders.NewService(orders.Deps{
			Ledger:  ts.ledger,
			Gateway: ts.gateway,
			Metrics: m,
		}),
		Catalog: ts.catalog,
		Images:  ts.uploader,
		Metrics: m,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	ts.router = httpapi.New(deps).Router()
	return ts
}

// user registers a user in both the auth store and the ledger and returns a
// bearer token for them.
func (ts *testServer) user(email string, role models.Role) (int64, string) {
	ts.t.Helper()
	u, err := ts.users.CreateUser(context.Background(), email, "Test User", "", role)
	require.NoError(ts.t, err)
	ts.ledger.AddUser(u.ID)

	token, err := ts.tokens.Issue(u)
	require.NoError(ts.t, err)
	return u.ID, token
}

func (ts *testServer) product(name string, price int64, stock int) int64 {
	p, err := ts.catalog.CreateProduct(context.Background(), models.Product{
		Name:          name,
		Price:         decimal.NewFromInt(price),
		Category:      models.CategoryElectronics,
		StockQuantity: stock,
		Images:        []string{"https://cdn.example.com/" + name + ".jpg"},
	})
	require.NoError(ts.t, err)
	return p.ID
}

func (ts *testServer) do(method, path, token string, body any) (*httptest.ResponseRecorder, apiResponse) {
	ts.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return ts.serve(req)
}

func (ts *testServer) serve(req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	ts.t.Helper()
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func decodeData[T any](t *testing.T, resp apiResponse) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out), string(resp.Data))
	return out
}

type orderData struct {
	Order models.Order `json:"order"`
}

func orderBody(method string, lines ...map[string]any) map[string]any {
	return map[string]any{
		"items": lines,
		"shippingAddress": map[string]string{
			"street": "12 MG Road", "city": "Bengaluru", "state": "KA", "zipCode": "560001",
		},
		"paymentMethod": method,
	}
}

func item(productID int64, qty int) map[string]any {
	return map[string]any{"product": productID, "quantity": qty}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestServer(t, withReady(func(context.Context) error { return errors.New("db down") }))
	w, _ = down.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	w, resp := ts.do(http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Route not found", resp.Message)
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w, _ := ts.serve(req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w, _ = ts.do(http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRegisterLoginAndMe(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Asha", "email": "Asha@Example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "User registered successfully", resp.Message)

	type authData struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	registered := decodeData[authData](t, resp)
	assert.NotEmpty(t, registered.Token)
	assert.Equal(t, "asha@example.com", registered.User.Email)
	assert.Equal(t, models.RoleUser, registered.User.Role)
	assert.NotContains(t, string(resp.Data), "secret1")

	w, resp = ts.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "asha@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	loggedIn := decodeData[authData](t, resp)

	w, resp = ts.do(http.MethodGet, "/api/auth/me", loggedIn.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decodeData[struct {
		User models.User `json:"user"`
	}](t, resp)
	assert.Equal(t, registered.User.ID, me.User.ID)

	w, _ = ts.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "asha@example.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = ts.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Asha", "email": "asha@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "A", "email": "not-an-email", "password": "123",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	fields := map[string]bool{}
	for _, fe := range resp.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["name"])
	assert.True(t, fields["email"])
	assert.True(t, fields["password"])

	w, resp = ts.do(http.MethodPost, "/api/auth/register", "", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", resp.Message)
}

func TestAuthenticationRequired(t *testing.T) {
	ts := newTestServer(t)

	w, resp := ts.do(http.MethodGet, "/api/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, auth.ErrMissingToken.Message, resp.Message)

	w, resp = ts.do(http.MethodGet, "/api/orders", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, auth.ErrInvalidToken.Message, resp.Message)
}

func TestCreateOrderEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.user("buyer@example.com", models.RoleUser)
	pid := ts.product("cable", 100, 5)

	w, resp := ts.do(http.MethodPost, "/api/orders", token, orderBody("cod", item(pid, 2)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Order created successfully", resp.Message)

	order := decodeData[orderData](t, resp).Order
	assert.True(t, decimal.NewFromInt(200).Equal(order.ItemsPrice))
	assert.True(t, decimal.NewFromInt(16).Equal(order.TaxPrice))
	assert.True(t, decimal.NewFromInt(799).Equal(order.ShippingPrice))
	assert.True(t, decimal.NewFromInt(1015).Equal(order.TotalPrice))
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.False(t, order.IsPaid)
	assert.Equal(t, "India", order.ShippingAddress.Country)

	assert.Equal(t, 3, ts.ledger.Product(pid).StockQuantity)
}

func TestCreateOrderEndpointErrors(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.user("buyer@example.com", models.RoleUser)
	pid := ts.product("cable", 100, 1)

	w, resp := ts.do(http.MethodPost, "/api/orders", token, orderBody("cod"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "items", resp.Errors[0].Field)

	w, _ = ts.do(http.MethodPost, "/api/orders", token, orderBody("bitcoin", item(pid, 1)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = ts.do(http.MethodPost, "/api/orders", token, orderBody("cod", item(pid, 2)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, resp.Message, "Insufficient stock")
	assert.Equal(t, 1, ts.ledger.Product(pid).StockQuantity)

	w, _ = ts.do(http.MethodPost, "/api/orders", token, orderBody("cod", item(9999, 1)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderEndpointAccess(t *testing.T) {
	ts := newTestServer(t)
	_, owner := ts.user("owner@example.com", models.RoleUser)
	_, stranger := ts.user("stranger@example.com", models.RoleUser)
	_, admin := ts.user("admin@example.com", models.RoleAdmin)
	pid := ts.product("cable", 100, 5)

	_, resp := ts.do(http.MethodPost, "/api/orders", owner, orderBody("cod", item(pid, 1)))
	order := decodeData[orderData](t, resp).Order
	path := "/api/orders/" + strconv.FormatInt(order.ID, 10)

	w, _ := ts.do(http.MethodGet, path, owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(http.MethodGet, path, stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = ts.do(http.MethodGet, path, admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(http.MethodGet, "/api/orders/abc", owner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(http.MethodGet, "/api/orders/9999", owner, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOrdersEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, buyer := ts.user("buyer@example.com", models.RoleUser)
	_, other := ts.user("other@example.com", models.RoleUser)
	_, admin := ts.user("admin@example.com", models.RoleAdmin)
	pid := ts.product("cable", 100, 50)

	for i := 0; i < 3; i++ {
		w, _ := ts.do(http.MethodPost, "/api/orders", buyer, orderBody("cod", item(pid, 1)))
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w, _ := ts.do(http.MethodPost, "/api/orders", other, orderBody("cod", item(pid, 1)))
	require.Equal(t, http.StatusCreated, w.Code)

	type listData struct {
		Orders     []models.Order `json:"orders"`
		Pagination struct {
			CurrentPage int   `json:"currentPage"`
			TotalPages  int   `json:"totalPages"`
			TotalOrders int64 `json:"totalOrders"`
			HasNextPage bool  `json:"hasNextPage"`
			HasPrevPage bool  `json:"hasPrevPage"`
		} `json:"pagination"`
	}

	w, resp := ts.do(http.MethodGet, "/api/orders?page=1&limit=2", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	mine := decodeData[listData](t, resp)
	assert.Len(t, mine.Orders, 2)
	assert.EqualValues(t, 3, mine.Pagination.TotalOrders)
	assert.Equal(t, 2, mine.Pagination.TotalPages)
	assert.True(t, mine.Pagination.HasNextPage)
	assert.False(t, mine.Pagination.HasPrevPage)

	w, _ = ts.do(http.MethodGet, "/api/orders/admin/all", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = ts.do(http.MethodGet, "/api/orders/admin/all", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeData[listData](t, resp)
	assert.EqualValues(t, 4, all.Pagination.TotalOrders)
	assert.Len(t, all.Orders, 4)
}

func TestUpdateOrderStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, buyer := ts.user("buyer@example.com", models.RoleUser)
	_, admin := ts.user("admin@example.com", models.RoleAdmin)
	pid := ts.product("cable", 100, 5)

	_, resp := ts.do(http.MethodPost, "/api/orders", buyer, orderBody("card", item(pid, 1)))
	order := decodeData[orderData](t, resp).Order
	path := "/api/orders/" + strconv.FormatInt(order.ID, 10) + "/status"

	w, _ := ts.do(http.MethodPut, path, buyer, map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = ts.do(http.MethodPut, path, admin, map[string]string{"status": "shipped"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusShipped, decodeData[orderData](t, resp).Order.Status)

	w, _ = ts.do(http.MethodPut, path, admin, map[string]string{"status": "pending"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = ts.do(http.MethodPut, path, admin, map[string]string{"status": "lost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentIntentAndConfirm(t *testing.T) {
	ts := newTestServer(t)
	_, buyer := ts.user("buyer@example.com", models.RoleUser)
	pid := ts.product("cable", 100, 5)

	_, resp := ts.do(http.MethodPost, "/api/orders", buyer, orderBody("cod", item(pid, 1)))
	order := decodeData[orderData](t, resp).Order

	w, resp := ts.do(http.MethodPost, "/api/payment/create-intent", buyer, map[string]any{
		"orderId": order.ID, "amount": order.TotalPrice.InexactFloat64(), "currency": "inr",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	intent := decodeData[orders.PaymentIntent](t, resp)
	assert.NotEmpty(t, intent.PaymentIntentID)
	assert.NotEmpty(t, intent.ClientSecret)

	confirm := map[string]any{"paymentIntentId": intent.PaymentIntentID, "orderId": order.ID}
	w, _ = ts.do(http.MethodPost, "/api/payment/confirm", buyer, confirm)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.gateway.SetStatus(intent.PaymentIntentID, "succeeded")
	w, resp = ts.do(http.MethodPost, "/api/payment/confirm", buyer, confirm)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Payment confirmed successfully", resp.Message)
	paid := decodeData[orderData](t, resp).Order
	assert.True(t, paid.IsPaid)
	require.NotNil(t, paid.PaymentResult)
	assert.Equal(t, intent.PaymentIntentID, paid.PaymentResult.ID)

	w, _ = ts.do(http.MethodPost, "/api/payment/create-intent", buyer, map[string]any{
		"orderId": order.ID, "amount": order.TotalPrice.InexactFloat64(), "currency": "inr",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateIntentRejectsWrongAmount(t *testing.T) {
	ts := newTestServer(t)
	_, buyer := ts.user("buyer@example.com", models.RoleUser)
	pid := ts.product("cable", 100, 5)

	_, resp := ts.do(http.MethodPost, "/api/orders", buyer, orderBody("cod", item(pid, 1)))
	order := decodeData[orderData](t, resp).Order

	w, resp := ts.do(http.MethodPost, "/api/payment/create-intent", buyer, map[string]any{
		"orderId": order.ID, "amount": 1, "currency": "inr",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, "amount", resp.Errors[0].Field)
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, buyer := ts.user("buyer@example.com", models.RoleUser)
	pid := ts.product("cable", 100, 5)

	_, resp := ts.do(http.MethodPost, "/api/orders", buyer, orderBody("cod", item(pid, 1)))
	order := decodeData[orderData](t, resp).Order

	payload, sig := ts.gateway.EncodeEvent(payment.Event{
		ID:   "evt_1",
		Type: payment.EventPaymentSucceeded,
		Intent: &payment.Intent{
			ID:       "pi_hook",
			Status:   "succeeded",
			Metadata: map[string]string{payment.MetadataOrderID: strconv.FormatInt(order.ID, 10)},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/payment/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "bogus")
	w, _ := ts.serve(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stored, err := ts.ledger.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPaid)

	req = httptest.NewRequest(http.MethodPost, "/api/payment/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())

	stored, err = ts.ledger.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaid)
}

func TestProductRoutes(t *testing.T) {
	ts := newTestServer(t)
	_, buyer := ts.user("buyer@example.com", models.RoleUser)
	_, admin := ts.user("admin@example.com", models.RoleAdmin)

	body := map[string]any{
		"sku": "KB-1", "name": "Keyboard", "description": "Mechanical", "price": 2499,
		"category": "Electronics", "stockQuantity": 0,
	}

	w, _ := ts.do(http.MethodPost, "/api/products", buyer, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp := ts.do(http.MethodPost, "/api/products", admin, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	type productData struct {
		Product models.Product `json:"product"`
	}
	created := decodeData[productData](t, resp).Product
	assert.False(t, created.InStock)

	bad := map[string]any{"sku": "X", "name": "Thing", "price": 10, "category": "Toys", "discount": 150}
	w, resp = ts.do(http.MethodPost, "/api/products", admin, bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields := map[string]bool{}
	for _, fe := range resp.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["category"])
	assert.True(t, fields["discount"])

	path := "/api/products/" + strconv.FormatInt(created.ID, 10)
	w, resp = ts.do(http.MethodPut, path+"/stock", admin, map[string]int{"stockQuantity": 7})
	require.Equal(t, http.StatusOK, w.Code)
	restocked := decodeData[productData](t, resp).Product
	assert.Equal(t, 7, restocked.StockQuantity)
	assert.True(t, restocked.InStock)

	w, _ = ts.do(http.MethodPut, path+"/stock", admin, map[string]int{"stockQuantity": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = ts.do(http.MethodPost, path+"/reviews", buyer, map[string]any{"rating": 4, "comment": "Solid"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reviewed := decodeData[productData](t, resp).Product
	assert.Equal(t, 1, reviewed.NumReviews)
	assert.Equal(t, 4.0, reviewed.Rating)

	w, _ = ts.do(http.MethodPost, path+"/reviews", buyer, map[string]any{"rating": 5, "comment": "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = ts.do(http.MethodGet, "/api/products?inStock=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeData[struct {
		Products   []models.Product `json:"products"`
		Pagination map[string]any   `json:"pagination"`
	}](t, resp)
	assert.Len(t, listed.Products, 1)
	assert.EqualValues(t, 1, listed.Pagination["totalProducts"])

	w, _ = ts.do(http.MethodGet, "/api/products?category=Toys", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(http.MethodGet, "/api/products/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func imageRequest(t *testing.T, path, token, contentType string, data []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="photo.png"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestUploadProductImage(t *testing.T) {
	ts := newTestServer(t)
	_, admin := ts.user("admin@example.com", models.RoleAdmin)
	pid := ts.product("lamp", 900, 2)
	path := "/api/products/" + strconv.FormatInt(pid, 10) + "/images"

	w, resp := ts.serve(imageRequest(t, path, admin, "image/png", []byte("png-bytes")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "image/png", ts.uploader.contentType)
	assert.Equal(t, []byte("png-bytes"), ts.uploader.body)

	product := ts.ledger.Product(pid)
	require.Len(t, product.Images, 2)
	assert.Contains(t, string(resp.Data), product.Images[1])

	w, _ = ts.do(http.MethodPost, path, admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadProductImageWithoutStorage(t *testing.T) {
	ts := newTestServer(t, withoutImages())
	_, admin := ts.user("admin@example.com", models.RoleAdmin)
	pid := ts.product("lamp", 900, 2)

	path := "/api/products/" + strconv.FormatInt(pid, 10) + "/images"
	w, _ := ts.serve(imageRequest(t, path, admin, "image/png", []byte("png-bytes")))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "storefront_http_requests_total")
}

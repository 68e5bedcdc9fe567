// Package httpapi exposes the storefront over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/orders"
	"github.com/safar/storefront/internal/store"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Catalog is the product storage behind the /products routes.
type Catalog interface {
	CreateProduct(ctx context.Context, p models.Product) (*models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, filter store.ProductFilter, req store.PageRequest) (*store.OffsetPage[models.Product], error)
	AddReview(ctx context.Context, productID int64, review models.Review) (*models.Product, error)
	SetStock(ctx context.Context, productID int64, quantity int) (*models.Product, error)
	AppendImage(ctx context.Context, productID int64, url string) (*models.Product, error)
}

type ImageUploader interface {
	UploadProductImage(ctx context.Context, productID int64, contentType string, body []byte) (string, error)
}

type Deps struct {
	Auth    *auth.Service
	Orders  *orders.Service
	Catalog Catalog
	// Images is optional; image uploads fail when it is nil.
	Images  ImageUploader
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	auth     *auth.Service
	orders   *orders.Service
	catalog  Catalog
	images   ImageUploader
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
	ready    func(ctx context.Context) error
	validate *validatorv10.Validate
}

func New(d Deps) *Server {
	s := &Server{
		auth:     d.Auth,
		orders:   d.Orders,
		catalog:  d.Catalog,
		images:   d.Images,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		logger:   d.Logger,
		ready:    d.Ready,
		validate: newValidator(),
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("httpapi")
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Router builds the gin engine with every route mounted under /api.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, envelope{Success: false, Message: "Route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, envelope{Success: false, Message: "Method not allowed"})
	})

	r.Use(
		requestID(),
		tracing(s.tracer, propagation.TraceContext{}),
		requestLogger(s.logger),
		observeHTTP(s.metrics),
		recovery(s.logger),
	)

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api")
	authed := authenticate(s.auth.Tokens())
	admin := requireAdmin()

	authRoutes := api.Group("/auth")
	authRoutes.POST("/register", s.register)
	authRoutes.POST("/login", s.login)
	authRoutes.GET("/me", authed, s.me)

	products := api.Group("/products")
	products.GET("", s.listProducts)
	products.GET("/:id", s.getProduct)
	products.POST("", authed, admin, s.createProduct)
	products.POST("/:id/reviews", authed, s.addReview)
	products.POST("/:id/images", authed, admin, s.uploadImage)
	products.PUT("/:id/stock", authed, admin, s.setStock)

	orderRoutes := api.Group("/orders", authed)
	orderRoutes.POST("", s.createOrder)
	orderRoutes.GET("", s.listMyOrders)
	orderRoutes.GET("/admin/all", admin, s.listAllOrders)
	orderRoutes.GET("/:id", s.getOrder)
	orderRoutes.PUT("/:id/status", admin, s.updateOrderStatus)

	payment := api.Group("/payment")
	payment.POST("/create-intent", authed, s.createPaymentIntent)
	payment.POST("/confirm", authed, s.confirmPayment)
	payment.POST("/webhook", s.paymentWebhook)

	return r
}

func (s *Server) health(c *gin.Context) {
	if s.ready != nil {
		if err := s.ready(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

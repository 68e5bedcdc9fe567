package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/awsclient"
	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/events"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/idempotency"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/media"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/orders"
	"github.com/safar/storefront/internal/payment"
	"github.com/safar/storefront/internal/store"
	"github.com/safar/storefront/internal/tracing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const serviceName = "storefront-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	decimal.MarshalJSONWithoutQuotes = true
	gin.SetMode(cfg.Server.GinMode)

	tp, shutdownTracing, err := tracing.Provider(cfg.Tracing, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("shutdown tracing", zap.Error(err))
		}
	}()
	tracer := tp.Tracer(serviceName)

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database")

	st := store.New(db)
	m := metrics.New()

	var guard idempotency.Guard = idempotency.NopGuard{}
	if cfg.Redis.URL != "" {
		redisGuard, err := idempotency.NewRedisGuard(ctx, cfg.Redis.URL, "", cfg.Redis.DedupeTTL)
		if err != nil {
			return err
		}
		defer redisGuard.Close()
		guard = redisGuard
		logger.Info("webhook dedupe enabled", zap.Duration("ttl", cfg.Redis.DedupeTTL))
	} else {
		logger.Warn("REDIS_URL not set, webhook deliveries are not deduplicated")
	}

	var gateway payment.Gateway
	if cfg.Payment.StripeSecretKey != "" {
		gateway = payment.NewStripeGateway(cfg.Payment.StripeSecretKey, cfg.Payment.WebhookSecret, nil)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, payment routes are disabled")
	}

	clients, err := awsclient.New(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	var images httpapi.ImageUploader
	if clients.S3 != nil {
		images = media.NewUploader(clients.S3, cfg.AWS.S3Bucket, cfg.AWS.S3PublicBaseURL)
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if clients.SQS != nil {
		publisher = events.NewSQSPublisher(clients.SQS, cfg.AWS.OrderEventsQueue)
	}
	relay := events.NewRelay(db, publisher, cfg.AWS.OutboxPollInterval, logger, events.WithMetrics(m))
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	authSvc := auth.NewService(st, auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL))
	orderSvc := orders.NewService(orders.Deps{
		Ledger:  st,
		Gateway: gateway,
		Guard:   guard,
		Metrics: m,
		Tracer:  tracer,
		Logger:  logger,
	})

	api := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		Orders:  orderSvc,
		Catalog: st,
		Images:  images,
		Metrics: m,
		Tracer:  tracer,
		Logger:  logger,
		Ready:   st.Ping,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stop()
	<-relayDone
	return nil
}

package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-ID"
	identityKey     = "identity"
	unmatchedRoute  = "unmatched"
)

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(headerRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// tracing starts a server span per request, continuing any trace passed in
// W3C headers.
func tracing(tracer trace.Tracer, propagator propagation.TextMapPropagator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := routeOf(c)

		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// requestLogger places a request-scoped logger in the request context and
// writes one access log line per request.
func requestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		fields := []zap.Field{zap.String("request_id", c.GetString(headerRequestID))}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			fields = append(fields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
		logger := base.With(fields...)
		c.Request = c.Request.WithContext(logging.ContextWithLogger(c.Request.Context(), logger))

		c.Next()

		status := c.Writer.Status()
		entry := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", routeOf(c)),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			logger.Error("http_request", entry...)
		case status >= 400:
			logger.Warn("http_request", entry...)
		default:
			logger.Info("http_request", entry...)
		}
	}
}

func observeHTTP(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveHTTP(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

func recovery(base *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.FromContextOr(c.Request.Context(), base).Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("route", routeOf(c)),
			zap.Stack("stack"),
		)
		respondError(c, fmt.Errorf("panic: %v", recovered))
	})
}

// authenticate resolves the bearer token into an auth.Identity.
func authenticate(tokens *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == token {
			token = ""
		}

		identity, err := tokens.Verify(token)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Set(identityKey, identity)
		ctx := c.Request.Context()
		c.Request = c.Request.WithContext(logging.ContextWithLogger(ctx,
			logging.FromContext(ctx).With(zap.Int64("user_id", identity.UserID))))
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identityOf(c).IsAdmin() {
			respondError(c, auth.ErrAdminOnly)
			return
		}
		c.Next()
	}
}

func identityOf(c *gin.Context) auth.Identity {
	identity, _ := c.MustGet(identityKey).(auth.Identity)
	return identity
}

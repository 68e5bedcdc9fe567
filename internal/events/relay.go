package events

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"go.uber.org/zap"
)

const defaultBatchSize = 100

// Relay drains the outbox. Each event is claimed, published and marked in
// one transaction, so an event is only marked once the publisher accepted it
// and a crash between the two leads to a redelivery rather than a loss.
type Relay struct {
	db        *sql.DB
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(db *sql.DB, publisher Publisher, interval time.Duration, logger *zap.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r := &Relay{
		db:        db,
		publisher: publisher,
		interval:  interval,
		batchSize: defaultBatchSize,
		logger:    logger.Named("outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain publishes up to one batch of pending events and returns how many
// were handled.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	handled := 0
	for handled < r.batchSize {
		ok, err := r.PublishNext(ctx)
		if err != nil {
			return handled, err
		}
		if !ok {
			break
		}
		handled++
	}
	return handled, nil
}

// PublishNext publishes the oldest pending event. It reports false when the
// outbox is empty. Events the publisher rejects permanently are marked
// published and logged so they do not block the queue.
func (r *Relay) PublishNext(ctx context.Context) (bool, error) {
	var event *models.OrderEvent
	outcome := "published"

	err := database.WithTransaction(ctx, r.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		event, err = store.ClaimNextEvent(ctx, tx)
		if err != nil {
			return err
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			if !errors.Is(err, ErrPermanent) {
				return err
			}
			outcome = "dropped"
			r.logger.Error("dropping undeliverable event",
				zap.Int64("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}

		return store.MarkEventPublished(ctx, tx, event.ID)
	})
	if errors.Is(err, database.ErrNoPendingEvents) {
		return false, nil
	}
	if err != nil {
		if event != nil {
			r.metrics.OutboxPublished(event.Type, "failed")
		}
		return false, err
	}

	r.metrics.OutboxPublished(event.Type, outcome)
	r.logger.Debug("event relayed",
		zap.Int64("event_id", event.ID),
		zap.Int64("order_id", event.OrderID),
		zap.String("event_type", event.Type),
		zap.String("outcome", outcome),
	)
	return true, nil
}

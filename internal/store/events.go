package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderPaid          = "order.paid"
	EventOrderStatusChanged = "order.status_changed"
)

// insertEvent records an outbox row for order in the caller's transaction.
func insertEvent(ctx context.Context, tx *sql.Tx, order *models.Order, eventType string) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO order_events (order_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		order.ID, eventType, string(payload))
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}

	return nil
}

// ClaimNextEvent locks the oldest unpublished event. Rows locked by another
// relay are skipped, so several relays can drain the outbox concurrently.
// Returns database.ErrNoPendingEvents when nothing is waiting.
func ClaimNextEvent(ctx context.Context, tx *sql.Tx) (*models.OrderEvent, error) {
	event := &models.OrderEvent{}
	var payload string

	query := `
		SELECT id, order_id, event_type, payload, created_at
		FROM order_events
		WHERE published_at IS NULL
		ORDER BY created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`

	err := tx.QueryRowContext(ctx, query).Scan(
		&event.ID,
		&event.OrderID,
		&event.Type,
		&payload,
		&event.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrNoPendingEvents
		}
		return nil, fmt.Errorf("claim next event: %w", err)
	}
	event.Payload = []byte(payload)

	return event, nil
}

func MarkEventPublished(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE order_events SET published_at = NOW() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("mark event %d published: %w", id, err)
	}
	return nil
}

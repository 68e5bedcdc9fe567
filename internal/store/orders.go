package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

// OrderBuilder turns the locked products of an order into the order to
// persist. It runs inside the placement transaction and may be called again
// if the transaction is retried.
type OrderBuilder func(products map[int64]models.Product) (*models.Order, error)

const orderColumns = `id, user_id, order_number, shipping_street, shipping_city, shipping_state, shipping_zip,
	shipping_country, payment_method, payment_result, items_price, tax_price, shipping_price, total_price,
	is_paid, paid_at, is_delivered, delivered_at, status, created_at, updated_at, version`

func generateOrderNumber() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var paymentResult []byte
	var paidAt, deliveredAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.ShippingAddress.Street,
		&order.ShippingAddress.City,
		&order.ShippingAddress.State,
		&order.ShippingAddress.ZipCode,
		&order.ShippingAddress.Country,
		&order.PaymentMethod,
		&paymentResult,
		&order.ItemsPrice,
		&order.TaxPrice,
		&order.ShippingPrice,
		&order.TotalPrice,
		&order.IsPaid,
		&paidAt,
		&order.IsDelivered,
		&deliveredAt,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}

	if len(paymentResult) > 0 {
		order.PaymentResult = &models.PaymentResult{}
		if err := json.Unmarshal(paymentResult, order.PaymentResult); err != nil {
			return nil, fmt.Errorf("decode payment result: %w", err)
		}
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if deliveredAt.Valid {
		order.DeliveredAt = &deliveredAt.Time
	}

	return order, nil
}

// PlaceOrder locks every product in productIDs, hands them to build, then
// writes the built order and decrements stock in one transaction. Either the
// whole order is recorded with all of its stock reserved or nothing changes.
func (s *Store) PlaceOrder(ctx context.Context, userID int64, productIDs []int64, build OrderBuilder) (*models.Order, error) {
	var order *models.Order

	// Locks are taken in id order so concurrent orders over the same
	// products cannot deadlock.
	ids := append([]int64(nil), productIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)",
			userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return database.ErrUserNotFound
		}

		products := make(map[int64]models.Product, len(ids))
		for _, id := range ids {
			if _, seen := products[id]; seen {
				continue
			}
			product, err := lockProduct(ctx, tx, id)
			if err != nil {
				return err
			}
			products[id] = *product
		}

		draft, err := build(products)
		if err != nil {
			return err
		}
		draft.UserID = userID

		created, err := insertOrder(ctx, tx, draft)
		if err != nil {
			return err
		}

		for _, item := range draft.Items {
			if err := decrementStock(ctx, tx, products[item.ProductID], item.Quantity); err != nil {
				return err
			}
		}

		if err := insertEvent(ctx, tx, created, EventOrderCreated); err != nil {
			return err
		}

		order = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, draft *models.Order) (*models.Order, error) {
	var paymentResult any
	if draft.PaymentResult != nil {
		encoded, err := json.Marshal(draft.PaymentResult)
		if err != nil {
			return nil, fmt.Errorf("encode payment result: %w", err)
		}
		paymentResult = string(encoded)
	}

	addr := draft.ShippingAddress
	order, err := scanOrder(tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id, order_number, shipping_street, shipping_city, shipping_state, shipping_zip,
			shipping_country, payment_method, payment_result, items_price, tax_price, shipping_price, total_price,
			is_paid, paid_at, is_delivered, delivered_at, status, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, FALSE, NULL, $16, NOW(), NOW(), 1)
		 RETURNING `+orderColumns,
		draft.UserID, generateOrderNumber(), addr.Street, addr.City, addr.State, addr.ZipCode, addr.Country,
		draft.PaymentMethod, paymentResult, draft.ItemsPrice, draft.TaxPrice, draft.ShippingPrice, draft.TotalPrice,
		draft.IsPaid, draft.PaidAt, draft.Status,
	))
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	for _, item := range draft.Items {
		created := item
		err := tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, name, image, price, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			order.ID, item.ProductID, item.Name, item.Image, item.Price, item.Quantity).Scan(&created.ID)
		if err != nil {
			return nil, fmt.Errorf("create order item: %w", err)
		}
		created.OrderID = order.ID
		order.Items = append(order.Items, created)
	}

	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, s.db, id)
}

func getOrder(ctx context.Context, q queryer, id int64) (*models.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := loadItems(ctx, q, []int64{id})
	if err != nil {
		return nil, err
	}
	order.Items = items[id]

	return order, nil
}

func loadItems(ctx context.Context, q queryer, orderIDs []int64) (map[int64][]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, name, image, price, quantity
		 FROM order_items
		 WHERE order_id = ANY($1)
		 ORDER BY order_id, id`,
		pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	items := make(map[int64][]models.OrderItem, len(orderIDs))
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Name,
			&item.Image,
			&item.Price,
			&item.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items[item.OrderID] = append(items[item.OrderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// OrderFilter restricts a listing to one user's orders when UserID is set.
type OrderFilter struct {
	UserID *int64
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter, req PageRequest) (*OffsetPage[models.Order], error) {
	req = req.Normalize()

	where := ""
	var args []any
	if filter.UserID != nil {
		where = " WHERE user_id = $1"
		args = append(args, *filter.UserID)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, req.PageSize, req.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	var ids []int64
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
		ids = append(ids, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) > 0 {
		items, err := loadItems(ctx, s.db, ids)
		if err != nil {
			return nil, err
		}
		for i := range orders {
			orders[i].Items = items[orders[i].ID]
		}
	}

	return NewOffsetPage(orders, total, req), nil
}

// MarkPaid records payment on an unpaid order and moves a pending order to
// processing. The update only applies while is_paid is false, so concurrent
// callers settle on a single paid_at. changed reports whether this call made
// the transition; an already-paid order is returned unchanged.
func (s *Store) MarkPaid(ctx context.Context, id int64, result models.PaymentResult, paidAt time.Time) (order *models.Order, changed bool, err error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("encode payment result: %w", err)
	}

	err = database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		updated, err := scanOrder(tx.QueryRowContext(ctx,
			`UPDATE orders
			 SET is_paid = TRUE,
			     paid_at = $2,
			     payment_result = $3,
			     status = CASE WHEN status = $4 THEN $5 ELSE status END,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $1
			   AND is_paid = FALSE
			   AND status <> $6
			 RETURNING `+orderColumns,
			id, paidAt, string(encoded), models.OrderStatusPending, models.OrderStatusProcessing, models.OrderStatusCancelled))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark order paid: %w", err)
		}

		if err == nil {
			items, err := loadItems(ctx, tx, []int64{id})
			if err != nil {
				return err
			}
			updated.Items = items[id]
			if err := insertEvent(ctx, tx, updated, EventOrderPaid); err != nil {
				return err
			}
			order, changed = updated, true
			return nil
		}

		current, err := getOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.IsPaid {
			order, changed = current, false
			return nil
		}
		if current.Status == models.OrderStatusCancelled {
			return database.ErrOrderCancelled
		}
		return database.ErrStatusMismatch
	})
	if err != nil {
		return nil, false, err
	}

	return order, changed, nil
}

// UpdateStatus moves an order from one status to another. The update is
// conditional on the order still being in from; otherwise ErrStatusMismatch
// is returned. Moving to delivered stamps delivered_at.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to models.OrderStatus, at time.Time) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		delivered := to == models.OrderStatusDelivered

		updated, err := scanOrder(tx.QueryRowContext(ctx,
			`UPDATE orders
			 SET status = $3,
			     is_delivered = CASE WHEN $4 THEN TRUE ELSE is_delivered END,
			     delivered_at = CASE WHEN $4 THEN $5 ELSE delivered_at END,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE id = $1
			   AND status = $2
			 RETURNING `+orderColumns,
			id, from, to, delivered, at))
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("update order status: %w", err)
			}
			if _, err := getOrder(ctx, tx, id); err != nil {
				return err
			}
			return database.ErrStatusMismatch
		}

		items, err := loadItems(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		updated.Items = items[id]

		if err := insertEvent(ctx, tx, updated, EventOrderStatusChanged); err != nil {
			return err
		}

		order = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

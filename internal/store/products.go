package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/catalog"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

const productColumns = `id, sku, name, description, price, original_price, category, images, features,
	discount, stock_quantity, in_stock, rating, num_reviews, created_at, updated_at, version`

func scanProduct(row rowScanner) (*models.Product, error) {
	product := &models.Product{}
	err := row.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.OriginalPrice,
		&product.Category,
		pq.Array(&product.Images),
		pq.Array(&product.Features),
		&product.Discount,
		&product.StockQuantity,
		&product.InStock,
		&product.Rating,
		&product.NumReviews,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, err
	}
	return product, nil
}

// CreateProduct inserts p after recomputing its derived fields.
func (s *Store) CreateProduct(ctx context.Context, p models.Product) (*models.Product, error) {
	p = catalog.Prepare(p)
	if p.Images == nil {
		p.Images = []string{}
	}
	if p.Features == nil {
		p.Features = []string{}
	}

	query := `
		INSERT INTO products (sku, name, description, price, original_price, category, images, features,
			discount, stock_quantity, in_stock, rating, num_reviews, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	product, err := scanProduct(s.db.QueryRowContext(ctx, query,
		p.SKU, p.Name, p.Description, p.Price, p.OriginalPrice, p.Category,
		pq.Array(p.Images), pq.Array(p.Features), p.Discount,
		p.StockQuantity, p.InStock, p.Rating, p.NumReviews,
	))
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	product, err := scanProduct(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	reviews, err := listReviews(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	product.Reviews = reviews

	return product, nil
}

type ProductFilter struct {
	Category models.Category
	InStock  *bool
}

func (s *Store) ListProducts(ctx context.Context, filter ProductFilter, req PageRequest) (*OffsetPage[models.Product], error) {
	req = req.Normalize()

	var conditions []string
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.InStock != nil {
		args = append(args, *filter.InStock)
		conditions = append(conditions, fmt.Sprintf("in_stock = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products"+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM products%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		productColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, req.PageSize, req.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(products, total, req), nil
}

// AddReview appends a review and stores the recomputed rating in the same
// transaction.
func (s *Store) AddReview(ctx context.Context, productID int64, review models.Review) (*models.Product, error) {
	var product *models.Product

	err := database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		locked, err := lockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}

		reviews, err := listReviews(ctx, tx, productID)
		if err != nil {
			return err
		}
		locked.Reviews = reviews

		updated, err := catalog.AddReview(*locked, review)
		if err != nil {
			return err
		}

		added := &updated.Reviews[len(updated.Reviews)-1]
		err = tx.QueryRowContext(ctx,
			`INSERT INTO product_reviews (product_id, user_id, name, rating, comment, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())
			 RETURNING id, created_at`,
			productID, added.UserID, added.Name, added.Rating, added.Comment).Scan(&added.ID, &added.CreatedAt)
		if err != nil {
			if database.IsUniqueViolation(err, "product_reviews_product_user_key") {
				return catalog.ErrDuplicateReview
			}
			return fmt.Errorf("insert review: %w", err)
		}
		added.ProductID = productID

		_, err = tx.ExecContext(ctx,
			`UPDATE products
			 SET rating = $1, num_reviews = $2, updated_at = NOW(), version = version + 1
			 WHERE id = $3`,
			updated.Rating, updated.NumReviews, productID)
		if err != nil {
			return fmt.Errorf("update rating: %w", err)
		}

		product = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return product, nil
}

// SetStock overwrites the stock quantity and the derived in-stock flag.
func (s *Store) SetStock(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	var product *models.Product

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		locked, err := lockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}

		locked.StockQuantity = quantity
		next := catalog.RecomputeStock(*locked)

		product, err = scanProduct(tx.QueryRowContext(ctx,
			`UPDATE products
			 SET stock_quantity = $1, in_stock = $2, updated_at = NOW(), version = version + 1
			 WHERE id = $3
			 RETURNING `+productColumns,
			next.StockQuantity, next.InStock, productID))
		if err != nil {
			return fmt.Errorf("set stock: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return product, nil
}

func (s *Store) AppendImage(ctx context.Context, productID int64, url string) (*models.Product, error) {
	query := `
		UPDATE products
		SET images = array_append(images, $1), updated_at = NOW(), version = version + 1
		WHERE id = $2
		RETURNING ` + productColumns

	product, err := scanProduct(s.db.QueryRowContext(ctx, query, url, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("append image: %w", err)
	}

	return product, nil
}

func lockProduct(ctx context.Context, tx *sql.Tx, productID int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`

	product, err := scanProduct(tx.QueryRowContext(ctx, query, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product %d: %w", productID, err)
	}

	return product, nil
}

// decrementStock removes quantity units from a product locked by the caller.
// The conditional update refuses to drive stock negative.
func decrementStock(ctx context.Context, tx *sql.Tx, locked models.Product, quantity int) error {
	locked.StockQuantity -= quantity
	next := catalog.RecomputeStock(locked)

	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     in_stock = $2,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $3
		   AND stock_quantity >= $1`,
		quantity, next.InStock, locked.ID)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

func listReviews(ctx context.Context, q queryer, productID int64) ([]models.Review, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, product_id, user_id, name, rating, comment, created_at
		 FROM product_reviews
		 WHERE product_id = $1
		 ORDER BY created_at, id`,
		productID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	reviews := []models.Review{}
	for rows.Next() {
		var r models.Review
		if err := rows.Scan(&r.ID, &r.ProductID, &r.UserID, &r.Name, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reviews, nil
}

package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/pricing"
	"github.com/safar/storefront/internal/store"
	"github.com/safar/storefront/internal/testutil"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(testutil.SetupPostgres(t))
}

func createUser(t *testing.T, s *store.Store, email string) *models.User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), email, "Test User", "hash", models.RoleUser)
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return user
}

func createProduct(t *testing.T, s *store.Store, sku string, price int64, stock int) *models.Product {
	t.Helper()
	product, err := s.CreateProduct(context.Background(), models.Product{
		SKU:           sku,
		Name:          "Product " + sku,
		Price:         decimal.NewFromInt(price),
		Category:      models.CategoryElectronics,
		Images:        []string{"https://cdn.example.com/" + sku + ".jpg"},
		StockQuantity: stock,
	})
	if err != nil {
		t.Fatalf("Create product %s: %v", sku, err)
	}
	return product
}

type line struct {
	productID int64
	quantity  int
}

// builder prices lines from the locked products the way the order workflow
// does, without its stock pre-check, so the store's own guard is exercised.
func builder(method models.PaymentMethod, lines ...line) store.OrderBuilder {
	return func(products map[int64]models.Product) (*models.Order, error) {
		var items []models.OrderItem
		for _, l := range lines {
			p, ok := products[l.productID]
			if !ok {
				return nil, fmt.Errorf("product %d not locked", l.productID)
			}
			items = append(items, models.OrderItem{
				ProductID: p.ID,
				Name:      p.Name,
				Price:     p.Price,
				Quantity:  l.quantity,
			})
		}

		totals := pricing.Compute(items)
		order := &models.Order{
			Items: items,
			ShippingAddress: models.Address{
				Street: "12 MG Road", City: "Bengaluru", State: "KA", ZipCode: "560001", Country: models.DefaultCountry,
			},
			PaymentMethod: method,
			ItemsPrice:    totals.ItemsPrice,
			TaxPrice:      totals.TaxPrice,
			ShippingPrice: totals.ShippingPrice,
			TotalPrice:    totals.TotalPrice,
			Status:        models.OrderStatusPending,
		}
		if method != models.PaymentMethodCOD {
			now := time.Now()
			order.IsPaid = true
			order.PaidAt = &now
		}
		return order, nil
	}
}

func placeOrder(ctx context.Context, s *store.Store, userID int64, method models.PaymentMethod, lines ...line) (*models.Order, error) {
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.productID)
	}
	return s.PlaceOrder(ctx, userID, ids, builder(method, lines...))
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Version      int       `json:"-"`
}

type Category string

const (
	CategoryElectronics Category = "Electronics"
	CategoryClothing    Category = "Clothing"
	CategoryAccessories Category = "Accessories"
	CategorySports      Category = "Sports"
	CategoryHome        Category = "Home"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryElectronics, CategoryClothing, CategoryAccessories, CategorySports, CategoryHome:
		return true
	}
	return false
}

type Review struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"-"`
	UserID    int64     `json:"user"`
	Name      string    `json:"name"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

// Product is a catalog entry. InStock, Rating and NumReviews are derived
// values; see the catalog package for the functions that recompute them.
type Product struct {
	ID            int64               `json:"id"`
	SKU           string              `json:"sku"`
	Name          string              `json:"name"`
	Description   string              `json:"description"`
	Price         decimal.Decimal     `json:"price"`
	OriginalPrice decimal.NullDecimal `json:"originalPrice"`
	Category      Category            `json:"category"`
	Images        []string            `json:"images"`
	Features      []string            `json:"features"`
	Discount      int                 `json:"discount"`
	StockQuantity int                 `json:"stockQuantity"`
	InStock       bool                `json:"inStock"`
	Rating        float64             `json:"rating"`
	NumReviews    int                 `json:"numReviews"`
	Reviews       []Review            `json:"reviews,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	Version       int                 `json:"-"`
}

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentMethodCard       PaymentMethod = "card"
	PaymentMethodUPI        PaymentMethod = "upi"
	PaymentMethodNetBanking PaymentMethod = "netbanking"
	PaymentMethodCOD        PaymentMethod = "cod"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodUPI, PaymentMethodNetBanking, PaymentMethodCOD:
		return true
	}
	return false
}

const DefaultCountry = "India"

type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// PaymentResult is the gateway receipt captured when an order is marked paid.
type PaymentResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"update_time"`
	EmailAddress string `json:"email_address"`
}

type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user"`
	OrderNumber     string          `json:"orderNumber"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress Address         `json:"shippingAddress"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	PaymentResult   *PaymentResult  `json:"paymentResult,omitempty"`
	ItemsPrice      decimal.Decimal `json:"itemsPrice"`
	TaxPrice        decimal.Decimal `json:"taxPrice"`
	ShippingPrice   decimal.Decimal `json:"shippingPrice"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	IsPaid          bool            `json:"isPaid"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	IsDelivered     bool            `json:"isDelivered"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Version         int             `json:"-"`
}

// OrderItem is a snapshot of the product taken when the order was placed.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"-"`
	ProductID int64           `json:"product"`
	Name      string          `json:"name"`
	Image     string          `json:"image"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type OrderEvent struct {
	ID          int64      `json:"id"`
	OrderID     int64      `json:"orderId"`
	Type        string     `json:"type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"createdAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

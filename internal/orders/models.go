package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	SellerID    string          `json:"seller_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Deleted     bool            `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Product) Table() string  { return "products" }
func (p Product) Key() string  { return p.ID }
func (p *Product) SoftDelete() { p.Deleted = true }

type Cart struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Ordered   bool       `json:"ordered"`
	CreatedAt time.Time  `json:"created_at"`
	Items     []CartItem `json:"items"`
}

type CartItem struct {
	ID          string `json:"id"`
	CartID      string `json:"cart_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int    `json:"quantity"`
}

func (CartItem) Table() string { return "cart_items" }
func (c CartItem) Key() string { return c.ID }

// Order is immutable after placement except for Status.
type Order struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Status      Status          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
	Items       []OrderItem     `json:"items"`
}

// OrderItem keeps the unit price captured when the order was placed.
// ProductName and SellerID are filled on read.
type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	SellerID    string          `json:"seller_id,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Extension is UnitPrice × Quantity.
func (it OrderItem) Extension() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// HasSeller reports whether any line item belongs to sellerID.
func (o Order) HasSeller(sellerID string) bool {
	for _, it := range o.Items {
		if it.SellerID == sellerID {
			return true
		}
	}
	return false
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Confirmation struct {
	OrderID     string          `json:"order_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`
}

// ProductUpdate carries a seller's revision; nil fields are left unchanged.
type ProductUpdate struct {
	Price *decimal.Decimal `json:"price,omitempty"`
	Stock *int             `json:"stock,omitempty"`
}

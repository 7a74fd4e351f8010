package orders

import "context"

// Entity is a persisted row addressable by table and key.
type Entity interface {
	Table() string
	Key() string
}

// SoftDeletable entities are never physically removed: stores rewrite a
// delete of one into an update that sets its deleted flag.
type SoftDeletable interface {
	Entity
	SoftDelete()
}

// Store is the source of truth. Reads outside InTx see committed data only.
type Store interface {
	// InTx runs fn in one atomic transaction. A non-nil return from fn, or a
	// failed commit, leaves no effect behind.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListActiveProducts(ctx context.Context) ([]Product, error)
	FindOrderByID(ctx context.Context, orderID string) (Order, error)
	FindOrdersByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	FindOrdersBySeller(ctx context.Context, sellerID string) ([]Order, error)
	FindOpenCart(ctx context.Context, userID string) (Cart, error)
}

// Tx is the transactional view. Lock* methods hold the row until the
// transaction ends; concurrent lockers of the same row wait.
type Tx interface {
	LockProduct(ctx context.Context, productID string) (Product, error)
	FindProduct(ctx context.Context, productID string) (Product, error)
	// DecrementStock subtracts qty only if stock covers it and returns the remainder.
	DecrementStock(ctx context.Context, productID string, qty int) (int, error)
	SaveProduct(ctx context.Context, p Product) error

	// Delete removes e, or flags it deleted when e is SoftDeletable.
	Delete(ctx context.Context, e Entity) error

	InsertOrder(ctx context.Context, o Order) error
	LockOrder(ctx context.Context, orderID string) (Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to Status) error

	// FindOpenCartForUser locks and returns the buyer's open cart, if any.
	FindOpenCartForUser(ctx context.Context, userID string) (Cart, bool, error)
	CreateCart(ctx context.Context, c Cart) error
	MarkCartOrdered(ctx context.Context, cartID string) error
	// UpsertCartItem adds qty to an existing line for the product or creates one.
	UpsertCartItem(ctx context.Context, item CartItem) error
}

// CacheInvalidator is told which products a committed transaction touched.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, productIDs []string)
}

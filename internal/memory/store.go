package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

// Store is an in-process implementation of orders.Store. Transactions take
// per-row locks and stage their writes; nothing is visible to other readers
// until commit applies the whole batch under the store mutex.
type Store struct {
	mu        sync.RWMutex
	products  map[string]orders.Product
	orders    map[string]orders.Order
	carts     map[string]orders.Cart // items kept in cartItems
	cartItems map[string]orders.CartItem

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ orders.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		products:  make(map[string]orders.Product),
		orders:    make(map[string]orders.Order),
		carts:     make(map[string]orders.Cart),
		cartItems: make(map[string]orders.CartItem),
		locks:     make(map[string]chan struct{}),
	}
}

// PutProduct seeds or overwrites a product outside any transaction.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// Product returns the committed row, including soft-deleted ones.
func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

// Cart returns a committed cart by id, with its items.
func (s *Store) Cart(id string) (orders.Cart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[id]
	if !ok {
		return orders.Cart{}, false
	}
	return s.withCartItems(c), true
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	tx := newTx(s)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) ListActiveProducts(ctx context.Context) ([]orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Deleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) FindOrderByID(ctx context.Context, orderID string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return s.denormalize(o), nil
}

func (s *Store) FindOrdersByBuyer(ctx context.Context, buyerID string) ([]orders.Order, error) {
	return s.filterOrders(func(o orders.Order) bool { return o.UserID == buyerID }), nil
}

func (s *Store) FindOrdersBySeller(ctx context.Context, sellerID string) ([]orders.Order, error) {
	return s.filterOrders(func(o orders.Order) bool { return o.HasSeller(sellerID) }), nil
}

func (s *Store) FindOpenCart(ctx context.Context, userID string) (orders.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.carts {
		if c.UserID == userID && !c.Ordered {
			return s.withCartItems(c), nil
		}
	}
	return orders.Cart{}, orders.ErrNotFound
}

// newest first, callers hold no lock
func (s *Store) filterOrders(keep func(orders.Order) bool) []orders.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []orders.Order{}
	for _, o := range s.orders {
		if o = s.denormalize(o); keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// denormalize copies o and fills product names and sellers. Caller holds mu.
func (s *Store) denormalize(o orders.Order) orders.Order {
	items := make([]orders.OrderItem, len(o.Items))
	for i, it := range o.Items {
		if p, ok := s.products[it.ProductID]; ok {
			it.ProductName = p.Name
			it.SellerID = p.SellerID
		}
		items[i] = it
	}
	o.Items = items
	return o
}

// withCartItems attaches the cart's live items. Caller holds mu.
func (s *Store) withCartItems(c orders.Cart) orders.Cart {
	c.Items = []orders.CartItem{}
	for _, it := range s.cartItems {
		if it.CartID != c.ID {
			continue
		}
		p, ok := s.products[it.ProductID]
		if !ok || p.Deleted {
			continue
		}
		it.ProductName = p.Name
		c.Items = append(c.Items, it)
	}
	sort.Slice(c.Items, func(i, j int) bool {
		if c.Items[i].ProductName != c.Items[j].ProductName {
			return c.Items[i].ProductName < c.Items[j].ProductName
		}
		return c.Items[i].ID < c.Items[j].ID
	})
	return c
}

func (s *Store) lockChan(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func productKey(id string) string { return "product:" + id }
func orderKey(id string) string   { return "order:" + id }
func cartKey(id string) string    { return "cart:" + id }

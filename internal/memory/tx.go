package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

type tx struct {
	s    *Store
	held map[string]chan struct{}

	products     map[string]orders.Product
	dirty        map[string]bool
	newOrders    map[string]orders.Order
	statuses     map[string]orders.Status
	carts        map[string]orders.Cart
	items        map[string]orders.CartItem
	deletedItems map[string]bool
}

var _ orders.Tx = (*tx)(nil)

func newTx(s *Store) *tx {
	return &tx{
		s:            s,
		held:         make(map[string]chan struct{}),
		products:     make(map[string]orders.Product),
		dirty:        make(map[string]bool),
		newOrders:    make(map[string]orders.Order),
		statuses:     make(map[string]orders.Status),
		carts:        make(map[string]orders.Cart),
		items:        make(map[string]orders.CartItem),
		deletedItems: make(map[string]bool),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.lockChan(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id := range t.dirty {
		t.s.products[id] = t.products[id]
	}
	for id, o := range t.newOrders {
		t.s.orders[id] = o
	}
	for id, st := range t.statuses {
		o := t.s.orders[id]
		o.Status = st
		t.s.orders[id] = o
	}
	for id, c := range t.carts {
		c.Items = nil
		t.s.carts[id] = c
	}
	for id, it := range t.items {
		it.ProductName = ""
		t.s.cartItems[id] = it
	}
	for id := range t.deletedItems {
		delete(t.s.cartItems, id)
	}
}

func (t *tx) LockProduct(ctx context.Context, productID string) (orders.Product, error) {
	if err := t.lock(ctx, productKey(productID)); err != nil {
		return orders.Product{}, err
	}
	p, ok := t.products[productID]
	if !ok {
		p, ok = t.s.Product(productID)
		if !ok {
			return orders.Product{}, orders.ErrNotFound
		}
		t.products[productID] = p
	}
	if p.Deleted {
		return orders.Product{}, orders.ErrNotFound
	}
	return p, nil
}

func (t *tx) FindProduct(ctx context.Context, productID string) (orders.Product, error) {
	p, ok := t.products[productID]
	if !ok {
		p, ok = t.s.Product(productID)
	}
	if !ok || p.Deleted {
		return orders.Product{}, orders.ErrNotFound
	}
	return p, nil
}

func (t *tx) DecrementStock(ctx context.Context, productID string, qty int) (int, error) {
	p, err := t.LockProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if p.Stock < qty {
		return 0, fmt.Errorf("%w: product %s", orders.ErrInsufficientInventory, productID)
	}
	p.Stock -= qty
	t.products[productID] = p
	t.dirty[productID] = true
	return p.Stock, nil
}

func (t *tx) SaveProduct(ctx context.Context, p orders.Product) error {
	if _, err := t.LockProduct(ctx, p.ID); err != nil {
		return err
	}
	t.products[p.ID] = p
	t.dirty[p.ID] = true
	return nil
}

func (t *tx) Delete(ctx context.Context, e orders.Entity) error {
	if sd, ok := e.(orders.SoftDeletable); ok {
		if e.Table() != (orders.Product{}).Table() {
			return fmt.Errorf("memory: soft delete of %s not supported", e.Table())
		}
		p, err := t.LockProduct(ctx, e.Key())
		if err != nil {
			return err
		}
		sd.SoftDelete()
		p.Deleted = true
		t.products[p.ID] = p
		t.dirty[p.ID] = true
		return nil
	}

	if e.Table() != (orders.CartItem{}).Table() {
		return fmt.Errorf("memory: delete from %s not supported", e.Table())
	}
	id := e.Key()
	if _, staged := t.items[id]; staged {
		delete(t.items, id)
		t.deletedItems[id] = true
		return nil
	}
	t.s.mu.RLock()
	_, ok := t.s.cartItems[id]
	t.s.mu.RUnlock()
	if !ok || t.deletedItems[id] {
		return orders.ErrNotFound
	}
	t.deletedItems[id] = true
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if _, ok := t.newOrders[o.ID]; ok {
		return orders.ErrConflict
	}
	t.s.mu.RLock()
	_, exists := t.s.orders[o.ID]
	t.s.mu.RUnlock()
	if exists {
		return orders.ErrConflict
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	t.newOrders[o.ID] = o
	return nil
}

func (t *tx) LockOrder(ctx context.Context, orderID string) (orders.Order, error) {
	if err := t.lock(ctx, orderKey(orderID)); err != nil {
		return orders.Order{}, err
	}
	o, ok := t.newOrders[orderID]
	t.s.mu.RLock()
	if !ok {
		o, ok = t.s.orders[orderID]
	}
	if ok {
		o = t.s.denormalize(o)
	}
	t.s.mu.RUnlock()
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	if st, staged := t.statuses[orderID]; staged {
		o.Status = st
	}
	return o, nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID string, from, to orders.Status) error {
	o, err := t.LockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != from {
		return fmt.Errorf("order %s changed status concurrently: %w", orderID, orders.ErrConflict)
	}
	if no, ok := t.newOrders[orderID]; ok {
		no.Status = to
		t.newOrders[orderID] = no
		return nil
	}
	t.statuses[orderID] = to
	return nil
}

func (t *tx) FindOpenCartForUser(ctx context.Context, userID string) (orders.Cart, bool, error) {
	if err := t.lock(ctx, cartKey(userID)); err != nil {
		return orders.Cart{}, false, err
	}
	c, ok := t.openCart(userID)
	if !ok {
		return orders.Cart{}, false, nil
	}
	c.Items = t.cartItems(c.ID)
	return c, true, nil
}

func (t *tx) CreateCart(ctx context.Context, c orders.Cart) error {
	if err := t.lock(ctx, cartKey(c.UserID)); err != nil {
		return err
	}
	if _, ok := t.openCart(c.UserID); ok {
		return orders.ErrConflict
	}
	c.Ordered = false
	c.Items = nil
	t.carts[c.ID] = c
	return nil
}

func (t *tx) MarkCartOrdered(ctx context.Context, cartID string) error {
	c, ok := t.carts[cartID]
	if !ok {
		t.s.mu.RLock()
		c, ok = t.s.carts[cartID]
		t.s.mu.RUnlock()
	}
	if !ok {
		return orders.ErrNotFound
	}
	c.Ordered = true
	t.carts[cartID] = c
	return nil
}

func (t *tx) UpsertCartItem(ctx context.Context, item orders.CartItem) error {
	for _, it := range t.cartItems(item.CartID) {
		if it.ProductID == item.ProductID {
			it.Quantity += item.Quantity
			t.items[it.ID] = it
			return nil
		}
	}
	t.items[item.ID] = item
	return nil
}

// openCart finds the user's open cart with staged carts taking precedence.
func (t *tx) openCart(userID string) (orders.Cart, bool) {
	for _, c := range t.carts {
		if c.UserID == userID && !c.Ordered {
			return c, true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, c := range t.s.carts {
		if _, staged := t.carts[id]; staged {
			continue
		}
		if c.UserID == userID && !c.Ordered {
			return c, true
		}
	}
	return orders.Cart{}, false
}

// cartItems merges committed and staged lines of one cart.
func (t *tx) cartItems(cartID string) []orders.CartItem {
	merged := make(map[string]orders.CartItem)
	t.s.mu.RLock()
	for id, it := range t.s.cartItems {
		if it.CartID == cartID {
			merged[id] = it
		}
	}
	t.s.mu.RUnlock()
	for id, it := range t.items {
		if it.CartID == cartID {
			merged[id] = it
		}
	}
	out := make([]orders.CartItem, 0, len(merged))
	for id, it := range merged {
		if t.deletedItems[id] {
			continue
		}
		if p, err := t.FindProduct(context.Background(), it.ProductID); err == nil {
			it.ProductName = p.Name
		} else {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the PostgreSQL store. Stock rows are taken with SELECT ... FOR
// UPDATE and decremented with a guarded UPDATE, so concurrent placements on
// the same product serialize on the row lock and can never oversell.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const productColumns = `id, seller_id, name, description, category, price::text, stock, is_deleted, created_at, updated_at`

const orderColumns = `id, user_id, status, total_amount::text, created_at`

func (r *Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) ListActiveProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productColumns+` FROM products
	                              WHERE NOT is_deleted ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) FindOrderByID(ctx context.Context, orderID string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if err != nil {
		return Order{}, err
	}
	list, err := attachItems(ctx, r.DB, []Order{o})
	if err != nil {
		return Order{}, err
	}
	return list[0], nil
}

func (r *Repo) FindOrdersByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	return r.findOrders(ctx, `SELECT `+orderColumns+` FROM orders
	                          WHERE user_id=$1 ORDER BY created_at DESC, id`, buyerID)
}

func (r *Repo) FindOrdersBySeller(ctx context.Context, sellerID string) ([]Order, error) {
	return r.findOrders(ctx, `SELECT `+orderColumns+` FROM orders o
	                          WHERE EXISTS (
	                              SELECT 1 FROM order_items oi
	                              JOIN products p ON p.id = oi.product_id
	                              WHERE oi.order_id = o.id AND p.seller_id = $1)
	                          ORDER BY o.created_at DESC, o.id`, sellerID)
}

func (r *Repo) FindOpenCart(ctx context.Context, userID string) (Cart, error) {
	c, ok, err := findOpenCart(ctx, r.DB, userID, false)
	if err != nil {
		return Cart{}, err
	}
	if !ok {
		return Cart{}, ErrNotFound
	}
	return c, nil
}

func (r *Repo) findOrders(ctx context.Context, sql string, arg string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	list := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attachItems(ctx, r.DB, list)
}

type pgTx struct{ q querier }

func (t *pgTx) LockProduct(ctx context.Context, productID string) (Product, error) {
	return scanProduct(t.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products
	                                       WHERE id=$1 AND NOT is_deleted FOR UPDATE`, productID))
}

func (t *pgTx) FindProduct(ctx context.Context, productID string) (Product, error) {
	return scanProduct(t.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products
	                                       WHERE id=$1 AND NOT is_deleted`, productID))
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int) (int, error) {
	var remaining int
	err := t.q.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id=$1 AND NOT is_deleted AND stock >= $2
		RETURNING stock`, productID, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: product %s", ErrInsufficientInventory, productID)
	}
	return remaining, err
}

func (t *pgTx) SaveProduct(ctx context.Context, p Product) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE products
		SET name=$2, description=$3, category=$4, price=$5::numeric, stock=$6, updated_at=$7
		WHERE id=$1 AND NOT is_deleted`,
		p.ID, p.Name, p.Description, p.Category, p.Price.String(), p.Stock, p.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, e Entity) error {
	var sql string
	if sd, ok := e.(SoftDeletable); ok {
		sd.SoftDelete()
		sql = `UPDATE ` + pgx.Identifier{e.Table()}.Sanitize() + ` SET is_deleted = TRUE, updated_at = now() WHERE id=$1`
	} else {
		sql = `DELETE FROM ` + pgx.Identifier{e.Table()}.Sanitize() + ` WHERE id=$1`
	}
	ct, err := t.q.Exec(ctx, sql, e.Key())
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o Order) error {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_amount, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5)`,
		o.ID, o.UserID, string(o.Status), o.TotalAmount.String(), o.CreatedAt); err != nil {
		return err
	}
	for _, it := range o.Items {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5::numeric)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.UnitPrice.String()); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (Order, error) {
	o, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
	if err != nil {
		return Order{}, err
	}
	list, err := attachItems(ctx, t.q, []Order{o})
	if err != nil {
		return Order{}, err
	}
	return list[0], nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID string, from, to Status) error {
	ct, err := t.q.Exec(ctx, `UPDATE orders SET status=$3 WHERE id=$1 AND status=$2`,
		orderID, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("order %s changed status concurrently: %w", orderID, ErrConflict)
	}
	return nil
}

func (t *pgTx) FindOpenCartForUser(ctx context.Context, userID string) (Cart, bool, error) {
	return findOpenCart(ctx, t.q, userID, true)
}

func (t *pgTx) CreateCart(ctx context.Context, c Cart) error {
	ct, err := t.q.Exec(ctx, `
		INSERT INTO shopping_carts(id, user_id, ordered, created_at)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (user_id) WHERE NOT ordered DO NOTHING`,
		c.ID, c.UserID, c.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) MarkCartOrdered(ctx context.Context, cartID string) error {
	_, err := t.q.Exec(ctx, `UPDATE shopping_carts SET ordered = TRUE WHERE id=$1 AND NOT ordered`, cartID)
	return err
}

func (t *pgTx) UpsertCartItem(ctx context.Context, item CartItem) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO cart_items(id, cart_id, product_id, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		item.ID, item.CartID, item.ProductID, item.Quantity)
	return err
}

func findOpenCart(ctx context.Context, q querier, userID string, lock bool) (Cart, bool, error) {
	sql := `SELECT id, user_id, ordered, created_at FROM shopping_carts WHERE user_id=$1 AND NOT ordered`
	if lock {
		sql += ` FOR UPDATE`
	}
	var c Cart
	err := q.QueryRow(ctx, sql, userID).Scan(&c.ID, &c.UserID, &c.Ordered, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cart{}, false, nil
	}
	if err != nil {
		return Cart{}, false, err
	}

	rows, err := q.Query(ctx, `
		SELECT ci.id, ci.cart_id, ci.product_id, p.name, ci.quantity
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id AND NOT p.is_deleted
		WHERE ci.cart_id=$1 ORDER BY p.name, ci.id`, c.ID)
	if err != nil {
		return Cart{}, false, err
	}
	defer rows.Close()
	c.Items = []CartItem{}
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &it.ProductName, &it.Quantity); err != nil {
			return Cart{}, false, err
		}
		c.Items = append(c.Items, it)
	}
	return c, true, rows.Err()
}

// attachItems loads line items with product names and owning sellers.
func attachItems(ctx context.Context, q querier, list []Order) ([]Order, error) {
	if len(list) == 0 {
		return list, nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i, o := range list {
		ids[i] = o.ID
		index[o.ID] = i
		list[i].Items = []OrderItem{}
	}

	rows, err := q.Query(ctx, `
		SELECT oi.id, oi.order_id, oi.product_id, p.name, p.seller_id, oi.quantity, oi.unit_price::text
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.order_id, p.name, oi.id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		var price string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.SellerID, &it.Quantity, &price); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order item %s: %w", it.ID, err)
		}
		i := index[it.OrderID]
		list[i].Items = append(list[i].Items, it)
	}
	return list, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var price string
	err := row.Scan(&p.ID, &p.SellerID, &p.Name, &p.Description, &p.Category,
		&price, &p.Stock, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, fmt.Errorf("product %s price: %w", p.ID, err)
	}
	return p, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status, total string
	err := row.Scan(&o.ID, &o.UserID, &status, &total, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Order{}, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

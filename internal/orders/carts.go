package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// EnsureOpenCart returns the buyer's open cart, creating one when the buyer
// has none or the last one was already ordered.
func (s *Service) EnsureOpenCart(ctx context.Context, buyer Identity) (Cart, error) {
	if buyer.UserID == "" {
		return Cart{}, invalid("buyer identity is required")
	}
	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	var cart Cart
	err := s.Store.InTx(txCtx, func(tx Tx) error {
		c, err := s.openCart(txCtx, tx, buyer.UserID)
		cart = c
		return err
	})
	if err != nil {
		return Cart{}, aborted(err)
	}
	return cart, nil
}

// AddToCart accumulates qty onto the buyer's line for productID. The stock
// check here is an early warning only; checkout re-checks under lock.
func (s *Service) AddToCart(ctx context.Context, buyer Identity, productID string, qty int) (Cart, error) {
	if buyer.UserID == "" {
		return Cart{}, invalid("buyer identity is required")
	}
	if productID == "" {
		return Cart{}, invalid("product id is required")
	}
	if qty <= 0 {
		return Cart{}, invalid("quantity must be positive")
	}

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	err := s.Store.InTx(txCtx, func(tx Tx) error {
		cart, err := s.openCart(txCtx, tx, buyer.UserID)
		if err != nil {
			return err
		}
		p, err := tx.FindProduct(txCtx, productID)
		if errors.Is(err, ErrNotFound) {
			return &StockError{ProductID: productID, Required: qty}
		}
		if err != nil {
			return err
		}
		want := qty
		for _, it := range cart.Items {
			if it.ProductID == productID {
				want += it.Quantity
			}
		}
		if p.Stock < want {
			return &StockError{ProductID: productID, Required: want, Available: p.Stock}
		}
		return tx.UpsertCartItem(txCtx, CartItem{
			ID:        uuid.NewString(),
			CartID:    cart.ID,
			ProductID: productID,
			Quantity:  qty,
		})
	})
	if err != nil {
		return Cart{}, aborted(err)
	}
	return s.Store.FindOpenCart(ctx, buyer.UserID)
}

// RemoveFromCart drops the buyer's line for productID.
func (s *Service) RemoveFromCart(ctx context.Context, buyer Identity, productID string) error {
	if buyer.UserID == "" {
		return invalid("buyer identity is required")
	}
	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	err := s.Store.InTx(txCtx, func(tx Tx) error {
		cart, ok, err := tx.FindOpenCartForUser(txCtx, buyer.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		for _, it := range cart.Items {
			if it.ProductID == productID {
				return tx.Delete(txCtx, it)
			}
		}
		return ErrNotFound
	})
	return aborted(err)
}

func (s *Service) GetOpenCart(ctx context.Context, buyer Identity) (Cart, error) {
	if buyer.UserID == "" {
		return Cart{}, invalid("buyer identity is required")
	}
	return s.Store.FindOpenCart(ctx, buyer.UserID)
}

// Checkout places an order for the contents of the buyer's open cart. If the
// cart changes before the order commits, nothing is placed and the error is
// ErrTransactionAborted.
func (s *Service) Checkout(ctx context.Context, buyer Identity) (Confirmation, error) {
	cart, err := s.GetOpenCart(ctx, buyer)
	if errors.Is(err, ErrNotFound) {
		return Confirmation{}, invalid("no open cart to check out")
	}
	if err != nil {
		return Confirmation{}, err
	}
	items := make([]LineItem, 0, len(cart.Items))
	for _, it := range cart.Items {
		items = append(items, LineItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return s.place(ctx, buyer, items, &cart)
}

func (s *Service) openCart(ctx context.Context, tx Tx, userID string) (Cart, error) {
	cart, ok, err := tx.FindOpenCartForUser(ctx, userID)
	if err != nil || ok {
		return cart, err
	}
	cart = Cart{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now().UTC()}
	if err := tx.CreateCart(ctx, cart); err != nil {
		if !errors.Is(err, ErrConflict) {
			return Cart{}, err
		}
		// Lost a race with another request creating the same buyer's cart.
		cart, ok, err = tx.FindOpenCartForUser(ctx, userID)
		if err != nil {
			return Cart{}, err
		}
		if !ok {
			return Cart{}, ErrConflict
		}
	}
	return cart, nil
}

package orders

import (
	"context"

	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/logging"
)

const priceScale = 2

// UpdateProduct applies a seller's price or stock revision. Existing orders
// keep the unit prices they captured.
func (s *Service) UpdateProduct(ctx context.Context, seller Identity, productID string, upd ProductUpdate) (Product, error) {
	if productID == "" {
		return Product{}, invalid("product id is required")
	}
	if upd.Price == nil && upd.Stock == nil {
		return Product{}, invalid("nothing to update")
	}
	if upd.Price != nil {
		if upd.Price.IsNegative() {
			return Product{}, invalid("price must not be negative")
		}
		// Prices are stored as NUMERIC(18,2).
		if !upd.Price.Equal(upd.Price.Truncate(priceScale)) {
			return Product{}, invalid("price %s has more than %d decimal places", upd.Price, priceScale)
		}
	}
	if upd.Stock != nil && *upd.Stock < 0 {
		return Product{}, invalid("stock must not be negative")
	}

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	var saved Product
	err := s.Store.InTx(txCtx, func(tx Tx) error {
		p, err := s.lockOwnedProduct(txCtx, tx, seller, productID)
		if err != nil {
			return err
		}
		if upd.Price != nil {
			p.Price = *upd.Price
		}
		if upd.Stock != nil {
			p.Stock = *upd.Stock
		}
		p.UpdatedAt = s.now().UTC()
		if err := tx.SaveProduct(txCtx, p); err != nil {
			return err
		}
		saved = p
		return nil
	})
	if err != nil {
		return Product{}, aborted(err)
	}

	s.productChanged(txCtx, ctx, productID, false)
	return saved, nil
}

// DeleteProduct soft-deletes a seller's product. It disappears from the
// catalog and from checkout; order history keeps referencing it.
func (s *Service) DeleteProduct(ctx context.Context, seller Identity, productID string) error {
	if productID == "" {
		return invalid("product id is required")
	}

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	err := s.Store.InTx(txCtx, func(tx Tx) error {
		p, err := s.lockOwnedProduct(txCtx, tx, seller, productID)
		if err != nil {
			return err
		}
		return tx.Delete(txCtx, &p)
	})
	if err != nil {
		return aborted(err)
	}

	s.productChanged(txCtx, ctx, productID, true)
	return nil
}

func (s *Service) lockOwnedProduct(ctx context.Context, tx Tx, seller Identity, productID string) (Product, error) {
	if seller.Role != RoleSeller && seller.Role != RoleAdmin {
		return Product{}, ErrForbidden
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	if seller.Role != RoleAdmin && p.SellerID != seller.UserID {
		return Product{}, ErrForbidden
	}
	return p, nil
}

func (s *Service) productChanged(txCtx, reqCtx context.Context, productID string, deleted bool) {
	log := logging.FromContext(reqCtx, s.Log).With(zap.String("product_id", productID))
	s.cache().Invalidate(txCtx, []string{productID})
	s.publish(txCtx, log, TopicCatalogProductEvent, productID, EventProductChanged, ProductChangedPayload{
		ProductID: productID,
		Deleted:   deleted,
	})
	log.Info("product_changed", zap.Bool("deleted", deleted))
}

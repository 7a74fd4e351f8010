package orders

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrTransactionAborted    = errors.New("transaction aborted")
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrForbidden             = errors.New("forbidden")

	// ErrConflict is returned by stores when a uniqueness guard rejects a write.
	ErrConflict = errors.New("conflict")
)

// StockError names the product that could not cover the requested quantity.
// Available is zero for products that are missing or soft-deleted.
type StockError struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %s: required %d, available %d",
		e.ProductID, e.Required, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientInventory }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// aborted wraps infrastructure failures. Business-rule errors pass through.
func aborted(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrTransactionAborted):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
}

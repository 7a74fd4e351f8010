package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the orders error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Message: err.Error()}
	code := http.StatusInternalServerError

	var stock *orders.StockError
	switch {
	case errors.As(err, &stock):
		code, body.Error, body.ProductID = http.StatusConflict, "insufficient_inventory", stock.ProductID
	case errors.Is(err, orders.ErrInsufficientInventory):
		code, body.Error = http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, orders.ErrInvalidRequest):
		code, body.Error = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, orders.ErrNotFound):
		code, body.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, orders.ErrInvalidTransition):
		code, body.Error = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, orders.ErrForbidden):
		code, body.Error = http.StatusForbidden, "forbidden"
	case errors.Is(err, orders.ErrTransactionAborted):
		code, body.Error = http.StatusServiceUnavailable, "transaction_aborted"
		body.Message = "the order could not be completed, please retry"
	default:
		body.Error = "internal"
		body.Message = "internal error"
	}
	if code >= 500 {
		logging.FromContext(r.Context(), nil).Error("http_error", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", orders.ErrInvalidRequest, err)
	}
	return nil
}

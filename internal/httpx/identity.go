package httpx

import (
	"net/http"
	"strings"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

// Headers set by the authenticating gateway in front of the API.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// identity reads the caller from the gateway headers. A missing role falls
// back to def.
func identity(r *http.Request, def orders.Role) (orders.Identity, error) {
	id := orders.Identity{UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)), Role: def}
	if raw := r.Header.Get(HeaderUserRole); raw != "" {
		role, err := orders.ParseRole(raw)
		if err != nil {
			return orders.Identity{}, err
		}
		id.Role = role
	}
	return id, nil
}

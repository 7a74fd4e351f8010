package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

type CatalogReader interface {
	GetCatalog(ctx context.Context) ([]orders.Product, error)
	GetProduct(ctx context.Context, productID string) (orders.Product, error)
}

// Handler exposes the order core over HTTP. Authentication happens upstream;
// the caller arrives in the X-User-ID and X-User-Role headers.
type Handler struct {
	Orders      *orders.Service
	Catalog     CatalogReader
	DefaultRole orders.Role
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.placeOrder)
		r.Post("/checkout", h.checkout)
		r.Get("/", h.listBuyerOrders)
		r.Get("/{id}", h.getOrder)
		r.Put("/{id}/status", h.updateStatus)
	})
	r.Get("/seller/orders", h.listSellerOrders)

	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	r.Patch("/products/{id}", h.updateProduct)
	r.Delete("/products/{id}", h.deleteProduct)

	r.Get("/cart", h.getCart)
	r.Post("/cart/items", h.addToCart)
	r.Delete("/cart/items/{productID}", h.removeFromCart)
}

// caller resolves the identity or writes a 400 and returns false.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (orders.Identity, bool) {
	role := h.DefaultRole
	if role == "" {
		role = orders.RoleBuyer
	}
	id, err := identity(r, role)
	if err != nil {
		writeError(w, r, err)
		return orders.Identity{}, false
	}
	return id, true
}

type placeOrderReq struct {
	Items []orders.LineItem `json:"items"`
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req placeOrderReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conf, err := h.Orders.PlaceOrder(r.Context(), buyer, req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conf)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.caller(w, r)
	if !ok {
		return
	}
	conf, err := h.Orders.Checkout(r.Context(), buyer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conf)
}

func (h *Handler) listBuyerOrders(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.Orders.GetOrdersForBuyer(r.Context(), buyer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) listSellerOrders(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.Orders.GetOrdersForSeller(r.Context(), seller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	o, err := h.Orders.GetOrder(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type updateStatusReq struct {
	Status string `json:"status"`
}

type updateStatusResp struct {
	Message   string        `json:"message"`
	OrderID   string        `json:"order_id"`
	OldStatus orders.Status `json:"old_status"`
	NewStatus orders.Status `json:"new_status"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req updateStatusReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	target, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	change, err := h.Orders.UpdateStatus(r.Context(), seller, chi.URLParam(r, "id"), target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateStatusResp{
		Message:   change.Summary(),
		OrderID:   change.OrderID,
		OldStatus: change.OldStatus,
		NewStatus: change.NewStatus,
	})
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Catalog.GetCatalog(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var upd orders.ProductUpdate
	if err := decode(r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Orders.UpdateProduct(r.Context(), seller, chi.URLParam(r, "id"), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.Orders.DeleteProduct(r.Context(), seller, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.caller(w, r)
	if !ok {
		return
	}
	c, err := h.Orders.EnsureOpenCart(r.Context(), buyer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) addToCart(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req orders.LineItem
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Orders.AddToCart(r.Context(), buyer, req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) removeFromCart(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.Orders.RemoveFromCart(r.Context(), buyer, chi.URLParam(r, "productID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

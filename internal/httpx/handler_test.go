package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/catalog"
	"github.com/ariefcatur/marketplace-orders/internal/memory"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
)

type fixture struct {
	srv   *httptest.Server
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.PutProduct(orders.Product{ID: "prod-a", SellerID: "seller-1", Name: "Notebook",
		Price: decimal.RequireFromString("10.00"), Stock: 10, CreatedAt: created, UpdatedAt: created})
	store.PutProduct(orders.Product{ID: "prod-b", SellerID: "seller-2", Name: "Pen",
		Price: decimal.RequireFromString("5.00"), Stock: 0, CreatedAt: created, UpdatedAt: created})

	log := zap.NewNop()
	cat := &catalog.Catalog{Loader: store, Backend: catalog.NewMemoryBackend(nil), Log: log}
	svc := &orders.Service{Store: store, Cache: cat, Log: log}

	r := NewRouter(log, time.Second)
	(&Handler{Orders: svc, Catalog: cat, DefaultRole: orders.RoleBuyer}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store}
}

func (f *fixture) do(t *testing.T, method, path, user, role string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func TestPlaceOrderAndFetch(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/orders", "buyer-1", "", map[string]any{
		"items": []map[string]any{{"product_id": "prod-a", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "20", body["total_amount"])
	assert.Equal(t, "pending", body["status"])
	id := body["order_id"].(string)

	resp, body = f.do(t, http.MethodGet, "/orders/"+id, "buyer-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])

	resp, _ = f.do(t, http.MethodGet, "/orders/"+id, "buyer-2", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	p, _ := f.store.Product("prod-a")
	assert.Equal(t, 8, p.Stock)
}

func TestPlaceOrderErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		user      string
		body      any
		code      int
		kind      string
		productID string
	}{
		{"no items", "buyer-1", map[string]any{"items": []any{}}, http.StatusBadRequest, "invalid_request", ""},
		{"no user", "", map[string]any{"items": []map[string]any{{"product_id": "prod-a", "quantity": 1}}},
			http.StatusBadRequest, "invalid_request", ""},
		{"zero quantity", "buyer-1", map[string]any{"items": []map[string]any{{"product_id": "prod-a", "quantity": 0}}},
			http.StatusBadRequest, "invalid_request", ""},
		{"out of stock", "buyer-1", map[string]any{"items": []map[string]any{
			{"product_id": "prod-a", "quantity": 1}, {"product_id": "prod-b", "quantity": 1},
		}}, http.StatusConflict, "insufficient_inventory", "prod-b"},
		{"unknown field", "buyer-1", map[string]any{"lines": []any{}}, http.StatusBadRequest, "invalid_request", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/orders", tt.user, "", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.kind, body["error"])
			if tt.productID != "" {
				assert.Equal(t, tt.productID, body["product_id"])
			}
		})
	}

	p, _ := f.store.Product("prod-a")
	assert.Equal(t, 10, p.Stock, "rejected orders leave stock untouched")
}

func TestStatusUpdateFlow(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/orders", "buyer-1", "", map[string]any{
		"items": []map[string]any{{"product_id": "prod-a", "quantity": 1}},
	})
	id := body["order_id"].(string)
	path := "/orders/" + id + "/status"

	resp, body := f.do(t, http.MethodPut, path, "seller-1", "seller", map[string]string{"status": "Processing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Order status changed from Pending to Processing", body["message"])
	assert.Equal(t, "pending", body["old_status"])
	assert.Equal(t, "processing", body["new_status"])

	resp, body = f.do(t, http.MethodPut, path, "seller-1", "seller", map[string]string{"status": "delivered"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["error"])

	resp, _ = f.do(t, http.MethodPut, path, "seller-2", "seller", map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, path, "buyer-1", "", map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, path, "seller-1", "seller", map[string]string{"status": "lost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/orders/missing/status", "seller-1", "seller", map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSellerOrdersRequiresSellerRole(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/seller/orders", "buyer-1", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/seller/orders", "seller-1", "bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCatalogAndProductEdits(t *testing.T) {
	f := newFixture(t)

	list := func() []orders.Product {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/products", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out []orders.Product
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}
	require.Len(t, list(), 2)

	resp, body := f.do(t, http.MethodPatch, "/products/prod-a", "seller-1", "seller", map[string]any{"price": "12.50"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "12.5", body["price"])

	resp, _ = f.do(t, http.MethodPatch, "/products/prod-a", "seller-2", "seller", map[string]any{"stock": 1})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/products/prod-b", "seller-2", "seller", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got := list()
	require.Len(t, got, 1)
	assert.Equal(t, "prod-a", got[0].ID)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("12.50")))

	resp, body = f.do(t, http.MethodGet, "/products/prod-a", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Notebook", body["name"])
	resp, body = f.do(t, http.MethodGet, "/products/prod-b", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])

	resp, body = f.do(t, http.MethodPatch, "/products/prod-a", "seller-1", "seller", map[string]any{"price": "1.005"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestCartCheckout(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/cart", "buyer-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cartID := body["id"].(string)

	for range 2 {
		resp, _ = f.do(t, http.MethodPost, "/cart/items", "buyer-1", "", map[string]any{"product_id": "prod-a", "quantity": 2})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodPost, "/cart/items", "buyer-1", "", map[string]any{"product_id": "prod-b", "quantity": 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/cart", "buyer-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, 4.0, items[0].(map[string]any)["quantity"])

	resp, body = f.do(t, http.MethodPost, "/orders/checkout", "buyer-1", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "40", body["total_amount"])

	cart, ok := f.store.Cart(cartID)
	require.True(t, ok)
	assert.True(t, cart.Ordered)

	resp, body = f.do(t, http.MethodGet, "/cart", "buyer-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, cartID, body["id"], "a fresh cart follows checkout")

	resp, _ = f.do(t, http.MethodDelete, "/cart/items/prod-a", "buyer-1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

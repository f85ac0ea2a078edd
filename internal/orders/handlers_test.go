package orders

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/logging"
)

func newTestRouter(f *fixture, id auth.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("", func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, &id)
		c.Next()
	})
	NewHandler(f.svc, logging.Discard()).RegisterRoutes(g)
	return r
}

func doJSON(r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OrderLifecycle(t *testing.T) {
	f := newFixture(t)
	asBuyer := newTestRouter(f, buyer)
	asSeller := newTestRouter(f, seller)

	body := map[string]any{"products": []map[string]any{{"productId": "prd_a", "quantity": 2}}}
	w := doJSON(asBuyer, http.MethodPost, "/orders", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.Order)
	assert.Equal(t, int64(5_000), created.Order.TotalAmount)
	assert.Equal(t, int64(5_000), created.Wallets[buyer.UserID].Balance)
	id := created.Order.ID

	w = doJSON(asBuyer, http.MethodPost, "/orders", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alreadyProcessed":true`)

	w = doJSON(asSeller, http.MethodPost, "/orders/"+id+"/tracking", TrackingRequest{Status: "acknowledged"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(asBuyer, http.MethodPost, "/orders/"+id+"/cancel", ReasonRequest{Reason: "too slow"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "ORDER_LOCKED")

	w = doJSON(asSeller, http.MethodPost, "/orders/"+id+"/tracking", TrackingRequest{Status: "acknowledged"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(asSeller, http.MethodPost, "/orders/"+id+"/tracking", TrackingRequest{Status: "ready_for_pickup"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(asBuyer, http.MethodPost, "/orders/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"delivered"`)

	w = doJSON(asBuyer, http.MethodPost, "/orders/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alreadyProcessed":true`)

	w = doJSON(asSeller, http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestHandler_SellerCancelAndStrangers(t *testing.T) {
	f := newFixture(t)
	o := f.order(t)

	w := doJSON(newTestRouter(f, other), http.MethodGet, "/orders/"+o.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(newTestRouter(f, other), http.MethodPost, "/orders/"+o.ID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(newTestRouter(f, seller), http.MethodPost, "/orders/"+o.ID+"/cancel", ReasonRequest{Reason: "no stock"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)

	w = doJSON(newTestRouter(f, buyer), http.MethodGet, "/orders/ord_nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_BadBodies(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f, buyer)

	w := doJSON(r, http.MethodPost, "/orders", map[string]any{"products": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/orders/bundles", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	o := f.order(t)
	w = doJSON(r, http.MethodPost, "/orders/"+o.ID+"/dispute", ReasonRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "REASON_REQUIRED")
}

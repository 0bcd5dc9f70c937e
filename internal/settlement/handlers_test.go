package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/promptsettle/internal/auth"
	"github.com/mbd888/promptsettle/internal/events"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/payments"
	"github.com/mbd888/promptsettle/internal/purchases"
)

const webhookSecret = "whsec_handler_test"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(payments.NewVerifier(webhookSecret, logging.Discard()), f.processor, f.purchaser, f.purchases)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterWebhookRoutes(v1)
	user := v1.Group("")
	user.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.RegisterProtectedRoutes(user)
	return r, f
}

func signedCheckout(t *testing.T, eventID string) (string, []byte) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":1700000000,"api_version":"2020-08-27","data":{"object":{
		"id":"cs_1","object":"checkout.session","payment_intent":"pi_1",
		"amount_total":1000,"currency":"usd",
		"metadata":{"buyer_id":"buyer","seller_id":"seller","item_id":"itm_1"}}}}`, eventID)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func postWebhook(r *gin.Engine, header string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, header)
	r.ServeHTTP(w, req)
	return w
}

func doAs(r *gin.Engine, user, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	r.ServeHTTP(w, req)
	return w
}

func TestPaymentWebhook_AcceptsThenReportsDuplicate(t *testing.T) {
	r, f := setupRouter(t)
	header, body := signedCheckout(t, "evt_1")

	w := postWebhook(r, header, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true,"duplicate":false}`, w.Body.String())

	w = postWebhook(r, header, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"duplicate":true}`, w.Body.String())

	assert.Equal(t, int64(1000), f.balance(t, "seller"))
}

func TestPaymentWebhook_BadSignatureWritesNothing(t *testing.T) {
	r, f := setupRouter(t)
	_, body := signedCheckout(t, "evt_1")

	w := postWebhook(r, "t=1,v1=deadbeef", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := f.events.Get(context.Background(), "evt_1")
	assert.ErrorIs(t, err, events.ErrEventNotFound)
}

func TestPaymentWebhook_IgnoredTypeAcknowledged(t *testing.T) {
	r, _ := setupRouter(t)
	payload := `{"id":"evt_x","object":"event","type":"customer.created","created":1700000000,"api_version":"2020-08-27","data":{"object":{"id":"cus_1","object":"customer"}}}`
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})

	w := postWebhook(r, signed.Header, signed.Payload)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":true`)
}

func TestCreatePurchase(t *testing.T) {
	r, f := setupRouter(t)
	_, err := f.credits.Grant(context.Background(), "buyer", 1000, "grt_1")
	require.NoError(t, err)

	w := doAs(r, "buyer", http.MethodPost, "/v1/purchases", `{"itemId":"itm_1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Purchase struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"purchase"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "paid", created.Purchase.Status)

	w = doAs(r, "buyer", http.MethodPost, "/v1/purchases", `{"itemId":"itm_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alreadyOwned":true`)
	assert.Equal(t, int64(700), f.balance(t, "buyer"))

	w = doAs(r, "buyer", http.MethodGet, "/v1/purchases/"+created.Purchase.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doAs(r, "stranger", http.MethodGet, "/v1/purchases/"+created.Purchase.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doAs(r, "buyer", http.MethodGet, "/v1/purchases?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Purchase.ID)
}

func TestCreatePurchase_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing item", `{}`, http.StatusBadRequest},
		{"self purchase", `{"itemId":"itm_2"}`, http.StatusBadRequest},
		{"unknown item", `{"itemId":"itm_nope"}`, http.StatusNotFound},
		{"no credits", `{"itemId":"itm_1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAs(r, "buyer", http.MethodPost, "/v1/purchases", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCreatePurchase_SwapCopyCountsAsOwned(t *testing.T) {
	r, f := setupRouter(t)
	ctx := context.Background()
	_, err := f.catalog.CopyPair(ctx, "swp_1", []items.CopyRequest{{ItemID: "itm_1", NewOwnerID: "buyer"}})
	require.NoError(t, err)

	w := doAs(r, "buyer", http.MethodPost, "/v1/purchases", `{"itemId":"itm_1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["alreadyOwned"])
	assert.NotContains(t, body, "error")

	list, err := f.purchases.ListByBuyer(ctx, "buyer", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListPurchases_Paginates(t *testing.T) {
	r, f := setupRouter(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"pur_a", "pur_b", "pur_c"} {
		require.NoError(t, f.purchases.Create(ctx, &purchases.Purchase{
			ID:          id,
			BuyerID:     "pager",
			ItemID:      "itm_page_" + id,
			AmountTotal: 100,
			Currency:    "usd",
			Status:      purchases.StatusPaid,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base,
		}))
	}

	type page struct {
		Purchases  []purchases.Purchase `json:"purchases"`
		NextCursor string               `json:"nextCursor"`
		HasMore    bool                 `json:"hasMore"`
	}
	get := func(path string) page {
		w := doAs(r, "pager", http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		return p
	}

	var seen []string
	p := get("/v1/purchases?limit=2")
	for _, pu := range p.Purchases {
		seen = append(seen, pu.ID)
	}
	require.True(t, p.HasMore)
	p = get("/v1/purchases?limit=2&cursor=" + p.NextCursor)
	for _, pu := range p.Purchases {
		seen = append(seen, pu.ID)
	}
	assert.False(t, p.HasMore)
	assert.Equal(t, []string{"pur_c", "pur_b", "pur_a"}, seen)

	w := doAs(r, "pager", http.MethodGet, "/v1/purchases?cursor=bm9waXBl", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

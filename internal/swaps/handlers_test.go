package swaps

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/auth"
	"github.com/mbd888/promptsettle/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, NewSweeper(f.svc, f.store, logging.Discard()), 7)

	r := gin.New()
	v1 := r.Group("/v1")
	user := v1.Group("")
	user.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.RegisterProtectedRoutes(user)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, f
}

func doAs(r *gin.Engine, user, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	r.ServeHTTP(w, req)
	return w
}

type swapBody struct {
	Swap   Swap              `json:"swap"`
	Copies []json.RawMessage `json:"copies"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) swapBody {
	t.Helper()
	var b swapBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b
}

func TestSwapHandlers_Lifecycle(t *testing.T) {
	r, _ := setupRouter(t)
	create := `{"responderId":"B","requestedItemId":"itm_a1","offeredItemId":"itm_b1"}`

	w := doAs(r, "A", http.MethodPost, "/v1/swaps", create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sw := decode(t, w).Swap
	assert.Equal(t, "A", sw.RequesterID)
	assert.Equal(t, StatusRequested, sw.Status)

	w = doAs(r, "A", http.MethodPost, "/v1/swaps", create)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sw.ID, decode(t, w).Swap.ID)

	w = doAs(r, "C", http.MethodGet, "/v1/swaps/"+sw.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doAs(r, "A", http.MethodPost, "/v1/swaps/"+sw.ID+"/actions", `{"action":"accept"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doAs(r, "B", http.MethodPost, "/v1/swaps/"+sw.ID+"/actions", `{"action":"accept"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusAccepted, decode(t, w).Swap.Status)

	w = doAs(r, "A", http.MethodPost, "/v1/swaps/"+sw.ID+"/actions", `{"action":"fulfill"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode(t, w)
	assert.Equal(t, StatusFulfilled, done.Swap.Status)
	assert.Len(t, done.Copies, 2)

	w = doAs(r, "B", http.MethodGet, "/v1/swaps", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestSwapHandlers_RejectsBadInput(t *testing.T) {
	r, f := setupRouter(t)
	f.put(t, "s1", StatusRequested)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing fields", http.MethodPost, "/v1/swaps", `{"responderId":"B"}`, http.StatusBadRequest},
		{"not owner", http.MethodPost, "/v1/swaps", `{"responderId":"B","requestedItemId":"itm_b1","offeredItemId":"itm_a1"}`, http.StatusForbidden},
		{"expire is internal", http.MethodPost, "/v1/swaps/s1/actions", `{"action":"expire"}`, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/v1/swaps/s1/actions", `{"action":"steal"}`, http.StatusBadRequest},
		{"unknown swap", http.MethodPost, "/v1/swaps/s9/actions", `{"action":"cancel"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAs(r, "A", tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestSwapHandlers_Sweep(t *testing.T) {
	r, f := setupRouter(t)
	old := time.Now().UTC().AddDate(0, 0, -10)
	f.putAged(t, "s_old", StatusRequested, old)
	f.putAged(t, "s_new", StatusRequested, time.Now().UTC())

	w := doAs(r, "", http.MethodPost, "/v1/admin/swaps/sweep", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"checked":1,"expired":1,"skipped":0,"failed":0}`, w.Body.String())

	w = doAs(r, "", http.MethodPost, "/v1/admin/swaps/sweep", `{"maxAgeDays":0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"expired":1`)

	w = doAs(r, "", http.MethodPost, "/v1/admin/swaps/sweep", `{"maxAgeDays":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSwapHandlers_ListPagesNewestFirst(t *testing.T) {
	r, f := setupRouter(t)
	base := time.Now().UTC().Add(-time.Hour)
	f.putAged(t, "s1", StatusRequested, base)
	f.putAged(t, "s2", StatusCancelled, base.Add(time.Minute))
	f.putAged(t, "s3", StatusDeclined, base.Add(time.Minute))

	type page struct {
		Swaps      []Swap `json:"swaps"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	get := func(path string) page {
		w := doAs(r, "B", http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		return p
	}

	first := get("/v1/swaps?limit=2")
	require.Len(t, first.Swaps, 2)
	assert.Equal(t, "s3", first.Swaps[0].ID)
	assert.Equal(t, "s2", first.Swaps[1].ID)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second := get("/v1/swaps?limit=2&cursor=" + first.NextCursor)
	require.Len(t, second.Swaps, 1)
	assert.Equal(t, "s1", second.Swaps[0].ID)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	w := doAs(r, "B", http.MethodGet, "/v1/swaps?cursor=bm9waXBl", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/promptsettle/internal/apierr"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"pur_0190a1b2c3d4", true},
		{"pi_3NfXyZ2eZvKYlo2C", true},
		{"pur_1:400", true},
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", MaxIDLength+1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidID(tt.id), "IsValidID(%q)", tt.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("ownerId", " "),
		ValidID("reference", "bad id"),
		MaxLength("reason", strings.Repeat("x", 10), 5),
		Positive("amount", 0),
		Required("itemId", "itm_1"),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "ownerId: is required", errs.Error())

	err := errs.Err()
	assert.True(t, errors.Is(err, apierr.ErrInvalidRequest))
	assert.Nil(t, Validate(Required("a", "b")).Err())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/swaps/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/swaps/swp_123":   http.StatusOK,
		"/swaps/bad%20id":  http.StatusBadRequest,
		"/swaps/%27--drop": http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidProtocolQuery(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"aave-v3", true},
		{"Curve DEX", true},
		{"stake.link", true},
		{"Uniswap V3 (Arbitrum)", true},
		{"  aave  ", true},
		{"", false},
		{"   ", false},
		{"-leading", false},
		{"a/b", false},
		{"<script>", false},
		{strings.Repeat("a", MaxQueryLength+1), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidProtocolQuery(tt.in), "%q", tt.in)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("protocols", ""),
		Count("protocols", 6, 2, 5),
		IntInRange("limit", "abc", 1, 100),
		IntInRange("limit", "", 1, 100),
		OneOf("min_severity", "HIGH", "low", "medium", "high", "critical"),
		OneOf("min_severity", "severe", "low", "high"),
		ProtocolQuery("name", "aave"),
		ProtocolQuery("name", "../etc"),
	)
	require.Len(t, errs, 5)
	assert.Equal(t, "protocols: is required", errs.Error())
	assert.Equal(t, "protocols", errs[1].Field)
	assert.Equal(t, "limit", errs[2].Field)
	assert.Equal(t, "min_severity", errs[3].Field)
	assert.Equal(t, "name", errs[4].Field)

	assert.Empty(t, Validate(Count("protocols", 2, 2, 5), IntInRange("limit", "100", 1, 100)))
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestProtocolParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/protocols/:name/risk", ProtocolParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("name"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/protocols/aave-v3/risk", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/protocols/%3Cx%3E/risk", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_protocol")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"protocols":["aave","curve"]}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubValidator map[string]types.Principal

func (s stubValidator) ValidateToken(token string) (types.Principal, error) {
	if p, ok := s[token]; ok {
		return p, nil
	}
	return types.Principal{}, errors.New("invalid token")
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	validator := stubValidator{
		"buyer-token":  {ID: "buyer-1", Role: types.RoleBuyer},
		"dealer-token": {ID: "dealer-1", Role: types.RoleDealer},
		"admin-token":  {ID: "admin-1", Role: types.RoleAdmin},
	}
	chain := append([]gin.HandlerFunc{JWTAuth(validator)}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		p, _ := GetPrincipal(c)
		c.String(http.StatusOK, p.ID)
	})
	router.GET("/api/v1/quotes", chain...)
	return router
}

func TestJWTAuth(t *testing.T) {
	router := newRouter()

	t.Run("valid header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/quotes", nil)
		req.Header.Set("Authorization", "Bearer buyer-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "buyer-1", w.Body.String())
	})

	t.Run("query token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/quotes?access_token=dealer-token", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "dealer-1", w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/quotes", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/quotes", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	router := newRouter(RequireRole(types.RoleBuyer))

	tests := []struct {
		token  string
		status int
	}{
		{"buyer-token", http.StatusOK},
		{"dealer-token", http.StatusForbidden},
		{"admin-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/quotes", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRateLimit_AuthRoutes(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	first := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/auth/token", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	router.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/auth/token", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	router.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

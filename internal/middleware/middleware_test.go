package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/models"
)

type tokenAuth map[string]models.User

func (a tokenAuth) Authenticate(_ context.Context, token string) (models.User, error) {
	if token == "down" {
		return models.User{}, fmt.Errorf("%w: auth service", apperr.ErrStorageUnavailable)
	}
	user, ok := a[token]
	if !ok {
		return models.User{}, apperr.ErrAuthenticationFailed
	}
	return user, nil
}

func setupRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetInt("userID"), "request_id": c.GetString("request_id")})
	})
	r.GET("/", handlers...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	router := setupRouter(AuthMiddleware(tokenAuth{"good": {ID: 7, Active: true}}))

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Token good", http.StatusUnauthorized},
		{"Bearer bad", http.StatusUnauthorized},
		{"Bearer down", http.StatusServiceUnavailable},
		{"Bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, tc.header)
		if tc.status == http.StatusOK {
			assert.Contains(t, w.Body.String(), `"user_id":7`)
		}
	}
}

func TestRequestIDPropagatesOrGenerates(t *testing.T) {
	router := setupRouter(RequestID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-Id"))
	assert.Contains(t, w.Body.String(), `"request_id":"abc-123"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get("X-Request-Id"), 36)
}

func TestIPRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := NewIPRateLimiter(ctx, 60, nil)
	router := setupRouter(limiter.Handler())

	codes := map[int]int{}
	for i := 0; i < 15; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes[w.Code]++
	}
	assert.Equal(t, 10, codes[http.StatusOK])
	assert.Equal(t, 5, codes[http.StatusTooManyRequests])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

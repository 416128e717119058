package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T, key string) *Auth {
	t.Helper()
	var hash string
	if key != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
		require.NoError(t, err)
		hash = string(b)
	}
	a, err := NewAuth(hash, "secret")
	require.NoError(t, err)
	return a
}

func protectedRouter(a *Auth) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/p", a.RequireAuth(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestAuth_TokenLifecycle(t *testing.T) {
	a := newTestAuth(t, "k")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	token, expires, err := a.generateToken()
	require.NoError(t, err)
	assert.Equal(t, now.Add(tokenDuration), expires)

	claims, err := a.validateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.Authenticated)

	now = now.Add(tokenDuration + time.Minute)
	_, err = a.validateToken(token)
	assert.Error(t, err)
}

func TestAuth_RejectsForeignSecret(t *testing.T) {
	a := newTestAuth(t, "k")
	other, err := NewAuth("x", "")
	require.NoError(t, err)

	token, _, err := other.generateToken()
	require.NoError(t, err)
	_, err = a.validateToken(token)
	assert.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	a := newTestAuth(t, "k")
	router := protectedRouter(a)
	token, _, err := a.generateToken()
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/p", "", http.StatusUnauthorized},
		{"garbage", "/p", "Bearer nope", http.StatusUnauthorized},
		{"header", "/p", "Bearer " + token, http.StatusNoContent},
		{"query", "/p?access_token=" + token, "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireAuth_Disabled(t *testing.T) {
	a := newTestAuth(t, "")
	assert.False(t, a.Enabled())

	w := httptest.NewRecorder()
	protectedRouter(a).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHashKey(t *testing.T) {
	hash, err := HashKey("k")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("k")))

	_, err = HashKey("")
	assert.Error(t, err)
}

func TestTokenHandler_BadBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuth(t, "k")
	r := gin.New()
	r.POST("/token", a.TokenHandler)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDAndAccessLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	r := gin.New()
	r.Use(RequestID(), Recovery(zap.New(core)), AccessLog(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) {
		Logger(c).Info("inside handler")
		c.Status(http.StatusOK)
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))

	inside := logs.FilterMessage("inside handler").All()
	require.Len(t, inside, 1)
	assert.Equal(t, "abc", inside[0].ContextMap()["request_id"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestLogger_OutsideAccessLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.NotNil(t, Logger(c))
}

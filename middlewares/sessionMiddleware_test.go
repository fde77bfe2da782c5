package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	prev := config.GetRedisDB()
	config.SetRedisClient(client)
	t.Cleanup(func() {
		config.SetRedisClient(prev)
		_ = client.Close()
	})

	r := gin.New()
	r.Use(SessionMiddleware())
	r.GET("/public", func(c *gin.Context) {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, cid)
	})
	r.GET("/private", RequireOwner(), func(c *gin.Context) {
		c.String(http.StatusOK, OwnerId(c))
	})
	return r, mr
}

func TestSessionMiddleware_ResolvesOwner(t *testing.T) {
	r, mr := newSessionRouter(t)
	require.NoError(t, mr.Set("Token:abc", "owner-1"))

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("token", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner-1", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(CorrelationIdHeader))
}

func TestSessionMiddleware_UnknownTokenIsUnauthorized(t *testing.T) {
	r, _ := newSessionRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("token", "missing")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireOwner_RejectsAnonymous(t *testing.T) {
	r, _ := newSessionRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/public", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionMiddleware_KeepsCallerCorrelationId(t *testing.T) {
	r, _ := newSessionRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set(CorrelationIdHeader, "cid-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "cid-42", w.Body.String())
	assert.Equal(t, "cid-42", w.Header().Get(CorrelationIdHeader))
}

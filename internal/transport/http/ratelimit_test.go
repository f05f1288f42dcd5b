package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/dwarvesf/escrow-settlement/internal/auth"
	"github.com/dwarvesf/escrow-settlement/internal/consts"
)

func limitedRouter(limiter *rateLimiter, claims *auth.Claims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if claims != nil {
		r.Use(auth.WithClaims(claims))
	}
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func hit(r *gin.Engine, remoteAddr string) int {
	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_PerClientIP(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }
	r := limitedRouter(limiter, nil)

	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1:1002"))

	// other clients have their own bucket
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.2:1000"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1003"))
}

func TestRateLimiter_PerActor(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	claims := &auth.Claims{Role: consts.ROLE_OPERATOR, RegisteredClaims: jwt.RegisteredClaims{Subject: "carol"}}
	r := limitedRouter(limiter, claims)

	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1000"))
	// a new address does not reset the actor's bucket
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.9:1000"))
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.limiter("a")
	now = now.Add(visitorIdleTTL + time.Second)
	limiter.limiter("b")

	assert.Len(t, limiter.visitors, 1)
	assert.Contains(t, limiter.visitors, "b")
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(a *Authenticator, scope string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/", a.Required())
	if scope != "" {
		group.Use(RequireScope(scope))
	}
	group.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sub": TokenSub(c)})
	})
	return router
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func hs256Token(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func get(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequiredAcceptsDevSecretToken(t *testing.T) {
	a := NewAuthenticator("sekrit", "", "", false, quietLogger())
	router := testRouter(a, "")

	token := hs256Token(t, "sekrit", jwt.MapClaims{
		"sub":   "provider-1",
		"scope": "matches:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	rec := get(router, token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider-1")
}

func TestRequiredRejectsBadSignature(t *testing.T) {
	a := NewAuthenticator("sekrit", "", "", false, quietLogger())
	router := testRouter(a, "")

	token := hs256Token(t, "wrong-secret", jwt.MapClaims{
		"sub": "provider-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec := get(router, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequiredRejectsExpiredToken(t *testing.T) {
	a := NewAuthenticator("sekrit", "", "", false, quietLogger())
	router := testRouter(a, "")

	token := hs256Token(t, "sekrit", jwt.MapClaims{
		"sub": "provider-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	rec := get(router, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequiredRejectsMissingSubject(t *testing.T) {
	a := NewAuthenticator("sekrit", "", "", false, quietLogger())
	router := testRouter(a, "")

	token := hs256Token(t, "sekrit", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec := get(router, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequiredRejectsHS256WhenNoDevSecret(t *testing.T) {
	a := NewAuthenticator("", "tenant.auth0.example", "", false, quietLogger())
	router := testRouter(a, "")

	token := hs256Token(t, "anything", jwt.MapClaims{
		"sub": "provider-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec := get(router, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequiredChecksAudience(t *testing.T) {
	a := NewAuthenticator("sekrit", "", "https://api.example.com", false, quietLogger())
	router := testRouter(a, "")

	wrong := hs256Token(t, "sekrit", jwt.MapClaims{
		"sub": "provider-1",
		"aud": "https://other.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusUnauthorized, get(router, wrong).Code)

	right := hs256Token(t, "sekrit", jwt.MapClaims{
		"sub": "provider-1",
		"aud": "https://api.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusOK, get(router, right).Code)
}

func TestRequireScope(t *testing.T) {
	a := NewAuthenticator("sekrit", "", "", false, quietLogger())
	router := testRouter(a, "ratings:read")

	noScope := hs256Token(t, "sekrit", jwt.MapClaims{
		"sub":   "provider-1",
		"scope": "matches:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusForbidden, get(router, noScope).Code)

	withScope := hs256Token(t, "sekrit", jwt.MapClaims{
		"sub":   "provider-1",
		"scope": "matches:write ratings:read",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusOK, get(router, withScope).Code)
}

func TestDisabledAuthInjectsDevSubject(t *testing.T) {
	a := NewAuthenticator("", "", "", true, quietLogger())
	router := testRouter(a, "ratings:read")

	rec := get(router, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), DevSubject)
}

func TestIngestRateLimiterThrottles(t *testing.T) {
	limiter := NewIngestRateLimiter(1)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/ingest", limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// The bucket starts with a burst of 2; the third immediate request
	// must be rejected.
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

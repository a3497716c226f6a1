package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ledger/backend/internal/infrastructure/auth"
	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminPerm = "ledger:admin"

func newTestJWTService() *auth.JWTService {
	return auth.NewJWTService(config.JWTConfig{
		Secret:          "test-secret-key-at-least-32-chars",
		Issuer:          "ledger-test",
		AdminPermission: adminPerm,
	})
}

type failingBlacklist struct{}

func (failingBlacklist) Revoke(context.Context, string, time.Duration) error { return nil }
func (failingBlacklist) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func adminRouter(blacklist auth.TokenBlacklist) *gin.Engine {
	svc := newTestJWTService()
	router := gin.New()
	router.Use(RequestID())
	router.GET("/admin",
		JWTAuth(JWTMiddlewareConfig{Verifier: svc, Blacklist: blacklist}),
		RequirePermission(adminPerm, nil),
		func(c *gin.Context) {
			c.String(http.StatusOK, logger.GetActor(c.Request.Context()))
		})
	return router
}

func doAdmin(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if header != "" {
		req.Header.Set(AuthHeaderKey, header)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	svc := newTestJWTService()
	router := adminRouter(nil)

	t.Run("valid admin token", func(t *testing.T) {
		token, err := svc.Issue("ops@example.com", []string{adminPerm}, time.Hour)
		require.NoError(t, err)
		w := doAdmin(router, BearerPrefix+token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ops@example.com", w.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		w := doAdmin(router, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeUnauthorized, decodeError(t, w).Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		w := doAdmin(router, "Basic abc")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeTokenInvalid, decodeError(t, w).Code)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.Issue("ops", []string{adminPerm}, -time.Minute)
		require.NoError(t, err)
		w := doAdmin(router, BearerPrefix+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeTokenExpired, decodeError(t, w).Code)
	})

	t.Run("missing permission", func(t *testing.T) {
		token, err := svc.Issue("ops", []string{"ledger:read"}, time.Hour)
		require.NoError(t, err)
		w := doAdmin(router, BearerPrefix+token)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, dto.ErrCodeForbidden, decodeError(t, w).Code)
	})
}

func TestJWTAuth_Blacklist(t *testing.T) {
	svc := newTestJWTService()
	token, err := svc.Issue("ops", []string{adminPerm}, time.Hour)
	require.NoError(t, err)
	claims, err := svc.Verify(token)
	require.NoError(t, err)

	t.Run("revoked token rejected", func(t *testing.T) {
		bl := auth.NewInMemoryTokenBlacklist()
		require.NoError(t, bl.Revoke(context.Background(), claims.ID, time.Hour))
		w := doAdmin(adminRouter(bl), BearerPrefix+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeTokenRevoked, decodeError(t, w).Code)
	})

	t.Run("lookup failure fails open", func(t *testing.T) {
		w := doAdmin(adminRouter(failingBlacklist{}), BearerPrefix+token)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRequirePermission_WithoutClaims(t *testing.T) {
	router := gin.New()
	router.GET("/admin", RequirePermission(adminPerm, nil), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

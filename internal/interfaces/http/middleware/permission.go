package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/ledger/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// RequirePermission allows the request only if the JWT claims grant
// permission. It must run after JWTAuth.
func RequirePermission(permission string, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			abortWithError(c, dto.ErrCodeUnauthorized, "Authentication required")
			return
		}
		if !claims.HasPermission(permission) {
			log.Warn("Permission denied",
				zap.String("subject", claims.Subject),
				zap.String("required", permission),
				zap.String("path", c.Request.URL.Path),
			)
			abortWithError(c, dto.ErrCodeForbidden, "Missing permission "+permission)
			return
		}
		c.Next()
	}
}

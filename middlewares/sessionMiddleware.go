package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const CorrelationIdHeader = "X-Correlation-Id"

// SessionMiddleware resolves the "token" header to an owner id through the
// Token:<token> key the identity service writes. Requests without a token
// pass through unauthenticated; RequireOwner rejects them where needed.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		correlationId := c.Request.Header.Get(CorrelationIdHeader)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Header(CorrelationIdHeader, correlationId)

		token := c.Request.Header.Get("token")
		if token == "" {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}
		ownerId, exists, err := config.GetRedisValue(ctx, "Token:"+token)
		if err != nil || !exists || ownerId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetOwnerIdInContext(ctx, ownerId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireOwner aborts with 401 unless SessionMiddleware resolved an owner.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetOwnerIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// OwnerId returns the owner resolved for this request.
func OwnerId(c *gin.Context) string {
	ownerId, _ := utils.GetOwnerIdFromContext(c.Request.Context())
	return ownerId
}

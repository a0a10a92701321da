package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/autoverse/gemini-backend/internal/auth"
	"github.com/autoverse/gemini-backend/internal/common"
)

// UserIDKey is the gin context key the authenticated user id is stored under.
const UserIDKey = "user_id"

// AuthRequired validates the bearer token and stores the subject user id in
// the request context. Authentication itself happens at token issuance; this
// only verifies.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "authorization header required")
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid authorization header")
			c.Abort()
			return
		}

		userID, err := auth.ParseJWT(parts[1], secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/autoverse/gemini-backend/internal/common"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates an incoming request id or assigns a fresh one. Ids are
// ULIDs so logs sort by arrival time.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			if newID, err := common.NewULID(); err == nil {
				id = newID
			}
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

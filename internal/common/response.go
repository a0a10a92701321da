package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailDetail is Fail with a structured payload for client-actionable
// conditions (e.g. the daily limit rejection).
func FailDetail(c *gin.Context, httpStatus int, code int, msg string, detail any) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    detail,
	})
}

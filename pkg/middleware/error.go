package middleware

import (
	"errors"
	"net/http"

	"castplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last error recorded on the gin context as a JSON body.
// Unrecognised errors fall back to a 500 without leaking internals.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if errors.As(last.Err, &base) {
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": "internal error",
			},
		})
	}
}

package middleware

import (
	"net/http"

	"marketplace-settlement/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error as
// {"error":{code,message,details}}. Idempotency conflicts are answered as success.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.ToBaseError(last.Err)
		if be.Code == errutil.StatusIdempotencyConflict {
			zap.L().Info("duplicate request acknowledged", zap.String("path", c.FullPath()), zap.String("reason", be.Message))
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}

		status := be.Code.HTTPStatus()
		if status >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("code", string(be.Code)),
				zap.Error(last.Err),
			)
		}

		c.JSON(status, be.JSON())
	}
}

// Recovery turns panics into a 500 with the standard error body.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		zap.L().Error("panic recovered", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal server error",
		}.JSON())
	})
}

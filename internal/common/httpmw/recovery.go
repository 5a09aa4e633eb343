package httpmw

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/logger"
)

// Recovery converts a panic in a downstream handler into an internal
// error response instead of crashing the process.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    1,
					"message": fmt.Sprintf("internal error: %v", r),
					"data":    nil,
				})
			}
		}()
		c.Next()
	}
}

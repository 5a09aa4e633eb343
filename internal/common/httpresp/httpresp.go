// Package httpresp implements the shared {code, message, data} response
// envelope used by every CP and DP HTTP surface.
package httpresp

import (
	"github.com/gin-gonic/gin"

	"github.com/loomrun/loomrun/internal/common/apperr"
)

// Envelope is the wire shape of every CP/DP HTTP response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK writes a success envelope (code=0).
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Code: 0, Message: "ok", Data: data})
}

// Error writes an error envelope derived from err, using apperr's HTTP
// status mapping and a non-zero code.
func Error(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	c.AbortWithStatusJSON(status, Envelope{Code: 1, Message: err.Error(), Data: nil})
}

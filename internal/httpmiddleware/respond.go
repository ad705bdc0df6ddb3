package httpmiddleware

import (
	"github.com/gin-gonic/gin"

	"classtrack/internal/apperr"
)

// RespondError writes the {"error": ...} envelope with the status mapped from
// err's kind. Causes of storage failures are never exposed.
func RespondError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.Status(err), gin.H{"error": apperr.Message(err)})
}

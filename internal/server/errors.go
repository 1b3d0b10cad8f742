package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/apperr"
)

// respondError writes a structured error body. Known error kinds map to
// their HTTP status; anything else is a 500 with the detail kept in the
// server log.
func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus(), gin.H{
			"kind":  string(appErr.Kind),
			"error": appErr.Message,
		})
		return
	}
	s.log.Error("request failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

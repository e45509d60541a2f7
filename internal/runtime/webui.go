package runtime

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
)

// handleGetHandlers lists every registered handler with its live stats.
func (s *Service) handleGetHandlers(c *gin.Context) {
	body, err := jsoncodec.Marshal(s.Handlers())
	if err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

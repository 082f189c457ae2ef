package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/pkg/architect"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/store"
)

// respondError maps core errors to HTTP responses.
func (s *Server) respondError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	var decodeErr *architect.DecodeError
	var transportErr *engine.TransportError

	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, engine.ErrStopped):
		c.JSON(http.StatusConflict, gin.H{"error": "session is stopped"})
	case errors.Is(err, engine.ErrIterationCapExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": decodeErr.Error()})
	case errors.As(err, &transportErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": transportErr.Error()})
	default:
		s.logger.Error("unexpected error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/models"
)

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) startSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eng, err := s.manager.StartSession(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	session, err := s.store.GetSession(c.Request.Context(), eng.SessionID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) listSessions(c *gin.Context) {
	// live=true lists the sessions with a running engine, with the
	// engine's own view of their status.
	if c.Query("live") == "true" {
		active := s.manager.ListActive()
		out := make([]gin.H, 0, len(active))
		for _, a := range active {
			out = append(out, gin.H{"session_id": a.ID, "status": a.Status})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
		return
	}

	filters := models.SessionFilters{
		Status:          models.SessionStatus(c.Query("status")),
		IncludeArchived: c.Query("include_archived") == "true",
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	_, live := s.manager.FindSession(session.ID)
	c.JSON(http.StatusOK, gin.H{"session": session, "live": live})
}

func (s *Server) stopSession(c *gin.Context) {
	if err := s.manager.StopSession(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) archiveSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.StopSession(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.store.ArchiveSession(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	messages, err := s.store.LoadMessages(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// sendMessage runs a full user turn; the response carries the final
// answer. Incremental progress arrives over the WebSocket bridge.
func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eng, err := s.liveEngine(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	text, err := eng.SendMessage(c.Request.Context(), req.Content)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

func (s *Server) runArchitect(c *gin.Context) {
	if s.architect == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "architect not enabled"})
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	result, err := s.architect.Run(c.Request.Context(), session, req.Content)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// liveEngine resolves the session's engine, resuming it from the store
// when no live one exists. Unknown IDs are not created here.
func (s *Server) liveEngine(c *gin.Context) (*engine.Engine, error) {
	id := c.Param("id")
	if eng, ok := s.manager.FindSession(id); ok {
		return eng, nil
	}
	if _, err := s.store.GetSession(c.Request.Context(), id); err != nil {
		return nil, err
	}
	return s.manager.StartSession(c.Request.Context(), models.CreateSessionRequest{SessionID: id})
}

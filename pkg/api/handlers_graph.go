package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/models"
)

type addNodeRequest struct {
	Kind        string         `json:"kind" binding:"required"`
	Title       string         `json:"title" binding:"required"`
	Description string         `json:"description"`
	Confidence  *int           `json:"confidence"`
	SessionID   string         `json:"session_id"`
	AgentName   string         `json:"agent_name"`
	Metadata    map[string]any `json:"metadata"`
	ChangeID    string         `json:"change_id"`
}

type addEdgeRequest struct {
	From      string   `json:"from" binding:"required"`
	To        string   `json:"to" binding:"required"`
	Kind      string   `json:"kind" binding:"required"`
	Weight    *float64 `json:"weight"`
	Rationale string   `json:"rationale"`
}

type supersedeRequest struct {
	OldID     string `json:"old_id" binding:"required"`
	NewID     string `json:"new_id" binding:"required"`
	Rationale string `json:"rationale"`
}

func (s *Server) addNode(c *gin.Context) {
	var req addNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := s.graph.AddNode(c.Request.Context(), graph.NodeAttrs{
		Kind:        models.NodeKind(req.Kind),
		Title:       req.Title,
		Description: req.Description,
		Confidence:  req.Confidence,
		SessionID:   req.SessionID,
		AgentName:   req.AgentName,
		Metadata:    req.Metadata,
		ChangeID:    req.ChangeID,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (s *Server) getNode(c *gin.Context) {
	node, err := s.graph.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) listNodes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	nodes, err := s.graph.ListNodes(c.Request.Context(), models.NodeFilters{
		Kind:      models.NodeKind(c.Query("kind")),
		Status:    models.NodeStatus(c.Query("status")),
		SessionID: c.Query("session_id"),
		Limit:     limit,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *Server) addEdge(c *gin.Context) {
	var req addEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	edge, err := s.graph.AddEdge(c.Request.Context(), req.From, req.To,
		models.EdgeKind(req.Kind), graph.EdgeAttrs{Weight: req.Weight, Rationale: req.Rationale})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, edge)
}

func (s *Server) activeGoals(c *gin.Context) {
	goals, err := s.graph.ActiveGoals(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals})
}

func (s *Server) recentDecisions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	decisions, err := s.graph.RecentDecisions(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (s *Server) supersede(c *gin.Context) {
	var req supersedeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.graph.Supersede(c.Request.Context(), req.OldID, req.NewID, req.Rationale); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// goalTimeline walks the goal's subtree and renders the text timeline.
func (s *Server) goalTimeline(c *gin.Context) {
	nodes, err := s.graph.ForGoal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":    nodes,
		"timeline": graph.FormatTimeline(nodes),
	})
}

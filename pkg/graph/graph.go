// Package graph is the decision-graph service: a typed record of goals,
// decisions, actions, and outcomes linked by directed edges. It sits on
// the store's decision tables and adds validation, traversal, and
// rendering.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/telemetry"
)

// Service exposes the decision graph operations.
type Service struct {
	store     store.DecisionStore
	telemetry *telemetry.Emitter
	logger    *slog.Logger
}

// NewService creates a graph service. telemetry may be nil.
func NewService(s store.DecisionStore, emitter *telemetry.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, telemetry: emitter, logger: logger}
}

// NodeAttrs carries the caller-supplied fields for AddNode.
type NodeAttrs struct {
	Kind        models.NodeKind
	Title       string
	Description string
	Confidence  *int
	SessionID   string
	AgentName   string
	Metadata    map[string]any
	ChangeID    string
}

// EdgeAttrs carries the optional fields for AddEdge.
type EdgeAttrs struct {
	Weight    *float64
	Rationale string
}

// AddNode validates attrs, assigns the node id and change id, and
// persists the node as active.
func (s *Service) AddNode(ctx context.Context, attrs NodeAttrs) (*models.DecisionNode, error) {
	if !models.ValidNodeKind(attrs.Kind) {
		return nil, &store.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown node kind %q", attrs.Kind)}
	}
	if strings.TrimSpace(attrs.Title) == "" {
		return nil, &store.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if attrs.Confidence != nil && (*attrs.Confidence < 0 || *attrs.Confidence > 100) {
		return nil, &store.ValidationError{Field: "confidence", Reason: "must be between 0 and 100"}
	}

	changeID := attrs.ChangeID
	if changeID == "" {
		changeID = uuid.New().String()
	}
	node := &models.DecisionNode{
		ID:          uuid.New().String(),
		Kind:        attrs.Kind,
		Title:       attrs.Title,
		Description: attrs.Description,
		Confidence:  attrs.Confidence,
		Status:      models.NodeActive,
		SessionID:   attrs.SessionID,
		AgentName:   attrs.AgentName,
		Metadata:    attrs.Metadata,
		ChangeID:    changeID,
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to add node: %w", err)
	}

	s.telemetry.EmitDecisionLogged(node.SessionID, node.ID, string(node.Kind))
	s.logger.Debug("decision node added", "node_id", node.ID, "kind", node.Kind)
	return node, nil
}

func (s *Service) GetNode(ctx context.Context, id string) (*models.DecisionNode, error) {
	return s.store.GetNode(ctx, id)
}

func (s *Service) ListNodes(ctx context.Context, filters models.NodeFilters) ([]*models.DecisionNode, error) {
	return s.store.ListNodes(ctx, filters)
}

// UpdateNode rewrites a node in place after revalidating the mutable
// fields.
func (s *Service) UpdateNode(ctx context.Context, node *models.DecisionNode) error {
	if !models.ValidNodeKind(node.Kind) {
		return &store.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown node kind %q", node.Kind)}
	}
	if strings.TrimSpace(node.Title) == "" {
		return &store.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if node.Confidence != nil && (*node.Confidence < 0 || *node.Confidence > 100) {
		return &store.ValidationError{Field: "confidence", Reason: "must be between 0 and 100"}
	}
	return s.store.UpdateNode(ctx, node)
}

// DeleteNode removes a node and its edges. Admin-only escape hatch;
// normal lifecycle uses Supersede.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	return s.store.DeleteNode(ctx, id)
}

// AddEdge links two existing nodes. Weight, when present, must be in
// (0, 1].
func (s *Service) AddEdge(ctx context.Context, from, to string, kind models.EdgeKind, attrs EdgeAttrs) (*models.DecisionEdge, error) {
	if !models.ValidEdgeKind(kind) {
		return nil, &store.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown edge kind %q", kind)}
	}
	if attrs.Weight != nil && (*attrs.Weight <= 0 || *attrs.Weight > 1) {
		return nil, &store.ValidationError{Field: "weight", Reason: "must be in (0, 1]"}
	}

	edge := &models.DecisionEdge{
		ID:        uuid.New().String(),
		FromID:    from,
		ToID:      to,
		Kind:      kind,
		Weight:    attrs.Weight,
		Rationale: attrs.Rationale,
	}
	if err := s.store.CreateEdge(ctx, edge); err != nil {
		return nil, fmt.Errorf("failed to add edge: %w", err)
	}
	return edge, nil
}

func (s *Service) ListEdges(ctx context.Context, filters models.EdgeFilters) ([]*models.DecisionEdge, error) {
	return s.store.ListEdges(ctx, filters)
}

// ActiveGoals returns active nodes of kind goal, oldest first.
func (s *Service) ActiveGoals(ctx context.Context) ([]*models.DecisionNode, error) {
	return s.store.ListNodes(ctx, models.NodeFilters{
		Kind:   models.NodeGoal,
		Status: models.NodeActive,
	})
}

// RecentDecisions returns the newest nodes of kind decision or option,
// up to limit.
func (s *Service) RecentDecisions(ctx context.Context, limit int) ([]*models.DecisionNode, error) {
	nodes, err := s.store.ListNodes(ctx, models.NodeFilters{NewestFirst: true})
	if err != nil {
		return nil, err
	}
	out := make([]*models.DecisionNode, 0, limit)
	for _, node := range nodes {
		if node.Kind != models.NodeDecision && node.Kind != models.NodeOption {
			continue
		}
		out = append(out, node)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Supersede atomically records that newID replaces oldID: a supersedes
// edge plus the status flip on the old node. Reapplying the same pair
// leaves at most one edge.
func (s *Service) Supersede(ctx context.Context, oldID, newID, rationale string) error {
	edge := &models.DecisionEdge{
		ID:        uuid.New().String(),
		FromID:    newID,
		ToID:      oldID,
		Kind:      models.EdgeSupersedes,
		Rationale: rationale,
	}
	if err := s.store.SupersedeNode(ctx, oldID, edge); err != nil {
		return fmt.Errorf("failed to supersede node %s: %w", oldID, err)
	}
	s.logger.Debug("decision node superseded", "old_id", oldID, "new_id", newID)
	return nil
}

// ForSession returns the session's nodes in insertion order.
func (s *Service) ForSession(ctx context.Context, sessionID string) ([]*models.DecisionNode, error) {
	return s.store.ListNodes(ctx, models.NodeFilters{SessionID: sessionID})
}

// ForGoal returns the transitive closure reachable from the goal by
// following outgoing edges of any kind. Cycles terminate via the
// visited set.
func (s *Service) ForGoal(ctx context.Context, goalID string) ([]*models.DecisionNode, error) {
	root, err := s.store.GetNode(ctx, goalID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{goalID: true}
	nodes := []*models.DecisionNode{root}
	queue := []string{goalID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		edges, err := s.store.ListEdges(ctx, models.EdgeFilters{From: current})
		if err != nil {
			return nil, err
		}
		// Deterministic traversal order regardless of backend.
		sort.Slice(edges, func(i, j int) bool { return edges[i].CreatedAt.Before(edges[j].CreatedAt) })

		for _, edge := range edges {
			if visited[edge.ToID] {
				continue
			}
			visited[edge.ToID] = true
			node, err := s.store.GetNode(ctx, edge.ToID)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
			queue = append(queue, edge.ToID)
		}
	}
	return nodes, nil
}

// DecisionContext renders the session's decision nodes as the text
// block the context window injects into system prompts. Empty when the
// session has logged nothing.
func (s *Service) DecisionContext(ctx context.Context, sessionID string) (string, error) {
	nodes, err := s.ForSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", nil
	}
	return "Decision log:\n" + FormatTimeline(nodes), nil
}

// FormatTimeline renders nodes one per line: kind prefix, then title,
// with status appended when not active and confidence when set.
func FormatTimeline(nodes []*models.DecisionNode) string {
	var b strings.Builder
	for i, node := range nodes {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", node.Kind, node.Title)
		if node.Status != models.NodeActive {
			fmt.Fprintf(&b, " (%s)", node.Status)
		}
		if node.Confidence != nil {
			fmt.Fprintf(&b, " (%d%%)", *node.Confidence)
		}
	}
	return b.String()
}

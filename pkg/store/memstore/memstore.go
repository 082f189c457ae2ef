// Package memstore is the in-memory store backend. It backs engine
// tests and ephemeral runs; the durable backends live in store/sqlite
// and store/postgres.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

// Store implements store.Store with maps under a single mutex.
type Store struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	messages map[string][]models.Message // session id → ascending log
	grants   map[string][]models.PermissionGrant

	nodes     map[string]*models.DecisionNode
	nodeOrder []string // insertion order
	edges     []*models.DecisionEdge
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]models.Message),
		grants:   make(map[string][]models.PermissionGrant),
		nodes:    make(map[string]*models.DecisionNode),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// --- sessions ---

func (s *Store) CreateSession(_ context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ModelSpec == "" {
		return nil, &store.ValidationError{Field: "model_spec", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.sessions[id]; exists {
		return nil, &store.ValidationError{Field: "session_id", Reason: "already exists"}
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:          id,
		ModelSpec:   req.ModelSpec,
		ProjectPath: req.ProjectPath,
		Title:       req.Title,
		Status:      models.StatusIdle,
		CostUSD:     decimal.Zero,
		AutoApprove: req.AutoApprove,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) ListSessions(_ context.Context, filters models.SessionFilters) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ArchivedAt != nil && !filters.IncludeArchived {
			continue
		}
		if filters.Status != "" && sess.Status != filters.Status {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (s *Store) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[session.ID]
	if !ok {
		return store.ErrNotFound
	}
	up := cloneSession(session)
	up.CreatedAt = existing.CreatedAt
	up.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = up
	return nil
}

func (s *Store) ArchiveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	sess.ArchivedAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *Store) UpdateCosts(_ context.Context, sessionID string, inputDelta, outputDelta int64, costDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.InputTokens += inputDelta
	sess.OutputTokens += outputDelta
	sess.CostUSD = sess.CostUSD.Add(costDelta)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// --- messages ---

func (s *Store) SaveMessage(_ context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.SessionID == "" {
		return nil, &store.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.SessionID]; !ok {
		return nil, store.ErrNotFound
	}

	msg := models.Message{
		ID:         uuid.New().String(),
		SessionID:  req.SessionID,
		Role:       req.Role,
		Content:    req.Content,
		ToolCalls:  append([]models.ToolCall(nil), req.ToolCalls...),
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		CreatedAt:  time.Now().UTC(),
	}
	s.messages[req.SessionID] = append(s.messages[req.SessionID], msg)
	stored := msg
	return &stored, nil
}

func (s *Store) LoadMessages(_ context.Context, sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// --- grants ---

func (s *Store) SaveGrant(_ context.Context, grant models.PermissionGrant) (*models.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	s.grants[grant.SessionID] = append(s.grants[grant.SessionID], grant)
	stored := grant
	return &stored, nil
}

func (s *Store) ListGrants(_ context.Context, sessionID string) ([]models.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PermissionGrant, len(s.grants[sessionID]))
	copy(out, s.grants[sessionID])
	return out, nil
}

func (s *Store) DeleteGrants(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, sessionID)
	return nil
}

// --- decision graph ---

func (s *Store) CreateNode(_ context.Context, node *models.DecisionNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.ID]; exists {
		return &store.ValidationError{Field: "id", Reason: "already exists"}
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = node.CreatedAt
	}
	s.nodes[node.ID] = cloneNode(node)
	s.nodeOrder = append(s.nodeOrder, node.ID)
	return nil
}

func (s *Store) GetNode(_ context.Context, id string) (*models.DecisionNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneNode(node), nil
}

func (s *Store) ListNodes(_ context.Context, filters models.NodeFilters) ([]*models.DecisionNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DecisionNode, 0)
	for _, id := range s.nodeOrder {
		node, ok := s.nodes[id]
		if !ok {
			continue
		}
		if filters.Kind != "" && node.Kind != filters.Kind {
			continue
		}
		if filters.Status != "" && node.Status != filters.Status {
			continue
		}
		if filters.SessionID != "" && node.SessionID != filters.SessionID {
			continue
		}
		out = append(out, cloneNode(node))
	}
	if filters.NewestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (s *Store) UpdateNode(_ context.Context, node *models.DecisionNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.nodes[node.ID]
	if !ok {
		return store.ErrNotFound
	}
	up := cloneNode(node)
	up.CreatedAt = existing.CreatedAt
	up.UpdatedAt = time.Now().UTC()
	s.nodes[node.ID] = up
	return nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.nodes, id)
	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.FromID != id && e.ToID != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	return nil
}

func (s *Store) CreateEdge(_ context.Context, edge *models.DecisionEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEdgeLocked(edge)
}

func (s *Store) createEdgeLocked(edge *models.DecisionEdge) error {
	if _, ok := s.nodes[edge.FromID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.nodes[edge.ToID]; !ok {
		return store.ErrNotFound
	}
	e := *edge
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.edges = append(s.edges, &e)
	return nil
}

func (s *Store) ListEdges(_ context.Context, filters models.EdgeFilters) ([]*models.DecisionEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DecisionEdge, 0)
	for _, e := range s.edges {
		if filters.Kind != "" && e.Kind != filters.Kind {
			continue
		}
		if filters.From != "" && e.FromID != filters.From {
			continue
		}
		if filters.To != "" && e.ToID != filters.To {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) SupersedeNode(_ context.Context, oldID string, edge *models.DecisionEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.nodes[oldID]
	if !ok {
		return store.ErrNotFound
	}

	// Idempotent: skip the insert when the supersedes edge already exists.
	exists := false
	for _, e := range s.edges {
		if e.Kind == models.EdgeSupersedes && e.FromID == edge.FromID && e.ToID == edge.ToID {
			exists = true
			break
		}
	}
	if !exists {
		if err := s.createEdgeLocked(edge); err != nil {
			return err
		}
	}
	old.Status = models.NodeSuperseded
	old.UpdatedAt = time.Now().UTC()
	return nil
}

// --- clone helpers ---

func cloneSession(s *models.Session) *models.Session {
	c := *s
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

func cloneNode(n *models.DecisionNode) *models.DecisionNode {
	c := *n
	if n.Confidence != nil {
		v := *n.Confidence
		c.Confidence = &v
	}
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

package memstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

func TestSessionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: "/tmp/project",
		Title:       "first",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.StatusIdle, sess.Status)
	assert.True(t, sess.CostUSD.IsZero())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	got.Status = models.StatusThinking
	require.NoError(t, s.UpdateSession(ctx, got))

	updated, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusThinking, updated.Status)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSessionValidation(t *testing.T) {
	s := New()
	_, err := s.CreateSession(context.Background(), models.CreateSessionRequest{})
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "model_spec", verr.Field)
}

func TestListSessionsFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, err := s.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveSession(ctx, a.ID))

	active, err := s.ListSessions(ctx, models.SessionFilters{})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := s.ListSessions(ctx, models.SessionFilters{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateCostsAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateCosts(ctx, sess.ID, 100, 50, decimal.RequireFromString("0.0015")))
	require.NoError(t, s.UpdateCosts(ctx, sess.ID, 200, 25, decimal.RequireFromString("0.0005")))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.InputTokens)
	assert.Equal(t, int64(75), got.OutputTokens)
	assert.True(t, got.CostUSD.Equal(decimal.RequireFromString("0.002")))
}

func TestMessagesOrderedAscending(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := s.SaveMessage(ctx, models.CreateMessageRequest{
			SessionID: sess.ID,
			Role:      models.RoleUser,
			Content:   content,
		})
		require.NoError(t, err)
	}

	msgs, err := s.LoadMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)

	_, err = s.SaveMessage(ctx, models.CreateMessageRequest{SessionID: "missing", Role: models.RoleUser})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGrants(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.SaveGrant(ctx, models.PermissionGrant{SessionID: "s1", Tool: "file_write", Scope: "/tmp/a.txt"})
	require.NoError(t, err)
	_, err = s.SaveGrant(ctx, models.PermissionGrant{SessionID: "s1", Tool: "file_edit", Scope: models.GrantScopeAll})
	require.NoError(t, err)

	grants, err := s.ListGrants(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
	assert.NotEmpty(t, grants[0].ID)

	require.NoError(t, s.DeleteGrants(ctx, "s1"))
	grants, err = s.ListGrants(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestSupersedeNodeIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := &models.DecisionNode{ID: "n1", Kind: models.NodeDecision, Title: "use sqlite", Status: models.NodeActive}
	repl := &models.DecisionNode{ID: "n2", Kind: models.NodeDecision, Title: "use postgres", Status: models.NodeActive}
	require.NoError(t, s.CreateNode(ctx, old))
	require.NoError(t, s.CreateNode(ctx, repl))

	edge := &models.DecisionEdge{FromID: "n2", ToID: "n1", Kind: models.EdgeSupersedes}
	require.NoError(t, s.SupersedeNode(ctx, "n1", edge))
	require.NoError(t, s.SupersedeNode(ctx, "n1", edge))

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeSuperseded, got.Status)

	edges, err := s.ListEdges(ctx, models.EdgeFilters{Kind: models.EdgeSupersedes})
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestDeleteNodeRemovesEdges(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateNode(ctx, &models.DecisionNode{ID: "a", Kind: models.NodeGoal, Title: "goal", Status: models.NodeActive}))
	require.NoError(t, s.CreateNode(ctx, &models.DecisionNode{ID: "b", Kind: models.NodeAction, Title: "act", Status: models.NodeActive}))
	require.NoError(t, s.CreateEdge(ctx, &models.DecisionEdge{FromID: "a", ToID: "b", Kind: models.EdgeLeadsTo}))

	require.NoError(t, s.DeleteNode(ctx, "b"))

	edges, err := s.ListEdges(ctx, models.EdgeFilters{})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestListNodesNewestFirstAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, s.CreateNode(ctx, &models.DecisionNode{ID: id, Kind: models.NodeObservation, Title: id, Status: models.NodeActive}))
	}

	nodes, err := s.ListNodes(ctx, models.NodeFilters{NewestFirst: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n3", nodes[0].ID)
	assert.Equal(t, "n2", nodes[1].ID)
}

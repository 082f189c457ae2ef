package postgres

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/test/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	s, err := Open(util.PostgresURL(t), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: "/tmp/project",
		Title:       "migrate billing",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, sess.Status)
	assert.True(t, sess.CostUSD.IsZero())

	sess.Status = models.StatusExecutingTool
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecutingTool, got.Status)

	require.NoError(t, s.ArchiveSession(ctx, sess.ID))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ArchivedAt)

	active, err := s.ListSessions(ctx, models.SessionFilters{})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpdateCostsNumericExact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateCosts(ctx, sess.ID, 100, 50, decimal.RequireFromString("0.00000001")))
	require.NoError(t, s.UpdateCosts(ctx, sess.ID, 100, 50, decimal.RequireFromString("0.1")))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.InputTokens)
	assert.True(t, got.CostUSD.Equal(decimal.RequireFromString("0.10000001")),
		"got cost %s", got.CostUSD)

	assert.ErrorIs(t, s.UpdateCosts(ctx, "missing", 1, 1, decimal.Zero), store.ErrNotFound)
}

func TestMessagesAndGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)

	_, err = s.SaveMessage(ctx, models.CreateMessageRequest{
		SessionID: sess.ID,
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "call_1", Name: "file_read", Arguments: map[string]any{"path": "go.mod"}}},
	})
	require.NoError(t, err)

	msgs, err := s.LoadMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "go.mod", msgs[0].ToolCalls[0].Arguments["path"])

	_, err = s.SaveGrant(ctx, models.PermissionGrant{SessionID: sess.ID, Tool: "file_write", Scope: models.GrantScopeAll})
	require.NoError(t, err)
	grants, err := s.ListGrants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestDecisionGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conf := 70
	require.NoError(t, s.CreateNode(ctx, &models.DecisionNode{
		ID: "old", Kind: models.NodeDecision, Title: "cache in memory",
		Confidence: &conf, Status: models.NodeActive, Metadata: map[string]any{"area": "cache"},
	}))
	require.NoError(t, s.CreateNode(ctx, &models.DecisionNode{
		ID: "new", Kind: models.NodeDecision, Title: "cache on disk", Status: models.NodeActive,
	}))

	edge := &models.DecisionEdge{FromID: "new", ToID: "old", Kind: models.EdgeSupersedes}
	require.NoError(t, s.SupersedeNode(ctx, "old", edge))
	require.NoError(t, s.SupersedeNode(ctx, "old", &models.DecisionEdge{
		FromID: "new", ToID: "old", Kind: models.EdgeSupersedes,
	}))

	got, err := s.GetNode(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.NodeSuperseded, got.Status)
	require.NotNil(t, got.Confidence)
	assert.Equal(t, 70, *got.Confidence)
	assert.Equal(t, "cache", got.Metadata["area"])

	edges, err := s.ListEdges(ctx, models.EdgeFilters{Kind: models.EdgeSupersedes})
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

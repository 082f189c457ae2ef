package engine

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/permissions"
	"github.com/loomhq/loom/pkg/store/memstore"
	"github.com/loomhq/loom/pkg/tools"
)

func newTestManager(t *testing.T, st *memstore.Store, transport llm.Transport) *Manager {
	t.Helper()
	logger := slog.Default()
	m := NewManager(ManagerConfig{
		Store:       st,
		Bus:         bus.New(),
		Transport:   transport,
		Dispatcher:  tools.NewDispatcher(tools.NewRegistry(), nil, logger),
		Permissions: permissions.NewManager(st, nil, logger),
		Logger:      logger,
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestStartSessionCreatesAndLists(t *testing.T) {
	st := memstore.New()
	m := newTestManager(t, st, llm.NewStubTransport())

	eng, err := m.StartSession(context.Background(), models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)

	found, ok := m.FindSession(eng.SessionID())
	require.True(t, ok)
	assert.Same(t, eng, found)
	active := m.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, eng.SessionID(), active[0].ID)
	assert.Same(t, eng, active[0].Engine)
	assert.Equal(t, models.StatusIdle, active[0].Status)

	session, err := st.GetSession(context.Background(), eng.SessionID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, session.Status)
}

func TestStartSessionDuplicateReturnsExisting(t *testing.T) {
	st := memstore.New()
	m := newTestManager(t, st, llm.NewStubTransport())

	first, err := m.StartSession(context.Background(), models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)

	second, err := m.StartSession(context.Background(), models.CreateSessionRequest{
		SessionID: first.SessionID(),
	})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, m.ListActive(), 1)
}

func TestStartSessionUnknownIDCreatesWithThatID(t *testing.T) {
	st := memstore.New()
	m := newTestManager(t, st, llm.NewStubTransport())

	eng, err := m.StartSession(context.Background(), models.CreateSessionRequest{
		SessionID:   "pinned-id",
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "pinned-id", eng.SessionID())

	_, err = st.GetSession(context.Background(), "pinned-id")
	require.NoError(t, err)
}

func TestRestartRehydratesHistory(t *testing.T) {
	st := memstore.New()
	transport := llm.NewStubTransport().Script(&llm.Response{
		Type: llm.ResponseFinalAnswer,
		Text: "the answer",
	})
	m := newTestManager(t, st, transport)

	eng, err := m.StartSession(context.Background(), models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)
	id := eng.SessionID()

	_, err = eng.SendMessage(context.Background(), "x")
	require.NoError(t, err)

	// Kill the engine without going through StopSession, as a crash
	// would, then start the same id again.
	eng.Stop()
	_, ok := m.FindSession(id)
	assert.False(t, ok)

	resumed, err := m.StartSession(context.Background(), models.CreateSessionRequest{SessionID: id})
	require.NoError(t, err)
	require.NotSame(t, eng, resumed)

	history, err := resumed.GetHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "the answer", history[len(history)-1].Content)

	// The stopped status from the crash was reset on resume.
	assert.Equal(t, models.StatusIdle, resumed.GetStatus())
}

func TestStopSessionDeletesGrants(t *testing.T) {
	st := memstore.New()
	m := newTestManager(t, st, llm.NewStubTransport())

	eng, err := m.StartSession(context.Background(), models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: t.TempDir(),
	})
	require.NoError(t, err)
	id := eng.SessionID()

	_, err = st.SaveGrant(context.Background(), models.PermissionGrant{
		SessionID: id, Tool: "file_write", Scope: models.GrantScopeAll,
	})
	require.NoError(t, err)

	require.NoError(t, m.StopSession(context.Background(), id))
	assert.True(t, eng.Stopped())
	assert.Empty(t, m.ListActive())

	grants, err := st.ListGrants(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestStopSessionUnknownIsNoop(t *testing.T) {
	st := memstore.New()
	m := newTestManager(t, st, llm.NewStubTransport())
	assert.NoError(t, m.StopSession(context.Background(), "nope"))
}

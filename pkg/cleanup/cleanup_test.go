package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store/memstore"
)

func TestSweepArchivesStaleSessions(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	stale, err := st.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)
	_, err = st.SaveGrant(ctx, models.PermissionGrant{SessionID: stale.ID, Tool: "file_write", Scope: "*"})
	require.NoError(t, err)

	busy, err := st.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)
	busy.Status = models.StatusThinking
	require.NoError(t, st.UpdateSession(ctx, busy))

	// Everything is older than a millisecond after this.
	time.Sleep(10 * time.Millisecond)

	svc := NewService(st, time.Millisecond, time.Hour, nil)
	archived, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	// The stale session is gone from default listings, its grants wiped.
	sessions, err := st.ListSessions(ctx, models.SessionFilters{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, busy.ID, sessions[0].ID)

	grants, err := st.ListGrants(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestSweepKeepsFreshSessions(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	_, err := st.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)

	svc := NewService(st, DefaultRetention, time.Hour, nil)
	archived, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, archived)
}

func TestSweepIsIdempotent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	_, err := st.CreateSession(ctx, models.CreateSessionRequest{ModelSpec: "anthropic:claude-sonnet-4-6"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	svc := NewService(st, time.Millisecond, time.Hour, nil)
	first, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestStartStop(t *testing.T) {
	svc := NewService(memstore.New(), 0, time.Millisecond, nil)
	svc.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	svc.Stop()
}

package permissions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store/memstore"
)

func TestCheckAutoApproveList(t *testing.T) {
	m := NewManager(memstore.New(), []string{"file_read", "file_search"}, nil)

	decision, err := m.Check(context.Background(), "file_read", "/p/main.go", "s1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision)

	decision, err = m.Check(context.Background(), "file_write", "/p/main.go", "s1")
	require.NoError(t, err)
	assert.Equal(t, Ask, decision)
}

func TestCheckGrants(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memstore.New(), nil, nil)

	_, err := m.Grant(ctx, "file_write", "/p/main.go", "s1")
	require.NoError(t, err)

	// Exact path matches.
	decision, err := m.Check(ctx, "file_write", "/p/main.go", "s1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision)

	// Different path does not.
	decision, err = m.Check(ctx, "file_write", "/p/other.go", "s1")
	require.NoError(t, err)
	assert.Equal(t, Ask, decision)

	// Different session does not.
	decision, err = m.Check(ctx, "file_write", "/p/main.go", "s2")
	require.NoError(t, err)
	assert.Equal(t, Ask, decision)

	// Wildcard scope matches any path but only the granted tool.
	_, err = m.Grant(ctx, "file_edit", models.GrantScopeAll, "s1")
	require.NoError(t, err)

	decision, err = m.Check(ctx, "file_edit", "/anywhere/x.go", "s1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision)

	decision, err = m.Check(ctx, "shell_command", "/anywhere/x.go", "s1")
	require.NoError(t, err)
	assert.Equal(t, Ask, decision)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassRead, Classify("file_read"))
	assert.Equal(t, ClassWrite, Classify("file_edit"))
	assert.Equal(t, ClassExecute, Classify("shell_command"))
	assert.Equal(t, ClassUnknown, Classify("teleport"))
}

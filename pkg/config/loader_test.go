package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, cfg.Model.Default)
	assert.Equal(t, DefaultWeakModel, cfg.Model.Weak)
	assert.Equal(t, DefaultReservedOutputTokens, cfg.Context.ReservedOutputTokens)
	assert.Equal(t, DefaultMaxRepoMapTokens, cfg.Context.MaxRepoMapTokens)
	assert.Equal(t, DefaultMaxDecisionContextTokens, cfg.Context.MaxDecisionContextTokens)
	assert.Equal(t, DefaultAutoApprove, cfg.Permissions.AutoApprove)
	assert.True(t, cfg.DecisionsEnabled())
	assert.False(t, cfg.EnforcePreEdit())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[model]
default = "openai:gpt-5"

[context]
reserved_output_tokens = 1000

[permissions]
auto_approve = ["file_read"]

[decisions]
enabled = false
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "openai:gpt-5", cfg.Model.Default)
	// Unset fields keep defaults.
	assert.Equal(t, DefaultWeakModel, cfg.Model.Weak)
	assert.Equal(t, 1000, cfg.Context.ReservedOutputTokens)
	assert.Equal(t, DefaultMaxRepoMapTokens, cfg.Context.MaxRepoMapTokens)
	assert.Equal(t, []string{"file_read"}, cfg.Permissions.AutoApprove)
	// Explicit false survives the merge.
	assert.False(t, cfg.DecisionsEnabled())
}

func TestLoad_UnknownSectionsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[model]
default = "anthropic:claude-sonnet-4-6"

[some_future_section]
key = "value"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic:claude-sonnet-4-6", cfg.Model.Default)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvModel, "anthropic:claude-opus-4-1")
	t.Setenv(EnvDBPath, "/tmp/custom.db")

	dir := t.TempDir()
	writeConfig(t, dir, `
[model]
default = "openai:gpt-5"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic:claude-opus-4-1", cfg.Model.Default)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
}

func TestLoad_MalformedTOML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `[model`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad_NegativeTokenBudgetRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[context]
max_repo_map_tokens = -5
`)

	_, err := Load(dir)
	require.Error(t, err)
}

// Package config loads the loom configuration: built-in defaults,
// deep-merged with a `.loom.toml` from the project path, then
// environment overrides. Unknown sections in the file are ignored.
package config

// Config is the merged runtime configuration.
type Config struct {
	Model       ModelConfig       `toml:"model"`
	Permissions PermissionsConfig `toml:"permissions"`
	Context     ContextConfig     `toml:"context"`
	Decisions   DecisionsConfig   `toml:"decisions"`

	// DBPath is the storage location. Not a .loom.toml key; resolved
	// from LOOM_DB_PATH with a per-user default.
	DBPath string `toml:"-"`
}

// ModelConfig names the model specs ("provider:model_id") used by the
// different roles of the core.
type ModelConfig struct {
	Default   string `toml:"default"`
	Weak      string `toml:"weak"`
	Architect string `toml:"architect"`
	Editor    string `toml:"editor"`
}

// PermissionsConfig holds the auto-approve tool list.
type PermissionsConfig struct {
	AutoApprove []string `toml:"auto_approve"`
}

// ContextConfig holds the context-window token ceilings.
type ContextConfig struct {
	MaxRepoMapTokens         int `toml:"max_repo_map_tokens"`
	MaxDecisionContextTokens int `toml:"max_decision_context_tokens"`
	ReservedOutputTokens     int `toml:"reserved_output_tokens"`
}

// DecisionsConfig controls the decision-graph integrations.
// Booleans are pointers so an explicit `false` in the file survives the
// merge with defaults.
type DecisionsConfig struct {
	Enabled        *bool `toml:"enabled"`
	EnforcePreEdit *bool `toml:"enforce_pre_edit"`
	AutoLogCommits *bool `toml:"auto_log_commits"`
}

// DecisionsEnabled reports whether decision logging is on.
func (c *Config) DecisionsEnabled() bool {
	return c.Decisions.Enabled == nil || *c.Decisions.Enabled
}

// EnforcePreEdit reports whether edits require a pre-edit decision.
func (c *Config) EnforcePreEdit() bool {
	return c.Decisions.EnforcePreEdit != nil && *c.Decisions.EnforcePreEdit
}

// AutoLogCommits reports whether commits are logged as decisions.
func (c *Config) AutoLogCommits() bool {
	return c.Decisions.AutoLogCommits != nil && *c.Decisions.AutoLogCommits
}

package config

// Built-in defaults. A .loom.toml overrides field by field; anything it
// leaves unset keeps these values.
const (
	DefaultModel     = "anthropic:claude-sonnet-4-6"
	DefaultWeakModel = "anthropic:claude-haiku-4-5"

	DefaultMaxRepoMapTokens         = 2048
	DefaultMaxDecisionContextTokens = 1024
	DefaultReservedOutputTokens     = 4096
)

// DefaultAutoApprove lists the tools that never require asking.
var DefaultAutoApprove = []string{
	"file_read", "file_search", "content_search", "directory_list",
}

func boolPtr(b bool) *bool { return &b }

// Defaults returns a fresh copy of the built-in configuration.
func Defaults() *Config {
	return &Config{
		Model: ModelConfig{
			Default:   DefaultModel,
			Weak:      DefaultWeakModel,
			Architect: DefaultModel,
			Editor:    DefaultWeakModel,
		},
		Permissions: PermissionsConfig{
			AutoApprove: append([]string(nil), DefaultAutoApprove...),
		},
		Context: ContextConfig{
			MaxRepoMapTokens:         DefaultMaxRepoMapTokens,
			MaxDecisionContextTokens: DefaultMaxDecisionContextTokens,
			ReservedOutputTokens:     DefaultReservedOutputTokens,
		},
		Decisions: DecisionsConfig{
			Enabled:        boolPtr(true),
			EnforcePreEdit: boolPtr(false),
			AutoLogCommits: boolPtr(false),
		},
	}
}

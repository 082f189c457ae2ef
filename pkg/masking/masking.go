// Package masking scrubs secret material from tool result text before
// it enters the transcript. Tool output is the only place untrusted
// file and command content crosses into persisted messages, so the
// dispatcher masks every result.
package masking

import (
	"log/slog"
	"regexp"
)

// MaskedValue replaces matched secret material.
const MaskedValue = "***MASKED***"

// pattern is one built-in secret shape.
type pattern struct {
	name        string
	expr        string
	replacement string
}

// builtinPatterns cover the common credential shapes found in project
// files and command output. Order matters: multi-line blocks first so
// narrower patterns do not split them.
var builtinPatterns = []pattern{
	{
		name:        "private_key_block",
		expr:        `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: MaskedValue,
	},
	{
		name:        "anthropic_api_key",
		expr:        `sk-ant-[A-Za-z0-9_-]{10,}`,
		replacement: MaskedValue,
	},
	{
		name:        "openai_api_key",
		expr:        `sk-[A-Za-z0-9]{20,}`,
		replacement: MaskedValue,
	},
	{
		name:        "aws_access_key",
		expr:        `AKIA[0-9A-Z]{16}`,
		replacement: MaskedValue,
	},
	{
		name:        "github_token",
		expr:        `gh[pousr]_[A-Za-z0-9]{36,}`,
		replacement: MaskedValue,
	},
	{
		name:        "bearer_token",
		expr:        `(?i)(bearer\s+)[A-Za-z0-9._~+/-]{16,}=*`,
		replacement: "${1}" + MaskedValue,
	},
	{
		name:        "url_credentials",
		expr:        `(://[^/\s:]+:)[^@\s]+(@)`,
		replacement: "${1}" + MaskedValue + "${2}",
	},
	{
		name:        "env_assignment",
		expr:        `(?i)((?:api[_-]?key|secret|token|password|passwd)\s*[=:]\s*["']?)[^\s"']{8,}`,
		replacement: "${1}" + MaskedValue,
	},
}

type compiled struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Service applies the built-in patterns. The zero value is unusable;
// use NewService.
type Service struct {
	patterns []compiled
	logger   *slog.Logger
}

// NewService compiles the built-in patterns. A pattern that fails to
// compile is logged and skipped rather than failing startup.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger}
	for _, p := range builtinPatterns {
		regex, err := regexp.Compile(p.expr)
		if err != nil {
			logger.Error("failed to compile masking pattern, skipping", "pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, compiled{name: p.name, regex: regex, replacement: p.replacement})
	}
	return s
}

// Mask replaces every recognised secret in text. A nil service passes
// text through unchanged.
func (s *Service) Mask(text string) string {
	if s == nil || text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

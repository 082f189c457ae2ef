// Package contextwindow assembles the transcript sent to the model: the
// composed system message first, then the longest suffix of the prior
// messages that fits the model's context budget. Token counts are cheap
// deterministic estimates, never provider tokenizers.
package contextwindow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/models"
)

const (
	// DefaultModelLimit is used when the model is not in the limits table.
	DefaultModelLimit = 128000
	// DefaultReservedOutput is held back from the window for the reply.
	DefaultReservedOutput = 4096

	DefaultMaxRepoMapTokens         = 2048
	DefaultMaxDecisionContextTokens = 1024

	// perMessageOverhead approximates role and framing tokens.
	perMessageOverhead = 4

	truncationMarker = "[truncated...]"
)

// modelLimits maps model ids to context window sizes.
var modelLimits = map[string]int{
	"claude-sonnet-4-6":  200000,
	"claude-haiku-4-5":   200000,
	"claude-opus-4-1":    200000,
	"gpt-5":              272000,
	"gpt-4o":             128000,
	"gpt-4o-mini":        128000,
	"gemini-2.5-pro":     1048576,
	"llama3":             8192,
}

// EstimateTokens is the uniform token estimate: one token per four
// bytes, rounded down. It must not vary by model.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// messageTokens charges the per-message overhead plus the content
// estimate. Messages without content (pure tool-call markers) cost only
// the overhead.
func messageTokens(msg models.Message) int {
	return perMessageOverhead + EstimateTokens(msg.Content)
}

// ModelLimit resolves the context window for a model spec, falling back
// to DefaultModelLimit.
func ModelLimit(spec llm.ModelSpec) int {
	if limit, ok := modelLimits[spec.ModelID]; ok {
		return limit
	}
	// Versioned ids like "llama3:70b" resolve by base id.
	if base, _, ok := strings.Cut(spec.ModelID, ":"); ok {
		if limit, ok := modelLimits[base]; ok {
			return limit
		}
	}
	return DefaultModelLimit
}

// RepoMapProvider supplies a repository summary for system-prompt
// injection.
type RepoMapProvider interface {
	RepoMap(ctx context.Context, projectPath string) (string, error)
}

// DecisionContextProvider supplies a decision-graph summary for
// system-prompt injection.
type DecisionContextProvider interface {
	DecisionContext(ctx context.Context, sessionID string) (string, error)
}

// Builder assembles windowed transcripts. The zero value works; the
// provider fields are optional collaborators.
type Builder struct {
	RepoMap   RepoMapProvider
	Decisions DecisionContextProvider

	MaxRepoMapTokens         int
	MaxDecisionContextTokens int
	ReservedOutput           int

	Logger *slog.Logger
}

func (b *Builder) maxRepoMapTokens() int {
	if b.MaxRepoMapTokens > 0 {
		return b.MaxRepoMapTokens
	}
	return DefaultMaxRepoMapTokens
}

func (b *Builder) maxDecisionContextTokens() int {
	if b.MaxDecisionContextTokens > 0 {
		return b.MaxDecisionContextTokens
	}
	return DefaultMaxDecisionContextTokens
}

func (b *Builder) reservedOutput() int {
	if b.ReservedOutput > 0 {
		return b.ReservedOutput
	}
	return DefaultReservedOutput
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build returns the system message followed by the longest suffix of
// messages whose estimated tokens fit the model budget. Messages are
// included whole or not at all; the system message is never elided.
func (b *Builder) Build(ctx context.Context, messages []models.Message, systemPrompt string, spec llm.ModelSpec, sessionID, projectPath string) []llm.ChatMessage {
	limit := ModelLimit(spec)
	reserved := b.reservedOutput()

	systemPrompt = b.injectIntelligence(ctx, systemPrompt, sessionID, projectPath, limit-reserved)
	systemTokens := perMessageOverhead + EstimateTokens(systemPrompt)

	available := limit - systemTokens - reserved
	if available < 0 {
		available = 0
	}

	// Walk newest to oldest, then reverse to restore order.
	var suffix []llm.ChatMessage
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := messageTokens(messages[i])
		if used+cost > available {
			break
		}
		used += cost
		suffix = append(suffix, toChatMessage(messages[i]))
	}
	for i, j := 0, len(suffix)-1; i < j; i, j = i+1, j-1 {
		suffix[i], suffix[j] = suffix[j], suffix[i]
	}

	if len(suffix) < len(messages) {
		b.logger().Debug("context window truncated transcript",
			"session_id", sessionID, "kept", len(suffix), "total", len(messages))
	}

	out := make([]llm.ChatMessage, 0, len(suffix)+1)
	out = append(out, llm.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})
	return append(out, suffix...)
}

// injectIntelligence extends the system prompt with the bounded repo-map
// and decision-context fragments. Injection requires both session id and
// project path; either provider may be absent. budget caps the combined
// system tokens.
func (b *Builder) injectIntelligence(ctx context.Context, systemPrompt, sessionID, projectPath string, budget int) string {
	if sessionID == "" || projectPath == "" {
		return systemPrompt
	}

	var fragments []string
	if b.RepoMap != nil {
		if text, err := b.RepoMap.RepoMap(ctx, projectPath); err != nil {
			b.logger().Warn("repo map provider failed", "error", err)
		} else if text != "" {
			fragments = append(fragments, TruncateAtParagraph(text, b.maxRepoMapTokens()))
		}
	}
	if b.Decisions != nil {
		if text, err := b.Decisions.DecisionContext(ctx, sessionID); err != nil {
			b.logger().Warn("decision context provider failed", "error", err)
		} else if text != "" {
			fragments = append(fragments, TruncateAtParagraph(text, b.maxDecisionContextTokens()))
		}
	}

	for _, fragment := range fragments {
		candidate := systemPrompt + "\n\n" + fragment
		if perMessageOverhead+EstimateTokens(candidate) > budget {
			// An oversized fragment must not shadow a later one
			// that still fits.
			continue
		}
		systemPrompt = candidate
	}
	return systemPrompt
}

// TruncateAtParagraph trims text to at most maxTokens by dropping whole
// paragraphs from the end, appending the truncation marker when anything
// was cut.
func TruncateAtParagraph(text string, maxTokens int) string {
	if EstimateTokens(text) <= maxTokens {
		return text
	}

	paragraphs := strings.Split(text, "\n\n")
	var kept []string
	used := 0
	for _, paragraph := range paragraphs {
		cost := EstimateTokens(paragraph)
		if used+cost > maxTokens {
			break
		}
		used += cost
		kept = append(kept, paragraph)
	}
	kept = append(kept, truncationMarker)
	return strings.Join(kept, "\n\n")
}

func toChatMessage(msg models.Message) llm.ChatMessage {
	return llm.ChatMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.ToolName,
	}
}

// Package llm defines the transport contract the engine consumes.
// The core ships no provider implementations; callers inject a
// Transport and the engine only ever sees classified responses.
package llm

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loomhq/loom/pkg/models"
)

// DefaultProvider is assumed when a model spec has no provider prefix.
const DefaultProvider = "anthropic"

// ModelSpec identifies a model as "provider:model_id".
type ModelSpec struct {
	Provider string
	ModelID  string
}

// ParseModelSpec splits spec on the first ":". A spec without a
// provider prefix defaults to DefaultProvider.
func ParseModelSpec(spec string) ModelSpec {
	provider, model, found := strings.Cut(spec, ":")
	if !found {
		return ModelSpec{Provider: DefaultProvider, ModelID: spec}
	}
	if provider == "" {
		provider = DefaultProvider
	}
	return ModelSpec{Provider: provider, ModelID: model}
}

func (m ModelSpec) String() string {
	return m.Provider + ":" + m.ModelID
}

// ResponseType classifies a transport response.
type ResponseType string

const (
	ResponseToolCalls   ResponseType = "tool_calls"
	ResponseFinalAnswer ResponseType = "final_answer"
	ResponseError       ResponseType = "error"
)

// Usage reports token consumption and exact cost for one call.
type Usage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// Response is a classified transport result.
type Response struct {
	Type      ResponseType      `json:"type"`
	Text      string            `json:"text,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	ErrReason string            `json:"error,omitempty"` // set when Type is ResponseError
	Usage     Usage             `json:"usage"`
}

// EnsureToolCallIDs fills in synthesised IDs for tool calls the
// provider returned without one, so results can always be matched.
func (r *Response) EnsureToolCallIDs() {
	for i := range r.ToolCalls {
		if r.ToolCalls[i].ID == "" {
			r.ToolCalls[i].ID = "call_" + uuid.New().String()
		}
	}
}

// ChatMessage is the transport's message form: role-tagged text with
// tool-call and tool-result correspondences preserved.
type ChatMessage struct {
	Role       models.MessageRole `json:"role"`
	Content    string             `json:"content"`
	ToolCalls  []models.ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
}

// ToolDefinition describes a tool made available to the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Options carries per-call transport options.
type Options struct {
	Tools []ToolDefinition
}

// Transport is the LLM interface the engine calls. Implementations own
// retries and timeouts; the engine imposes none of its own.
type Transport interface {
	GenerateText(ctx context.Context, spec ModelSpec, messages []ChatMessage, opts Options) (*Response, error)
}

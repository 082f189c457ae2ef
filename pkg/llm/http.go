package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport reaches an out-of-process LLM service over HTTP/JSON.
// The service owns provider credentials, retries, and timeouts; the
// core only sees classified responses.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// generateRequest is the wire form of one GenerateText call.
type generateRequest struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// NewHTTPTransport creates a transport for the service at baseURL,
// e.g. "http://localhost:8750". The connect timeout is generous; the
// service decides how long a generation may run.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// GenerateText implements Transport.
func (t *HTTPTransport) GenerateText(ctx context.Context, spec ModelSpec, messages []ChatMessage, opts Options) (*Response, error) {
	body, err := json.Marshal(generateRequest{
		Provider: spec.Provider,
		Model:    spec.ModelID,
		Messages: messages,
		Tools:    opts.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm service unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm service returned %d: %s", httpResp.StatusCode, truncateBody(data))
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	resp.EnsureToolCallIDs()
	return &resp, nil
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "…"
	}
	return string(data)
}

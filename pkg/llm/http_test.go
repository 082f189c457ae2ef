package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
)

func TestHTTPTransportGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "anthropic", req.Provider)
		assert.Equal(t, "claude-sonnet-4-6", req.Model)
		require.Len(t, req.Messages, 2)

		_ = json.NewEncoder(w).Encode(Response{
			Type:  ResponseFinalAnswer,
			Text:  "hi",
			Usage: Usage{InputTokens: 3, OutputTokens: 1},
		})
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL)
	resp, err := transport.GenerateText(context.Background(),
		ParseModelSpec("anthropic:claude-sonnet-4-6"),
		[]ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "hello"},
		}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ResponseFinalAnswer, resp.Type)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, int64(3), resp.Usage.InputTokens)
}

func TestHTTPTransportSynthesisesToolCallIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{
			Type:      ResponseToolCalls,
			ToolCalls: []models.ToolCall{{Name: "file_read", Arguments: map[string]any{"path": "a"}}},
		})
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport(srv.URL).GenerateText(context.Background(),
		ParseModelSpec("x"), nil, Options{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
}

func TestHTTPTransportServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL).GenerateText(context.Background(),
		ParseModelSpec("x"), nil, Options{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "503")
}

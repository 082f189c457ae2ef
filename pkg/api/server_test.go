package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/permissions"
	"github.com/loomhq/loom/pkg/store/memstore"
	"github.com/loomhq/loom/pkg/tools"
)

type testServer struct {
	server *Server
	router *gin.Engine
	store  *memstore.Store
	bus    *bus.Bus
}

func newTestServer(t *testing.T, transport llm.Transport) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	b := bus.New()
	logger := slog.Default()

	manager := engine.NewManager(engine.ManagerConfig{
		Store:       st,
		Bus:         b,
		Transport:   transport,
		Dispatcher:  tools.NewDispatcher(tools.NewRegistry(), nil, logger),
		Permissions: permissions.NewManager(st, nil, logger),
		Logger:      logger,
	})
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	srv := NewServer(Config{
		Store:   st,
		Manager: manager,
		Graph:   graph.NewService(st, nil, logger),
		Bus:     b,
		Logger:  logger,
	})
	return &testServer{server: srv, router: srv.Router(), store: st, bus: b}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())

	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestSessionLifecycle(t *testing.T) {
	transport := llm.NewStubTransport().Script(&llm.Response{
		Type: llm.ResponseFinalAnswer,
		Text: "hello there",
	})
	ts := newTestServer(t, transport)

	rec := ts.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"model_spec":   "anthropic:claude-sonnet-4-6",
		"project_path": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello there", decodeBody(t, rec)["text"])

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages, _ := decodeBody(t, rec)["messages"].([]any)
	assert.Len(t, messages, 2)

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["live"])

	rec = ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["live"])
}

func TestListLiveSessionsReportsStatus(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())

	rec := ts.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"model_spec":   "anthropic:claude-sonnet-4-6",
		"project_path": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodGet, "/api/sessions?live=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions, _ := decodeBody(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 1)
	entry, _ := sessions[0].(map[string]any)
	assert.Equal(t, id, entry["session_id"])
	assert.Equal(t, "idle", entry["status"])

	rec = ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/sessions?live=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions, _ = decodeBody(t, rec)["sessions"].([]any)
	assert.Empty(t, sessions)
}

func TestSendMessageUnknownSession(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())

	rec := ts.do(t, http.MethodPost, "/api/sessions/nope/messages", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"])
}

func TestSendMessageMissingContent(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())
	rec := ts.do(t, http.MethodPost, "/api/sessions/x/messages", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransportErrorMapsToBadGateway(t *testing.T) {
	transport := llm.NewStubTransport().ScriptError(fmt.Errorf("upstream down"))
	ts := newTestServer(t, transport)

	rec := ts.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"model_spec":   "anthropic:claude-sonnet-4-6",
		"project_path": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGraphEndpoints(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())

	rec := ts.do(t, http.MethodPost, "/api/graph/nodes", map[string]any{
		"kind": "goal", "title": "Ship v1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	oldID, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, oldID)

	rec = ts.do(t, http.MethodPost, "/api/graph/nodes", map[string]any{
		"kind": "goal", "title": "Ship v2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	newID, _ := decodeBody(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodGet, "/api/graph/nodes/"+oldID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ship v1", decodeBody(t, rec)["title"])

	rec = ts.do(t, http.MethodPost, "/api/graph/supersede", map[string]any{
		"old_id": oldID, "new_id": newID, "rationale": "replanned",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/graph/goals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	goals, _ := decodeBody(t, rec)["goals"].([]any)
	require.Len(t, goals, 1)
	goal, _ := goals[0].(map[string]any)
	assert.Equal(t, newID, goal["id"])
}

func TestAddNodeRejectsBadConfidence(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())

	rec := ts.do(t, http.MethodPost, "/api/graph/nodes", map[string]any{
		"kind": "decision", "title": "x", "confidence": 101,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetNodeNotFound(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())
	rec := ts.do(t, http.MethodGet, "/api/graph/nodes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchitectDisabled(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())
	rec := ts.do(t, http.MethodPost, "/api/sessions/x/architect", map[string]any{"content": "plan"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketBridgesBusEvents(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())
	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?topics=session:s1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Publish once the handler's subscription is live.
	require.Eventually(t, func() bool {
		return ts.bus.SubscriberCount("session:s1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	ts.bus.Publish("session:s1", bus.Event{Type: "session_status", Payload: map[string]any{"status": "thinking"}})

	var msg wsMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "session:s1", msg.Topic)
	assert.Equal(t, "session_status", msg.Type)
}

func TestWebSocketRequiresTopics(t *testing.T) {
	ts := newTestServer(t, llm.NewStubTransport())
	rec := ts.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

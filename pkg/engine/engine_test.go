package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/permissions"
	"github.com/loomhq/loom/pkg/store/memstore"
	"github.com/loomhq/loom/pkg/tools"
)

// stubTool is a scripted in-test tool.
type stubTool struct {
	name   string
	result any
	err    error
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "test tool" }
func (t *stubTool) Schema() []tools.Param {
	return []tools.Param{{Name: "path", Type: tools.TypeString, Doc: "target path"}}
}

func (t *stubTool) Run(_ context.Context, _ map[string]any, _ tools.ToolContext) (any, error) {
	return t.result, t.err
}

type testHarness struct {
	engine    *Engine
	store     *memstore.Store
	bus       *bus.Bus
	sub       *bus.Subscription
	sessionID string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	autoApprove        []string
	sessionAutoApprove bool
	tools              []tools.Tool
}

func withAutoApprove(names ...string) harnessOption {
	return func(c *harnessConfig) { c.autoApprove = names }
}

func withSessionAutoApprove() harnessOption {
	return func(c *harnessConfig) { c.sessionAutoApprove = true }
}

func withTool(t tools.Tool) harnessOption {
	return func(c *harnessConfig) { c.tools = append(c.tools, t) }
}

func newTestHarness(t *testing.T, transport llm.Transport, opts ...harnessOption) *testHarness {
	t.Helper()

	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	st := memstore.New()
	t.Cleanup(func() { _ = st.Close() })

	session, err := st.CreateSession(context.Background(), models.CreateSessionRequest{
		ModelSpec:   "anthropic:claude-sonnet-4-6",
		ProjectPath: t.TempDir(),
		AutoApprove: cfg.sessionAutoApprove,
	})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	for _, tool := range cfg.tools {
		registry.Register(tool)
	}

	logger := slog.Default()
	b := bus.New()
	sub := b.SubscribeBuffered(bus.SessionChannel(session.ID), 1024)
	t.Cleanup(func() { b.Unsubscribe(sub) })

	eng := New(Config{
		Session:     session,
		Store:       st,
		Bus:         b,
		Transport:   transport,
		Dispatcher:  tools.NewDispatcher(registry, nil, logger),
		Permissions: permissions.NewManager(st, cfg.autoApprove, logger),
		Logger:      logger,
	})
	t.Cleanup(eng.Stop)

	return &testHarness{engine: eng, store: st, bus: b, sub: sub, sessionID: session.ID}
}

// drainEvents returns the summaries of everything delivered so far.
// SendMessage is synchronous, so by the time it returns every broadcast
// of the turn is already buffered.
func (h *testHarness) drainEvents() []string {
	var out []string
	for {
		select {
		case ev := <-h.sub.Events():
			out = append(out, summarize(ev))
		default:
			return out
		}
	}
}

func summarize(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.SessionStatusPayload:
		return "status:" + string(p.Status)
	case bus.NewMessagePayload:
		return "message:" + string(p.Message.Role)
	case bus.ToolExecutingPayload:
		return "tool_executing:" + p.Name
	case bus.ToolCompletePayload:
		return fmt.Sprintf("tool_complete:%s:%s", p.Name, p.ResultText)
	default:
		return ev.Type
	}
}

func finalAnswer(text string) *llm.Response {
	return &llm.Response{
		Type:  llm.ResponseFinalAnswer,
		Text:  text,
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, TotalCost: decimal.RequireFromString("0.001")},
	}
}

func toolCallResponse(calls ...models.ToolCall) *llm.Response {
	return &llm.Response{Type: llm.ResponseToolCalls, ToolCalls: calls}
}

func TestSendMessageFinalAnswer(t *testing.T) {
	transport := llm.NewStubTransport().Script(finalAnswer("hello"))
	h := newTestHarness(t, transport)

	text, err := h.engine.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	assert.Equal(t, "hi", stored[0].Content)
	assert.Equal(t, models.RoleAssistant, stored[1].Role)
	assert.Equal(t, "hello", stored[1].Content)

	session, err := h.store.GetSession(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, session.Status)
	assert.Equal(t, int64(10), session.InputTokens)
	assert.Equal(t, int64(5), session.OutputTokens)
	assert.True(t, session.CostUSD.Equal(decimal.RequireFromString("0.001")),
		"cost %s", session.CostUSD)

	assert.Equal(t, []string{
		"status:thinking",
		"message:user",
		"message:assistant",
		"status:idle",
	}, h.drainEvents())
}

func TestSendMessageOneToolRound(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{
			ID: "c1", Name: "file_read", Arguments: map[string]any{"path": "a.txt"},
		})).
		Script(finalAnswer("done"))
	h := newTestHarness(t, transport,
		withAutoApprove("file_read"),
		withTool(&stubTool{name: "file_read", result: map[string]any{"result": "A"}}))

	text, err := h.engine.SendMessage(context.Background(), "read it")
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	require.Len(t, stored[1].ToolCalls, 1)
	assert.Equal(t, "c1", stored[1].ToolCalls[0].ID)
	assert.Equal(t, models.RoleTool, stored[2].Role)
	assert.Equal(t, "A", stored[2].Content)
	assert.Equal(t, "c1", stored[2].ToolCallID)
	assert.Equal(t, "file_read", stored[2].ToolName)
	assert.Equal(t, "done", stored[3].Content)

	assert.Equal(t, []string{
		"status:thinking",
		"message:user",
		"status:executing_tool",
		"message:assistant",
		"tool_executing:file_read",
		"tool_complete:file_read:A",
		"message:tool",
		"status:thinking",
		"message:assistant",
		"status:idle",
	}, h.drainEvents())
}

func TestSendMessageDeniedTool(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{
			ID: "c1", Name: "file_read", Arguments: map[string]any{"path": "a.txt"},
		})).
		Script(finalAnswer("done"))
	// No auto-approve anywhere: the default prompter denies.
	h := newTestHarness(t, transport,
		withTool(&stubTool{name: "file_read", result: "A"}))

	text, err := h.engine.SendMessage(context.Background(), "read it")
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, models.RoleTool, stored[2].Role)
	assert.Equal(t, "Error: Permission denied for file_read on a.txt", stored[2].Content)
}

func TestSendMessageSessionAutoApproveGrantsAndRuns(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{
			ID: "c1", Name: "file_write", Arguments: map[string]any{"path": "b.txt"},
		})).
		Script(finalAnswer("done"))
	h := newTestHarness(t, transport,
		withSessionAutoApprove(),
		withTool(&stubTool{name: "file_write", result: "written"}))

	_, err := h.engine.SendMessage(context.Background(), "write it")
	require.NoError(t, err)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "written", stored[2].Content)

	// The auto-approval was recorded as a grant.
	grants, err := h.store.ListGrants(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "file_write", grants[0].Tool)
}

func TestSendMessageIterationCap(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{
			ID: "c1", Name: "noop", Arguments: map[string]any{},
		}))
	transport.Repeat = true
	h := newTestHarness(t, transport,
		withAutoApprove("noop"),
		withTool(&stubTool{name: "noop", result: "ok"}))

	_, err := h.engine.SendMessage(context.Background(), "go")
	require.Error(t, err)
	assert.EqualError(t, err, "Maximum tool call iterations (25) exceeded.")

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Len(t, stored, 1+25*2)
	assert.Len(t, transport.Calls(), 25)

	session, err := h.store.GetSession(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, session.Status)
}

func TestSendMessageTransportError(t *testing.T) {
	transport := llm.NewStubTransport().ScriptError(errors.New("boom"))
	h := newTestHarness(t, transport)

	_, err := h.engine.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorContains(t, err, "boom")

	// Only the user message was persisted; no degenerate assistant text.
	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.RoleUser, stored[0].Role)

	session, err := h.store.GetSession(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, session.Status)
}

func TestSendMessageErrorResponse(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(&llm.Response{Type: llm.ResponseError, ErrReason: "overloaded"})
	h := newTestHarness(t, transport)

	_, err := h.engine.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorContains(t, err, "overloaded")

	session, err := h.store.GetSession(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, session.Status)
}

func TestHistoryMatchesStoreAfterTurn(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{
			ID: "c1", Name: "noop", Arguments: map[string]any{},
		})).
		Script(finalAnswer("done"))
	h := newTestHarness(t, transport,
		withAutoApprove("noop"),
		withTool(&stubTool{name: "noop", result: "ok"}))

	_, err := h.engine.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	history, err := h.engine.GetHistory(context.Background())
	require.NoError(t, err)
	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, stored, history)
}

func TestSendMessageSingleFlight(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(finalAnswer("one")).
		Script(finalAnswer("two"))
	h := newTestHarness(t, transport)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.SendMessage(context.Background(), "go")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Turns never interleave: strict user/assistant alternation.
	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	assert.Equal(t, models.RoleAssistant, stored[1].Role)
	assert.Equal(t, models.RoleUser, stored[2].Role)
	assert.Equal(t, models.RoleAssistant, stored[3].Role)
}

func TestToolFailureFeedsBackAsErrorText(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{
			ID: "c1", Name: "flaky", Arguments: map[string]any{},
		})).
		Script(finalAnswer("recovered"))
	h := newTestHarness(t, transport,
		withAutoApprove("flaky"),
		withTool(&stubTool{name: "flaky", err: errors.New("disk on fire")}))

	text, err := h.engine.SendMessage(context.Background(), "go")
	require.NoError(t, err, "tool failures must not end the turn")
	assert.Equal(t, "recovered", text)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Error: disk on fire", stored[2].Content)
}

func TestStopTerminatesEngine(t *testing.T) {
	transport := llm.NewStubTransport().Script(finalAnswer("hello"))
	h := newTestHarness(t, transport)

	h.engine.Stop()
	assert.True(t, h.engine.Stopped())

	_, err := h.engine.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrStopped)

	session, err := h.store.GetSession(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, session.Status)
}

func TestMultipleToolCallsInOneBatch(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(
			models.ToolCall{ID: "c1", Name: "noop", Arguments: map[string]any{}},
			models.ToolCall{ID: "c2", Name: "noop", Arguments: map[string]any{}},
		)).
		Script(finalAnswer("done"))
	h := newTestHarness(t, transport,
		withAutoApprove("noop"),
		withTool(&stubTool{name: "noop", result: "ok"}))

	_, err := h.engine.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 5) // user, assistant(c1,c2), tool(c1), tool(c2), assistant
	assert.Equal(t, "c1", stored[2].ToolCallID)
	assert.Equal(t, "c2", stored[3].ToolCallID)

	// Every tool_executing pairs 1:1 in-order with a tool_complete.
	var executing, complete int
	for _, ev := range h.drainEvents() {
		switch {
		case ev == "tool_executing:noop":
			executing++
		case ev == "tool_complete:noop:ok":
			complete++
			assert.Equal(t, executing, complete, "tool_complete before its tool_executing")
		}
	}
	assert.Equal(t, 2, executing)
	assert.Equal(t, 2, complete)
}

func TestSendMessageSynthesizesMissingToolCallIDs(t *testing.T) {
	transport := llm.NewStubTransport().
		Script(toolCallResponse(models.ToolCall{Name: "noop", Arguments: map[string]any{}})).
		Script(finalAnswer("done"))
	h := newTestHarness(t, transport,
		withAutoApprove("noop"),
		withTool(&stubTool{name: "noop", result: "ok"}))

	_, err := h.engine.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	stored, err := h.store.LoadMessages(context.Background(), h.sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.NotEmpty(t, stored[2].ToolCallID)
	assert.Equal(t, stored[1].ToolCalls[0].ID, stored[2].ToolCallID)
}

// Package engine contains the session engine — the reason/act loop at
// the heart of loom — and the manager that supervises one engine per
// session. Each engine is a single goroutine owning its session record
// and message log; public calls enqueue requests and wait on one-shot
// reply channels, which serialises all access without locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/contextwindow"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/permissions"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/telemetry"
	"github.com/loomhq/loom/pkg/tools"
)

// MaxIterations caps tool-call rounds within one SendMessage call.
const MaxIterations = 25

// requestQueueSize bounds how many public calls may queue per engine.
const requestQueueSize = 16

var (
	// ErrIterationCapExceeded ends a turn that ran out of tool rounds.
	// The text is part of the public contract.
	ErrIterationCapExceeded = errors.New("Maximum tool call iterations (25) exceeded.")

	// ErrStopped is returned by public calls on a stopped engine.
	ErrStopped = errors.New("session engine is stopped")
)

// TransportError wraps an LLM transport failure surfaced to the caller.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "llm transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Config assembles an engine's collaborators.
type Config struct {
	Session  *models.Session
	Messages []models.Message // persisted history, ascending

	Store       store.Store
	Bus         *bus.Bus
	Telemetry   *telemetry.Emitter
	Transport   llm.Transport
	Dispatcher  *tools.Dispatcher
	Permissions *permissions.Manager
	Window      *contextwindow.Builder
	Prompter    Prompter
	Logger      *slog.Logger
}

// Engine runs the reason/act loop for one session.
type Engine struct {
	session  *models.Session
	messages []models.Message
	spec     llm.ModelSpec

	store       store.Store
	bus         *bus.Bus
	telemetry   *telemetry.Emitter
	transport   llm.Transport
	dispatcher  *tools.Dispatcher
	permissions *permissions.Manager
	window      *contextwindow.Builder
	prompter    Prompter
	logger      *slog.Logger

	requests chan any
	done     chan struct{}
}

type sendReq struct {
	text  string
	reply chan sendResult
}

type sendResult struct {
	text string
	err  error
}

type historyReq struct{ reply chan []models.Message }
type statusReq struct{ reply chan models.SessionStatus }
type stopReq struct{ reply chan struct{} }

// New creates an engine and starts its goroutine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.Window
	if window == nil {
		window = &contextwindow.Builder{}
	}
	prompter := cfg.Prompter
	if prompter == nil {
		prompter = NewAutoPrompter(cfg.Permissions, logger)
	}

	e := &Engine{
		session:     cfg.Session,
		messages:    cfg.Messages,
		spec:        llm.ParseModelSpec(cfg.Session.ModelSpec),
		store:       cfg.Store,
		bus:         cfg.Bus,
		telemetry:   cfg.Telemetry,
		transport:   cfg.Transport,
		dispatcher:  cfg.Dispatcher,
		permissions: cfg.Permissions,
		window:      window,
		prompter:    prompter,
		logger:      logger.With("session_id", cfg.Session.ID),
		requests:    make(chan any, requestQueueSize),
		done:        make(chan struct{}),
	}
	go e.run()
	return e
}

// SessionID returns the owned session's id.
func (e *Engine) SessionID() string { return e.session.ID }

// SendMessage runs one full user turn. It is synchronous and may take
// minutes; concurrent calls on the same engine queue.
func (e *Engine) SendMessage(ctx context.Context, text string) (string, error) {
	reply := make(chan sendResult, 1)
	select {
	case e.requests <- sendReq{text: text, reply: reply}:
	case <-e.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.text, res.err
	case <-e.done:
		return "", ErrStopped
	}
}

// GetHistory returns a copy of the in-memory message list.
func (e *Engine) GetHistory(ctx context.Context) ([]models.Message, error) {
	reply := make(chan []models.Message, 1)
	select {
	case e.requests <- historyReq{reply: reply}:
	case <-e.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case msgs := <-reply:
		return msgs, nil
	case <-e.done:
		return nil, ErrStopped
	}
}

// GetStatus returns the current session status.
func (e *Engine) GetStatus() models.SessionStatus {
	reply := make(chan models.SessionStatus, 1)
	select {
	case e.requests <- statusReq{reply: reply}:
	case <-e.done:
		return models.StatusStopped
	}
	select {
	case status := <-reply:
		return status
	case <-e.done:
		return models.StatusStopped
	}
}

// Stop terminates the engine. Queued requests fail with ErrStopped; the
// persisted log stays coherent because every append commits before its
// broadcast.
func (e *Engine) Stop() {
	reply := make(chan struct{}, 1)
	select {
	case e.requests <- stopReq{reply: reply}:
	case <-e.done:
		return
	}
	select {
	case <-reply:
	case <-e.done:
	}
}

// Stopped reports whether the engine has terminated.
func (e *Engine) Stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for raw := range e.requests {
		switch req := raw.(type) {
		case sendReq:
			req.reply <- e.safeSend(req.text)
		case historyReq:
			msgs := make([]models.Message, len(e.messages))
			copy(msgs, e.messages)
			req.reply <- msgs
		case statusReq:
			req.reply <- e.session.Status
		case stopReq:
			if err := e.setStatus(context.Background(), models.StatusStopped); err != nil {
				e.logger.Error("failed to persist stopped status", "error", err)
			}
			req.reply <- struct{}{}
			return
		}
	}
}

// safeSend contains panics from tools or transports to the one turn
// that triggered them; the engine stays alive and the persisted log
// stays coherent because appends commit before broadcasts.
func (e *Engine) safeSend(text string) (res sendResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in session loop", "panic", r)
			e.revertToIdle(context.Background())
			res = sendResult{err: fmt.Errorf("session loop panic: %v", r)}
		}
	}()
	res.text, res.err = e.handleSend(context.Background(), text)
	return res
}

// handleSend is the reason/act loop for one user turn.
func (e *Engine) handleSend(ctx context.Context, text string) (string, error) {
	if err := e.setStatus(ctx, models.StatusThinking); err != nil {
		return "", err
	}
	if _, err := e.persistMessage(ctx, models.CreateMessageRequest{
		SessionID: e.session.ID,
		Role:      models.RoleUser,
		Content:   text,
	}); err != nil {
		e.revertToIdle(ctx)
		return "", err
	}

	for iteration := 0; ; iteration++ {
		if iteration >= MaxIterations {
			e.revertToIdle(ctx)
			return "", ErrIterationCapExceeded
		}

		resp, err := e.generate(ctx)
		if err != nil {
			e.revertToIdle(ctx)
			return "", &TransportError{Err: err}
		}

		switch resp.Type {
		case llm.ResponseFinalAnswer:
			if _, err := e.persistMessage(ctx, models.CreateMessageRequest{
				SessionID: e.session.ID,
				Role:      models.RoleAssistant,
				Content:   resp.Text,
			}); err != nil {
				e.revertToIdle(ctx)
				return "", err
			}
			e.applyCosts(ctx, resp.Usage)
			if err := e.setStatus(ctx, models.StatusIdle); err != nil {
				return "", err
			}
			return resp.Text, nil

		case llm.ResponseToolCalls:
			if err := e.runToolRound(ctx, resp); err != nil {
				e.revertToIdle(ctx)
				return "", err
			}
			e.applyCosts(ctx, resp.Usage)
			if err := e.setStatus(ctx, models.StatusThinking); err != nil {
				return "", err
			}

		default:
			e.revertToIdle(ctx)
			return "", &TransportError{Err: errors.New(resp.ErrReason)}
		}
	}
}

// generate runs one windowed LLM call under the telemetry span.
func (e *Engine) generate(ctx context.Context) (*llm.Response, error) {
	windowed := e.window.Build(ctx, e.messages, e.systemPrompt(), e.spec, e.session.ID, e.session.ProjectPath)
	opts := llm.Options{Tools: e.dispatcher.Registry().Definitions()}

	var resp *llm.Response
	_, err := e.telemetry.SpanLLMRequest(
		telemetry.LLMMeta{SessionID: e.session.ID, Model: e.session.ModelSpec},
		func() (telemetry.LLMUsage, error) {
			var callErr error
			resp, callErr = e.transport.GenerateText(ctx, e.spec, windowed, opts)
			if callErr != nil {
				return telemetry.LLMUsage{}, callErr
			}
			return telemetry.LLMUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				CostUSD:      resp.Usage.TotalCost,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	resp.EnsureToolCallIDs()
	return resp, nil
}

// runToolRound persists the assistant's tool-call message and produces
// one tool result message per call, in order. The session does not
// leave executing_tool until every call in the batch has a result.
func (e *Engine) runToolRound(ctx context.Context, resp *llm.Response) error {
	if err := e.setStatus(ctx, models.StatusExecutingTool); err != nil {
		return err
	}
	if _, err := e.persistMessage(ctx, models.CreateMessageRequest{
		SessionID: e.session.ID,
		Role:      models.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	}); err != nil {
		return err
	}

	for _, call := range resp.ToolCalls {
		e.bus.Publish(bus.SessionChannel(e.session.ID), bus.Event{
			Type:    bus.EventTypeToolExecuting,
			Payload: bus.ToolExecutingPayload{SessionID: e.session.ID, Name: call.Name},
		})

		resultText := e.executeCall(ctx, call)

		stored, err := e.appendMessage(ctx, models.CreateMessageRequest{
			SessionID:  e.session.ID,
			Role:       models.RoleTool,
			Content:    resultText,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		if err != nil {
			return err
		}
		e.bus.Publish(bus.SessionChannel(e.session.ID), bus.Event{
			Type:    bus.EventTypeToolComplete,
			Payload: bus.ToolCompletePayload{SessionID: e.session.ID, Name: call.Name, ResultText: resultText},
		})
		e.bus.Publish(bus.SessionChannel(e.session.ID), bus.Event{
			Type:    bus.EventTypeNewMessage,
			Payload: bus.NewMessagePayload{SessionID: e.session.ID, Message: *stored},
		})
	}
	return nil
}

// executeCall runs one tool call through the permission gate and the
// dispatcher. Denials and tool failures render to "Error: …" result
// text; they never end the turn.
func (e *Engine) executeCall(ctx context.Context, call models.ToolCall) string {
	path, _ := call.Arguments["path"].(string)

	decision, err := e.permissions.Check(ctx, call.Name, path, e.session.ID)
	if err != nil {
		e.logger.Error("permission check failed", "tool", call.Name, "error", err)
		decision = permissions.Ask
	}
	if decision == permissions.Ask {
		if e.prompter.Approve(ctx, PermissionRequest{
			SessionID:   e.session.ID,
			Tool:        call.Name,
			Path:        path,
			AutoApprove: e.session.AutoApprove,
		}) {
			decision = permissions.Allowed
		} else {
			decision = permissions.Denied
		}
	}
	if decision == permissions.Denied {
		return fmt.Sprintf("Error: Permission denied for %s on %s", call.Name, path)
	}

	return e.dispatcher.Run(ctx, call.Name, call.Arguments, tools.ToolContext{
		ProjectPath: e.session.ProjectPath,
		SessionID:   e.session.ID,
	})
}

// appendMessage commits to the store, appends to the in-memory list,
// and emits telemetry — no bus broadcast. Callers that need a custom
// event order around new_message use this directly.
func (e *Engine) appendMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	stored, err := e.store.SaveMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	e.messages = append(e.messages, *stored)
	e.telemetry.EmitSessionMessage(e.session.ID, string(stored.Role))
	return stored, nil
}

// persistMessage is appendMessage plus the new_message broadcast.
// Subscribers never observe a message the store has not accepted.
func (e *Engine) persistMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	stored, err := e.appendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(bus.SessionChannel(e.session.ID), bus.Event{
		Type:    bus.EventTypeNewMessage,
		Payload: bus.NewMessagePayload{SessionID: e.session.ID, Message: *stored},
	})
	return stored, nil
}

// setStatus persists the transition, then broadcasts it.
func (e *Engine) setStatus(ctx context.Context, status models.SessionStatus) error {
	e.session.Status = status
	if err := e.store.UpdateSession(ctx, e.session); err != nil {
		return fmt.Errorf("failed to persist status %s: %w", status, err)
	}
	e.bus.Publish(bus.SessionChannel(e.session.ID), bus.Event{
		Type:    bus.EventTypeSessionStatus,
		Payload: bus.SessionStatusPayload{SessionID: e.session.ID, Status: status},
	})
	return nil
}

// revertToIdle is the error path's status reset; its own failure is
// only logged so the original error surfaces.
func (e *Engine) revertToIdle(ctx context.Context) {
	if err := e.setStatus(ctx, models.StatusIdle); err != nil {
		e.logger.Error("failed to reset status to idle", "error", err)
	}
}

// applyCosts records usage in the store and mirrors it on the owned
// session record. Cost write failures are logged, not surfaced; the
// transcript is already coherent.
func (e *Engine) applyCosts(ctx context.Context, usage llm.Usage) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.TotalCost.IsZero() {
		return
	}
	if err := e.store.UpdateCosts(ctx, e.session.ID, usage.InputTokens, usage.OutputTokens, usage.TotalCost); err != nil {
		e.logger.Error("failed to update session costs", "error", err)
		return
	}
	e.session.InputTokens += usage.InputTokens
	e.session.OutputTokens += usage.OutputTokens
	e.session.CostUSD = e.session.CostUSD.Add(usage.TotalCost)
}

func (e *Engine) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are Loom, an AI pair programmer working inside the user's project.\n\n")
	fmt.Fprintf(&b, "Project path: %s\n", e.session.ProjectPath)
	fmt.Fprintf(&b, "Model: %s\n\n", e.session.ModelSpec)
	b.WriteString("Guidelines:\n")
	b.WriteString("- Use the available tools to inspect and modify the project; do not guess file contents.\n")
	b.WriteString("- Keep answers concise and reference files by path.\n")
	b.WriteString("- Make the smallest change that satisfies the request.")
	return b.String()
}

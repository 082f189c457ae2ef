package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/masking"
	"github.com/loomhq/loom/pkg/telemetry"
)

const (
	// DefaultTimeout bounds tool execution in the main loop.
	DefaultTimeout = 60 * time.Second
	// SubAgentTimeout bounds tool execution inside sub-agents.
	SubAgentTimeout = 30 * time.Second
)

// Dispatcher executes tool calls from the registry. Every failure mode
// renders to an "Error: …" result string; Run never fails in a way the
// loop has to handle.
type Dispatcher struct {
	registry  *Registry
	telemetry *telemetry.Emitter
	timeout   time.Duration
	masker    *masking.Service
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with the default main-loop timeout.
func NewDispatcher(registry *Registry, emitter *telemetry.Emitter, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithTimeout(registry, emitter, DefaultTimeout, logger)
}

// NewDispatcherWithTimeout creates a dispatcher with a custom wall-clock
// timeout, e.g. SubAgentTimeout for sub-agent loops.
func NewDispatcherWithTimeout(registry *Registry, emitter *telemetry.Emitter, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, telemetry: emitter, timeout: timeout, logger: logger}
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// SetMasker installs a secret masker applied to every rendered result.
// Without one, results pass through unmasked.
func (d *Dispatcher) SetMasker(m *masking.Service) {
	d.masker = m
}

// Run looks up and executes a tool, returning the rendered result text.
func (d *Dispatcher) Run(ctx context.Context, name string, args map[string]any, tc ToolContext) string {
	tool, ok := d.registry.Get(name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	args = normalizeArgs(args, tool.Schema())

	text, _ := d.telemetry.SpanToolExecute(
		telemetry.ToolMeta{SessionID: tc.SessionID, Tool: name},
		func() (string, error) {
			raw, err := d.invoke(ctx, tool, args, tc)
			text := RenderResult(raw, err)
			return d.masker.Mask(text), err
		})
	return text
}

type invocation struct {
	result any
	err    error
}

// invoke runs the tool under the wall-clock timeout with panic
// recovery. A timed-out tool goroutine is abandoned; its context is
// cancelled so well-behaved tools unwind.
func (d *Dispatcher) invoke(ctx context.Context, tool Tool, args map[string]any, tc ToolContext) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool panicked", "tool", tool.Name(), "panic", r)
				done <- invocation{err: fmt.Errorf("%v", r)}
			}
		}()
		result, err := tool.Run(runCtx, args, tc)
		done <- invocation{result: result, err: err}
	}()

	select {
	case inv := <-done:
		return inv.result, inv.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("tool %s timed out after %s", tool.Name(), d.timeout)
	}
}

// RenderResult maps a raw tool result to the text recorded in the
// transcript. Strings pass through; a map with a string "result" field
// unwraps; anything else dumps; errors render with the "Error: " prefix.
func RenderResult(raw any, err error) string {
	if err != nil {
		return "Error: " + err.Error()
	}
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		if text, ok := v["result"].(string); ok {
			return text
		}
		return dump(v)
	case nil:
		return ""
	default:
		return dump(v)
	}
}

func dump(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// normalizeArgs rewrites argument keys to the declared parameter names:
// an exact match wins, then a case-insensitive one. Undeclared keys are
// kept as-is.
func normalizeArgs(args map[string]any, schema []Param) map[string]any {
	if len(args) == 0 || len(schema) == 0 {
		return args
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, param := range schema {
		if _, ok := out[param.Name]; ok {
			continue
		}
		for key, value := range out {
			if strings.EqualFold(key, param.Name) {
				out[param.Name] = value
				delete(out, key)
				break
			}
		}
	}
	return out
}

// StringArg extracts a required string argument.
func StringArg(args map[string]any, name string) (string, error) {
	value, ok := args[name].(string)
	if !ok || value == "" {
		return "", &MissingParamError{Param: name}
	}
	return value, nil
}

// OptionalStringArg extracts an optional string argument.
func OptionalStringArg(args map[string]any, name string) string {
	value, _ := args[name].(string)
	return value
}

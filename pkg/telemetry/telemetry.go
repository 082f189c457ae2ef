// Package telemetry publishes instrumentation events onto the bus and
// aggregates them into queryable metrics. Span helpers wrap LLM requests
// and tool executions with start/stop events; plain emitters record
// message and decision activity.
package telemetry

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/loomhq/loom/pkg/bus"
)

// Event types published on bus.TelemetryChannel.
const (
	EventLLMRequestStart  = "llm_request_start"
	EventLLMRequestStop   = "llm_request_stop"
	EventToolExecuteStart = "tool_execute_start"
	EventToolExecuteStop  = "tool_execute_stop"
	EventSessionMessage   = "session_message"
	EventDecisionLogged   = "decision_logged"
)

// EventTelemetrySnapshot carries a full Snapshot on a team's telemetry
// channel (bus.TeamTelemetryChannel).
const EventTelemetrySnapshot = "telemetry_snapshot"

// LLMMeta identifies the request being spanned.
type LLMMeta struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// LLMUsage is what a spanned LLM call reports on success.
type LLMUsage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
}

// ToolMeta identifies the tool execution being spanned.
type ToolMeta struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
}

// LLMRequestStartPayload is the payload for EventLLMRequestStart.
type LLMRequestStartPayload struct {
	LLMMeta
	StartedAt time.Time `json:"started_at"`
}

// LLMRequestStopPayload is the payload for EventLLMRequestStop.
type LLMRequestStopPayload struct {
	LLMMeta
	ElapsedNS int64 `json:"elapsed_ns"`
	Error     bool  `json:"error"`
	LLMUsage
}

// ToolExecuteStartPayload is the payload for EventToolExecuteStart.
type ToolExecuteStartPayload struct {
	ToolMeta
	StartedAt time.Time `json:"started_at"`
}

// ToolExecuteStopPayload is the payload for EventToolExecuteStop.
type ToolExecuteStopPayload struct {
	ToolMeta
	ElapsedNS int64 `json:"elapsed_ns"`
	Error     bool  `json:"error"`
}

// SessionMessagePayload is the payload for EventSessionMessage.
type SessionMessagePayload struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

// DecisionLoggedPayload is the payload for EventDecisionLogged.
type DecisionLoggedPayload struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
	Kind      string `json:"kind"`
}

// Emitter publishes telemetry events. The zero value is unusable; a nil
// *Emitter is a valid no-op for components that run without telemetry.
type Emitter struct {
	bus *bus.Bus
}

// NewEmitter creates an emitter publishing on b.
func NewEmitter(b *bus.Bus) *Emitter {
	return &Emitter{bus: b}
}

// SpanLLMRequest wraps one LLM call with start/stop events. The stop
// event carries monotonic elapsed nanoseconds and the usage fn reported;
// a non-nil error from fn marks the span as failed.
func (e *Emitter) SpanLLMRequest(meta LLMMeta, fn func() (LLMUsage, error)) (LLMUsage, error) {
	if e == nil {
		return fn()
	}
	start := time.Now()
	e.bus.Publish(bus.TelemetryChannel, bus.Event{
		Type:    EventLLMRequestStart,
		Payload: LLMRequestStartPayload{LLMMeta: meta, StartedAt: start},
	})

	usage, err := fn()

	e.bus.Publish(bus.TelemetryChannel, bus.Event{
		Type: EventLLMRequestStop,
		Payload: LLMRequestStopPayload{
			LLMMeta:   meta,
			ElapsedNS: time.Since(start).Nanoseconds(),
			Error:     err != nil,
			LLMUsage:  usage,
		},
	})
	return usage, err
}

// SpanToolExecute wraps one tool execution with start/stop events and
// returns fn's rendered result unchanged.
func (e *Emitter) SpanToolExecute(meta ToolMeta, fn func() (string, error)) (string, error) {
	if e == nil {
		return fn()
	}
	start := time.Now()
	e.bus.Publish(bus.TelemetryChannel, bus.Event{
		Type:    EventToolExecuteStart,
		Payload: ToolExecuteStartPayload{ToolMeta: meta, StartedAt: start},
	})

	text, err := fn()

	e.bus.Publish(bus.TelemetryChannel, bus.Event{
		Type: EventToolExecuteStop,
		Payload: ToolExecuteStopPayload{
			ToolMeta:  meta,
			ElapsedNS: time.Since(start).Nanoseconds(),
			Error:     err != nil,
		},
	})
	return text, err
}

// EmitSessionMessage records that a message with the given role was
// appended to the session transcript.
func (e *Emitter) EmitSessionMessage(sessionID, role string) {
	if e == nil {
		return
	}
	e.bus.Publish(bus.TelemetryChannel, bus.Event{
		Type:    EventSessionMessage,
		Payload: SessionMessagePayload{SessionID: sessionID, Role: role},
	})
}

// EmitDecisionLogged records that a decision-graph node was created.
func (e *Emitter) EmitDecisionLogged(sessionID, nodeID, kind string) {
	if e == nil {
		return
	}
	e.bus.Publish(bus.TelemetryChannel, bus.Event{
		Type:    EventDecisionLogged,
		Payload: DecisionLoggedPayload{SessionID: sessionID, NodeID: nodeID, Kind: kind},
	})
}

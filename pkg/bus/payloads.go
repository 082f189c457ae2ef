package bus

import "github.com/loomhq/loom/pkg/models"

// Event types published on session channels.
const (
	EventTypeSessionStatus = "session_status"
	EventTypeNewMessage    = "new_message"
	EventTypeToolExecuting = "tool_executing"
	EventTypeToolComplete  = "tool_complete"

	EventTypeArchitectPhase = "architect_phase"
	EventTypeArchitectPlan  = "architect_plan"
	EventTypeArchitectStep  = "architect_step"
)

// TelemetryChannel carries telemetry span and notification events.
const TelemetryChannel = "telemetry:updates"

// SessionChannel returns the channel name for a session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// TeamTelemetryChannel returns the channel carrying one team's
// aggregated telemetry. Format: "telemetry:team:{team_id}"
func TeamTelemetryChannel(teamID string) string {
	return "telemetry:team:" + teamID
}

// SessionStatusPayload is published when a session transitions between
// lifecycle states.
type SessionStatusPayload struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
}

// NewMessagePayload is published after a message has been persisted.
// Subscribers never observe a message before the store accepted it.
type NewMessagePayload struct {
	SessionID string         `json:"session_id"`
	Message   models.Message `json:"message"`
}

// ToolExecutingPayload is published when a tool call begins.
type ToolExecutingPayload struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// ToolCompletePayload is published when a tool call finishes, carrying
// the rendered result text.
type ToolCompletePayload struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	ResultText string `json:"result_text"`
}

// ArchitectPhasePayload announces a phase change in the architect
// pipeline. Phase is "planning" or "executing".
type ArchitectPhasePayload struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
}

// ArchitectPlanPayload carries the decoded plan once planning completes.
type ArchitectPlanPayload struct {
	SessionID string `json:"session_id"`
	Plan      any    `json:"plan"`
}

// ArchitectStepPayload announces progress on a single plan step.
type ArchitectStepPayload struct {
	SessionID string `json:"session_id"`
	Step      any    `json:"step"`
}

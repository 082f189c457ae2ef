// Package architect implements the two-phase plan/execute pipeline: a
// strong model produces a structured change plan, then a fast model
// executes each step with a restricted tool set.
package architect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/telemetry"
	"github.com/loomhq/loom/pkg/tools"
)

// Pipeline phases, published as architect_phase events.
const (
	PhasePlanning  = "planning"
	PhaseExecuting = "executing"
)

// MaxStepIterations caps tool-call rounds within one plan step.
const MaxStepIterations = 10

// executorTools is the restricted set the execute phase may use.
var executorTools = []string{"file_read", "file_edit", "file_write", "directory_list"}

// Plan is the strong model's structured output.
type Plan struct {
	Summary string     `json:"summary"`
	Plan    []PlanStep `json:"plan"`
}

// PlanStep is one file-level change in a plan.
type PlanStep struct {
	File        string `json:"file"`
	Action      string `json:"action"` // create, edit, or edit|delete
	Description string `json:"description"`
	Details     string `json:"details"`
}

// StepResult is the outcome of executing one plan step.
type StepResult struct {
	Step    PlanStep `json:"step"`
	Summary string   `json:"summary"`
	Failed  bool     `json:"failed"`
}

// Result is the pipeline's aggregate outcome.
type Result struct {
	Plan    Plan         `json:"plan"`
	Steps   []StepResult `json:"steps"`
	Summary string       `json:"summary"`
}

// Config assembles a pipeline's collaborators. PlanModel is the strong
// model; EditModel is the fast model used per step.
type Config struct {
	PlanModel llm.ModelSpec
	EditModel llm.ModelSpec

	Store     store.Store
	Bus       *bus.Bus
	Telemetry *telemetry.Emitter
	Transport llm.Transport
	Registry  *tools.Registry
	Logger    *slog.Logger
}

// Pipeline runs plan/execute turns against a session's message log,
// with the same persist-before-broadcast ordering the engine uses.
type Pipeline struct {
	planModel llm.ModelSpec
	editModel llm.ModelSpec

	store      store.Store
	bus        *bus.Bus
	telemetry  *telemetry.Emitter
	transport  llm.Transport
	dispatcher *tools.Dispatcher
	logger     *slog.Logger
}

// New creates a pipeline. The registry is narrowed to the executor tool
// set; the step dispatcher runs under the sub-agent timeout.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	restricted := cfg.Registry.Restricted(executorTools...)
	return &Pipeline{
		planModel:  cfg.PlanModel,
		editModel:  cfg.EditModel,
		store:      cfg.Store,
		bus:        cfg.Bus,
		telemetry:  cfg.Telemetry,
		transport:  cfg.Transport,
		dispatcher: tools.NewDispatcherWithTimeout(restricted, cfg.Telemetry, tools.SubAgentTimeout, logger),
		logger:     logger,
	}
}

// Run executes one architect turn: plan, then execute every step. The
// user text, the formatted plan, and the final summary are persisted to
// the session's log in that order.
func (p *Pipeline) Run(ctx context.Context, session *models.Session, userText string) (*Result, error) {
	logger := p.logger.With("session_id", session.ID)

	if _, err := p.persistMessage(ctx, models.CreateMessageRequest{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   userText,
	}); err != nil {
		return nil, err
	}

	p.publishPhase(session.ID, PhasePlanning)
	plan, err := p.plan(ctx, session, userText)
	if err != nil {
		return nil, err
	}
	logger.Info("plan ready", "steps", len(plan.Plan))

	if _, err := p.persistMessage(ctx, models.CreateMessageRequest{
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   FormatPlan(*plan),
	}); err != nil {
		return nil, err
	}
	p.bus.Publish(bus.SessionChannel(session.ID), bus.Event{
		Type:    bus.EventTypeArchitectPlan,
		Payload: bus.ArchitectPlanPayload{SessionID: session.ID, Plan: *plan},
	})

	p.publishPhase(session.ID, PhaseExecuting)
	results := make([]StepResult, 0, len(plan.Plan))
	for i, step := range plan.Plan {
		logger.Info("executing plan step", "step", i+1, "file", step.File, "action", step.Action)
		result := p.executeStep(ctx, session, *plan, step)
		results = append(results, result)
		p.bus.Publish(bus.SessionChannel(session.ID), bus.Event{
			Type:    bus.EventTypeArchitectStep,
			Payload: bus.ArchitectStepPayload{SessionID: session.ID, Step: result},
		})
	}

	summary := formatResults(*plan, results)
	if _, err := p.persistMessage(ctx, models.CreateMessageRequest{
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   summary,
	}); err != nil {
		return nil, err
	}

	return &Result{Plan: *plan, Steps: results, Summary: summary}, nil
}

// plan sends the user's request to the strong model once and decodes
// the structured response.
func (p *Pipeline) plan(ctx context.Context, session *models.Session, userText string) (*Plan, error) {
	messages := []llm.ChatMessage{
		{Role: models.RoleSystem, Content: planSystemPrompt},
		{Role: models.RoleUser, Content: userText},
	}
	resp, err := p.generate(ctx, session, p.planModel, messages, llm.Options{})
	if err != nil {
		return nil, err
	}
	if resp.Type == llm.ResponseError {
		return nil, fmt.Errorf("plan generation failed: %s", resp.ErrReason)
	}
	return ParsePlan(resp.Text)
}

// executeStep runs a fresh short loop against the fast model. Failures
// never abort the pipeline; they become failed step results.
func (p *Pipeline) executeStep(ctx context.Context, session *models.Session, plan Plan, step PlanStep) StepResult {
	messages := []llm.ChatMessage{
		{Role: models.RoleSystem, Content: stepSystemPrompt(session.ProjectPath, plan)},
		{Role: models.RoleUser, Content: stepInstruction(step)},
	}
	opts := llm.Options{Tools: p.dispatcher.Registry().Definitions()}

	for iteration := 0; iteration < MaxStepIterations; iteration++ {
		resp, err := p.generate(ctx, session, p.editModel, messages, opts)
		if err != nil {
			return StepResult{Step: step, Summary: "Error: " + err.Error(), Failed: true}
		}

		switch resp.Type {
		case llm.ResponseFinalAnswer:
			return StepResult{Step: step, Summary: resp.Text}
		case llm.ResponseToolCalls:
			messages = append(messages, llm.ChatMessage{
				Role:      models.RoleAssistant,
				Content:   resp.Text,
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				text := p.dispatcher.Run(ctx, call.Name, call.Arguments, tools.ToolContext{
					ProjectPath: session.ProjectPath,
					SessionID:   session.ID,
				})
				messages = append(messages, llm.ChatMessage{
					Role:       models.RoleTool,
					Content:    text,
					ToolCallID: call.ID,
					ToolName:   call.Name,
				})
			}
		default:
			return StepResult{Step: step, Summary: "Error: " + resp.ErrReason, Failed: true}
		}
	}
	return StepResult{
		Step:    step,
		Summary: fmt.Sprintf("Error: step did not converge within %d iterations", MaxStepIterations),
		Failed:  true,
	}
}

func (p *Pipeline) generate(ctx context.Context, session *models.Session, spec llm.ModelSpec, messages []llm.ChatMessage, opts llm.Options) (*llm.Response, error) {
	var resp *llm.Response
	_, err := p.telemetry.SpanLLMRequest(
		telemetry.LLMMeta{SessionID: session.ID, Model: spec.String()},
		func() (telemetry.LLMUsage, error) {
			var callErr error
			resp, callErr = p.transport.GenerateText(ctx, spec, messages, opts)
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
		return nil, fmt.Errorf("llm transport: %w", err)
	}
	resp.EnsureToolCallIDs()
	p.applyCosts(ctx, session.ID, resp.Usage)
	return resp, nil
}

func (p *Pipeline) applyCosts(ctx context.Context, sessionID string, usage llm.Usage) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.TotalCost.IsZero() {
		return
	}
	if err := p.store.UpdateCosts(ctx, sessionID, usage.InputTokens, usage.OutputTokens, usage.TotalCost); err != nil {
		p.logger.Error("failed to update session costs", "session_id", sessionID, "error", err)
	}
}

func (p *Pipeline) persistMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	stored, err := p.store.SaveMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	p.telemetry.EmitSessionMessage(req.SessionID, string(req.Role))
	p.bus.Publish(bus.SessionChannel(req.SessionID), bus.Event{
		Type:    bus.EventTypeNewMessage,
		Payload: bus.NewMessagePayload{SessionID: req.SessionID, Message: *stored},
	})
	return stored, nil
}

func (p *Pipeline) publishPhase(sessionID, phase string) {
	p.bus.Publish(bus.SessionChannel(sessionID), bus.Event{
		Type:    bus.EventTypeArchitectPhase,
		Payload: bus.ArchitectPhasePayload{SessionID: sessionID, Phase: phase},
	})
}

const planSystemPrompt = `You are a software architect. Produce a change plan for the user's request.

Respond with JSON only, in this exact shape:
{"summary": "one-line overview", "plan": [{"file": "relative/path", "action": "create|edit|delete", "description": "what changes", "details": "how to change it"}]}

Do not include any prose outside the JSON.`

func stepSystemPrompt(projectPath string, plan Plan) string {
	var b strings.Builder
	b.WriteString("You are executing one step of an approved change plan.\n\n")
	fmt.Fprintf(&b, "Project path: %s\n", projectPath)
	fmt.Fprintf(&b, "Plan overview: %s\n\n", plan.Summary)
	b.WriteString("Use the available tools to apply exactly this step, then reply with a one-line summary of what you changed.")
	return b.String()
}

func stepInstruction(step PlanStep) string {
	return fmt.Sprintf("File: %s\nAction: %s\nDescription: %s\nDetails: %s",
		step.File, step.Action, step.Description, step.Details)
}

// FormatPlan renders a plan as the assistant message recorded in the
// transcript.
func FormatPlan(plan Plan) string {
	var b strings.Builder
	b.WriteString("## Plan: ")
	b.WriteString(plan.Summary)
	b.WriteString("\n")
	for i, step := range plan.Plan {
		fmt.Fprintf(&b, "\n%d. **%s** `%s` — %s", i+1, step.Action, step.File, step.Description)
	}
	return b.String()
}

func formatResults(plan Plan, results []StepResult) string {
	failed := 0
	for _, r := range results {
		if r.Failed {
			failed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Executed: %s\n", plan.Summary)
	fmt.Fprintf(&b, "\n%d/%d steps completed", len(results)-failed, len(results))
	for i, r := range results {
		status := "done"
		if r.Failed {
			status = "failed"
		}
		fmt.Fprintf(&b, "\n%d. `%s` (%s): %s", i+1, r.Step.File, status, r.Summary)
	}
	return b.String()
}

package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loomhq/loom/pkg/bus"
)

// SessionMetrics accumulates per-session activity.
type SessionMetrics struct {
	InputTokens    int64            `json:"input_tokens"`
	OutputTokens   int64            `json:"output_tokens"`
	CostUSD        decimal.Decimal  `json:"cost_usd"`
	Requests       int64            `json:"requests"`
	TotalLatencyNS int64            `json:"total_latency_ns"`
	ToolCalls      int64            `json:"tool_calls"`
	MessagesByRole map[string]int64 `json:"messages_by_role"`
	Decisions      int64            `json:"decisions"`
	LastActivity   time.Time        `json:"last_activity"`
}

// GlobalMetrics accumulates totals across all sessions.
type GlobalMetrics struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	Requests     int64           `json:"requests"`
}

// ToolMetrics accumulates per-tool execution counts.
type ToolMetrics struct {
	Count           int64 `json:"count"`
	TotalDurationNS int64 `json:"total_duration_ns"`
	Successes       int64 `json:"successes"`
}

// Snapshot is an immutable view of the aggregates. Readers get a fresh
// copy and may hold it indefinitely.
type Snapshot struct {
	Sessions      map[string]SessionMetrics `json:"sessions"`
	Global        GlobalMetrics             `json:"global"`
	ModelRequests map[string]int64          `json:"model_requests"`
	Tools         map[string]ToolMetrics    `json:"tools"`
}

// Aggregator folds telemetry events into in-memory aggregates. All map
// updates run on one goroutine; Snapshot drains events already delivered
// to the subscription first, so a caller reading right after a publish
// sees its own write.
type Aggregator struct {
	bus      *bus.Bus
	sub      *bus.Subscription
	teamID   string
	snapshot atomic.Pointer[Snapshot]
	syncCh   chan chan Snapshot
	done     chan struct{}

	sessions      map[string]*SessionMetrics
	global        GlobalMetrics
	modelRequests map[string]int64
	tools         map[string]*ToolMetrics
}

// NewAggregator subscribes to the telemetry channel and starts the
// writer goroutine. Call Stop to release the subscription.
func NewAggregator(b *bus.Bus) *Aggregator {
	return newAggregator(b, "")
}

// NewTeamAggregator is NewAggregator plus team scope: every updated
// snapshot is also published on the team's telemetry channel.
func NewTeamAggregator(b *bus.Bus, teamID string) *Aggregator {
	return newAggregator(b, teamID)
}

func newAggregator(b *bus.Bus, teamID string) *Aggregator {
	a := &Aggregator{
		bus:           b,
		sub:           b.SubscribeBuffered(bus.TelemetryChannel, 1024),
		teamID:        teamID,
		syncCh:        make(chan chan Snapshot),
		done:          make(chan struct{}),
		sessions:      make(map[string]*SessionMetrics),
		modelRequests: make(map[string]int64),
		tools:         make(map[string]*ToolMetrics),
	}
	a.global.CostUSD = decimal.Zero
	a.publishSnapshot()
	go a.run()
	return a
}

// Stop unsubscribes and waits for the writer goroutine to exit.
func (a *Aggregator) Stop() {
	a.bus.Unsubscribe(a.sub)
	<-a.done
}

// Snapshot returns the current aggregates, folding in any events the
// bus has already delivered. The returned maps are copies.
func (a *Aggregator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case a.syncCh <- reply:
		return <-reply
	case <-a.done:
		return *a.snapshot.Load()
	}
}

func (a *Aggregator) run() {
	defer close(a.done)
	for {
		select {
		case event, ok := <-a.sub.Events():
			if !ok {
				return
			}
			a.fold(event)
		case reply := <-a.syncCh:
			a.drainDelivered()
			reply <- *a.snapshot.Load()
		}
	}
}

// drainDelivered folds every event already sitting in the subscription
// buffer before a snapshot request is answered.
func (a *Aggregator) drainDelivered() {
	for {
		select {
		case event, ok := <-a.sub.Events():
			if !ok {
				return
			}
			a.fold(event)
		default:
			return
		}
	}
}

func (a *Aggregator) fold(event bus.Event) {
	a.apply(event)
	a.publishSnapshot()
	if a.teamID != "" {
		a.bus.Publish(bus.TeamTelemetryChannel(a.teamID), bus.Event{
			Type:    EventTelemetrySnapshot,
			Payload: *a.snapshot.Load(),
		})
	}
}

func (a *Aggregator) apply(event bus.Event) {
	switch event.Type {
	case EventLLMRequestStop:
		p, ok := event.Payload.(LLMRequestStopPayload)
		if !ok {
			return
		}
		s := a.session(p.SessionID)
		s.Requests++
		s.TotalLatencyNS += p.ElapsedNS
		s.LastActivity = time.Now().UTC()
		a.global.Requests++
		a.modelRequests[p.Model]++
		if !p.Error {
			s.InputTokens += p.InputTokens
			s.OutputTokens += p.OutputTokens
			s.CostUSD = s.CostUSD.Add(p.CostUSD)
			a.global.InputTokens += p.InputTokens
			a.global.OutputTokens += p.OutputTokens
			a.global.CostUSD = a.global.CostUSD.Add(p.CostUSD)
		}

	case EventToolExecuteStop:
		p, ok := event.Payload.(ToolExecuteStopPayload)
		if !ok {
			return
		}
		s := a.session(p.SessionID)
		s.ToolCalls++
		s.LastActivity = time.Now().UTC()
		tool := a.tool(p.Tool)
		tool.Count++
		tool.TotalDurationNS += p.ElapsedNS
		if !p.Error {
			tool.Successes++
		}

	case EventSessionMessage:
		p, ok := event.Payload.(SessionMessagePayload)
		if !ok {
			return
		}
		s := a.session(p.SessionID)
		s.MessagesByRole[p.Role]++
		s.LastActivity = time.Now().UTC()

	case EventDecisionLogged:
		p, ok := event.Payload.(DecisionLoggedPayload)
		if !ok {
			return
		}
		if p.SessionID != "" {
			a.session(p.SessionID).Decisions++
		}
	}
}

func (a *Aggregator) session(id string) *SessionMetrics {
	s, ok := a.sessions[id]
	if !ok {
		s = &SessionMetrics{CostUSD: decimal.Zero, MessagesByRole: make(map[string]int64)}
		a.sessions[id] = s
	}
	return s
}

func (a *Aggregator) tool(name string) *ToolMetrics {
	t, ok := a.tools[name]
	if !ok {
		t = &ToolMetrics{}
		a.tools[name] = t
	}
	return t
}

func (a *Aggregator) publishSnapshot() {
	snap := Snapshot{
		Sessions:      make(map[string]SessionMetrics, len(a.sessions)),
		Global:        a.global,
		ModelRequests: make(map[string]int64, len(a.modelRequests)),
		Tools:         make(map[string]ToolMetrics, len(a.tools)),
	}
	for id, s := range a.sessions {
		copied := *s
		copied.MessagesByRole = make(map[string]int64, len(s.MessagesByRole))
		for role, n := range s.MessagesByRole {
			copied.MessagesByRole[role] = n
		}
		snap.Sessions[id] = copied
	}
	for model, n := range a.modelRequests {
		snap.ModelRequests[model] = n
	}
	for name, t := range a.tools {
		snap.Tools[name] = *t
	}
	a.snapshot.Store(&snap)
}

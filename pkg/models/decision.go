package models

import "time"

// NodeKind classifies a decision-graph node.
type NodeKind string

const (
	NodeGoal        NodeKind = "goal"
	NodeDecision    NodeKind = "decision"
	NodeOption      NodeKind = "option"
	NodeAction      NodeKind = "action"
	NodeOutcome     NodeKind = "outcome"
	NodeObservation NodeKind = "observation"
	NodeRevisit     NodeKind = "revisit"
)

// NodeKinds lists every valid node kind.
var NodeKinds = []NodeKind{
	NodeGoal, NodeDecision, NodeOption, NodeAction,
	NodeOutcome, NodeObservation, NodeRevisit,
}

// NodeStatus is the lifecycle state of a decision node.
type NodeStatus string

const (
	NodeActive     NodeStatus = "active"
	NodeSuperseded NodeStatus = "superseded"
	NodeResolved   NodeStatus = "resolved"
)

// EdgeKind classifies a directed decision-graph edge.
type EdgeKind string

const (
	EdgeLeadsTo    EdgeKind = "leads_to"
	EdgeChosen     EdgeKind = "chosen"
	EdgeRejected   EdgeKind = "rejected"
	EdgeRequires   EdgeKind = "requires"
	EdgeBlocks     EdgeKind = "blocks"
	EdgeEnables    EdgeKind = "enables"
	EdgeSupersedes EdgeKind = "supersedes"
)

// EdgeKinds lists every valid edge kind.
var EdgeKinds = []EdgeKind{
	EdgeLeadsTo, EdgeChosen, EdgeRejected, EdgeRequires,
	EdgeBlocks, EdgeEnables, EdgeSupersedes,
}

// DecisionNode is a reasoning artefact persisted across sessions.
// Nodes created by the same logical operation share a ChangeID.
type DecisionNode struct {
	ID          string         `json:"id"` // UUID
	Kind        NodeKind       `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Confidence  *int           `json:"confidence,omitempty"` // [0,100]
	Status      NodeStatus     `json:"status"`
	SessionID   string         `json:"session_id,omitempty"`
	AgentName   string         `json:"agent_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ChangeID    string         `json:"change_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DecisionEdge is a directed, typed relation between two nodes.
// Cycles are permitted; graph walkers must track visited nodes.
type DecisionEdge struct {
	ID        string   `json:"id"` // UUID
	FromID    string   `json:"from_id"`
	ToID      string   `json:"to_id"`
	Kind      EdgeKind `json:"kind"`
	Weight    *float64 `json:"weight,omitempty"` // (0,1]
	Rationale string   `json:"rationale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeFilters contains filtering options for listing decision nodes.
type NodeFilters struct {
	Kind      NodeKind   `json:"kind,omitempty"`
	Status    NodeStatus `json:"status,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	// NewestFirst orders by creation time descending when set.
	NewestFirst bool `json:"newest_first,omitempty"`
}

// EdgeFilters contains filtering options for listing decision edges.
type EdgeFilters struct {
	Kind EdgeKind `json:"kind,omitempty"`
	From string   `json:"from,omitempty"`
	To   string   `json:"to,omitempty"`
}

// ValidNodeKind reports whether k is a recognised node kind.
func ValidNodeKind(k NodeKind) bool {
	for _, v := range NodeKinds {
		if v == k {
			return true
		}
	}
	return false
}

// ValidEdgeKind reports whether k is a recognised edge kind.
func ValidEdgeKind(k EdgeKind) bool {
	for _, v := range EdgeKinds {
		if v == k {
			return true
		}
	}
	return false
}

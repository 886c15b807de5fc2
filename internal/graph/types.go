// Package graph exposes read access to tenant node graphs: the nodes,
// options and edges the flow engine walks. Authoring happens elsewhere;
// every store here is read-only.
package graph

import "strings"

type Kind string

const (
	KindMessage    Kind = "message"
	KindOption     Kind = "option"
	KindInput      Kind = "input"
	KindCondition  Kind = "condition"
	KindAction     Kind = "action"
	KindEscalation Kind = "escalation"
)

func ParseKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindMessage:
		return KindMessage
	case KindOption:
		return KindOption
	case KindInput:
		return KindInput
	case KindCondition:
		return KindCondition
	case KindAction:
		return KindAction
	case KindEscalation:
		return KindEscalation
	default:
		return KindMessage
	}
}

type Graph struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

type Node struct {
	ID       string `json:"id"`
	GraphID  string `json:"graph_id"`
	Kind     Kind   `json:"kind"`
	Content  string `json:"content"`
	MediaURL string `json:"media_url,omitempty"`
	IsStart  bool   `json:"is_start"`
	IsEnd    bool   `json:"is_end"`
}

// Option is one selectable item of an option node. Ordinal is the
// 1-based position shown to the contact.
type Option struct {
	ID           string `json:"id"`
	NodeID       string `json:"node_id"`
	Ordinal      int    `json:"ordinal"`
	Label        string `json:"label"`
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// Edge is a directed connection between two nodes. OptionID binds it to
// an option of the source node; Condition guards input routing.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	OptionID     string `json:"option_id,omitempty"`
	Condition    string `json:"condition,omitempty"`
	Priority     int    `json:"priority"`
}

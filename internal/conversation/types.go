// Package conversation persists per-contact conversation state: which
// graph the contact walks, where the cursor sits and whether the
// exchange is still open.
package conversation

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusFinished  Status = "finished"
	StatusEscalated Status = "escalated"
)

// validTransitions lists the allowed status moves. Finished is terminal;
// a later inbound message opens a fresh conversation instead.
var validTransitions = map[Status][]Status{
	StatusActive:    {StatusPaused, StatusFinished, StatusEscalated},
	StatusPaused:    {StatusActive, StatusFinished, StatusEscalated},
	StatusEscalated: {StatusActive, StatusFinished},
	StatusFinished:  {},
}

func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Conversation struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ContactAddress string     `json:"contact_address"`
	ChannelType    string     `json:"channel_type"`
	GraphID        string     `json:"graph_id"`
	CurrentNodeID  string     `json:"current_node_id,omitempty"`
	Status         Status     `json:"status"`
	CloseReason    string     `json:"close_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the conversation still accepts flow input.
func (c Conversation) Open() bool {
	return c.Status == StatusActive || c.Status == StatusPaused
}

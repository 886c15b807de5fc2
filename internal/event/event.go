// Package event carries runtime notifications from the channel and
// conversation layers to in-process subscribers (SSE dashboards, tests).
package event

import "encoding/json"

type Type string

const (
	TypeSessionStatus         Type = "session.status"
	TypeSessionPairing        Type = "session.pairing"
	TypeConversationFinished  Type = "conversation.finished"
	TypeConversationEscalated Type = "conversation.escalated"
	TypeActionRequested       Type = "action.requested"
)

type Event struct {
	Type     Type            `json:"type"`
	TenantID string          `json:"tenant_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Publisher is the seam services publish through. A nil publisher is
// valid and drops everything.
type Publisher interface {
	Publish(evt Event)
}

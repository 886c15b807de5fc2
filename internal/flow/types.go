// Package flow decides how the bot answers: given a conversation's
// cursor and the raw inbound input, it walks the tenant's node graph
// and produces the next response. It performs no I/O beyond graph
// reads; persistence and delivery belong to the caller.
package flow

import "strings"

// payloadPrefix marks a structured option selection carried back by a
// tapped button.
const payloadPrefix = "opt:"

// OptionPayload builds the stable selection payload for an option.
func OptionPayload(optionID string) string {
	return payloadPrefix + optionID
}

func parseOptionPayload(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, payloadPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(trimmed, payloadPrefix))
	return id, id != ""
}

// OptionItem is one selectable item of a rendered prompt.
type OptionItem struct {
	Payload string `json:"payload"`
	Label   string `json:"label"`
}

// Segment is one renderable unit of a reply. A plain segment carries
// only text; an option prompt also carries the selectable items.
type Segment struct {
	Text     string       `json:"text,omitempty"`
	Options  []OptionItem `json:"options,omitempty"`
	MediaURL string       `json:"media_url,omitempty"`
}

// Reply is the ordered list of segments to deliver for one decision.
type Reply struct {
	Segments []Segment `json:"segments"`
}

// IsEmpty reports whether there is nothing to send.
func (r Reply) IsEmpty() bool {
	return len(r.Segments) == 0
}

// Decision is the outcome of one engine call: what to send and where
// the cursor lands. Moved is false when the node was re-entered (no
// match) or when a graph integrity failure forced the fallback reply.
type Decision struct {
	Reply        Reply
	NextNodeID   string
	Moved        bool
	Finished     bool
	Escalated    bool
	ActionNodeID string
}

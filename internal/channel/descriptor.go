package channel

// Capabilities is the fixed capability matrix of a channel type.
// Callers branch on these flags instead of probing adapters for
// optional methods.
type Capabilities struct {
	// Pairing means login happens through short-lived pairing codes.
	Pairing bool `json:"pairing"`
	// Liveness means the transport exposes a real connection probe.
	Liveness bool `json:"liveness"`
	// Buttons means option lists render as tappable buttons.
	Buttons bool `json:"buttons"`
	// Media means the channel delivers media attachments.
	Media bool `json:"media"`
}

// Descriptor holds read-only metadata for a registered channel type.
// It contains no behavior; behavior lives on the adapter interfaces.
type Descriptor struct {
	Type           Type           `json:"type"`
	DisplayName    string         `json:"display_name"`
	Capabilities   Capabilities   `json:"capabilities"`
	OutboundPolicy OutboundPolicy `json:"outbound_policy"`
}

// Package channel manages per-tenant messaging sessions: the connection
// state machine, adapter registry and transport contract messaging
// platforms plug into.
package channel

import (
	"strings"
	"time"
)

// Type identifies a messaging platform (e.g. "wagate", "telegram").
type Type string

// String returns the channel type as a plain string.
func (t Type) String() string {
	return string(t)
}

func normalizeType(raw string) Type {
	return Type(strings.ToLower(strings.TrimSpace(raw)))
}

// SessionStatus is the connection state of a tenant's channel session.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusQRPending    SessionStatus = "qr_pending"
	StatusConnected    SessionStatus = "connected"
	StatusError        SessionStatus = "error"
)

func (s SessionStatus) String() string {
	return string(s)
}

// validSessionTransitions lists the allowed status moves. Error and
// disconnected are reachable from anywhere; error only leaves through
// an explicit connect.
var validSessionTransitions = map[SessionStatus][]SessionStatus{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusQRPending, StatusConnected, StatusDisconnected, StatusError},
	StatusQRPending:    {StatusConnecting, StatusConnected, StatusDisconnected, StatusError},
	StatusConnected:    {StatusDisconnected, StatusError},
	StatusError:        {StatusConnecting},
}

func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return false
	}
	for _, allowed := range validSessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DisconnectReason classifies why a transport dropped.
type DisconnectReason string

const (
	ReasonLoggedOut      DisconnectReason = "logged_out"
	ReasonUnauthorized   DisconnectReason = "unauthorized"
	ReasonConnectionLost DisconnectReason = "connection_lost"
	ReasonTimeout        DisconnectReason = "timeout"
	ReasonServerError    DisconnectReason = "server_error"
	ReasonManual         DisconnectReason = "manual"
)

// Recoverable reports whether a reconnect attempt makes sense. A
// logged-out or unauthorized session needs fresh pairing; a manual
// disconnect stays down until a tenant asks again.
func (r DisconnectReason) Recoverable() bool {
	switch r {
	case ReasonLoggedOut, ReasonUnauthorized, ReasonManual:
		return false
	default:
		return true
	}
}

// Session is the persisted snapshot of one tenant-channel connection.
// Credentials never appear here; CredentialsRef marks that sealed
// material exists in the store.
type Session struct {
	TenantID             string           `json:"tenant_id"`
	Channel              Type             `json:"channel"`
	Status               SessionStatus    `json:"status"`
	ReconnectAttempts    int              `json:"reconnect_attempts"`
	LastDisconnectReason DisconnectReason `json:"last_disconnect_reason,omitempty"`
	ManualDisconnect     bool             `json:"manual_disconnect"`
	PairedAddress        string           `json:"paired_address,omitempty"`
	CredentialsRef       bool             `json:"credentials_ref"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// InboundMessage is a contact message delivered by a transport.
type InboundMessage struct {
	Channel    Type      `json:"channel"`
	TenantID   string    `json:"tenant_id"`
	From       string    `json:"from"`
	Text       string    `json:"text,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// IsEmpty reports whether the message carries neither text nor payload.
func (m InboundMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && strings.TrimSpace(m.Payload) == ""
}

// Input returns the raw input the flow engine resolves: the button
// payload when present, the trimmed text otherwise.
func (m InboundMessage) Input() string {
	if payload := strings.TrimSpace(m.Payload); payload != "" {
		return payload
	}
	return strings.TrimSpace(m.Text)
}

// Button is one selectable item of an outbound option list. Payload
// comes back verbatim in InboundMessage.Payload when tapped.
type Button struct {
	Payload string `json:"payload"`
	Label   string `json:"label"`
}

// Media references a file sent alongside or instead of text.
type Media struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// OutboundMessage pairs a delivery target with renderable content.
type OutboundMessage struct {
	To      string   `json:"to"`
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
	Media   *Media   `json:"media,omitempty"`
}

// IsEmpty reports whether there is nothing to deliver.
func (m OutboundMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Buttons) == 0 && m.Media == nil
}

package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrStopNotSupported is returned when a transport has no graceful shutdown.
	ErrStopNotSupported = errors.New("channel transport stop not supported")
	// ErrNotConnected is returned on sends while no live transport exists.
	ErrNotConnected = errors.New("channel not connected")
	// ErrPairingNotSupported is returned when a channel has no pairing flow.
	ErrPairingNotSupported = errors.New("channel does not support pairing")
	// ErrGroupAddress rejects sends to broadcast or group addresses.
	ErrGroupAddress = errors.New("target is a group or broadcast address")
)

// TransportEventKind labels asynchronous state updates from a transport.
type TransportEventKind string

const (
	TransportConnected    TransportEventKind = "connected"
	TransportDisconnected TransportEventKind = "disconnected"
	TransportPairingCode  TransportEventKind = "pairing_code"
)

// PairingCode is one short-lived pairing token surfaced during login.
// Codes are never reused; the transport emits a fresh one on expiry.
type PairingCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TransportEvent is pushed by transports into the session machine.
// Connected events carry the credential blob to persist; disconnected
// events carry the classified reason.
type TransportEvent struct {
	Kind        TransportEventKind
	Reason      DisconnectReason
	Pairing     *PairingCode
	Credentials []byte
	Address     string
}

// EventSink receives everything a transport produces. The sink is wired
// before the transport starts, so no inbound message or state change can
// arrive without a consumer.
type EventSink interface {
	Inbound(msg InboundMessage)
	StateChanged(evt TransportEvent)
}

// DialConfig is the per-session input to a dial attempt. Credentials is
// the opened blob from a previous pairing, nil for a fresh login.
type DialConfig struct {
	TenantID    string
	Credentials []byte
}

// Transport is an established link to a messaging platform.
type Transport interface {
	// Send delivers one message and returns the platform message id.
	Send(ctx context.Context, msg OutboundMessage) (string, error)
	// IsLive reports the transport's real connection state.
	IsLive() bool
	// Disconnect tears the link down.
	Disconnect(ctx context.Context) error
}

// Adapter is the required surface of every channel implementation.
type Adapter interface {
	Type() Type
	Descriptor() Descriptor
	// Dial starts a transport. All traffic flows through the sink.
	Dial(ctx context.Context, cfg DialConfig, sink EventSink) (Transport, error)
}

// AddressValidator is an optional adapter surface rejecting delivery
// targets the channel refuses, such as group or broadcast addresses.
type AddressValidator interface {
	ValidateAddress(address string) error
}

// BaseTransport carries the running flag and stop plumbing shared by
// transports.
type BaseTransport struct {
	tenantID string
	channel  Type
	stop     func(ctx context.Context) error
	running  atomic.Bool
}

func NewBaseTransport(tenantID string, channel Type, stop func(ctx context.Context) error) *BaseTransport {
	t := &BaseTransport{
		tenantID: tenantID,
		channel:  channel,
		stop:     stop,
	}
	t.running.Store(true)
	return t
}

func (t *BaseTransport) TenantID() string {
	return t.tenantID
}

func (t *BaseTransport) ChannelType() Type {
	return t.channel
}

// IsLive reports whether the transport still holds its link.
func (t *BaseTransport) IsLive() bool {
	return t.running.Load()
}

// MarkDown flips the running flag; read loops call it on link loss.
func (t *BaseTransport) MarkDown() {
	t.running.Store(false)
}

// Disconnect stops the transport.
func (t *BaseTransport) Disconnect(ctx context.Context) error {
	if t.stop == nil {
		return ErrStopNotSupported
	}
	t.running.Store(false)
	return t.stop(ctx)
}

package wagate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/botwalk/botwalk/internal/channel"
)

// frameType labels one gateway frame. The gateway speaks newline-free
// JSON text frames, one frame per websocket message.
type frameType string

const (
	// client -> gateway
	frameInit frameType = "init"
	frameSend frameType = "send"

	// gateway -> client
	framePairing   frameType = "pairing"
	frameConnected frameType = "connected"
	frameClosed    frameType = "closed"
	frameMessage   frameType = "message"
	frameAck       frameType = "ack"
)

// frame is the envelope for every gateway message. Exactly one of the
// typed bodies is set, matching Type.
type frame struct {
	Type      frameType       `json:"type"`
	Init      *initFrame      `json:"init,omitempty"`
	Send      *sendFrame      `json:"send,omitempty"`
	Pairing   *pairingFrame   `json:"pairing,omitempty"`
	Connected *connectedFrame `json:"connected,omitempty"`
	Closed    *closedFrame    `json:"closed,omitempty"`
	Message   *messageFrame   `json:"message,omitempty"`
	Ack       *ackFrame       `json:"ack,omitempty"`
}

// initFrame opens a session. Credentials is the base64 blob from a
// previous pairing; empty means the gateway starts a fresh login.
type initFrame struct {
	TenantID    string `json:"tenant_id"`
	Credentials string `json:"credentials,omitempty"`
}

type sendFrame struct {
	ClientID string          `json:"client_id"`
	To       string          `json:"to"`
	Text     string          `json:"text,omitempty"`
	Buttons  []buttonPayload `json:"buttons,omitempty"`
	Media    *mediaPayload   `json:"media,omitempty"`
}

type buttonPayload struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type mediaPayload struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type pairingFrame struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// connectedFrame confirms a live session. Credentials carries the
// session blob to persist for the next dial.
type connectedFrame struct {
	Address     string `json:"address"`
	Credentials string `json:"credentials,omitempty"`
}

type closedFrame struct {
	Reason string `json:"reason"`
}

type messageFrame struct {
	From      string    `json:"from"`
	Text      string    `json:"text,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ackFrame struct {
	ClientID  string `json:"client_id"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode gateway frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("gateway frame missing type")
	}
	return f, nil
}

func encodeCredentials(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(blob)
}

func decodeCredentials(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode session credentials: %w", err)
	}
	return blob, nil
}

// mapCloseReason classifies a gateway close reason for the session
// machine. Unknown reasons count as recoverable connection loss.
func mapCloseReason(reason string) channel.DisconnectReason {
	switch reason {
	case "logged_out":
		return channel.ReasonLoggedOut
	case "unauthorized":
		return channel.ReasonUnauthorized
	case "timeout":
		return channel.ReasonTimeout
	case "server_error":
		return channel.ReasonServerError
	default:
		return channel.ReasonConnectionLost
	}
}

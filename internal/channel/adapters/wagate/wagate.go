// Package wagate bridges tenants to a WhatsApp gateway over a
// websocket. The gateway owns the actual WhatsApp link; this adapter
// speaks its JSON frame protocol and translates it onto the channel
// transport contract.
package wagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/botwalk/botwalk/internal/channel"
)

// ChannelType is the registry key for the gateway channel.
const ChannelType = channel.Type("wagate")

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 75 * time.Second
	ackTimeout   = 15 * time.Second
)

// Adapter dials the gateway and hands back one transport per tenant
// session.
type Adapter struct {
	log        *slog.Logger
	gatewayURL string
	dialer     *websocket.Dialer
}

func New(log *slog.Logger, gatewayURL string) *Adapter {
	return &Adapter{
		log:        log.With(slog.String("component", "wagate")),
		gatewayURL: gatewayURL,
		dialer:     websocket.DefaultDialer,
	}
}

func (a *Adapter) Type() channel.Type {
	return ChannelType
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        ChannelType,
		DisplayName: "WhatsApp Gateway",
		Capabilities: channel.Capabilities{
			Pairing:  true,
			Liveness: true,
			Buttons:  true,
			Media:    true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 4096,
			RetryMax:       3,
			RetryBackoffMs: 500,
		},
	}
}

// ValidateAddress rejects delivery targets outside one-to-one chats.
// Group and broadcast JIDs are never valid conversation contacts.
func (a *Adapter) ValidateAddress(address string) error {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return fmt.Errorf("contact address is empty")
	}
	if strings.HasSuffix(addr, "@g.us") || strings.HasSuffix(addr, "@broadcast") {
		return fmt.Errorf("%s: %w", addr, channel.ErrGroupAddress)
	}
	return nil
}

// Dial opens the gateway socket, sends the init frame and starts the
// read loop. Pairing, connected and closed frames flow through the
// sink from there.
func (a *Adapter) Dial(ctx context.Context, cfg channel.DialConfig, sink channel.EventSink) (channel.Transport, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", a.gatewayURL, err)
	}

	init, err := encodeFrame(frame{
		Type: frameInit,
		Init: &initFrame{
			TenantID:    cfg.TenantID,
			Credentials: encodeCredentials(cfg.Credentials),
		},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send init frame: %w", err)
	}

	t := &transport{
		log:  a.log.With(slog.String("tenant_id", cfg.TenantID)),
		conn: conn,
		sink: sink,
		acks: map[string]chan ackFrame{},
		stop: make(chan struct{}),
	}
	t.BaseTransport = channel.NewBaseTransport(cfg.TenantID, ChannelType, t.close)

	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

// transport is one live gateway socket.
type transport struct {
	*channel.BaseTransport

	log  *slog.Logger
	conn *websocket.Conn
	sink channel.EventSink

	writeMu sync.Mutex

	ackMu sync.Mutex
	acks  map[string]chan ackFrame

	stopOnce sync.Once
	stop     chan struct{}
}

// Send writes one send frame and waits for the gateway's ack carrying
// the platform message id.
func (t *transport) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	if !t.IsLive() {
		return "", channel.ErrNotConnected
	}
	if strings.HasSuffix(msg.To, "@g.us") || strings.HasSuffix(msg.To, "@broadcast") {
		return "", fmt.Errorf("%s: %w", msg.To, channel.ErrGroupAddress)
	}

	send := &sendFrame{
		ClientID: uuid.NewString(),
		To:       msg.To,
		Text:     msg.Text,
	}
	for _, b := range msg.Buttons {
		send.Buttons = append(send.Buttons, buttonPayload{ID: b.Payload, Label: b.Label})
	}
	if msg.Media != nil {
		send.Media = &mediaPayload{URL: msg.Media.URL, Caption: msg.Media.Caption, Kind: msg.Media.Kind}
	}

	ack := make(chan ackFrame, 1)
	t.ackMu.Lock()
	t.acks[send.ClientID] = ack
	t.ackMu.Unlock()
	defer func() {
		t.ackMu.Lock()
		delete(t.acks, send.ClientID)
		t.ackMu.Unlock()
	}()

	if err := t.writeFrame(frame{Type: frameSend, Send: send}); err != nil {
		return "", err
	}

	select {
	case reply := <-ack:
		if reply.Error != "" {
			return "", fmt.Errorf("gateway rejected send: %s", reply.Error)
		}
		return reply.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.stop:
		return "", channel.ErrNotConnected
	case <-time.After(ackTimeout):
		return "", fmt.Errorf("gateway ack timed out")
	}
}

func (t *transport) writeFrame(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// readLoop consumes gateway frames until the socket dies. Liveness
// rides on the pong handler resetting the read deadline.
func (t *transport) readLoop() {
	t.conn.SetReadDeadline(time.Now().Add(readTimeout))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.IsLive() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.log.Warn("gateway read failed", slog.Any("error", err))
				}
				t.markClosed(channel.ReasonConnectionLost)
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(readTimeout))

		f, err := decodeFrame(data)
		if err != nil {
			t.log.Warn("bad gateway frame", slog.Any("error", err))
			continue
		}
		if done := t.handleFrame(f); done {
			return
		}
	}
}

// handleFrame dispatches one gateway frame. Returns true when the
// session is over and the read loop should exit.
func (t *transport) handleFrame(f frame) bool {
	switch f.Type {
	case framePairing:
		if f.Pairing == nil {
			return false
		}
		t.sink.StateChanged(channel.TransportEvent{
			Kind: channel.TransportPairingCode,
			Pairing: &channel.PairingCode{
				Code:      f.Pairing.Code,
				ExpiresAt: f.Pairing.ExpiresAt,
			},
		})
	case frameConnected:
		if f.Connected == nil {
			return false
		}
		creds, err := decodeCredentials(f.Connected.Credentials)
		if err != nil {
			t.log.Warn("bad credentials in connected frame", slog.Any("error", err))
		}
		t.sink.StateChanged(channel.TransportEvent{
			Kind:        channel.TransportConnected,
			Address:     f.Connected.Address,
			Credentials: creds,
		})
	case frameClosed:
		reason := channel.ReasonConnectionLost
		if f.Closed != nil {
			reason = mapCloseReason(f.Closed.Reason)
		}
		t.markClosed(reason)
		return true
	case frameMessage:
		if f.Message == nil {
			return false
		}
		t.sink.Inbound(channel.InboundMessage{
			Channel:    ChannelType,
			From:       f.Message.From,
			Text:       f.Message.Text,
			Payload:    f.Message.Payload,
			MessageID:  f.Message.MessageID,
			ReceivedAt: f.Message.Timestamp,
		})
	case frameAck:
		if f.Ack == nil {
			return false
		}
		t.ackMu.Lock()
		ch, ok := t.acks[f.Ack.ClientID]
		t.ackMu.Unlock()
		if ok {
			select {
			case ch <- *f.Ack:
			default:
			}
		}
	default:
		t.log.Debug("ignoring gateway frame", slog.String("type", string(f.Type)))
	}
	return false
}

func (t *transport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				if t.IsLive() {
					t.log.Warn("gateway ping failed", slog.Any("error", err))
					t.markClosed(channel.ReasonConnectionLost)
				}
				return
			}
		}
	}
}

// markClosed flips the transport down exactly once and reports the
// classified reason upstream.
func (t *transport) markClosed(reason channel.DisconnectReason) {
	t.MarkDown()
	t.stopOnce.Do(func() {
		close(t.stop)
		t.conn.Close()
		t.sink.StateChanged(channel.TransportEvent{
			Kind:   channel.TransportDisconnected,
			Reason: reason,
		})
	})
}

// close is the stop hook behind BaseTransport.Disconnect: a graceful
// close handshake, then the socket dies. No disconnected event is
// emitted; the caller initiated this.
func (t *transport) close(ctx context.Context) error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stop)
		deadline := time.Now().Add(writeTimeout)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		t.writeMu.Lock()
		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.writeMu.Unlock()
		t.conn.Close()
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close gateway socket: %w", err)
	}
	return nil
}

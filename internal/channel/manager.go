package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/botwalk/botwalk/internal/event"
)

var (
	// ErrConnectPending is returned to a caller whose bounded wait on an
	// in-flight initialization elapsed before the attempt settled.
	ErrConnectPending = errors.New("connection attempt still in progress")
	// ErrHandlerNotBound guards transport starts: no dial happens until
	// an inbound handler exists.
	ErrHandlerNotBound = errors.New("inbound handler not bound")
)

// InboundHandler consumes messages delivered by live transports.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// Manager owns every tenant-channel session: the status machine,
// single-flight initialization, pairing, reconnection backoff and the
// inbound fan-in. All status mutations funnel through transition().
type Manager struct {
	log      *slog.Logger
	registry *Registry
	store    SessionStore
	cipher   Cipher
	events   event.Publisher

	connectTimeout time.Duration
	pairingTimeout time.Duration
	connectWait    time.Duration
	sweepInterval  time.Duration
	schedule       []time.Duration

	mu       sync.Mutex
	sessions map[sessionKey]*session
	handler  InboundHandler

	inboundQueue   chan InboundMessage
	inboundWorkers int
	inboundOnce    sync.Once
}

func NewManager(log *slog.Logger, registry *Registry, store SessionStore, cipher Cipher, events event.Publisher) *Manager {
	return &Manager{
		log:            log.With(slog.String("component", "channel")),
		registry:       registry,
		store:          store,
		cipher:         cipher,
		events:         events,
		connectTimeout: 3 * time.Minute,
		pairingTimeout: time.Minute,
		connectWait:    30 * time.Second,
		sweepInterval:  15 * time.Second,
		schedule:       defaultReconnectSchedule,
		sessions:       map[sessionKey]*session{},
		inboundQueue:   make(chan InboundMessage, 256),
		inboundWorkers: 4,
	}
}

// SetConnectTimeout bounds how long a dial may sit in connecting
// before the session is forced to error.
func (m *Manager) SetConnectTimeout(d time.Duration) {
	if d > 0 {
		m.connectTimeout = d
	}
}

// SetPairingTimeout bounds the qr_pending phase: once a pairing code is
// issued, this is how long it may sit unscanned.
func (m *Manager) SetPairingTimeout(d time.Duration) {
	if d > 0 {
		m.pairingTimeout = d
	}
}

// SetSweepInterval sets the cadence of the reconnection safety sweep.
func (m *Manager) SetSweepInterval(d time.Duration) {
	if d > 0 {
		m.sweepInterval = d
	}
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Bind wires the inbound handler. Must happen before any transport is
// started; Connect refuses to dial while no handler exists.
func (m *Manager) Bind(handler InboundHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// Start launches the inbound worker pool and the reconnection sweep.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("manager start")
	m.startInboundWorkers(ctx)
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.log.Info("manager stop")
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Connect initializes the tenant's channel session. The first caller
// kicks off the dial and returns immediately; callers arriving while
// the attempt is in flight wait (bounded) for its outcome instead of
// starting a second one.
func (m *Manager) Connect(ctx context.Context, tenantID string, channelType Type) error {
	adapter, ok := m.registry.Get(channelType)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", channelType)
	}

	s, err := m.ensureSession(ctx, tenantID, channelType)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.handler == nil {
		m.mu.Unlock()
		return ErrHandlerNotBound
	}
	if s.live() {
		m.mu.Unlock()
		return nil
	}
	if s.dialing {
		waiter := make(chan error, 1)
		s.waiters = append(s.waiters, waiter)
		m.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.connectWait):
			return ErrConnectPending
		}
	}
	s.dialing = true
	s.snapshot.ManualDisconnect = false
	s.stopTimersLocked()
	m.mu.Unlock()

	// Long-lived connections outlive the request that asked for them.
	go m.dial(context.WithoutCancel(ctx), adapter, s)
	return nil
}

// Disconnect is the explicit tenant action: it marks the session so no
// automatic reconnection touches it until the next Connect.
func (m *Manager) Disconnect(ctx context.Context, tenantID string, channelType Type) error {
	s, err := m.ensureSession(ctx, tenantID, channelType)
	if err != nil {
		return err
	}

	m.mu.Lock()
	s.snapshot.ManualDisconnect = true
	s.snapshot.ReconnectAttempts = 0
	s.stopTimersLocked()
	s.dialing = false
	transport := s.transport
	s.transport = nil
	s.drainWaitersLocked(ErrNotConnected)
	m.mu.Unlock()

	if transport != nil {
		if err := transport.Disconnect(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.log.Warn("transport disconnect failed",
				slog.String("tenant_id", tenantID),
				slog.String("channel", channelType.String()),
				slog.Any("error", err))
		}
	}
	m.transition(s, StatusDisconnected, ReasonManual)
	return nil
}

// IsLive reports whether the tenant's transport can send right now.
func (m *Manager) IsLive(tenantID string, channelType Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionKey{tenantID: tenantID, channel: channelType}]
	return s != nil && s.live()
}

// Send delivers one message over the live transport.
func (m *Manager) Send(ctx context.Context, tenantID string, channelType Type, msg OutboundMessage) (string, error) {
	m.mu.Lock()
	s := m.sessions[sessionKey{tenantID: tenantID, channel: channelType}]
	var transport Transport
	if s != nil {
		transport = s.transport
	}
	m.mu.Unlock()

	if transport == nil || !transport.IsLive() {
		return "", ErrNotConnected
	}
	return transport.Send(ctx, msg)
}

// Status returns the session snapshot for dashboards. Live is computed
// from the transport, not from the persisted status.
func (m *Manager) Status(ctx context.Context, tenantID string, channelType Type) (Session, bool, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionKey{tenantID: tenantID, channel: channelType}]; ok {
		snap, live := s.snapshot, s.live()
		m.mu.Unlock()
		return snap, live, nil
	}
	m.mu.Unlock()

	snap, err := m.store.Get(ctx, tenantID, channelType)
	if err != nil {
		return Session{}, false, err
	}
	return snap, false, nil
}

// Shutdown tears down every transport and timer.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	transports := make([]Transport, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.stopTimersLocked()
		s.dialing = false
		s.drainWaitersLocked(ErrNotConnected)
		if s.transport != nil {
			transports = append(transports, s.transport)
			s.transport = nil
		}
	}
	m.mu.Unlock()

	for _, t := range transports {
		if err := t.Disconnect(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.log.Warn("transport disconnect failed", slog.Any("error", err))
		}
	}
	return nil
}

// ensureSession returns the runtime session, loading the persisted
// snapshot on first touch. Statuses that imply a live process are
// stale after a restart and collapse to disconnected.
func (m *Manager) ensureSession(ctx context.Context, tenantID string, channelType Type) (*session, error) {
	key := sessionKey{tenantID: tenantID, channel: channelType}
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	snap, err := m.store.Get(ctx, tenantID, channelType)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		snap = Session{
			TenantID: tenantID,
			Channel:  channelType,
			Status:   StatusDisconnected,
		}
	}
	switch snap.Status {
	case StatusConnecting, StatusQRPending, StatusConnected:
		snap.Status = StatusDisconnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := &session{key: key, snapshot: snap}
	m.sessions[key] = s
	return s, nil
}

// dial runs one initialization attempt. The outcome arrives through
// the session sink: connected, a pairing code, or a disconnect.
func (m *Manager) dial(ctx context.Context, adapter Adapter, s *session) {
	m.transition(s, StatusConnecting, "")

	var creds []byte
	sealed, err := m.store.Credentials(ctx, s.key.tenantID, s.key.channel)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		m.log.Warn("load credentials failed",
			slog.String("tenant_id", s.key.tenantID),
			slog.String("channel", s.key.channel.String()),
			slog.Any("error", err))
	}
	if len(sealed) > 0 {
		opened, err := m.cipher.Open(sealed)
		if err != nil {
			// Unreadable credentials force a fresh pairing.
			m.log.Warn("open credentials failed, re-pairing",
				slog.String("tenant_id", s.key.tenantID),
				slog.Any("error", err))
		} else {
			creds = opened
		}
	}

	m.mu.Lock()
	s.stopConnectTimerLocked()
	s.connectTimer = time.AfterFunc(m.connectTimeout, func() { m.onConnectTimeout(s) })
	m.mu.Unlock()

	m.log.Info("dial",
		slog.String("tenant_id", s.key.tenantID),
		slog.String("channel", s.key.channel.String()),
		slog.Bool("has_credentials", len(creds) > 0))

	transport, err := adapter.Dial(ctx, DialConfig{TenantID: s.key.tenantID, Credentials: creds}, &sessionSink{m: m, s: s})
	if err != nil {
		m.log.Error("dial failed",
			slog.String("tenant_id", s.key.tenantID),
			slog.String("channel", s.key.channel.String()),
			slog.Any("error", err))
		m.onTransportDown(s, ReasonConnectionLost)
		return
	}

	m.mu.Lock()
	switch s.snapshot.Status {
	case StatusConnecting, StatusQRPending, StatusConnected:
		s.transport = transport
		m.mu.Unlock()
	default:
		// The attempt was preempted (timeout, manual disconnect) while
		// the adapter was still dialing; the late transport is dropped.
		m.mu.Unlock()
		_ = transport.Disconnect(context.Background())
	}
}

// redial is the scheduled reconnection attempt. The session may have
// moved on since the timer was set; every precondition is re-checked.
func (m *Manager) redial(s *session) {
	adapter, ok := m.registry.Get(s.key.channel)
	if !ok {
		return
	}

	m.mu.Lock()
	s.reconnectTimer = nil
	s.nextRetryAt = time.Time{}
	if s.dialing || s.live() || s.snapshot.ManualDisconnect || s.snapshot.Status == StatusError {
		m.mu.Unlock()
		return
	}
	s.dialing = true
	attempt := s.snapshot.ReconnectAttempts
	m.mu.Unlock()

	m.log.Info("reconnect attempt",
		slog.String("tenant_id", s.key.tenantID),
		slog.String("channel", s.key.channel.String()),
		slog.Int("attempt", attempt))
	go m.dial(context.Background(), adapter, s)
}

// sweep is the safety net behind the per-session timers: it repairs
// stale-connected sessions (dead transport behind a connected status)
// and restarts recoverable drops whose timer got lost. Manual and
// error sessions are never touched.
func (m *Manager) sweep() {
	m.mu.Lock()
	stale := make([]*session, 0)
	due := make([]*session, 0)
	for _, s := range m.sessions {
		if s.snapshot.ManualDisconnect || s.dialing {
			continue
		}
		switch s.snapshot.Status {
		case StatusConnected:
			if !s.live() {
				stale = append(stale, s)
			}
		case StatusDisconnected:
			if s.reconnectTimer != nil || s.snapshot.LastDisconnectReason == "" {
				continue
			}
			if s.snapshot.LastDisconnectReason.Recoverable() {
				due = append(due, s)
			}
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Warn("stale transport detected",
			slog.String("tenant_id", s.key.tenantID),
			slog.String("channel", s.key.channel.String()))
		m.onTransportDown(s, ReasonConnectionLost)
	}
	for _, s := range due {
		m.redial(s)
	}
}

// onConnectTimeout forces a session stuck in connecting/qr_pending to
// error. Cancelled by reaching connected first.
func (m *Manager) onConnectTimeout(s *session) {
	m.mu.Lock()
	status := s.snapshot.Status
	if status != StatusConnecting && status != StatusQRPending {
		m.mu.Unlock()
		return
	}
	s.connectTimer = nil
	s.dialing = false
	transport := s.transport
	s.transport = nil
	s.drainWaitersLocked(ErrNotConnected)
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Disconnect(context.Background())
	}
	m.log.Warn("connect timed out",
		slog.String("tenant_id", s.key.tenantID),
		slog.String("channel", s.key.channel.String()))
	m.transition(s, StatusError, ReasonTimeout)
}

// onPairing surfaces a fresh pairing code. Codes are short-lived; the
// transport emits a new one on expiry and each is published anew.
func (m *Manager) onPairing(s *session, code PairingCode) {
	m.mu.Lock()
	connecting := s.snapshot.Status == StatusConnecting
	if connecting {
		// The scan window gets its own, usually shorter budget than
		// the dial had.
		s.stopConnectTimerLocked()
		s.connectTimer = time.AfterFunc(m.pairingTimeout, func() { m.onConnectTimeout(s) })
	}
	m.mu.Unlock()
	if connecting {
		m.transition(s, StatusQRPending, "")
	}
	m.log.Info("pairing code issued",
		slog.String("tenant_id", s.key.tenantID),
		slog.String("channel", s.key.channel.String()))
	m.publish(event.TypeSessionPairing, s.key.tenantID, map[string]any{
		"channel":    s.key.channel.String(),
		"code":       code.Code,
		"expires_at": code.ExpiresAt,
	})
}

// onConnected commits a successful attempt: the counter resets, timers
// die, fresh credentials get sealed and persisted, waiters resume.
func (m *Manager) onConnected(s *session, evt TransportEvent) {
	m.mu.Lock()
	s.stopTimersLocked()
	s.dialing = false
	s.snapshot.ReconnectAttempts = 0
	s.snapshot.LastDisconnectReason = ""
	if evt.Address != "" {
		s.snapshot.PairedAddress = evt.Address
	}
	if len(evt.Credentials) > 0 {
		s.snapshot.CredentialsRef = true
	}
	s.drainWaitersLocked(nil)
	m.mu.Unlock()

	if len(evt.Credentials) > 0 {
		sealed, err := m.cipher.Seal(evt.Credentials)
		if err == nil {
			err = m.store.SetCredentials(context.Background(), s.key.tenantID, s.key.channel, sealed)
		}
		if err != nil {
			m.log.Error("persist credentials failed",
				slog.String("tenant_id", s.key.tenantID),
				slog.String("channel", s.key.channel.String()),
				slog.Any("error", err))
		}
	}

	m.log.Info("connected",
		slog.String("tenant_id", s.key.tenantID),
		slog.String("channel", s.key.channel.String()))
	m.transition(s, StatusConnected, "")
}

// onTransportDown classifies a drop and decides what happens next:
// manual stays down, auth failures go terminal and force re-pairing,
// recoverable drops schedule the next backoff step until the cap.
func (m *Manager) onTransportDown(s *session, reason DisconnectReason) {
	m.mu.Lock()
	s.stopConnectTimerLocked()
	s.dialing = false
	s.transport = nil
	s.drainWaitersLocked(ErrNotConnected)

	next := StatusDisconnected
	clearCreds := false
	var delay time.Duration
	scheduleRetry := false

	switch {
	case reason == ReasonManual || s.snapshot.ManualDisconnect:
		s.snapshot.ManualDisconnect = true
		reason = ReasonManual
	case !reason.Recoverable():
		next = StatusError
		clearCreds = true
		s.snapshot.CredentialsRef = false
	default:
		s.snapshot.ReconnectAttempts++
		if s.snapshot.ReconnectAttempts > len(m.schedule) {
			next = StatusError
		} else {
			delay = m.schedule[s.snapshot.ReconnectAttempts-1]
			scheduleRetry = true
		}
	}

	if scheduleRetry {
		s.nextRetryAt = time.Now().UTC().Add(delay)
		s.reconnectTimer = time.AfterFunc(delay, func() { m.redial(s) })
	}
	attempts := s.snapshot.ReconnectAttempts
	m.mu.Unlock()

	if clearCreds {
		if err := m.store.ClearCredentials(context.Background(), s.key.tenantID, s.key.channel); err != nil {
			m.log.Warn("clear credentials failed",
				slog.String("tenant_id", s.key.tenantID),
				slog.Any("error", err))
		}
	}

	m.log.Warn("transport down",
		slog.String("tenant_id", s.key.tenantID),
		slog.String("channel", s.key.channel.String()),
		slog.String("reason", string(reason)),
		slog.Int("attempts", attempts),
		slog.Duration("retry_in", delay))
	m.transition(s, next, reason)
}

// transition is the single entry point for status changes: validate,
// persist, notify. Same-status calls only refresh the persisted row.
func (m *Manager) transition(s *session, to SessionStatus, reason DisconnectReason) {
	m.mu.Lock()
	from := s.snapshot.Status
	if from != to && !CanTransition(from, to) {
		m.mu.Unlock()
		m.log.Warn("invalid session transition",
			slog.String("tenant_id", s.key.tenantID),
			slog.String("channel", s.key.channel.String()),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return
	}
	s.snapshot.Status = to
	if reason != "" {
		s.snapshot.LastDisconnectReason = reason
	}
	s.snapshot.UpdatedAt = time.Now().UTC()
	snap := s.snapshot
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, snap); err != nil {
		m.log.Error("persist session failed",
			slog.String("tenant_id", snap.TenantID),
			slog.String("channel", snap.Channel.String()),
			slog.Any("error", err))
	}

	m.publish(event.TypeSessionStatus, snap.TenantID, map[string]any{
		"channel":                snap.Channel.String(),
		"status":                 snap.Status.String(),
		"reconnect_attempts":     snap.ReconnectAttempts,
		"last_disconnect_reason": string(snap.LastDisconnectReason),
	})
}

// publish is fire-and-forget: fanout failure never fails a transition.
func (m *Manager) publish(kind event.Type, tenantID string, payload map[string]any) {
	if m.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.events.Publish(event.Event{Type: kind, TenantID: tenantID, Data: data})
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		for i := 0; i < m.inboundWorkers; i++ {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case msg := <-m.inboundQueue:
						m.mu.Lock()
						handler := m.handler
						m.mu.Unlock()
						if handler != nil {
							handler(ctx, msg)
						}
					}
				}
			}()
		}
	})
}

func (m *Manager) enqueueInbound(msg InboundMessage) {
	select {
	case m.inboundQueue <- msg:
	default:
		m.log.Warn("inbound queue full, message dropped",
			slog.String("tenant_id", msg.TenantID),
			slog.String("channel", msg.Channel.String()))
	}
}

// sessionSink routes one transport's events into the manager. It is
// handed to the adapter before the transport starts, so no event can
// arrive without a consumer.
type sessionSink struct {
	m *Manager
	s *session
}

func (k *sessionSink) Inbound(msg InboundMessage) {
	if msg.TenantID == "" {
		msg.TenantID = k.s.key.tenantID
	}
	if msg.Channel == "" {
		msg.Channel = k.s.key.channel
	}
	k.m.enqueueInbound(msg)
}

func (k *sessionSink) StateChanged(evt TransportEvent) {
	switch evt.Kind {
	case TransportPairingCode:
		if evt.Pairing != nil {
			k.m.onPairing(k.s, *evt.Pairing)
		}
	case TransportConnected:
		k.m.onConnected(k.s, evt)
	case TransportDisconnected:
		k.m.onTransportDown(k.s, evt.Reason)
	}
}

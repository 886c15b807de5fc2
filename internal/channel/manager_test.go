package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botwalk/botwalk/internal/event"
)

const testTenant = "11111111-2222-3333-4444-555555555555"

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[sessionKey]Session
	creds    map[sessionKey][]byte
	statuses []SessionStatus
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{
		sessions: map[sessionKey]Session{},
		creds:    map[sessionKey][]byte{},
	}
}

func (s *memorySessionStore) Get(_ context.Context, tenantID string, channel Type) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[sessionKey{tenantID: tenantID, channel: channel}]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return snap, nil
}

func (s *memorySessionStore) Save(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey{tenantID: session.TenantID, channel: session.Channel}] = session
	s.statuses = append(s.statuses, session.Status)
	return nil
}

func (s *memorySessionStore) Credentials(_ context.Context, tenantID string, channel Type) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, ok := s.creds[sessionKey{tenantID: tenantID, channel: channel}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sealed, nil
}

func (s *memorySessionStore) SetCredentials(_ context.Context, tenantID string, channel Type, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[sessionKey{tenantID: tenantID, channel: channel}] = sealed
	return nil
}

func (s *memorySessionStore) ClearCredentials(_ context.Context, tenantID string, channel Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, sessionKey{tenantID: tenantID, channel: channel})
	return nil
}

func (s *memorySessionStore) storedCredentials(tenantID string, channel Type) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[sessionKey{tenantID: tenantID, channel: channel}]
}

type fakeTransport struct {
	live        atomic.Bool
	mu          sync.Mutex
	sent        []OutboundMessage
	disconnects int
}

func newFakeTransport() *fakeTransport {
	tr := &fakeTransport{}
	tr.live.Store(true)
	return tr
}

func (t *fakeTransport) Send(_ context.Context, msg OutboundMessage) (string, error) {
	if !t.live.Load() {
		return "", ErrNotConnected
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return "msg-1", nil
}

func (t *fakeTransport) IsLive() bool {
	return t.live.Load()
}

func (t *fakeTransport) Disconnect(_ context.Context) error {
	t.live.Store(false)
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// fakeAdapter records every dial and hands the captured sinks back to
// the test, which plays the transport's side of the conversation.
type fakeAdapter struct {
	channelType Type

	mu         sync.Mutex
	dials      int
	sinks      []EventSink
	transports []*fakeTransport

	block       chan struct{}
	dialErr     func(attempt int) error
	autoConnect bool
	connectWith TransportEvent
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{channelType: Type("fake")}
}

func (a *fakeAdapter) Type() Type {
	return a.channelType
}

func (a *fakeAdapter) Descriptor() Descriptor {
	return Descriptor{
		Type:        a.channelType,
		DisplayName: "Fake",
	}
}

func (a *fakeAdapter) Dial(_ context.Context, _ DialConfig, sink EventSink) (Transport, error) {
	a.mu.Lock()
	a.dials++
	attempt := a.dials
	a.sinks = append(a.sinks, sink)
	block := a.block
	dialErr := a.dialErr
	a.mu.Unlock()

	if block != nil {
		<-block
	}
	if dialErr != nil {
		if err := dialErr(attempt); err != nil {
			return nil, err
		}
	}

	tr := newFakeTransport()
	a.mu.Lock()
	a.transports = append(a.transports, tr)
	a.mu.Unlock()

	if a.autoConnect {
		evt := a.connectWith
		evt.Kind = TransportConnected
		sink.StateChanged(evt)
	}
	return tr, nil
}

func (a *fakeAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func (a *fakeAdapter) sink(i int) EventSink {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.sinks) {
		return nil
	}
	return a.sinks[i]
}

func (a *fakeAdapter) transport(i int) *fakeTransport {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.transports) {
		return nil
	}
	return a.transports[i]
}

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturePublisher) Publish(evt event.Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *capturePublisher) ofType(kind event.Type) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Event, 0)
	for _, e := range p.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T, adapter *fakeAdapter) (*Manager, *memorySessionStore, *capturePublisher) {
	t.Helper()
	registry := NewRegistry()
	registry.MustRegister(adapter)
	store := newMemorySessionStore()
	events := &capturePublisher{}
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), registry, store, plainCipher{}, events)
	m.Bind(func(context.Context, InboundMessage) {})
	return m, store, events
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func sessionSnapshot(t *testing.T, m *Manager, channelType Type) Session {
	t.Helper()
	snap, _, err := m.Status(context.Background(), testTenant, channelType)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return snap
}

func TestConnectRefusesWithoutHandler(t *testing.T) {
	adapter := newFakeAdapter()
	m, _, _ := newTestManager(t, adapter)
	m.Bind(nil)

	err := m.Connect(context.Background(), testTenant, adapter.channelType)
	if !errors.Is(err, ErrHandlerNotBound) {
		t.Fatalf("expected ErrHandlerNotBound, got %v", err)
	}
	if adapter.dialCount() != 0 {
		t.Fatalf("expected no dial, got %d", adapter.dialCount())
	}
}

func TestConnectUnknownChannel(t *testing.T) {
	adapter := newFakeAdapter()
	m, _, _ := newTestManager(t, adapter)

	if err := m.Connect(context.Background(), testTenant, Type("pigeon")); err == nil {
		t.Fatal("expected error for unregistered channel type")
	}
}

func TestConnectSingleFlight(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.block = make(chan struct{})
	m, _, _ := newTestManager(t, adapter)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	waitFor(t, func() bool { return adapter.dialCount() == 1 }, "first dial")

	// A concurrent caller parks on the in-flight attempt instead of
	// starting a second dial.
	results := make(chan error, 1)
	go func() {
		results <- m.Connect(context.Background(), testTenant, adapter.channelType)
	}()
	time.Sleep(10 * time.Millisecond)

	close(adapter.block)
	waitFor(t, func() bool { return adapter.sink(0) != nil && adapter.transport(0) != nil }, "dial to finish")
	adapter.sink(0).StateChanged(TransportEvent{Kind: TransportConnected})

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resumed")
	}

	if adapter.dialCount() != 1 {
		t.Fatalf("expected a single dial, got %d", adapter.dialCount())
	}
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")
	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect while live: %v", err)
	}
	if adapter.dialCount() != 1 {
		t.Fatalf("connect while live must not redial, got %d dials", adapter.dialCount())
	}
}

func TestConnectWaiterBoundedWait(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.block = make(chan struct{})
	defer close(adapter.block)

	m, _, _ := newTestManager(t, adapter)
	m.connectWait = 20 * time.Millisecond

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	waitFor(t, func() bool { return adapter.dialCount() == 1 }, "first dial")

	err := m.Connect(context.Background(), testTenant, adapter.channelType)
	if !errors.Is(err, ErrConnectPending) {
		t.Fatalf("expected ErrConnectPending, got %v", err)
	}
}

func TestReconnectBackoffCap(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.dialErr = func(int) error { return errors.New("gateway unreachable") }
	m, _, _ := newTestManager(t, adapter)
	m.schedule = []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Initial attempt plus one retry per schedule slot, then terminal.
	waitFor(t, func() bool {
		return sessionSnapshot(t, m, adapter.channelType).Status == StatusError
	}, "session to reach error")

	if got := adapter.dialCount(); got != 3 {
		t.Fatalf("expected 3 dials (initial + 2 retries), got %d", got)
	}
	snap := sessionSnapshot(t, m, adapter.channelType)
	if snap.ReconnectAttempts != 3 {
		t.Fatalf("expected attempts 3, got %d", snap.ReconnectAttempts)
	}
	if snap.LastDisconnectReason != ReasonConnectionLost {
		t.Fatalf("expected reason connection_lost, got %s", snap.LastDisconnectReason)
	}

	// Terminal sessions are left alone by the sweep.
	m.sweep()
	time.Sleep(30 * time.Millisecond)
	if got := adapter.dialCount(); got != 3 {
		t.Fatalf("error session must not be redialed, got %d dials", got)
	}
}

func TestConnectedResetsBackoffCounter(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.dialErr = func(attempt int) error {
		if attempt == 1 {
			return errors.New("gateway unreachable")
		}
		return nil
	}
	m, _, _ := newTestManager(t, adapter)
	m.schedule = []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return adapter.dialCount() == 2 && adapter.sink(1) != nil && adapter.transport(0) != nil }, "retry dial")

	adapter.sink(1).StateChanged(TransportEvent{Kind: TransportConnected})
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")

	snap := sessionSnapshot(t, m, adapter.channelType)
	if snap.ReconnectAttempts != 0 {
		t.Fatalf("connected must reset the counter, got %d", snap.ReconnectAttempts)
	}

	// The next drop restarts the schedule from the first slot.
	adapter.sink(1).StateChanged(TransportEvent{Kind: TransportDisconnected, Reason: ReasonConnectionLost})
	waitFor(t, func() bool {
		snap := sessionSnapshot(t, m, adapter.channelType)
		return snap.Status == StatusDisconnected || snap.Status == StatusConnecting || snap.Status == StatusConnected
	}, "drop to register")
	waitFor(t, func() bool { return adapter.dialCount() >= 3 }, "reconnect after drop")
}

func TestManualDisconnectStaysDown(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.autoConnect = true
	m, _, _ := newTestManager(t, adapter)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")

	if err := m.Disconnect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	snap := sessionSnapshot(t, m, adapter.channelType)
	if snap.Status != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", snap.Status)
	}
	if !snap.ManualDisconnect {
		t.Fatal("expected manual disconnect marker")
	}
	if adapter.transport(0).disconnectCount() != 1 {
		t.Fatal("expected transport disconnect")
	}

	// No sweep pass may resurrect a manually stopped session.
	for i := 0; i < 3; i++ {
		m.sweep()
	}
	time.Sleep(20 * time.Millisecond)
	if adapter.dialCount() != 1 {
		t.Fatalf("manual session must not be redialed, got %d dials", adapter.dialCount())
	}

	// An explicit connect clears the marker and dials again.
	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, func() bool { return adapter.dialCount() == 2 }, "explicit reconnect")
}

func TestLoggedOutClearsCredentials(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.autoConnect = true
	adapter.connectWith = TransportEvent{Credentials: []byte("session-blob"), Address: "551199@c.us"}
	m, store, _ := newTestManager(t, adapter)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")
	waitFor(t, func() bool {
		return bytes.Equal(store.storedCredentials(testTenant, adapter.channelType), []byte("session-blob"))
	}, "credentials to persist")

	snap := sessionSnapshot(t, m, adapter.channelType)
	if !snap.CredentialsRef || snap.PairedAddress != "551199@c.us" {
		t.Fatalf("expected credentials ref and paired address, got %+v", snap)
	}

	adapter.sink(0).StateChanged(TransportEvent{Kind: TransportDisconnected, Reason: ReasonLoggedOut})
	waitFor(t, func() bool {
		return sessionSnapshot(t, m, adapter.channelType).Status == StatusError
	}, "session to reach error")

	snap = sessionSnapshot(t, m, adapter.channelType)
	if snap.CredentialsRef {
		t.Fatal("logged_out must drop the credentials ref")
	}
	if store.storedCredentials(testTenant, adapter.channelType) != nil {
		t.Fatal("logged_out must clear stored credentials")
	}

	time.Sleep(20 * time.Millisecond)
	if adapter.dialCount() != 1 {
		t.Fatalf("logged_out must not trigger reconnects, got %d dials", adapter.dialCount())
	}
}

func TestConnectTimeoutForcesError(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.block = make(chan struct{})
	m, _, _ := newTestManager(t, adapter)
	m.SetConnectTimeout(15 * time.Millisecond)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, func() bool {
		return sessionSnapshot(t, m, adapter.channelType).Status == StatusError
	}, "timeout to force error")
	if got := sessionSnapshot(t, m, adapter.channelType).LastDisconnectReason; got != ReasonTimeout {
		t.Fatalf("expected reason timeout, got %s", got)
	}

	// The adapter finishing after the timeout must not leave a live
	// transport attached to an errored session.
	close(adapter.block)
	waitFor(t, func() bool {
		tr := adapter.transport(0)
		return tr != nil && tr.disconnectCount() == 1
	}, "late transport to be dropped")
	if m.IsLive(testTenant, adapter.channelType) {
		t.Fatal("errored session must not report live")
	}
}

func TestPairingTimeoutForcesError(t *testing.T) {
	adapter := newFakeAdapter()
	m, _, _ := newTestManager(t, adapter)
	m.SetConnectTimeout(time.Minute)
	m.SetPairingTimeout(15 * time.Millisecond)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return adapter.sink(0) != nil }, "dial")

	adapter.sink(0).StateChanged(TransportEvent{
		Kind:    TransportPairingCode,
		Pairing: &PairingCode{Code: "2@abc123", ExpiresAt: time.Now().Add(time.Minute).UTC()},
	})
	waitFor(t, func() bool {
		return sessionSnapshot(t, m, adapter.channelType).Status == StatusQRPending
	}, "pairing to surface")

	// The code is never scanned; the scan window expires well before
	// the connect timeout would.
	waitFor(t, func() bool {
		return sessionSnapshot(t, m, adapter.channelType).Status == StatusError
	}, "unscanned code to force error")
	if got := sessionSnapshot(t, m, adapter.channelType).LastDisconnectReason; got != ReasonTimeout {
		t.Fatalf("expected reason timeout, got %s", got)
	}
}

func TestSweepRepairsStaleConnected(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.autoConnect = true
	m, _, _ := newTestManager(t, adapter)
	m.schedule = []time.Duration{5 * time.Millisecond}

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")

	// The link dies without the transport reporting it.
	adapter.transport(0).live.Store(false)
	m.sweep()

	waitFor(t, func() bool { return adapter.dialCount() == 2 }, "sweep to trigger redial")
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to recover")
	if got := sessionSnapshot(t, m, adapter.channelType).ReconnectAttempts; got != 0 {
		t.Fatalf("recovered session must reset the counter, got %d", got)
	}
}

func TestPairingFlow(t *testing.T) {
	adapter := newFakeAdapter()
	m, _, events := newTestManager(t, adapter)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return adapter.sink(0) != nil }, "dial")

	expires := time.Now().Add(time.Minute).UTC()
	adapter.sink(0).StateChanged(TransportEvent{
		Kind:    TransportPairingCode,
		Pairing: &PairingCode{Code: "2@abc123", ExpiresAt: expires},
	})
	waitFor(t, func() bool {
		return sessionSnapshot(t, m, adapter.channelType).Status == StatusQRPending
	}, "pairing to surface")

	if got := len(events.ofType(event.TypeSessionPairing)); got != 1 {
		t.Fatalf("expected 1 pairing event, got %d", got)
	}

	adapter.sink(0).StateChanged(TransportEvent{Kind: TransportConnected, Address: "551199@c.us"})
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "pairing to complete")
	if got := sessionSnapshot(t, m, adapter.channelType).PairedAddress; got != "551199@c.us" {
		t.Fatalf("expected paired address, got %q", got)
	}
}

func TestSendRequiresLiveTransport(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.autoConnect = true
	m, _, _ := newTestManager(t, adapter)

	_, err := m.Send(context.Background(), testTenant, adapter.channelType, OutboundMessage{To: "a", Text: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")

	id, err := m.Send(context.Background(), testTenant, adapter.channelType, OutboundMessage{To: "a", Text: "hi"})
	if err != nil || id == "" {
		t.Fatalf("send: id=%q err=%v", id, err)
	}
}

func TestDisconnectResumesParkedWaiters(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.block = make(chan struct{})
	defer close(adapter.block)

	m, _, _ := newTestManager(t, adapter)

	if err := m.Connect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return adapter.dialCount() == 1 }, "first dial")

	results := make(chan error, 1)
	go func() {
		results <- m.Connect(context.Background(), testTenant, adapter.channelType)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := m.Disconnect(context.Background(), testTenant, adapter.channelType); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-results:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resumed after disconnect")
	}
}

func TestEnsureSessionCollapsesStaleStatus(t *testing.T) {
	adapter := newFakeAdapter()
	m, store, _ := newTestManager(t, adapter)

	// A connected status in the store is stale after a restart: no
	// process holds that link anymore.
	if err := store.Save(context.Background(), Session{
		TenantID: testTenant,
		Channel:  adapter.channelType,
		Status:   StatusConnected,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, err := m.ensureSession(context.Background(), testTenant, adapter.channelType)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if s.snapshot.Status != StatusDisconnected {
		t.Fatalf("expected stale status to collapse to disconnected, got %s", s.snapshot.Status)
	}
}

func TestStatusFallsBackToStore(t *testing.T) {
	adapter := newFakeAdapter()
	m, store, _ := newTestManager(t, adapter)

	if err := store.Save(context.Background(), Session{
		TenantID: testTenant,
		Channel:  adapter.channelType,
		Status:   StatusError,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	snap, live, err := m.Status(context.Background(), testTenant, adapter.channelType)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if live || snap.Status != StatusError {
		t.Fatalf("expected stored error snapshot, got live=%v status=%s", live, snap.Status)
	}
}

func TestDefaultReconnectSchedule(t *testing.T) {
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 60 * time.Second}
	if len(defaultReconnectSchedule) != len(want) {
		t.Fatalf("expected %d slots, got %d", len(want), len(defaultReconnectSchedule))
	}
	for i, d := range want {
		if defaultReconnectSchedule[i] != d {
			t.Fatalf("slot %d: expected %s, got %s", i, d, defaultReconnectSchedule[i])
		}
	}
}

func TestInboundRoutedThroughWorkers(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.autoConnect = true
	m, _, _ := newTestManager(t, adapter)

	var mu sync.Mutex
	var got []InboundMessage
	m.Bind(func(_ context.Context, msg InboundMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	if err := m.Connect(ctx, testTenant, adapter.channelType); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return m.IsLive(testTenant, adapter.channelType) }, "session to go live")

	adapter.sink(0).Inbound(InboundMessage{From: "551199@c.us", Text: "hello"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "inbound delivery")

	mu.Lock()
	defer mu.Unlock()
	if got[0].TenantID != testTenant || got[0].Channel != adapter.channelType {
		t.Fatalf("sink must fill tenant and channel, got %+v", got[0])
	}
}

package channel

import (
	"time"
)

// defaultReconnectSchedule is the fixed backoff between reconnection
// attempts. Attempt n waits schedule[n-1]; one failure beyond the last
// entry is terminal.
var defaultReconnectSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

type sessionKey struct {
	tenantID string
	channel  Type
}

// session is the in-memory runtime state of one tenant-channel pair.
// All fields are guarded by the manager's mutex; the transport's own
// methods are safe to call outside it.
type session struct {
	key      sessionKey
	snapshot Session

	transport Transport
	// dialing marks an initialization in flight; concurrent connect
	// requests park on waiters instead of starting a second dial.
	dialing bool
	waiters []chan error

	reconnectTimer *time.Timer
	connectTimer   *time.Timer
	// nextRetryAt records when the scheduled reconnect fires, for
	// status snapshots.
	nextRetryAt time.Time
}

// stopTimersLocked clears both timers. Callers hold the manager lock;
// a timer that already fired finds the session state changed and
// backs off on its own.
func (s *session) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
		s.nextRetryAt = time.Time{}
	}
	s.stopConnectTimerLocked()
}

func (s *session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// live reports real transport liveness, not mere handle existence.
func (s *session) live() bool {
	return s.transport != nil && s.transport.IsLive()
}

// drainWaitersLocked hands the connect outcome to every parked caller.
func (s *session) drainWaitersLocked(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

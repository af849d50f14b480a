package session

import (
	"log/slog"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// Heartbeat management. The server emits a bare Heartbeat() packet every
// heartbeatInterval; each one due without an inbound Heartbeat in between
// increments missedHeartbeats, and crossing missedThreshold closes the
// session. heartbeatGen is bumped on every
// stop/reset so a timer fire racing a concurrent stop/reset is a cheap
// no-op instead of acting on stale state.

// startHeartbeatLocked arms the first tick. Caller holds s.mu.
func (s *Session) startHeartbeatLocked() {
	s.missedHeartbeats = 0
	s.heartbeatRunning = true
	s.scheduleHeartbeatLocked()
}

// resetHeartbeatLocked restarts the timer from zero, used on Attach so a
// newly attached transport gets a full interval before the first tick.
// Caller holds s.mu.
func (s *Session) resetHeartbeatLocked() {
	s.stopHeartbeatLocked()
	s.startHeartbeatLocked()
}

// stopHeartbeatLocked disarms the timer. Caller holds s.mu.
func (s *Session) stopHeartbeatLocked() {
	s.heartbeatGen++
	s.heartbeatRunning = false
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
}

// DelayHeartbeat slides the heartbeat timer forward on inbound transport
// traffic, so a connection that's otherwise busy isn't closed for missing
// a heartbeat it had no need to send. No-op when heartbeats run on a
// fixed global cadence rather than per-transport.
func (s *Session) DelayHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.globalHeartbeats || !s.heartbeatRunning {
		return
	}
	s.resetHeartbeatLocked()
}

func (s *Session) scheduleHeartbeatLocked() {
	if s.heartbeatInterval <= 0 {
		return
	}
	gen := s.heartbeatGen
	s.heartbeatTimer = time.AfterFunc(s.heartbeatInterval, func() {
		s.onHeartbeatTick(gen)
	})
}

func (s *Session) onHeartbeatTick(gen uint64) {
	s.mu.Lock()
	if s.closed || !s.heartbeatRunning || gen != s.heartbeatGen {
		s.mu.Unlock()
		return
	}

	s.missedHeartbeats++
	if s.missedHeartbeats > s.missedThreshold {
		s.mu.Unlock()
		slog.Warn("session missed too many heartbeats, closing", "session_id", s.id, "missed", s.missedHeartbeats)
		s.Close()
		return
	}

	s.enqueueLocked(&wire.Packet{Kind: wire.KindHeartbeat})
	s.scheduleHeartbeatLocked()
	s.mu.Unlock()

	s.Flush()
}

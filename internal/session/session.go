// Package session implements the per-client Session entity and its
// expiring container: the only objects the transport
// layer refers to across HTTP request boundaries.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/nvidia/gridstreamer/signaling/internal/stats"
	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// ErrOpenRejected is returned by New when the default connection's OnOpen
// hook explicitly refuses the session.
var ErrOpenRejected = errors.New("session: on_open refused the connection")

// ErrHandlerAlreadyAttached is returned by Attach when another handler is
// already attached to the session.
var ErrHandlerAlreadyAttached = errors.New("session: a handler is already attached")

// ErrRemoteIPMismatch is returned by Attach when the attaching handler's
// client IP does not match the session's original remote IP.
var ErrRemoteIPMismatch = errors.New("session: remote IP does not match session owner")

// Config carries the per-session tunables sourced from internal/config.
type Config struct {
	ExpirySeconds     time.Duration
	HeartbeatInterval time.Duration
	MissedThreshold   int
	GlobalHeartbeats  bool
}

type endpointEntry struct {
	conn   conn.Connection
	socket *conn.Socket
}

// Session is the durable per-client entity that survives transport churn.
type Session struct {
	mu sync.Mutex

	id            string
	remoteIP      net.IP
	createdAt     time.Time
	expirySeconds time.Duration
	expiresAt     time.Time

	queue   []string
	handler Handler

	heartbeatInterval time.Duration
	missedThreshold   int
	missedHeartbeats  int
	heartbeatTimer    *time.Timer
	heartbeatGen      uint64
	globalHeartbeats  bool
	heartbeatRunning  bool

	endpoints map[string]*endpointEntry

	closed bool

	statsCollector *stats.Collector

	// onClose is invoked once, after the session has fully closed, so the
	// owning Container can drop it without waiting for the next sweep.
	onClose func(id string)
}

// New creates a session, instantiates the default endpoint's Connection,
// and invokes its OnOpen hook. If OnOpen returns false or an error, the
// session is not created and ErrOpenRejected (or the wrapped error) is
// returned — callers (the handshake handler) must respond 401 in that case.
func New(cfg Config, remoteIP net.IP, defaultConn conn.Connection, statsCollector *stats.Collector) (*Session, error) {
	now := time.Now()
	s := &Session{
		id:                newID(),
		remoteIP:          remoteIP,
		createdAt:         now,
		expirySeconds:     cfg.ExpirySeconds,
		expiresAt:         now.Add(cfg.ExpirySeconds),
		heartbeatInterval: cfg.HeartbeatInterval,
		missedThreshold:   cfg.MissedThreshold,
		globalHeartbeats:  cfg.GlobalHeartbeats,
		endpoints:         make(map[string]*endpointEntry),
		statsCollector:    statsCollector,
	}

	socket := conn.NewSocket("", s)
	ok, err := s.callOnOpen(defaultConn, socket, "")
	if err != nil {
		return nil, fmt.Errorf("session: default connection on_open: %w", err)
	}
	if !ok {
		return nil, ErrOpenRejected
	}

	s.endpoints[""] = &endpointEntry{conn: defaultConn, socket: socket}
	s.enqueueLocked(&wire.Packet{Kind: wire.KindConnect, Endpoint: ""})

	if statsCollector != nil {
		statsCollector.SessionOpened()
	}

	if cfg.GlobalHeartbeats {
		s.startHeartbeatLocked()
	}

	return s, nil
}

func (s *Session) callOnOpen(c conn.Connection, socket *conn.Socket, endpoint string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in on_open: %v", r)
		}
	}()
	return c.OnOpen(conn.Info{SessionID: s.id, RemoteIP: s.remoteIP, Endpoint: endpoint}, socket)
}

// ID returns the session's opaque id.
func (s *Session) ID() string { return s.id }

// RemoteIP returns the IP address the session was created for.
func (s *Session) RemoteIP() net.IP { return s.remoteIP }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresAt returns the time at which the container may sweep this
// session, absent an attached, open handler.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// IsClosed reports whether the session has finished closing.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HasHandler reports whether a transport handler is currently attached.
func (s *Session) HasHandler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// SetOnClose registers the callback invoked once the session fully closes.
// Used by Container to evict the session without waiting for a sweep.
func (s *Session) SetOnClose(fn func(id string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Promote refreshes expires_at to now + expiry.
func (s *Session) Promote() {
	s.mu.Lock()
	s.expiresAt = time.Now().Add(s.expirySeconds)
	s.mu.Unlock()
}

// Attach binds a transport handler to the session. Fails if a handler is
// already attached or if h's remote IP does not match the session's
// (hijack defense). On success the session is promoted, the active
// connection stat is incremented, the heartbeat is (re)started unless
// global heartbeats are in effect, and the queue is flushed to h.
func (s *Session) Attach(h Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session: cannot attach to a closed session")
	}
	if s.handler != nil {
		s.mu.Unlock()
		return ErrHandlerAlreadyAttached
	}
	if !ipsEqual(s.remoteIP, h.RemoteIP()) {
		s.mu.Unlock()
		return ErrRemoteIPMismatch
	}

	s.handler = h
	s.expiresAt = time.Now().Add(s.expirySeconds)
	if !s.globalHeartbeats {
		s.resetHeartbeatLocked()
	}
	s.mu.Unlock()

	if s.statsCollector != nil {
		s.statsCollector.ConnectionAttached()
	}

	s.Flush()
	return nil
}

// Detach clears the attached handler. h must be the currently attached
// handler; a stale detach (from a handler that already lost the race to
// attach) is a no-op.
func (s *Session) Detach(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != h {
		return
	}
	s.handler = nil
	if s.statsCollector != nil {
		s.mu.Unlock()
		s.statsCollector.ConnectionDetached()
		s.mu.Lock()
	}
}

// ipsEqual treats a nil/empty IP on either side as "unknown, don't enforce".
func ipsEqual(a, b net.IP) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	return a.Equal(b)
}

// SendRaw appends an already wire-encoded packet to the outgoing queue and
// flushes. Implements conn.Sender so Connection implementations can send
// through their Socket without this package depending on conn's internals.
func (s *Session) SendRaw(endpoint, wirePacket string) {
	s.mu.Lock()
	s.queue = append(s.queue, wirePacket)
	s.mu.Unlock()
	s.Flush()
}

func (s *Session) enqueueLocked(p *wire.Packet) {
	encoded, err := wire.Encode(p)
	if err != nil {
		slog.Error("encoding session-internal packet", "session_id", s.id, "error", err)
		return
	}
	s.queue = append(s.queue, encoded)
}

// Flush hands the entire outgoing queue to the attached handler in one
// batch, in order. A no-op if no handler is attached
// or the queue is empty. If the session closed in the meantime, the
// handler is told to finalize once the flush completes.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.handler == nil || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	h := s.handler
	closed := s.closed
	s.mu.Unlock()

	h.SendMessages(batch)
	if s.statsCollector != nil {
		s.statsCollector.PacketsSent(len(batch))
	}

	if closed {
		h.SessionClosed()
	}
}

// RawMessage decodes and dispatches one inbound packet per the table in
// A decode failure is a structural error the caller must
// treat as fatal for the session (close it); dispatch-time panics from
// application code are recovered, logged, and also close the session,
// matching "the session is closed if the exception comes from the
// dispatch path of the transport.
func (s *Session) RawMessage(raw string) error {
	p, err := wire.Decode(raw)
	if err != nil {
		return err
	}

	if s.statsCollector != nil {
		s.statsCollector.PacketsReceived(1)
	}

	return s.dispatch(p)
}

func (s *Session) dispatch(p *wire.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic dispatching packet, closing session", "session_id", s.id, "kind", p.Kind.String(), "panic", r)
			s.Close()
			err = fmt.Errorf("session: recovered panic dispatching %s: %v", p.Kind, r)
		}
	}()

	switch p.Kind {
	case wire.KindDisconnect:
		if p.Endpoint == "" {
			s.Close()
		} else {
			s.disconnectEndpoint(p.Endpoint)
		}
	case wire.KindConnect:
		if p.Endpoint == "" {
			slog.Error("received invalid inbound Connect for default endpoint", "session_id", s.id)
		} else {
			s.connectEndpoint(p.Endpoint)
		}
	case wire.KindHeartbeat:
		s.mu.Lock()
		s.missedHeartbeats = 0
		s.mu.Unlock()
	case wire.KindMessage:
		s.dispatchToEndpoint(p.Endpoint, func(e *endpointEntry) {
			e.conn.OnMessage(p.Data)
			if p.AckID != "" {
				s.sendAck(p.Endpoint, p.AckID, nil, false)
			}
		})
	case wire.KindJSONMessage:
		s.dispatchToEndpoint(p.Endpoint, func(e *endpointEntry) {
			e.conn.OnMessage(p.JSON)
			if p.AckID != "" {
				s.sendAck(p.Endpoint, p.AckID, nil, false)
			}
		})
	case wire.KindEvent:
		s.dispatchToEndpoint(p.Endpoint, func(e *endpointEntry) {
			resp, hasResp := e.conn.OnEvent(p.EventName, p.EventArgs, p.EventKwargs)
			id, wantsAck := p.EventWantsAck()
			if wantsAck {
				s.sendAck(p.Endpoint, id, resp, true)
			} else if hasResp && id != "" {
				s.sendAck(p.Endpoint, id, resp, true)
			}
		})
	case wire.KindAck:
		s.dispatchToEndpoint(p.Endpoint, func(e *endpointEntry) {
			if !e.socket.Acks().Resolve(p.AckID, p.AckResponse, p.AckHasResponse) {
				slog.Warn("unknown ack id", "session_id", s.id, "endpoint", p.Endpoint, "ack_id", p.AckID)
			}
		})
	case wire.KindError:
		slog.Warn("received error packet from client", "session_id", s.id, "endpoint", p.Endpoint, "reason", p.ErrorReason, "advice", p.ErrorAdvice)
	case wire.KindNoop:
		// ignore
	}
	return nil
}

func (s *Session) dispatchToEndpoint(endpoint string, fn func(e *endpointEntry)) {
	s.mu.Lock()
	e, ok := s.endpoints[endpoint]
	s.mu.Unlock()
	if !ok {
		slog.Warn("dropping packet for unknown endpoint", "session_id", s.id, "endpoint", endpoint)
		return
	}
	fn(e)
}

func (s *Session) sendAck(endpoint, ackID string, response interface{}, hasResponse bool) {
	s.SendRaw(endpoint, mustEncode(&wire.Packet{
		Kind:           wire.KindAck,
		Endpoint:       endpoint,
		AckID:          ackID,
		AckResponse:    response,
		AckHasResponse: hasResponse,
	}))
}

func mustEncode(p *wire.Packet) string {
	encoded, err := wire.Encode(p)
	if err != nil {
		slog.Error("encoding packet failed", "kind", p.Kind.String(), "error", err)
		return ""
	}
	return encoded
}

// connectEndpoint instantiates and opens a non-default endpoint, per
// the Connect(ep) handling: when the default connection has no factory
// for the requested endpoint, log and ignore rather than close the session.
func (s *Session) connectEndpoint(endpoint string) {
	s.mu.Lock()
	if _, exists := s.endpoints[endpoint]; exists {
		s.mu.Unlock()
		return
	}
	factory := s.endpoints[""].conn
	s.mu.Unlock()

	newConn := factory.GetEndpoint(endpoint)
	if newConn == nil {
		slog.Info("no endpoint factory for requested endpoint, ignoring", "session_id", s.id, "endpoint", endpoint)
		return
	}

	socket := conn.NewSocket(endpoint, s)
	s.mu.Lock()
	s.endpoints[endpoint] = &endpointEntry{conn: newConn, socket: socket}
	s.enqueueLocked(&wire.Packet{Kind: wire.KindConnect, Endpoint: endpoint})
	s.mu.Unlock()
	s.Flush()

	ok, err := s.callOnOpen(newConn, socket, endpoint)
	if err != nil {
		slog.Error("endpoint on_open error", "session_id", s.id, "endpoint", endpoint, "error", err)
		s.disconnectEndpoint(endpoint)
		return
	}
	if !ok {
		s.disconnectEndpoint(endpoint)
	}
}

// disconnectEndpoint tears down one endpoint: invokes on_close, removes it
// from the map, and emits a Disconnect(ep) packet.
func (s *Session) disconnectEndpoint(endpoint string) {
	s.mu.Lock()
	e, ok := s.endpoints[endpoint]
	if ok {
		delete(s.endpoints, endpoint)
	}
	s.mu.Unlock()

	if !ok {
		slog.Warn("disconnect for unknown endpoint", "session_id", s.id, "endpoint", endpoint)
		return
	}

	e.conn.OnClose()
	s.SendRaw(endpoint, mustEncode(&wire.Packet{Kind: wire.KindDisconnect, Endpoint: endpoint}))
}

// Close tears the whole session down: it marks the session closed, stops
// heartbeats and queues a bare Disconnect(), then invokes OnClose on every
// sub-endpoint and then on the default connection, flushes the queue, and
// asks the attached handler (if any) to finalize. A second call is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	subEndpoints := make([]*endpointEntry, 0, len(s.endpoints))
	var defaultEntry *endpointEntry
	for ep, e := range s.endpoints {
		if ep == "" {
			defaultEntry = e
			continue
		}
		subEndpoints = append(subEndpoints, e)
	}
	s.endpoints = map[string]*endpointEntry{}
	s.stopHeartbeatLocked()
	s.enqueueLocked(&wire.Packet{Kind: wire.KindDisconnect})
	onClose := s.onClose
	id := s.id
	s.mu.Unlock()

	for _, e := range subEndpoints {
		e.conn.OnClose()
	}
	if defaultEntry != nil {
		defaultEntry.conn.OnClose()
	}

	if s.statsCollector != nil {
		s.statsCollector.SessionClosed()
	}

	s.Flush()

	if onClose != nil {
		onClose(id)
	}
}

// CloseEndpoint implements conn.Sender: an empty endpoint closes the whole
// session, any other value closes just that endpoint ("close()
// — closes this endpoint (or the whole session when called on the default
// connection)").
func (s *Session) CloseEndpoint(endpoint string) {
	if endpoint == "" {
		s.Close()
		return
	}
	s.disconnectEndpoint(endpoint)
}

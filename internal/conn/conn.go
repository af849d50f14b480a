// Package conn defines the application-facing Connection contract that the
// signaling core invokes on received messages/events, plus
// the outbound ack bookkeeping shared by every Connection implementation.
package conn

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// Info describes the session a Connection is bound to, passed to OnOpen.
type Info struct {
	SessionID string
	RemoteIP  net.IP
	Endpoint  string
}

// Sender is the narrow interface a Connection needs from its owning
// session: enqueue an already-formatted wire packet and close the
// session or a single endpoint. internal/session.Session implements it;
// kept separate to avoid an import cycle between session and conn.
type Sender interface {
	SendRaw(endpoint, wirePacket string)
	CloseEndpoint(endpoint string)
}

// Connection is the application-provided object bound to one endpoint on
// one session.
//
// Implementations must be safe to call from a single-threaded event loop;
// the core never calls a Connection's methods concurrently with each other
// for the same endpoint.
type Connection interface {
	// OnOpen is invoked once the endpoint connects, with the Socket handle
	// the implementation should retain for Send/Emit/Close calls. Returning
	// false (with a nil error) aborts the session/endpoint with an
	// unauthorized error.
	OnOpen(info Info, socket *Socket) (bool, error)

	// OnMessage is invoked for Message/JSONMessage packets with the
	// payload: a string for Message, or the decoded JSON value for
	// JSONMessage.
	OnMessage(payload interface{})

	// OnEvent is invoked for Event packets. Exactly one of args/kwargs is
	// non-nil, per the event unpacking rule: a single object argument is
	// delivered as kwargs, otherwise as positional args. Any non-nil
	// return value becomes the Ack response payload when one is requested.
	OnEvent(name string, args []interface{}, kwargs map[string]interface{}) (response interface{}, hasResponse bool)

	// OnClose is invoked once, when the endpoint (or the whole session) is
	// torn down.
	OnClose()

	// GetEndpoint is the endpoint factory: given a non-default endpoint
	// path, it returns a fresh Connection for that endpoint, or nil if the
	// application does not serve that endpoint. Only ever called on the
	// default connection.
	GetEndpoint(path string) Connection
}

// EndpointFactory is satisfied by any Connection through its GetEndpoint
// method; named separately for readability at call sites in internal/session.
type EndpointFactory interface {
	GetEndpoint(path string) Connection
}

// ackEntry is one outstanding outbound ack registration.
type ackEntry struct {
	at       time.Time
	callback func(original interface{}, response interface{}, hasResponse bool)
	original interface{}
}

// AckRegistry allocates monotonic outbound ack ids and resolves inbound
// Ack packets against them. One registry exists per endpoint, held by the
// Socket below.
type AckRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[string]ackEntry
}

// NewAckRegistry returns an empty ack registry.
func NewAckRegistry() *AckRegistry {
	return &AckRegistry{pending: make(map[string]ackEntry)}
}

// Register allocates a new ack id for an outgoing message and stores its
// callback and original payload for later resolution. Returns the decimal
// id to embed in the outgoing packet.
func (r *AckRegistry) Register(original interface{}, callback func(original, response interface{}, hasResponse bool)) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := uitoa(r.nextID)
	r.pending[id] = ackEntry{at: time.Now(), callback: callback, original: original}
	return id
}

// Resolve pops the entry for id and invokes its callback. Unknown ids are
// reported via ok=false so the caller can log-and-ignore.
func (r *AckRegistry) Resolve(id string, response interface{}, hasResponse bool) (ok bool) {
	r.mu.Lock()
	entry, found := r.pending[id]
	if found {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !found {
		return false
	}
	if entry.callback != nil {
		entry.callback(entry.original, response, hasResponse)
	}
	return true
}

// Len reports the number of outstanding acks, for tests/diagnostics.
func (r *AckRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Socket is the core-provided handle a Connection implementation uses to
// talk back: Send/Emit/EmitAck enqueue outgoing packets on the owning
// session, Close tears the endpoint (or, for the default endpoint, the
// whole session) down. One Socket is created per Connection instance.
type Socket struct {
	endpoint string
	sender   Sender
	acks     *AckRegistry
}

// NewSocket builds a Socket bound to one endpoint of a session. Used by
// internal/session when it instantiates a Connection.
func NewSocket(endpoint string, sender Sender) *Socket {
	return &Socket{endpoint: endpoint, sender: sender, acks: NewAckRegistry()}
}

// Acks exposes the socket's ack registry so the owning session can resolve
// inbound Ack packets against outstanding callbacks.
func (s *Socket) Acks() *AckRegistry { return s.acks }

// Send enqueues a Message (or, if forceJSON is set or message is not a
// string, a JSONMessage) packet. If ackCallback is non-nil, an ack id is
// allocated and the callback fires when the peer acks it.
func (s *Socket) Send(message interface{}, forceJSON bool, ackCallback func(original, response interface{}, hasResponse bool)) {
	ackID := ""
	if ackCallback != nil {
		ackID = s.acks.Register(message, ackCallback)
	}

	text, isText := message.(string)
	var pkt *wire.Packet
	if isText && !forceJSON {
		pkt = &wire.Packet{Kind: wire.KindMessage, Endpoint: s.endpoint, AckID: ackID, Data: text}
	} else {
		pkt = &wire.Packet{Kind: wire.KindJSONMessage, Endpoint: s.endpoint, AckID: ackID, JSON: message}
	}

	wirePkt, err := wire.Encode(pkt)
	if err != nil {
		slog.Error("encoding outbound message", "endpoint", s.endpoint, "error", err)
		return
	}
	s.sender.SendRaw(s.endpoint, wirePkt)
}

// Emit enqueues an Event packet with positional args.
func (s *Socket) Emit(name string, args ...interface{}) {
	s.emit(name, args, nil, nil)
}

// EmitAck enqueues an Event packet with positional args and registers a
// callback for the peer's Ack response.
func (s *Socket) EmitAck(callback func(original, response interface{}, hasResponse bool), name string, args ...interface{}) {
	s.emit(name, args, nil, callback)
}

// EmitKwargs enqueues an Event packet carrying a single keyword-argument
// object instead of a positional list.
func (s *Socket) EmitKwargs(name string, kwargs map[string]interface{}) {
	s.emit(name, nil, kwargs, nil)
}

func (s *Socket) emit(name string, args []interface{}, kwargs map[string]interface{}, callback func(original, response interface{}, hasResponse bool)) {
	ackID := ""
	if callback != nil {
		ackID = s.acks.Register(struct {
			Name string
			Args []interface{}
		}{name, args}, callback)
	}

	pkt := &wire.Packet{
		Kind:        wire.KindEvent,
		Endpoint:    s.endpoint,
		AckID:       ackID,
		EventName:   name,
		EventArgs:   args,
		EventKwargs: kwargs,
	}
	wirePkt, err := wire.Encode(pkt)
	if err != nil {
		slog.Error("encoding outbound event", "endpoint", s.endpoint, "event", name, "error", err)
		return
	}
	s.sender.SendRaw(s.endpoint, wirePkt)
}

// Close closes this endpoint, or the whole session if called on the
// default endpoint's Socket.
func (s *Socket) Close() {
	s.sender.CloseEndpoint(s.endpoint)
}

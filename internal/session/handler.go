package session

import "net"

// Handler is the common contract every transport implements, per
// the contract every transport implements. Sessions talk to transports
// exclusively through it, never
// through a transport-specific type.
type Handler interface {
	// Name is the transport's stable identifier ("websocket",
	// "xhr-polling", ...).
	Name() string

	// RemoteIP is the client IP this handler is bound to, checked against
	// the session's RemoteIP on attach (hijack defense).
	RemoteIP() net.IP

	// SendMessages delivers an entire batch of already-encoded packets to
	// the client in one logical response or frame.
	SendMessages(packets []string)

	// SessionClosed tells the handler the session is gone and it should
	// tear itself down (finish the HTTP response, close the socket, ...).
	SessionClosed()
}

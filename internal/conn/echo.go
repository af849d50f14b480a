package conn

import "log/slog"

// EchoConnection is a minimal reference Connection: it echoes every
// Message back to the sender, acks every Event with its own args, and logs
// open/close transitions. It is what cmd/gridstreamer-signaling wires in by
// default, and what the transport, handshake and router test suites
// exercise against.
type EchoConnection struct {
	socket   *Socket
	endpoint string

	// Endpoints, if non-nil, is consulted by GetEndpoint to decide which
	// sub-endpoints this connection serves. A nil map means "default
	// endpoint only, no sub-endpoints" — GetEndpoint always returns nil.
	Endpoints map[string]bool
}

// NewEchoConnection returns an EchoConnection that also serves the given
// sub-endpoint paths (e.g. "/chat").
func NewEchoConnection(endpoints ...string) *EchoConnection {
	c := &EchoConnection{}
	if len(endpoints) > 0 {
		c.Endpoints = make(map[string]bool, len(endpoints))
		for _, ep := range endpoints {
			c.Endpoints[ep] = true
		}
	}
	return c
}

func (c *EchoConnection) OnOpen(info Info, socket *Socket) (bool, error) {
	c.socket = socket
	c.endpoint = info.Endpoint
	slog.Debug("echo connection opened", "session_id", info.SessionID, "endpoint", info.Endpoint)
	return true, nil
}

func (c *EchoConnection) OnMessage(payload interface{}) {
	if c.socket == nil {
		return
	}
	c.socket.Send(payload, false, nil)
}

func (c *EchoConnection) OnEvent(name string, args []interface{}, kwargs map[string]interface{}) (interface{}, bool) {
	if kwargs != nil {
		return kwargs, true
	}
	return args, true
}

func (c *EchoConnection) OnClose() {
	slog.Debug("echo connection closed", "endpoint", c.endpoint)
}

func (c *EchoConnection) GetEndpoint(path string) Connection {
	if c.Endpoints == nil || !c.Endpoints[path] {
		return nil
	}
	return NewEchoConnection()
}

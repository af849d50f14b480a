package transport

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nvidia/gridstreamer/signaling/internal/session"
	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// WebSocketHandler implements the WebSocket and Flash-socket transports of
// the websocket and flashsocket transports: the two share this exact
// implementation and differ only in Name() and the URL they're mounted
// under. The upgrade-then-bidirectional-read/write-goroutine-pair shape
// mirrors a standard WebSocket proxy loop.
type WebSocketHandler struct {
	registry        Registry
	name            string
	websocketCheck  bool
	livenessTimeout time.Duration
	upgrader        websocket.Upgrader
}

// NewWebSocketHandler returns a handler for name ("websocket" or
// "flashsocket"). Both accept every origin: the socket is only useful once
// attached to a session the client already proved it holds the id for.
// livenessTimeout bounds how long an un-attached socket waits for its
// first inbound message when websocketCheck is enabled.
func NewWebSocketHandler(registry Registry, name string, websocketCheck bool, livenessTimeout time.Duration) *WebSocketHandler {
	return &WebSocketHandler{
		registry:        registry,
		name:            name,
		websocketCheck:  websocketCheck,
		livenessTimeout: livenessTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	sess, ok := h.registry.Get(sid)
	if !ok {
		unauthorized(w)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "session_id", sid, "error", err)
		return
	}
	defer wsConn.Close()

	handler := &wsHandler{
		name: h.name,
		ip:   ClientIP(r),
		conn: wsConn,
		live: !h.websocketCheck,
	}

	if handler.live {
		if err := sess.Attach(handler); err != nil {
			slog.Warn("websocket attach failed", "session_id", sid, "error", err)
			return
		}
	} else {
		heartbeat, _ := wire.Encode(&wire.Packet{Kind: wire.KindHeartbeat})
		if err := wsConn.WriteMessage(websocket.TextMessage, []byte(heartbeat)); err != nil {
			return
		}
		if h.livenessTimeout > 0 {
			wsConn.SetReadDeadline(time.Now().Add(h.livenessTimeout))
		}
	}

	for {
		_, payload, err := wsConn.ReadMessage()
		if err != nil {
			break
		}

		if !handler.live {
			handler.live = true
			wsConn.SetReadDeadline(time.Time{})
			if err := sess.Attach(handler); err != nil {
				slog.Warn("websocket deferred attach failed", "session_id", sid, "error", err)
				break
			}
		}

		sess.DelayHeartbeat()

		if err := sess.RawMessage(string(payload)); err != nil {
			slog.Warn("websocket dispatch error, closing session", "session_id", sid, "error", err)
			sess.Close()
			break
		}
	}

	sess.Detach(handler)
}

// wsHandler adapts one live WebSocket connection to session.Handler.
type wsHandler struct {
	name string
	ip   net.IP

	writeMu sync.Mutex
	conn    *websocket.Conn
	live    bool
}

func (h *wsHandler) Name() string     { return h.name }
func (h *wsHandler) RemoteIP() net.IP { return h.ip }

func (h *wsHandler) SendMessages(packets []string) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, p := range packets {
		h.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := h.conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			slog.Debug("websocket write error", "error", err)
			return
		}
	}
}

func (h *wsHandler) SessionClosed() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

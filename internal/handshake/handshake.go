// Package handshake implements the single handshake endpoint of
// the handshake endpoint: it creates a session and hands back the descriptor the
// client uses to pick and open a transport.
package handshake

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	json "github.com/segmentio/encoding/json"

	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/nvidia/gridstreamer/signaling/internal/session"
	"github.com/nvidia/gridstreamer/signaling/internal/transport"
)

// Creator is the subset of *session.Container the handshake needs.
type Creator interface {
	Create(remoteIP net.IP, defaultConn conn.Connection) (*session.Session, error)
}

// Handler serves the handshake endpoint.
type Handler struct {
	creator          Creator
	newDefaultConn   func() conn.Connection
	protocolVersion  string
	enabledProtocols []string
	heartbeatTimeout time.Duration
	closeTimeout     time.Duration
}

// Config carries the handshake-relevant settings sourced from internal/config.
type Config struct {
	ProtocolVersion  string
	EnabledProtocols []string
	HeartbeatTimeout time.Duration
	CloseTimeout     time.Duration
}

// New returns a handshake Handler. newDefaultConn must return a fresh
// Connection instance for the default endpoint of each new session.
func New(creator Creator, newDefaultConn func() conn.Connection, cfg Config) *Handler {
	return &Handler{
		creator:          creator,
		newDefaultConn:   newDefaultConn,
		protocolVersion:  cfg.ProtocolVersion,
		enabledProtocols: cfg.EnabledProtocols,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		closeTimeout:     cfg.CloseTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	transport.ApplyCORS(w, r)

	if version := requestedVersion(r); version != h.protocolVersion {
		slog.Warn("handshake with unsupported protocol version", "version", version)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	sess, err := h.creator.Create(transport.ClientIP(r), h.newDefaultConn())
	if err != nil {
		slog.Warn("handshake rejected by default connection", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	descriptor := fmt.Sprintf("%s:%d:%d:%s",
		sess.ID(),
		int(h.heartbeatTimeout.Seconds()),
		int(h.closeTimeout.Seconds()),
		strings.Join(h.enabledProtocols, ","),
	)

	if idx := r.URL.Query().Get("jsonp"); idx != "" {
		writeJSONPDescriptor(w, sanitizeIndex(idx), descriptor)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(descriptor))
}

// requestedVersion extracts the {version} path variable the router matched.
func requestedVersion(r *http.Request) string {
	return mux.Vars(r)["version"]
}

func sanitizeIndex(i string) string {
	if _, err := strconv.Atoi(i); err != nil {
		return "0"
	}
	return i
}

func writeJSONPDescriptor(w http.ResponseWriter, idx, descriptor string) {
	w.Header().Set("Content-Type", "application/javascript; charset=UTF-8")
	encoded, _ := json.Marshal(descriptor)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("io.j[" + idx + "](" + string(encoded) + ");"))
}

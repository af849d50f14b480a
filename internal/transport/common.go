// Package transport implements the five HTTP-facing transport adapters of
// the five transports, all reducing to session.Handler, plus the shared CORS
// preflight handling every one of them exposes.
package transport

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/nvidia/gridstreamer/signaling/internal/session"
	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// Registry is the subset of *session.Container every transport needs:
// look an existing session up by id. Handshake is the only thing that
// creates sessions.
type Registry interface {
	Get(id string) (*session.Session, bool)
}

func sessionID(r *http.Request) string {
	return mux.Vars(r)["sid"]
}

// ClientIP resolves the request's source address, preferring a forwarded
// header for deployments sitting behind a reverse proxy.
// Exported so the handshake handler can apply the identical resolution
// when creating the session clientIP will later be checked against.
func ClientIP(r *http.Request) net.IP {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		host = strings.TrimSpace(strings.Split(xf, ",")[0])
	}
	return net.ParseIP(host)
}

func noopFrame() string {
	encoded, _ := wire.Encode(&wire.Packet{Kind: wire.KindNoop})
	return encoded
}

// ApplyCORS sets the preflight headers every transport shares: echo the
// request's Origin, allow credentials when a session cookie accompanies
// the request, and advertise the three HTTP methods the polling
// transports use. Applications that need stricter origin checks wrap the
// router's handler and reject before it runs.
func ApplyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if _, err := r.Cookie("io"); err == nil {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
	}
}

// HandleOptions answers a CORS preflight OPTIONS request with just the
// shared headers.
func HandleOptions(w http.ResponseWriter, r *http.Request) {
	ApplyCORS(w, r)
	w.WriteHeader(http.StatusOK)
}

// unauthorized writes a bare 401, used for missing/closed sessions,
// hijacked IPs, and a handler already attached.
func unauthorized(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnauthorized)
}

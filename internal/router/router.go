// Package router wires the handshake and transport endpoints to a gorilla
// mux URL table, owns the session container and stats collector, and
// coordinates their background loops.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/nvidia/gridstreamer/signaling/internal/config"
	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/nvidia/gridstreamer/signaling/internal/handshake"
	"github.com/nvidia/gridstreamer/signaling/internal/session"
	"github.com/nvidia/gridstreamer/signaling/internal/stats"
	"github.com/nvidia/gridstreamer/signaling/internal/transport"
)

// Router owns the full signaling core: the session container, the stats
// collector, and the HTTP mux wiring both to the five transports and the
// handshake endpoint.
type Router struct {
	cfg        *config.Config
	container  *session.Container
	stats      *stats.Collector
	httpRouter *mux.Router
}

// New builds a Router. newDefaultConn constructs a fresh application
// Connection for the default endpoint of each new session.
func New(cfg *config.Config, newDefaultConn func() conn.Connection) *Router {
	statsCollector := stats.NewCollector()

	sessionCfg := session.Config{
		ExpirySeconds:     cfg.SessionExpiry,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissedThreshold:   cfg.MissedHeartbeatThreshold,
		GlobalHeartbeats:  cfg.GlobalHeartbeats,
	}
	container := session.NewContainer(sessionCfg, cfg.SessionCheckInterval, statsCollector)

	rt := &Router{
		cfg:       cfg,
		container: container,
		stats:     statsCollector,
	}
	rt.httpRouter = rt.buildMux(newDefaultConn)
	return rt
}

func (rt *Router) buildMux(newDefaultConn func() conn.Connection) *mux.Router {
	m := mux.NewRouter()

	base := "/" + rt.cfg.Namespace + "/" + rt.cfg.ProtocolVersion

	hs := handshake.New(rt.container, newDefaultConn, handshake.Config{
		ProtocolVersion:  rt.cfg.ProtocolVersion,
		EnabledProtocols: rt.cfg.EnabledProtocols,
		HeartbeatTimeout: rt.cfg.HeartbeatTimeout(),
		CloseTimeout:     rt.cfg.CloseTimeout(),
	})
	m.Handle("/"+rt.cfg.Namespace+"/{version}/", hs).Methods(http.MethodGet)

	for _, name := range rt.cfg.EnabledProtocols {
		pattern := base + "/" + name + "/{sid}"
		switch name {
		case "websocket":
			h := transport.NewWebSocketHandler(rt.container, "websocket", rt.cfg.WebsocketCheck, rt.cfg.ClientTimeout)
			m.Handle(pattern, h).Methods(http.MethodGet)
		case "flashsocket":
			h := transport.NewWebSocketHandler(rt.container, "flashsocket", rt.cfg.WebsocketCheck, rt.cfg.ClientTimeout)
			m.Handle(pattern, h).Methods(http.MethodGet)
		case "xhr-polling":
			h := transport.NewXHRPollingHandler(rt.container, rt.cfg.XHRPollingTimeout)
			m.Handle(pattern, h).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
		case "jsonp-polling":
			h := transport.NewJSONPPollingHandler(rt.container, rt.cfg.XHRPollingTimeout)
			m.Handle(pattern, h).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
		case "htmlfile":
			h := transport.NewHTMLFileHandler(rt.container)
			m.Handle(pattern, h).Methods(http.MethodGet, http.MethodOptions)
		}
	}

	return m
}

// ServeHTTP lets Router be used directly as an http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.httpRouter.ServeHTTP(w, r)
}

// Stats exposes the stats collector for health/metrics endpoints.
func (rt *Router) Stats() *stats.Collector { return rt.stats }

// Run drives the session sweep and stats tick loops until ctx is
// cancelled, or either loop returns an error.
func (rt *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.container.Run(gctx) })
	g.Go(func() error { return rt.stats.Run(gctx) })
	return g.Wait()
}

// shutdownGrace is how long Run's callers should allow in-flight requests
// (most relevantly: long-held polling GETs and streaming htmlfile
// responses) to unwind after ctx is cancelled.
const shutdownGrace = 30 * time.Second

// ShutdownGrace returns the recommended http.Server shutdown deadline.
func ShutdownGrace() time.Duration { return shutdownGrace }

package transport

import (
	"net"
	"net/http"
	"strings"
	"sync"

	json "github.com/segmentio/encoding/json"

	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// htmlShim is written once at the start of every htmlfile stream: an
// open <html><body> and a script shim the client page uses to receive
// each subsequent chunk. ServeHTTP follows it with padding so the leading
// write clears the ~256-byte buffering threshold of older IE's streaming XHR.
const htmlShim = `<html><body><script>var _ = function (msg) { parent.s._(msg, document); };</script>`

// HTMLFileHandler implements the htmlfile transport: a single streaming GET that
// stays open until the client disconnects. A session close does not end the
// response; the handler stays attached until the request context is done.
type HTMLFileHandler struct {
	registry Registry
}

// NewHTMLFileHandler returns the htmlfile transport handler.
func NewHTMLFileHandler(registry Registry) *HTMLFileHandler {
	return &HTMLFileHandler{registry: registry}
}

func (h *HTMLFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ApplyCORS(w, r)
	if r.Method == http.MethodOptions {
		HandleOptions(w, r)
		return
	}

	sess, ok := h.registry.Get(sessionID(r))
	if !ok {
		unauthorized(w)
		return
	}

	flusher, canFlush := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)

	preamble := htmlShim + strings.Repeat(" ", 244) // pads the shim past 256 bytes total
	_, _ = w.Write([]byte(preamble))
	if canFlush {
		flusher.Flush()
	}

	handler := &htmlFileHandler{ip: ClientIP(r), w: w, flusher: flusher}
	if err := sess.Attach(handler); err != nil {
		return
	}

	<-r.Context().Done()
	sess.Detach(handler)
}

// htmlFileHandler adapts the streaming response writer to session.Handler;
// every flush frames the whole batch and emits exactly one inline <script>
// call, matching how the other streaming transports frame a flush.
type htmlFileHandler struct {
	ip      net.IP
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (h *htmlFileHandler) Name() string     { return "htmlfile" }
func (h *htmlFileHandler) RemoteIP() net.IP { return h.ip }

func (h *htmlFileHandler) SendMessages(packets []string) {
	if len(packets) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	encoded, err := json.Marshal(wire.EncodeFrames(packets))
	if err != nil {
		return
	}
	if _, err := h.w.Write([]byte("<script>_(" + string(encoded) + ");</script>")); err != nil {
		return
	}
	if h.flusher != nil {
		h.flusher.Flush()
	}
}

func (h *htmlFileHandler) SessionClosed() {
	// The streaming response ends when ServeHTTP's request context is
	// cancelled by the client disconnecting; nothing further to write.
}

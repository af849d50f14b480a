package transport

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/wire"
)

// XHRPollingHandler implements the xhr-polling transport: a short-lived GET per poll,
// held open until the session has something to flush or pollTimeout
// elapses, plus a POST carrying client-to-server traffic.
type XHRPollingHandler struct {
	registry    Registry
	pollTimeout time.Duration
}

// NewXHRPollingHandler returns the xhr-polling transport handler.
func NewXHRPollingHandler(registry Registry, pollTimeout time.Duration) *XHRPollingHandler {
	return &XHRPollingHandler{registry: registry, pollTimeout: pollTimeout}
}

func (h *XHRPollingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ApplyCORS(w, r)
	switch r.Method {
	case http.MethodGet:
		h.serveGet(w, r)
	case http.MethodPost:
		h.servePost(w, r)
	case http.MethodOptions:
		HandleOptions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *XHRPollingHandler) serveGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.registry.Get(sessionID(r))
	if !ok {
		unauthorized(w)
		return
	}

	pw := newPollWaiter("xhr-polling", ClientIP(r))
	if err := sess.Attach(pw); err != nil {
		unauthorized(w)
		return
	}

	select {
	case <-pw.ready:
	case <-pw.closedCh:
	case <-time.After(h.pollTimeout):
		pw.appendTimeout(noopFrame())
	case <-r.Context().Done():
		sess.Detach(pw)
		return
	}

	sess.Detach(pw)
	writeXHRResponse(w, pw.drain())
}

func (h *XHRPollingHandler) servePost(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.registry.Get(sessionID(r))
	if !ok {
		unauthorized(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	text := strings.TrimPrefix(string(body), "data=")

	packets, err := wire.DecodeFrames(text)
	if err != nil {
		slog.Warn("xhr-polling post decode error, closing session", "error", err)
		sess.Close()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, p := range packets {
		if err := sess.RawMessage(p); err != nil {
			slog.Warn("xhr-polling dispatch error, closing session", "error", err)
			sess.Close()
			break
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
}

func writeXHRResponse(w http.ResponseWriter, packets []string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if len(packets) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wire.EncodeFrames(packets)))
}
